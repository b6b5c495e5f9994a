// Package syncer drains the mutation queue against the network.
//
// The processor is the state machine at the heart of the offline-first
// engine. A run fetches the eligible queue batch in (priority, enqueue)
// order and replays each mutation sequentially, one in flight at a
// time to preserve causal order, classifying every response:
//
//	2xx       → item removed, originating record marked synced
//	409       → item flagged conflict, kept for manual resolution
//	other 4xx → item terminally failed
//	5xx/timeout/network → item returned to pending, up to the retry ceiling
//
// Runs are single-flight: a guard flag rejects reentrant Sync calls, so
// a reconnect trigger can never overlap a manual sync.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/store"
	"github.com/classkit/satchel/internal/transport"
)

// ErrSyncInProgress rejects a Sync call while another run is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// EventType labels processor notifications.
type EventType string

const (
	EventSyncStarted  EventType = "sync_started"
	EventItemSynced   EventType = "item_synced"
	EventItemConflict EventType = "item_conflict"
	EventItemFailed   EventType = "item_failed"
	EventSyncFinished EventType = "sync_finished"
)

// Event is one processor notification, delivered to the optional
// OnEvent hook (the dashboard subscribes through it).
type Event struct {
	Type   EventType
	Item   *queue.Item
	Err    error
	Result *Result
	Time   time.Time
}

// ItemError pairs a queue item with the terminal error it hit.
type ItemError struct {
	ItemID   string
	Resource string
	Err      error
}

// Result summarizes one processor run.
type Result struct {
	// Processed is the number of items confirmed and removed.
	Processed int
	// Errors lists items that became terminally failed this run.
	Errors []ItemError
	// Conflicts lists items flagged 409 this run.
	Conflicts []ItemError
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Config holds processor dependencies.
type Config struct {
	Queue  *queue.Queue
	Store  *store.DB
	Client *transport.Client

	// OnEvent receives processor notifications. Optional.
	OnEvent func(Event)

	// Logger for processor activity (default: stderr logger).
	Logger *log.Logger
}

// Processor drains the mutation queue, one item at a time.
type Processor struct {
	queue  *queue.Queue
	store  *store.DB
	client *transport.Client
	notify func(Event)
	logger *log.Logger

	// running is the single in-memory mutual-exclusion flag; the only
	// shared coordination state the engine has.
	running int32

	mu       sync.Mutex
	lastSync time.Time
}

// New creates a processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Client == nil {
		return nil, fmt.Errorf("queue, store and client are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Processor{
		queue:  cfg.Queue,
		store:  cfg.Store,
		client: cfg.Client,
		notify: cfg.OnEvent,
		logger: logger,
	}, nil
}

// SetOnEvent installs the notification hook. Call during wiring,
// before any Sync runs.
func (p *Processor) SetOnEvent(fn func(Event)) {
	p.notify = fn
}

// Running reports whether a sync run is active.
func (p *Processor) Running() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// LastSyncTime returns when the last run finished. Zero if never.
func (p *Processor) LastSyncTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSync
}

// Sync drains the eligible queue batch against the network.
//
// Returns ErrSyncInProgress if another run is active. Triggered by
// network reconnect, explicit manual sync, or application startup.
func (p *Processor) Sync(ctx context.Context) (*Result, error) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return nil, ErrSyncInProgress
	}
	defer atomic.StoreInt32(&p.running, 0)

	start := time.Now()
	p.emit(Event{Type: EventSyncStarted, Time: start})

	batch, err := p.queue.DequeueBatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue batch: %w", err)
	}

	result := &Result{}
	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		p.processItem(ctx, item, result)
	}

	result.Duration = time.Since(start)

	p.mu.Lock()
	p.lastSync = time.Now()
	p.mu.Unlock()

	p.logger.Printf("Sync complete: processed=%d errors=%d conflicts=%d in %v",
		result.Processed, len(result.Errors), len(result.Conflicts),
		result.Duration.Round(time.Millisecond))
	p.emit(Event{Type: EventSyncFinished, Result: result, Time: time.Now()})

	return result, nil
}

// processItem replays one mutation and applies the outcome to the queue
// and the originating record. Item-level failures are recorded on the
// result, never propagated: one bad item must not stall the drain.
func (p *Processor) processItem(ctx context.Context, item *queue.Item, result *Result) {
	if err := p.queue.MarkSyncing(ctx, item.ID); err != nil {
		p.logger.Printf("Skipping %s: %v", item.ID, err)
		return
	}

	resp, err := p.client.Do(ctx, item.Method, item.URL, item.Payload)
	switch transport.Classify(resp, err) {
	case transport.OutcomeSuccess:
		p.confirmItem(ctx, item, resp)
		result.Processed++
		p.emit(Event{Type: EventItemSynced, Item: item, Time: time.Now()})

	case transport.OutcomeConflict:
		cause := transport.ErrConflict
		if err := p.queue.MarkConflict(ctx, item.ID, cause); err != nil {
			p.logger.Printf("Failed to flag conflict on %s: %v", item.ID, err)
		}
		result.Conflicts = append(result.Conflicts, ItemError{
			ItemID: item.ID, Resource: item.Resource, Err: cause,
		})
		p.emit(Event{Type: EventItemConflict, Item: item, Err: cause, Time: time.Now()})

	case transport.OutcomeClientError:
		cause := transport.OutcomeError(resp, nil)
		if err := p.queue.MarkFailed(ctx, item.ID, cause); err != nil {
			p.logger.Printf("Failed to mark %s failed: %v", item.ID, err)
		}
		result.Errors = append(result.Errors, ItemError{
			ItemID: item.ID, Resource: item.Resource, Err: cause,
		})
		p.emit(Event{Type: EventItemFailed, Item: item, Err: cause, Time: time.Now()})

	case transport.OutcomeRetryable:
		cause := transport.OutcomeError(resp, err)
		terminal, markErr := p.queue.MarkRetry(ctx, item.ID, cause)
		if markErr != nil {
			p.logger.Printf("Failed to mark %s for retry: %v", item.ID, markErr)
			return
		}
		if terminal {
			exhausted := fmt.Errorf("%w: %v", queue.ErrQueueExhausted, cause)
			result.Errors = append(result.Errors, ItemError{
				ItemID: item.ID, Resource: item.Resource, Err: exhausted,
			})
			p.emit(Event{Type: EventItemFailed, Item: item, Err: exhausted, Time: time.Now()})
		}
	}
}

// confirmItem removes a confirmed item and marks the originating record
// synced. POST confirmations also record the server-assigned id.
func (p *Processor) confirmItem(ctx context.Context, item *queue.Item, resp *transport.Response) {
	if err := p.queue.MarkCompleted(ctx, item.ID); err != nil {
		p.logger.Printf("Failed to remove completed item %s: %v", item.ID, err)
		return
	}

	if item.LocalID == "" {
		return
	}

	if item.Method == http.MethodPost {
		if remoteID := remoteIDFromBody(resp.Body); remoteID != "" {
			if err := p.store.SetRemoteID(ctx, item.Resource, item.LocalID, remoteID); err != nil {
				p.logger.Printf("Failed to record remote id for %s/%s: %v",
					item.Resource, item.LocalID, err)
			}
		}
	}

	if err := p.store.MarkSynced(ctx, item.Resource, []string{item.LocalID}); err != nil {
		p.logger.Printf("Failed to mark %s/%s synced: %v", item.Resource, item.LocalID, err)
	}
}

func (p *Processor) emit(e Event) {
	if p.notify != nil {
		p.notify(e)
	}
}

// remoteIDFromBody extracts the server-assigned id from a creation
// response. Servers answer with either a string or numeric id; anything
// else is ignored.
func remoteIDFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	switch id := envelope.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}
