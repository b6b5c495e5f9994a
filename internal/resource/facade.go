// Package resource provides the optimistic CRUD facade feature code uses.
//
// A facade binds one registered resource to the durable store, the
// mutation queue, the network monitor and the sync processor, and keeps
// the online/offline branching out of feature code: every mutating call
// succeeds as soon as the local durable write commits, and the remote
// side either happens immediately (online) or is queued for the next
// sync pass. Callers must treat results as eventually consistent, not
// immediately confirmed.
package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/classkit/satchel/internal/netmon"
	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/registry"
	"github.com/classkit/satchel/internal/store"
	"github.com/classkit/satchel/internal/syncer"
	"github.com/classkit/satchel/internal/transport"
)

// EventType labels facade notifications.
type EventType string

const (
	// EventCreated fires after a local create commits.
	EventCreated EventType = "created"
	// EventUpdated fires after a local update commits.
	EventUpdated EventType = "updated"
	// EventDeleted fires after a local delete commits.
	EventDeleted EventType = "deleted"
	// EventRefreshed fires after a full server refresh replaced the cache.
	EventRefreshed EventType = "refreshed"
	// EventFallback fires when a refresh failed and the existing cache
	// was served instead. Not an error; the UI may surface staleness.
	EventFallback EventType = "fallback"
	// EventCleared fires after the local cache was wiped.
	EventCleared EventType = "cleared"
)

// Event is one facade notification.
type Event struct {
	Type     EventType
	Resource string
	LocalID  string
	Time     time.Time
}

// SyncStatus is the aggregate sync health exposed to UI code.
type SyncStatus struct {
	Online     bool      `json:"online"`
	Quality    string    `json:"quality"`
	QueueDepth int       `json:"queue_depth"`
	DirtyCount int       `json:"dirty_count"`
	Syncing    bool      `json:"syncing"`
	LastSync   time.Time `json:"last_sync"`
}

// Status is the reactive surface for one resource.
type Status struct {
	Loading   bool       `json:"loading"`
	LastError string     `json:"last_error,omitempty"`
	Sync      SyncStatus `json:"sync"`
}

// Config holds facade dependencies.
type Config struct {
	Registry  *registry.Registry
	Resource  string
	Store     *store.DB
	Queue     *queue.Queue
	Client    *transport.Client
	Monitor   *netmon.Monitor
	Processor *syncer.Processor
	Logger    *log.Logger
}

// Facade is the single entry point feature code uses to read and write
// one resource transparently online or offline.
type Facade struct {
	res       registry.Resource
	priority  queue.Priority
	store     *store.DB
	queue     *queue.Queue
	client    *transport.Client
	monitor   *netmon.Monitor
	processor *syncer.Processor
	logger    *log.Logger

	loading int32

	mu      sync.Mutex
	lastErr string
	subs    []chan Event
}

// New creates a facade for one registered resource. Unknown resource
// names fail here, at wiring time.
func New(cfg Config) (*Facade, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	res, err := cfg.Registry.Get(cfg.Resource)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Queue == nil || cfg.Client == nil {
		return nil, fmt.Errorf("store, queue and client are required")
	}
	priority, err := queue.ParsePriority(res.Priority)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[resource] ", log.LstdFlags)
	}

	return &Facade{
		res:       res,
		priority:  priority,
		store:     cfg.Store,
		queue:     cfg.Queue,
		client:    cfg.Client,
		monitor:   cfg.Monitor,
		processor: cfg.Processor,
		logger:    logger,
	}, nil
}

// Resource returns the resource name this facade serves.
func (f *Facade) Resource() string {
	return f.res.Name
}

// Watch returns a channel of facade events. The channel is buffered;
// events are dropped, not blocked on, when a subscriber lags.
func (f *Facade) Watch() <-chan Event {
	ch := make(chan Event, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

// Close closes all subscriber channels.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func (f *Facade) emit(t EventType, localID string) {
	e := Event{Type: t, Resource: f.res.Name, LocalID: localID, Time: time.Now()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *Facade) online() bool {
	return f.monitor != nil && f.monitor.Online()
}

func (f *Facade) setLastError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.lastErr = ""
	} else {
		f.lastErr = err.Error()
	}
}

// Create writes a new record optimistically and mirrors it remotely.
//
// A client-local id is generated and sent as the proposed record id; the
// server may honor it or assign its own, which lands in RemoteID on
// confirmation. When offline or when the immediate POST fails, the POST
// is queued and the record stays dirty. The call succeeds as soon as
// the local write commits.
func (f *Facade) Create(ctx context.Context, payload json.RawMessage) (*store.Record, error) {
	localID := uuid.NewString()
	body, err := injectID(payload, localID)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	rec := &store.Record{LocalID: localID, Payload: body}
	if err := f.store.Put(ctx, f.res.Name, rec); err != nil {
		return nil, err
	}
	f.emit(EventCreated, localID)

	if f.online() {
		resp, err := f.client.Do(ctx, http.MethodPost, f.res.Endpoint, body)
		if transport.Classify(resp, err) == transport.OutcomeSuccess {
			remoteID, confirmed := confirmedRecord(resp.Body, localID)
			if err := f.store.ConfirmRemote(ctx, f.res.Name, localID, remoteID, confirmed); err != nil {
				return nil, err
			}
			return f.store.Get(ctx, f.res.Name, localID)
		}
		f.logger.Printf("Immediate POST for %s/%s did not confirm, queueing: %v",
			f.res.Name, localID, transport.OutcomeError(resp, err))
	}

	if _, err := f.queue.Enqueue(ctx, &queue.Item{
		Method:   http.MethodPost,
		URL:      f.res.Endpoint,
		Payload:  body,
		Resource: f.res.Name,
		LocalID:  localID,
		Priority: f.priority,
	}); err != nil {
		return nil, err
	}

	return f.store.Get(ctx, f.res.Name, localID)
}

// Update merges a patch into the stored record, reflects it immediately,
// and mirrors a PUT remotely (or queues it).
func (f *Facade) Update(ctx context.Context, localID string, patch json.RawMessage) (*store.Record, error) {
	rec, err := f.store.Get(ctx, f.res.Name, localID)
	if err != nil {
		return nil, err
	}

	merged, err := mergePayload(rec.Payload, patch)
	if err != nil {
		return nil, fmt.Errorf("invalid patch for %s/%s: %w", f.res.Name, localID, err)
	}
	rec.Payload = merged
	if err := f.store.Put(ctx, f.res.Name, rec); err != nil {
		return nil, err
	}
	f.emit(EventUpdated, localID)

	url := f.res.ItemEndpoint(f.remoteOrLocal(rec))

	if f.online() {
		resp, err := f.client.Do(ctx, http.MethodPut, url, merged)
		if transport.Classify(resp, err) == transport.OutcomeSuccess {
			if err := f.store.MarkSynced(ctx, f.res.Name, []string{localID}); err != nil {
				return nil, err
			}
			return f.store.Get(ctx, f.res.Name, localID)
		}
		f.logger.Printf("Immediate PUT for %s/%s did not confirm, queueing: %v",
			f.res.Name, localID, transport.OutcomeError(resp, err))
	}

	if _, err := f.queue.Enqueue(ctx, &queue.Item{
		Method:   http.MethodPut,
		URL:      url,
		Payload:  merged,
		Resource: f.res.Name,
		LocalID:  localID,
		Priority: f.priority,
	}); err != nil {
		return nil, err
	}

	return f.store.Get(ctx, f.res.Name, localID)
}

// Delete removes a record locally and mirrors the deletion remotely.
//
// soft=true tombstones the record (deleted_at stamped, dirty) so the
// deletion survives until the server confirms it; soft=false removes
// the local row outright.
func (f *Facade) Delete(ctx context.Context, localID string, soft bool) error {
	rec, err := f.store.Get(ctx, f.res.Name, localID)
	if err != nil {
		return err
	}

	if err := f.store.Delete(ctx, f.res.Name, localID, soft); err != nil {
		return err
	}
	f.emit(EventDeleted, localID)

	url := f.res.ItemEndpoint(f.remoteOrLocal(rec))

	if f.online() {
		resp, err := f.client.Do(ctx, http.MethodDelete, url, nil)
		if transport.Classify(resp, err) == transport.OutcomeSuccess {
			if soft {
				return f.store.MarkSynced(ctx, f.res.Name, []string{localID})
			}
			return nil
		}
		f.logger.Printf("Immediate DELETE for %s/%s did not confirm, queueing: %v",
			f.res.Name, localID, transport.OutcomeError(resp, err))
	}

	markLocal := ""
	if soft {
		markLocal = localID
	}
	_, err = f.queue.Enqueue(ctx, &queue.Item{
		Method:   http.MethodDelete,
		URL:      url,
		Resource: f.res.Name,
		LocalID:  markLocal,
		Priority: f.priority,
	})
	return err
}

// LoadAll returns every live record, refreshing from the server first
// when online and the local copy is missing, stale beyond the resource's
// configured staleness, or a refresh is forced.
//
// A failed refresh is not an error: the existing cache is served and a
// fallback event emitted (stale-while-revalidate).
func (f *Facade) LoadAll(ctx context.Context, forceRefresh bool) ([]*store.Record, error) {
	atomic.StoreInt32(&f.loading, 1)
	defer atomic.StoreInt32(&f.loading, 0)

	if f.online() && (forceRefresh || f.isStale(ctx)) {
		if err := f.refresh(ctx); err != nil {
			f.logger.Printf("Refresh of %s failed, serving cache: %v", f.res.Name, err)
			f.setLastError(err)
			f.emit(EventFallback, "")
		} else {
			f.setLastError(nil)
			f.emit(EventRefreshed, "")
		}
	}

	return f.store.List(ctx, f.res.Name, store.ListFilter{})
}

// LoadByID returns one record, fetching it from the server on a local
// miss when online.
func (f *Facade) LoadByID(ctx context.Context, id string) (*store.Record, error) {
	rec, err := f.store.Get(ctx, f.res.Name, id)
	if err == nil {
		return rec, nil
	}
	if !f.online() {
		return nil, err
	}

	resp, doErr := f.client.Do(ctx, http.MethodGet, f.res.ItemEndpoint(id), nil)
	if transport.Classify(resp, doErr) != transport.OutcomeSuccess {
		return nil, err
	}

	fetched := &store.Record{LocalID: id, RemoteID: id, Payload: resp.Body}
	if putErr := f.store.PutSynced(ctx, f.res.Name, fetched); putErr != nil {
		return nil, putErr
	}
	return f.store.Get(ctx, f.res.Name, id)
}

// Sync triggers one processor run over the shared queue.
func (f *Facade) Sync(ctx context.Context) (*syncer.Result, error) {
	if f.processor == nil {
		return nil, fmt.Errorf("no sync processor configured")
	}
	return f.processor.Sync(ctx)
}

// ClearCache wipes the local copy of this resource.
func (f *Facade) ClearCache(ctx context.Context) error {
	if err := f.store.ClearResource(ctx, f.res.Name); err != nil {
		return err
	}
	f.emit(EventCleared, "")
	return nil
}

// Status reports the reactive surface: loading state, last refresh
// error, and aggregate sync health.
func (f *Facade) Status(ctx context.Context) (*Status, error) {
	depth, err := f.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	dirty, err := f.store.DirtyCount(ctx, f.res.Name)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Loading: atomic.LoadInt32(&f.loading) == 1,
		Sync: SyncStatus{
			QueueDepth: depth,
			DirtyCount: dirty,
		},
	}
	f.mu.Lock()
	st.LastError = f.lastErr
	f.mu.Unlock()

	if f.monitor != nil {
		netState := f.monitor.State()
		st.Sync.Online = netState.Online
		st.Sync.Quality = netState.Quality.String()
	}
	if f.processor != nil {
		st.Sync.Syncing = f.processor.Running()
		st.Sync.LastSync = f.processor.LastSyncTime()
	}
	return st, nil
}

// isStale reports whether the local copy needs a server refresh.
func (f *Facade) isStale(ctx context.Context) bool {
	refreshed, err := f.store.RefreshedAt(ctx, f.res.Name)
	if err != nil || refreshed.IsZero() {
		return true
	}
	if f.res.CacheStale <= 0 {
		return true
	}
	return time.Since(refreshed) > f.res.CacheStale
}

// refresh fetches the full collection and atomically replaces the local
// cache, marking everything synced. Dirty local records survive the swap.
func (f *Facade) refresh(ctx context.Context) error {
	resp, err := f.client.Do(ctx, http.MethodGet, f.res.Endpoint, nil)
	if outcomeErr := transport.OutcomeError(resp, err); outcomeErr != nil {
		return outcomeErr
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return fmt.Errorf("unexpected collection body for %s: %w", f.res.Name, err)
	}

	recs := make([]*store.Record, 0, len(items))
	for _, item := range items {
		id := idFromPayload(item)
		if id == "" {
			f.logger.Printf("Skipping %s record without id in server snapshot", f.res.Name)
			continue
		}
		recs = append(recs, &store.Record{LocalID: id, RemoteID: id, Payload: item})
	}

	return f.store.ReplaceAll(ctx, f.res.Name, recs)
}

// remoteOrLocal picks the identifier used in remote URLs: the confirmed
// server id when known, else the client id the queued POST proposed.
func (f *Facade) remoteOrLocal(rec *store.Record) string {
	if rec.RemoteID != "" {
		return rec.RemoteID
	}
	return rec.LocalID
}

// injectID returns the payload with an "id" field set, leaving an
// existing id untouched.
func injectID(payload json.RawMessage, id string) (json.RawMessage, error) {
	obj := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, err
		}
	}
	if _, ok := obj["id"]; !ok {
		obj["id"] = id
	}
	return json.Marshal(obj)
}

// mergePayload overlays patch fields onto the base object. A patch that
// is not a JSON object replaces the payload wholesale.
func mergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	var patchObj map[string]interface{}
	if err := json.Unmarshal(patch, &patchObj); err != nil {
		var anything interface{}
		if err := json.Unmarshal(patch, &anything); err != nil {
			return nil, err
		}
		return patch, nil
	}

	baseObj := map[string]interface{}{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseObj); err != nil {
			baseObj = map[string]interface{}{}
		}
	}
	for k, v := range patchObj {
		baseObj[k] = v
	}
	return json.Marshal(baseObj)
}

// confirmedRecord extracts the server-confirmed payload and id from a
// creation response. An empty body confirms the optimistic payload.
func confirmedRecord(body []byte, localID string) (remoteID string, payload json.RawMessage) {
	remoteID = localID
	if len(body) == 0 {
		return remoteID, nil
	}
	if id := idFromPayload(body); id != "" {
		remoteID = id
	}
	return remoteID, json.RawMessage(body)
}

// idFromPayload pulls the "id" field out of a JSON object, tolerating
// numeric ids.
func idFromPayload(payload []byte) string {
	var envelope struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	switch id := envelope.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
