// Package queue provides the durable mutation queue.
//
// Every remote write that cannot complete synchronously against the
// network lands here. Items survive process restarts, drain in
// (priority, enqueue) order, and move through a small status machine:
//
//	pending → syncing → removed           (confirmed 2xx)
//	                  → pending           (retryable failure, under the ceiling)
//	                  → failed            (ceiling reached, or permanent 4xx)
//	                  → conflict          (server 409, manual resolution)
//
// At most one item is syncing at any instant; the processor drains
// sequentially to preserve causal order per resource.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/classkit/satchel/internal/store"
)

// Priority orders queued mutations. Lower values drain first; a higher
// priority item always precedes a lower one even if enqueued later.
// Starvation of low-priority items is an accepted tradeoff.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its value.
// Empty input defaults to medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// DefaultRetryCeiling is how many retryable failures an item absorbs
// before it becomes terminally failed.
const DefaultRetryCeiling = 5

var (
	// ErrQueueExhausted marks an item that hit the retry ceiling.
	ErrQueueExhausted = errors.New("retry ceiling reached")

	// ErrItemNotFound is returned when a queue item id is unknown.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrAlreadySyncing guards the single-in-flight invariant.
	ErrAlreadySyncing = errors.New("another item is already syncing")
)

// Item is one pending remote write operation.
type Item struct {
	ID         string
	Seq        int64
	Method     string
	URL        string
	Payload    json.RawMessage
	Resource   string
	LocalID    string
	Priority   Priority
	Status     Status
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

// Queue is the durable backlog of pending remote operations.
type Queue struct {
	db        *sql.DB
	ceiling   int
	logger    *log.Logger
	onEnqueue func(*Item)
}

// New creates a queue on the shared durable store.
//
// ceiling <= 0 selects DefaultRetryCeiling. If logger is nil, a default
// logger writing to stderr is used.
//
// Items left in 'syncing' by a crashed process are reset to 'pending'
// so delivery stays at-least-once across restarts.
func New(db *store.DB, ceiling int, logger *log.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	q := &Queue{db: db.RawDB(), ceiling: ceiling, logger: logger}

	res, err := q.db.Exec("UPDATE mutations SET status = ? WHERE status = ?",
		StatusPending, StatusSyncing)
	if err != nil {
		return nil, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Printf("Recovered %d in-flight mutation(s) from previous run", n)
	}

	return q, nil
}

// RetryCeiling returns the configured retry ceiling.
func (q *Queue) RetryCeiling() int {
	return q.ceiling
}

// SetOnEnqueue installs a hook called after every successful Enqueue.
// Call during wiring, before the queue is shared.
func (q *Queue) SetOnEnqueue(fn func(*Item)) {
	q.onEnqueue = fn
}

// Enqueue adds a mutation to the backlog and returns its id.
//
// Only method, url, resource and priority are required; payload may be
// empty (DELETE) and local_id empty for operations not tied to a record.
func (q *Queue) Enqueue(ctx context.Context, item *Item) (string, error) {
	if item.Method == "" || item.URL == "" {
		return "", fmt.Errorf("method and url are required")
	}
	if item.Resource == "" {
		return "", fmt.Errorf("resource is required")
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = StatusPending
	item.CreatedAt = time.Now().UTC()

	_, err := q.db.ExecContext(ctx, `
	INSERT INTO mutations (id, method, url, payload, resource, local_id, priority, status, retry_count, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
	`,
		item.ID,
		item.Method,
		item.URL,
		string(item.Payload),
		item.Resource,
		item.LocalID,
		int(item.Priority),
		string(item.Status),
		item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s: %w", item.Method, item.URL, err)
	}

	q.logger.Printf("Enqueued %s %s (%s, priority=%s)", item.Method, item.URL, item.ID, item.Priority)
	if q.onEnqueue != nil {
		q.onEnqueue(item)
	}
	return item.ID, nil
}

const itemColumns = "seq, id, method, url, payload, resource, local_id, priority, status, retry_count, last_error, created_at"

// DequeueBatch returns the items eligible for processing, ordered by
// (priority, enqueue sequence).
//
// Eligible means pending, or failed with retries left under the ceiling.
// Conflicts and terminally failed items are excluded until explicitly
// re-triggered.
func (q *Queue) DequeueBatch(ctx context.Context) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
	SELECT %s FROM mutations
	WHERE status = ? OR (status = ? AND retry_count < ?)
	ORDER BY priority ASC, seq ASC
	`, itemColumns), StatusPending, StatusFailed, q.ceiling)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// MarkSyncing transitions an item to syncing.
//
// Fails with ErrAlreadySyncing if any other item is in flight: the queue
// enforces the at-most-one-syncing invariant even if two processors race.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
	UPDATE mutations SET status = ?
	WHERE id = ?
	  AND NOT EXISTS (SELECT 1 FROM mutations WHERE status = ? AND id != ?)
	`, StatusSyncing, id, StatusSyncing, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", id, err)
	}
	if n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadySyncing
	}
	return nil
}

// MarkCompleted removes a confirmed item from the queue.
//
// An item is never removed before a confirmed 2xx; this is the only
// path that deletes a row outside explicit operator action.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to complete %s: %w", id, err)
	}
	return nil
}

// MarkRetry records a retryable failure.
//
// The item returns to pending so the next processing pass picks it up
// again; there is no timed backoff. Once the retry count reaches the
// ceiling the item becomes terminally failed, and MarkRetry reports
// terminal=true with the last error annotated as queue exhaustion.
func (q *Queue) MarkRetry(ctx context.Context, id string, cause error) (terminal bool, err error) {
	item, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}

	retries := item.RetryCount + 1
	status := StatusPending
	msg := errMessage(cause)
	if retries >= q.ceiling {
		status = StatusFailed
		terminal = true
		msg = fmt.Sprintf("%v: %s", ErrQueueExhausted, msg)
	}

	_, err = q.db.ExecContext(ctx,
		"UPDATE mutations SET status = ?, retry_count = ?, last_error = ? WHERE id = ?",
		status, retries, msg, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s for retry: %w", id, err)
	}

	if terminal {
		q.logger.Printf("Item %s exhausted its %d retries: %s", id, q.ceiling, errMessage(cause))
	}
	return terminal, nil
}

// MarkFailed records a permanent, non-retryable failure (a client error
// other than 409). The retry count is pinned to the ceiling so the item
// never re-enters the eligible set.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE mutations SET status = ?, retry_count = ?, last_error = ? WHERE id = ?",
		StatusFailed, q.ceiling, errMessage(cause), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	return nil
}

// MarkConflict flags a server-reported 409.
//
// The item stays in the queue for manual reconciliation and is excluded
// from automatic retries; server state is never auto-overwritten.
func (q *Queue) MarkConflict(ctx context.Context, id string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE mutations SET status = ?, last_error = ? WHERE id = ?",
		StatusConflict, errMessage(cause), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s conflicted: %w", id, err)
	}
	return nil
}

// RetryConflicts re-arms conflicted items after manual resolution,
// returning them to pending with a fresh retry budget.
func (q *Queue) RetryConflicts(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE mutations SET status = ?, retry_count = 0, last_error = NULL WHERE status = ?",
		StatusPending, StatusConflict)
	if err != nil {
		return 0, fmt.Errorf("failed to retry conflicts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to retry conflicts: %w", err)
	}
	return int(n), nil
}

// RetryFailed re-arms terminally failed items with a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE mutations SET status = ?, retry_count = 0, last_error = NULL WHERE status = ?",
		StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	return int(n), nil
}

// Get retrieves a single item by id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM mutations WHERE id = ?", itemColumns), id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, err
}

// ListByStatus returns items with the given status in queue order.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM mutations WHERE status = ? ORDER BY priority ASC, seq ASC", itemColumns),
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", status, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// List returns every queued item in queue order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM mutations ORDER BY priority ASC, seq ASC", itemColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Depth returns the total number of queued items, all statuses included.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutations").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// CountByStatus returns a per-status breakdown of the queue.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mutations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*Item, error) {
	var item Item
	var payload, lastError sql.NullString
	var priority int
	var status, createdAt string

	err := s.Scan(
		&item.Seq,
		&item.ID,
		&item.Method,
		&item.URL,
		&payload,
		&item.Resource,
		&item.LocalID,
		&priority,
		&status,
		&item.RetryCount,
		&lastError,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		item.Payload = json.RawMessage(payload.String)
	}
	item.Priority = Priority(priority)
	item.Status = Status(status)
	item.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}

	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
