package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/registry"
	"github.com/classkit/satchel/internal/store"
	"github.com/classkit/satchel/internal/transport"
)

type fixture struct {
	store     *store.DB
	queue     *queue.Queue
	processor *Processor
}

func newFixture(t *testing.T, serverURL string, onEvent func(Event)) *fixture {
	t.Helper()

	logger := log.New(io.Discard, "", 0)

	reg := registry.New()
	if err := reg.Register(registry.Resource{Name: "assignments", Endpoint: "/api/assignments", Priority: "high"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "satchel.db"), reg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	q, err := queue.New(db, 0, logger)
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}

	client, err := transport.New(transport.Config{BaseURL: serverURL, Logger: logger})
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}

	p, err := New(Config{Queue: q, Store: db, Client: client, OnEvent: onEvent, Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &fixture{store: db, queue: q, processor: p}
}

// enqueueCreate stages an offline create: a dirty local record plus its
// queued POST, the way the resource facade does when the network is down.
func (f *fixture) enqueueCreate(t *testing.T, localID string, payload string) string {
	t.Helper()
	ctx := context.Background()

	rec := &store.Record{LocalID: localID, Payload: json.RawMessage(payload)}
	if err := f.store.Put(ctx, "assignments", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	id, err := f.queue.Enqueue(ctx, &queue.Item{
		Method:   http.MethodPost,
		URL:      "/api/assignments",
		Payload:  json.RawMessage(payload),
		Resource: "assignments",
		LocalID:  localID,
		Priority: queue.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestSyncConfirmsQueuedCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-42","title":"essay"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, nil)
	ctx := context.Background()

	f.enqueueCreate(t, "local-1", `{"title":"essay"}`)

	result, err := f.processor.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Processed != 1 {
		t.Errorf("Processed = %d, want 1", result.Processed)
	}
	if len(result.Errors) != 0 || len(result.Conflicts) != 0 {
		t.Errorf("unexpected errors/conflicts: %+v", result)
	}

	// Queue drained, record confirmed, server id recorded.
	depth, err := f.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("Depth = %d, want 0", depth)
	}

	rec, err := f.store.Get(ctx, "assignments", "local-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Dirty {
		t.Error("record still dirty after confirmed sync")
	}
	if rec.RemoteID != "srv-42" {
		t.Errorf("RemoteID = %q, want srv-42", rec.RemoteID)
	}

	if f.processor.LastSyncTime().IsZero() {
		t.Error("LastSyncTime not stamped")
	}
}

func TestSyncRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, nil)
	ctx := context.Background()

	itemID := f.enqueueCreate(t, "local-1", `{"title":"quiz"}`)

	// Two passes fail retryably; the item stays pending with its retry
	// count climbing.
	for pass := 1; pass <= 2; pass++ {
		result, err := f.processor.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync pass %d failed: %v", pass, err)
		}
		if result.Processed != 0 {
			t.Errorf("pass %d: Processed = %d, want 0", pass, result.Processed)
		}

		item, err := f.queue.Get(ctx, itemID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if item.Status != queue.StatusPending {
			t.Errorf("pass %d: status = %s, want pending", pass, item.Status)
		}
		if item.RetryCount != pass {
			t.Errorf("pass %d: retry count = %d", pass, item.RetryCount)
		}
	}

	// Third pass succeeds.
	result, err := f.processor.Sync(ctx)
	if err != nil {
		t.Fatalf("final Sync failed: %v", err)
	}
	if result.Processed != 1 {
		t.Errorf("Processed = %d, want 1", result.Processed)
	}
	if _, err := f.queue.Get(ctx, itemID); !errors.Is(err, queue.ErrItemNotFound) {
		t.Errorf("confirmed item still queued: %v", err)
	}
}

func TestSyncExhaustsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, nil)
	ctx := context.Background()

	itemID := f.enqueueCreate(t, "local-1", `{}`)

	var lastResult *Result
	for pass := 0; pass < queue.DefaultRetryCeiling; pass++ {
		result, err := f.processor.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		lastResult = result
	}

	if len(lastResult.Errors) != 1 {
		t.Fatalf("final pass Errors = %d, want 1", len(lastResult.Errors))
	}
	if !errors.Is(lastResult.Errors[0].Err, queue.ErrQueueExhausted) {
		t.Errorf("terminal error = %v, want queue exhaustion", lastResult.Errors[0].Err)
	}

	item, err := f.queue.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", item.Status)
	}

	// Exhausted items never re-enter the drain.
	result, err := f.processor.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Processed != 0 || len(result.Errors) != 0 {
		t.Errorf("exhausted item processed again: %+v", result)
	}

	// The record keeps its local changes, still dirty.
	rec, err := f.store.Get(ctx, "assignments", "local-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rec.Dirty {
		t.Error("unconfirmed record must stay dirty")
	}
}

func TestSyncParksConflicts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version mismatch"}`))
	}))
	defer srv.Close()

	var conflictEvents int32
	f := newFixture(t, srv.URL, func(e Event) {
		if e.Type == EventItemConflict {
			atomic.AddInt32(&conflictEvents, 1)
		}
	})
	ctx := context.Background()

	itemID := f.enqueueCreate(t, "local-1", `{"title":"essay"}`)

	result, err := f.processor.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Conflicts = %d, want 1", len(result.Conflicts))
	}
	if !errors.Is(result.Conflicts[0].Err, transport.ErrConflict) {
		t.Errorf("conflict error = %v", result.Conflicts[0].Err)
	}
	if atomic.LoadInt32(&conflictEvents) != 1 {
		t.Errorf("conflict events = %d, want 1", conflictEvents)
	}

	item, err := f.queue.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != queue.StatusConflict {
		t.Errorf("status = %s, want conflict", item.Status)
	}

	// Conflicts never auto-retry: a second pass must not touch the server.
	before := atomic.LoadInt32(&calls)
	if _, err := f.processor.Sync(ctx); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("conflicted item was retried: %d extra calls", after-before)
	}

	// Local record keeps the unconfirmed change.
	rec, err := f.store.Get(ctx, "assignments", "local-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rec.Dirty {
		t.Error("conflicted record must stay dirty")
	}
}

func TestSyncReplaysSameRecordInEnqueueOrder(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, nil)
	ctx := context.Background()

	if err := f.store.Put(ctx, "assignments", &store.Record{LocalID: "a1", Payload: json.RawMessage(`{"v":3}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for _, payload := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		_, err := f.queue.Enqueue(ctx, &queue.Item{
			Method:   http.MethodPut,
			URL:      "/api/assignments/a1",
			Payload:  json.RawMessage(payload),
			Resource: "assignments",
			LocalID:  "a1",
			Priority: queue.PriorityHigh,
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if _, err := f.processor.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []string{`{"v":1}`, `{"v":2}`, `{"v":3}`}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != len(want) {
		t.Fatalf("server saw %d requests, want %d", len(bodies), len(want))
	}
	for i, body := range want {
		if bodies[i] != body {
			t.Errorf("request %d body = %s, want %s", i, bodies[i], body)
		}
	}
}

func TestSyncSingleFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, nil)
	ctx := context.Background()

	f.enqueueCreate(t, "local-1", `{}`)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.processor.Sync(ctx)
		done <- err
	}()

	<-started
	// Wait for the first run to take the flag.
	deadline := time.After(2 * time.Second)
	for !f.processor.Running() {
		select {
		case <-deadline:
			t.Fatal("first sync never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := f.processor.Sync(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping sync error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if f.processor.Running() {
		t.Error("Running still true after sync finished")
	}
}

func TestSyncEmitsLifecycleEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var types []EventType
	f := newFixture(t, srv.URL, func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	f.enqueueCreate(t, "local-1", `{}`)

	if _, err := f.processor.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []EventType{EventSyncStarted, EventItemSynced, EventSyncFinished}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Errorf("event[%d] = %s, want %s", i, types[i], typ)
		}
	}
}
