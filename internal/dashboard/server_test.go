package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/classkit/satchel/internal/netmon"
	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/syncer"
)

var queueItemFixture = queue.Item{
	ID:       "item-1",
	Method:   http.MethodPut,
	URL:      "/api/assignments/1",
	Resource: "assignments",
}

func startTestServer(t *testing.T, status StatusProvider) *Server {
	t.Helper()

	s := NewServer(&Config{
		Port:   0, // random free port
		Status: status,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := startTestServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	snapshot := json.RawMessage(`{"online":true,"queue_depth":3}`)
	s := startTestServer(t, func(ctx context.Context) (json.RawMessage, error) {
		return snapshot, nil
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/status", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(snapshot) {
		t.Errorf("body = %s, want %s", body, snapshot)
	}
}

func TestStatusEndpointUnconfigured(t *testing.T) {
	s := startTestServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

// drainBroadcast reads one message off the broadcast channel without a
// live WebSocket client.
func drainBroadcast(t *testing.T, s *Server) Message {
	t.Helper()
	select {
	case msg := <-s.broadcast:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message broadcast")
		return Message{}
	}
}

func newIdleServer(t *testing.T) *Server {
	t.Helper()
	// Never started: Broadcast feeds the channel, the test drains it.
	return NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
}

func TestHandlerBroadcastsConflict(t *testing.T) {
	s := newIdleServer(t)
	h := NewHandler(s, nil)

	h.SyncEvent(syncer.Event{
		Type: syncer.EventItemConflict,
		Item: &queueItemFixture,
		Time: time.Now(),
	})

	msg := drainBroadcast(t, s)
	if msg.Type != MessageTypeConflict {
		t.Errorf("Type = %s, want conflict", msg.Type)
	}

	var data ConflictData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("bad conflict data: %v", err)
	}
	if data.ItemID != "item-1" || data.Resource != "assignments" {
		t.Errorf("data = %+v", data)
	}
}

func TestHandlerBroadcastsSyncComplete(t *testing.T) {
	s := newIdleServer(t)
	h := NewHandler(s, nil)

	h.SyncEvent(syncer.Event{
		Type: syncer.EventSyncFinished,
		Result: &syncer.Result{
			Processed: 4,
			Errors:    []syncer.ItemError{{ItemID: "x"}},
			Duration:  time.Second,
		},
		Time: time.Now(),
	})

	msg := drainBroadcast(t, s)
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("Type = %s, want sync_complete", msg.Type)
	}

	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("bad sync data: %v", err)
	}
	if data.Processed != 4 || data.Failed != 1 {
		t.Errorf("data = %+v", data)
	}
}

func TestHandlerBroadcastsEnqueued(t *testing.T) {
	s := newIdleServer(t)
	h := NewHandler(s, nil)

	h.Enqueued(&queueItemFixture)

	msg := drainBroadcast(t, s)
	if msg.Type != MessageTypeQueueUpdate {
		t.Errorf("Type = %s, want queue_update", msg.Type)
	}

	var data QueueUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("bad queue data: %v", err)
	}
	if data.ItemID != "item-1" || data.Action != "enqueued" {
		t.Errorf("data = %+v", data)
	}
}

func TestHandlerBroadcastsNetworkChange(t *testing.T) {
	s := newIdleServer(t)
	h := NewHandler(s, nil)

	h.NetworkChanged(netmon.State{Online: true, Quality: netmon.QualityGood})

	msg := drainBroadcast(t, s)
	if msg.Type != MessageTypeNetwork {
		t.Errorf("Type = %s, want network", msg.Type)
	}

	var data NetworkData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("bad network data: %v", err)
	}
	if !data.Online || data.Quality != "good" {
		t.Errorf("data = %+v", data)
	}
}
