package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/classkit/satchel/internal/netmon"
	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/syncer"
)

// Handler translates queue, processor and network events into dashboard
// broadcasts. Wire SyncEvent as the processor's OnEvent hook, Enqueued
// as the queue's enqueue hook, and call NetworkChanged from the
// monitor's transition callbacks.
type Handler struct {
	server *Server
	queue  *queue.Queue
}

// NewHandler creates a broadcast handler bound to a running server.
func NewHandler(server *Server, q *queue.Queue) *Handler {
	return &Handler{server: server, queue: q}
}

// SyncEvent broadcasts one processor event.
func (h *Handler) SyncEvent(e syncer.Event) {
	switch e.Type {
	case syncer.EventItemSynced:
		h.broadcastQueueUpdate(e.Item, "synced")

	case syncer.EventItemFailed:
		h.broadcastQueueUpdate(e.Item, "failed")

	case syncer.EventItemConflict:
		data, err := json.Marshal(ConflictData{
			ItemID:   e.Item.ID,
			Resource: e.Item.Resource,
			Method:   e.Item.Method,
			URL:      e.Item.URL,
		})
		if err != nil {
			return
		}
		h.server.Broadcast(Message{Type: MessageTypeConflict, Timestamp: e.Time, Data: data})

	case syncer.EventSyncFinished:
		if e.Result == nil {
			return
		}
		data, err := json.Marshal(SyncCompleteData{
			Processed: e.Result.Processed,
			Failed:    len(e.Result.Errors),
			Conflicts: len(e.Result.Conflicts),
			Duration:  e.Result.Duration,
		})
		if err != nil {
			return
		}
		h.server.Broadcast(Message{Type: MessageTypeSyncComplete, Timestamp: e.Time, Data: data})
	}
}

// Enqueued broadcasts a freshly queued mutation.
func (h *Handler) Enqueued(item *queue.Item) {
	h.broadcastQueueUpdate(item, "enqueued")
}

// NetworkChanged broadcasts a network transition.
func (h *Handler) NetworkChanged(state netmon.State) {
	data, err := json.Marshal(NetworkData{
		Online:  state.Online,
		Quality: state.Quality.String(),
	})
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeNetwork, Timestamp: time.Now(), Data: data})
}

func (h *Handler) broadcastQueueUpdate(item *queue.Item, action string) {
	if item == nil {
		return
	}

	depth := 0
	if h.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if d, err := h.queue.Depth(ctx); err == nil {
			depth = d
		}
		cancel()
	}

	data, err := json.Marshal(QueueUpdateData{
		ItemID:   item.ID,
		Resource: item.Resource,
		Action:   action,
		Depth:    depth,
	})
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeQueueUpdate, Data: data})
}
