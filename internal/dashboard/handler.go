package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/store"
	"github.com/tasklane/tasklane/internal/syncer"
)

// SyncEventData is the payload of a sync_event message.
type SyncEventData struct {
	Kind     syncer.EventKind `json:"kind"`
	Cycle    uint64           `json:"cycle"`
	Progress int              `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	// ConflictID and EntityKey are set for conflict events.
	ConflictID string `json:"conflictId,omitempty"`
	EntityKey  string `json:"entity,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EntityUpdateData is the payload of an entity_update message.
type EntityUpdateData struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Action     store.Op          `json:"action"`
	Origin     store.Origin      `json:"origin"`
	Title      string            `json:"title,omitempty"`
	SyncStatus schema.SyncStatus `json:"syncStatus,omitempty"`
	Version    int64             `json:"version,omitempty"`
}

// Handler turns engine and store notifications into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes to the given brokers. The returned function detaches.
// Any broker may be nil.
func (h *Handler) Attach(events *pubsub.Broker[syncer.Event], status *pubsub.Broker[syncer.Status], changes *pubsub.Broker[store.Change]) func() {
	var unsubs []func()
	if events != nil {
		unsubs = append(unsubs, events.Subscribe(h.OnSyncEvent))
	}
	if status != nil {
		unsubs = append(unsubs, status.Subscribe(h.OnStatus))
	}
	if changes != nil {
		unsubs = append(unsubs, changes.Subscribe(h.OnChange))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnSyncEvent broadcasts a sync engine event.
func (h *Handler) OnSyncEvent(ev syncer.Event) {
	data := SyncEventData{
		Kind:     ev.Kind,
		Cycle:    ev.Cycle,
		Progress: ev.Progress,
		Message:  ev.Message,
	}
	if ev.Conflict != nil {
		data.ConflictID = ev.Conflict.ID
		data.EntityKey = ev.Conflict.Key()
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.send(MessageTypeSyncEvent, ev.At, data)
}

// OnStatus broadcasts a status snapshot.
func (h *Handler) OnStatus(st syncer.Status) {
	h.send(MessageTypeSyncStatus, time.Time{}, st)
}

// OnChange broadcasts entity writes. Status-only changes are left to
// sync_status. It runs on the store's publishing goroutine and must not call
// back into the store.
func (h *Handler) OnChange(c store.Change) {
	if c.Op == store.OpStatus {
		return
	}
	data := EntityUpdateData{
		EntityType: c.Type,
		EntityID:   c.ID,
		Action:     c.Op,
		Origin:     c.Origin,
	}
	if c.Entity != nil {
		data.SyncStatus = c.Entity.SyncStatus
		data.Version = c.Entity.Version
		if c.Entity.Payload != nil {
			data.Title = schema.Title(c.Entity.Payload)
		}
	}
	h.send(MessageTypeEntityUpdate, c.At, data)
}

func (h *Handler) send(typ MessageType, at time.Time, v any) {
	msg, err := newMessage(typ, v)
	if err != nil {
		h.logger.Error("failed to marshal dashboard message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if !at.IsZero() {
		msg.Timestamp = at
	}
	h.server.Broadcast(msg)
}

func newMessage(typ MessageType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now().UTC(), Data: data}, nil
}
