// Package remote is the client side of the server sync API.
//
// The server exposes three endpoints:
//
//	POST /sync/push            batch of local mutations, per-item result
//	GET  /sync/pull?cursor=&limit=  changes since cursor, tombstones included
//	GET  /health               reachability probe
//
// Transport failures and 5xx responses are transient (ErrTransient) and the
// caller retries later; 4xx responses are rejections (ErrRejected).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts
	// and server-side errors.
	ErrTransient = errors.New("transient remote error")

	// ErrRejected marks requests the server refused.
	ErrRejected = errors.New("request rejected by server")
)

// Client is the sync API as seen by the engine.
type Client interface {
	Push(ctx context.Context, mutations []Mutation) ([]PushResult, error)
	Pull(ctx context.Context, cursor string, limit int) (*PullResult, error)
	Ping(ctx context.Context) error
}

// Mutation is one queued local change sent to the server.
type Mutation struct {
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	// BaseVersion is the server version the change was made against.
	BaseVersion  int64           `json:"baseVersion"`
	LocalVersion int64           `json:"localVersion"`
	Deleted      bool            `json:"deleted"`
	LastModified time.Time       `json:"lastModified"`
	Payload      json.RawMessage `json:"payload"`
}

// NewMutation builds the mutation for a local record.
func NewMutation(e *schema.Entity) (Mutation, error) {
	m := Mutation{
		EntityType:   e.Type,
		EntityID:     e.ID,
		BaseVersion:  e.ServerVersion,
		LocalVersion: e.Version,
		Deleted:      e.IsDeleted,
		LastModified: e.LastModified.UTC(),
		Payload:      json.RawMessage("null"),
	}
	if e.Payload != nil {
		raw, err := schema.EncodePayload(e.Payload)
		if err != nil {
			return Mutation{}, err
		}
		m.Payload = raw
	}
	return m, nil
}

// PushStatus is the server's verdict on one mutation.
type PushStatus string

const (
	PushOK       PushStatus = "ok"
	PushConflict PushStatus = "conflict"
	PushError    PushStatus = "error"
)

// PushResult is the per-item outcome of a push.
type PushResult struct {
	EntityType    schema.EntityType `json:"entityType"`
	EntityID      string            `json:"entityId"`
	Status        PushStatus        `json:"status"`
	ServerVersion int64             `json:"serverVersion"`
	// Remote is the server's current copy when Status is conflict.
	Remote *Change `json:"remote,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Key returns the "type/id" key of the result.
func (r PushResult) Key() string {
	return schema.Key(r.EntityType, r.EntityID)
}

// Change is a server-side record as returned by pull.
type Change struct {
	EntityType    schema.EntityType `json:"entityType"`
	EntityID      string            `json:"entityId"`
	ServerVersion int64             `json:"serverVersion"`
	LastModified  time.Time         `json:"lastModified"`
	Deleted       bool              `json:"deleted"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Key returns the "type/id" key of the change.
func (c Change) Key() string {
	return schema.Key(c.EntityType, c.EntityID)
}

// Entity decodes the change into a schema.Entity. Unknown payload fields
// are rejected.
func (c Change) Entity() (*schema.Entity, error) {
	if !c.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownType, c.EntityType)
	}
	e := &schema.Entity{
		Type:          c.EntityType,
		ID:            c.EntityID,
		ServerVersion: c.ServerVersion,
		LastModified:  c.LastModified,
		SyncStatus:    schema.StatusSynced,
		IsDeleted:     c.Deleted,
	}
	if len(c.Payload) > 0 && string(c.Payload) != "null" {
		p, err := schema.DecodePayload(c.EntityType, c.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode remote %s: %w", c.Key(), err)
		}
		e.Payload = p
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote %s: %w", c.Key(), err)
	}
	return e, nil
}

// PullResult is one page of remote changes.
type PullResult struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"hasMore"`
}

type pushRequest struct {
	Mutations []Mutation `json:"mutations"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}
