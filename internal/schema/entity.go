package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	// ErrUnknownType is returned for an entity type outside the closed set.
	ErrUnknownType = errors.New("unknown entity type")

	// ErrUnknownField is returned when a payload carries a field its type
	// does not declare.
	ErrUnknownField = errors.New("unknown payload field")

	// ErrInvalidPayload is returned when a payload fails validation or does
	// not match the envelope type.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidEntity is returned when envelope fields are missing.
	ErrInvalidEntity = errors.New("invalid entity")
)

// EntityType identifies which logical collection an entity belongs to.
type EntityType string

const (
	TypeWorkspace EntityType = "workspace"
	TypeTask      EntityType = "task"
	TypeFile      EntityType = "file"
)

// AllTypes returns every entity type in a fixed order.
func AllTypes() []EntityType {
	return []EntityType{TypeWorkspace, TypeTask, TypeFile}
}

// IsValid reports whether t is one of the known entity types.
func (t EntityType) IsValid() bool {
	switch t {
	case TypeWorkspace, TypeTask, TypeFile:
		return true
	}
	return false
}

// ParseEntityType converts a user supplied string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// SyncStatus tracks where a record stands relative to the server.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusConflict SyncStatus = "conflict"
)

// Entity is the envelope stored for every record.
type Entity struct {
	Type EntityType
	ID   string

	// Version is the local revision, bumped on every committed write.
	Version int64
	// ServerVersion is the last revision confirmed by the server (0 = never).
	ServerVersion int64

	LastModified time.Time
	SyncStatus   SyncStatus
	IsDeleted    bool

	// Payload may be nil only for tombstones received from the server.
	Payload Payload
}

// Key returns the "type/id" string identifying the entity across types.
func (e *Entity) Key() string {
	return Key(e.Type, e.ID)
}

// Key builds the "type/id" string for a record.
func Key(t EntityType, id string) string {
	return string(t) + "/" + id
}

// Validate checks the envelope and payload.
func (e *Entity) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntity)
	}
	if e.Payload == nil {
		if e.IsDeleted {
			return nil
		}
		return fmt.Errorf("%w: payload is required for %s", ErrInvalidPayload, e.Key())
	}
	if e.Payload.EntityType() != e.Type {
		return fmt.Errorf("%w: %s payload on %s entity", ErrInvalidPayload, e.Payload.EntityType(), e.Type)
	}
	return e.Payload.Validate()
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = e.Payload.normalized()
	}
	return &c
}

// entityWire is the JSON shape of an Entity.
type entityWire struct {
	Type          EntityType      `json:"type"`
	ID            string          `json:"id"`
	Version       int64           `json:"version"`
	ServerVersion int64           `json:"serverVersion"`
	LastModified  time.Time       `json:"lastModified"`
	SyncStatus    SyncStatus      `json:"syncStatus"`
	IsDeleted     bool            `json:"isDeleted"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the entity with its payload nested under "payload".
func (e *Entity) MarshalJSON() ([]byte, error) {
	w := entityWire{
		Type:          e.Type,
		ID:            e.ID,
		Version:       e.Version,
		ServerVersion: e.ServerVersion,
		LastModified:  e.LastModified.UTC(),
		SyncStatus:    e.SyncStatus,
		IsDeleted:     e.IsDeleted,
		Payload:       json.RawMessage("null"),
	}
	if e.Payload != nil {
		raw, err := EncodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an entity, rejecting unknown envelope or payload
// fields.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var w entityWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return wrapDecodeError(err)
	}
	if !w.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	var payload Payload
	if len(w.Payload) > 0 && !bytes.Equal(w.Payload, []byte("null")) {
		p, err := DecodePayload(w.Type, w.Payload)
		if err != nil {
			return err
		}
		payload = p
	} else if !w.IsDeleted {
		return fmt.Errorf("%w: missing payload for %s/%s", ErrInvalidPayload, w.Type, w.ID)
	}

	*e = Entity{
		Type:          w.Type,
		ID:            w.ID,
		Version:       w.Version,
		ServerVersion: w.ServerVersion,
		LastModified:  w.LastModified,
		SyncStatus:    w.SyncStatus,
		IsDeleted:     w.IsDeleted,
		Payload:       payload,
	}
	return nil
}

// EncodePayload returns the canonical JSON encoding of a payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p.normalized())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EntityType(), err)
	}
	return data, nil
}

// DecodePayload strictly decodes a payload of the given type.
func DecodePayload(t EntityType, raw []byte) (Payload, error) {
	p, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, wrapDecodeError(err)
	}
	return p.normalized(), nil
}

func wrapDecodeError(err error) error {
	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return fmt.Errorf("%w: %s", ErrUnknownField, strings.TrimPrefix(err.Error(), "json: "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}

// Fields flattens a payload into its field map. A nil payload yields an
// empty map.
func Fields(p Payload) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if p == nil {
		return fields, nil
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s payload: %w", p.EntityType(), err)
	}
	return fields, nil
}

// FromFields rebuilds a payload from a field map.
func FromFields(t EntityType, fields map[string]json.RawMessage) (Payload, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field map: %w", err)
	}
	return DecodePayload(t, raw)
}

// PayloadEqual reports whether two payloads carry identical field values.
func PayloadEqual(a, b Payload) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.EntityType() != b.EntityType() {
		return false
	}
	fa, errA := Fields(a)
	fb, errB := Fields(b)
	if errA != nil || errB != nil || len(fa) != len(fb) {
		return false
	}
	for k, v := range fa {
		if !bytes.Equal(v, fb[k]) {
			return false
		}
	}
	return true
}

var fieldNames = map[EntityType][]string{}

func init() {
	for _, t := range AllTypes() {
		p, _ := newPayload(t)
		rt := reflect.TypeOf(p).Elem()
		names := make([]string, 0, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			tag := rt.Field(i).Tag.Get("json")
			name, _, _ := strings.Cut(tag, ",")
			if name == "" || name == "-" {
				continue
			}
			names = append(names, name)
		}
		fieldNames[t] = names
	}
}

// FieldNames returns the payload field names of t in declaration order.
func FieldNames(t EntityType) []string {
	names := fieldNames[t]
	out := make([]string, len(names))
	copy(out, names)
	return out
}
