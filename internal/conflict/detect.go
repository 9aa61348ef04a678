// Package conflict holds the pure decision logic for divergent records:
// three-way detection against the common ancestor, severity
// classification, summaries, and applying a resolution strategy.
//
// Nothing in this package performs I/O.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

var (
	trueJSON  = json.RawMessage("true")
	falseJSON = json.RawMessage("false")
)

// Detection is the outcome of comparing a local and remote copy.
type Detection struct {
	// Fields lists the fields both sides changed to different values, in
	// payload order, with schema.DeletedField last.
	Fields []string
	// Merged is the automatic merge: every one-sided change applied on top
	// of the ancestor. Only meaningful when Fields is empty.
	Merged *schema.Entity
}

// HasConflict reports whether an explicit resolution is required.
func (d *Detection) HasConflict() bool {
	return len(d.Fields) > 0
}

// view is the field map of one side plus the deleted pseudo field.
type view map[string]json.RawMessage

// newView flattens e. Tombstones without a payload take their field values
// from fallback so only the deletion itself registers as a change.
func newView(e *schema.Entity, fallback view) (view, error) {
	v := make(view)
	if e == nil {
		return v, nil
	}
	if e.Payload == nil {
		for k, val := range fallback {
			v[k] = val
		}
	} else {
		fields, err := schema.Fields(e.Payload)
		if err != nil {
			return nil, err
		}
		for k, val := range fields {
			v[k] = val
		}
	}
	if e.IsDeleted {
		v[schema.DeletedField] = trueJSON
	} else {
		v[schema.DeletedField] = falseJSON
	}
	return v, nil
}

// sides holds the three views being compared.
type sides struct {
	typ    schema.EntityType
	names  []string
	base   view
	local  view
	remote view
	// hasBase is false when no common ancestor was recorded.
	hasBase bool
}

func newSides(base, local, remote *schema.Entity) (*sides, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("local and remote copies are required")
	}
	if local.Type != remote.Type || local.ID != remote.ID {
		return nil, fmt.Errorf("cannot compare %s with %s", local.Key(), remote.Key())
	}

	s := &sides{
		typ:     local.Type,
		names:   append(schema.FieldNames(local.Type), schema.DeletedField),
		hasBase: base != nil,
	}

	var err error
	if s.base, err = newView(base, nil); err != nil {
		return nil, err
	}
	if s.local, err = newView(local, s.fallback(remote)); err != nil {
		return nil, err
	}
	if s.remote, err = newView(remote, s.fallback(local)); err != nil {
		return nil, err
	}
	return s, nil
}

// fallback picks the field source for a payload-less tombstone: the
// ancestor when known, otherwise the other side.
func (s *sides) fallback(other *schema.Entity) view {
	if s.hasBase {
		return s.base
	}
	v, _ := newView(other, nil)
	return v
}

func (s *sides) localChanged(name string) bool {
	return !bytes.Equal(s.local[name], s.base[name])
}

func (s *sides) remoteChanged(name string) bool {
	return !bytes.Equal(s.remote[name], s.base[name])
}

// conflicting returns the fields needing an explicit decision.
func (s *sides) conflicting() []string {
	var fields []string
	for _, name := range s.names {
		if bytes.Equal(s.local[name], s.remote[name]) {
			continue
		}
		if !s.hasBase || (s.localChanged(name) && s.remoteChanged(name)) {
			fields = append(fields, name)
		}
	}

	// Deleting a record the other side modified is a conflict even though
	// the field sets do not overlap.
	if s.hasBase && !contains(fields, schema.DeletedField) {
		localDel := bytes.Equal(s.local[schema.DeletedField], trueJSON)
		remoteDel := bytes.Equal(s.remote[schema.DeletedField], trueJSON)
		if localDel != remoteDel {
			modifier := s.remoteChanged
			if remoteDel {
				modifier = s.localChanged
			}
			for _, name := range s.names[:len(s.names)-1] {
				if modifier(name) {
					fields = append(fields, schema.DeletedField)
					break
				}
			}
		}
	}
	return fields
}

// pick returns the merged value of a non-conflicting field.
func (s *sides) pick(name string) json.RawMessage {
	if s.hasBase && s.localChanged(name) {
		return s.local[name]
	}
	return s.remote[name]
}

// build assembles an entity from a merged view.
func (s *sides) build(merged view, remote *schema.Entity) (*schema.Entity, error) {
	deleted := bytes.Equal(merged[schema.DeletedField], trueJSON)

	fields := make(map[string]json.RawMessage, len(merged))
	for k, v := range merged {
		if k == schema.DeletedField || v == nil {
			continue
		}
		fields[k] = v
	}

	e := &schema.Entity{
		Type:          s.typ,
		ID:            remote.ID,
		ServerVersion: remote.ServerVersion,
		IsDeleted:     deleted,
	}
	if len(fields) > 0 {
		p, err := schema.FromFields(s.typ, fields)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild merged payload: %w", err)
		}
		e.Payload = p
	}
	return e, nil
}

// equalsRemote reports whether merged matches the remote copy on every
// field.
func (s *sides) equalsRemote(merged view) bool {
	for _, name := range s.names {
		if !bytes.Equal(merged[name], s.remote[name]) {
			return false
		}
	}
	return true
}

// Detect compares local and remote against their common ancestor base.
//
// With an ancestor, a field conflicts only when both sides changed it to
// different values; one-sided changes merge automatically. Without an
// ancestor every differing field conflicts. Deleting a record the other side
// modified conflicts on schema.DeletedField.
func Detect(base, local, remote *schema.Entity) (*Detection, error) {
	s, err := newSides(base, local, remote)
	if err != nil {
		return nil, err
	}

	d := &Detection{Fields: s.conflicting()}
	if d.HasConflict() {
		return d, nil
	}

	merged := make(view, len(s.names))
	for _, name := range s.names {
		merged[name] = s.pick(name)
	}
	d.Merged, err = s.build(merged, remote)
	if err != nil {
		return nil, err
	}
	d.Merged.LastModified = latest(local, remote)
	if s.equalsRemote(merged) {
		d.Merged.SyncStatus = schema.StatusSynced
	} else {
		d.Merged.SyncStatus = schema.StatusPending
	}
	return d, nil
}

// NewConflict builds the conflict record for a detection observed at at.
func NewConflict(id string, at time.Time, base, local, remote *schema.Entity, d *Detection) *schema.Conflict {
	return &schema.Conflict{
		ID:         id,
		EntityType: local.Type,
		EntityID:   local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Base:       base.Clone(),
		Fields:     append([]string(nil), d.Fields...),
		Timestamp:  at.UTC(),
	}
}

func latest(a, b *schema.Entity) time.Time {
	if a.LastModified.After(b.LastModified) {
		return a.LastModified
	}
	return b.LastModified
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
