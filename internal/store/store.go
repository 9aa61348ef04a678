// Package store is the local entity store: the single source of truth for
// what the client currently believes.
//
// Records are kept per entity type in kv namespaces. Alongside each record
// the store keeps the base snapshot (last server-confirmed copy) used as the
// common ancestor for three-way conflict detection, and any unresolved
// conflicts.
//
// Every committed mutation is published on Changes() so the sync engine and
// the search index can react without the store depending on either.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/schema"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no record exists for (type, id).
	ErrNotFound = errors.New("entity not found")

	// ErrInConflict is returned when a local write targets a record parked
	// in conflict; the conflict has to be resolved first.
	ErrInConflict = errors.New("entity has an unresolved conflict")

	// ErrConflictNotFound is returned for an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrVersionMismatch is returned by a write made with IfVersion when the
	// stored record is no longer at the expected version.
	ErrVersionMismatch = errors.New("entity changed since it was read")
)

const (
	conflictNamespace = "conflict"
)

func entityNamespace(t schema.EntityType) string { return "entity:" + string(t) }
func baseNamespace(t schema.EntityType) string   { return "base:" + string(t) }

// Op describes what a Change did.
type Op string

const (
	OpPut      Op = "put"
	OpDelete   Op = "delete"
	OpPurge    Op = "purge"
	OpStatus   Op = "status"
	OpConflict Op = "conflict"
)

// Origin tells subscribers whether a change came from a local edit (and so
// needs pushing) or from server-confirmed state.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change is published after every committed mutation.
type Change struct {
	Op     Op
	Origin Origin
	Type   schema.EntityType
	ID     string
	// Entity is a copy of the record after the change; nil after a purge.
	Entity *schema.Entity
	At     time.Time
}

// Store is the typed, versioned local entity store.
type Store struct {
	kv      kv.Store
	changes *pubsub.Broker[Change]
	logger  *zap.Logger
	now     func() time.Time

	// mu serializes read-modify-write cycles so per-entity mutations apply
	// in submission order. Plain reads do not take it. Changes are published
	// while mu is held, so subscribers must not write to the store.
	mu           sync.Mutex
	lastMutation atomic.Int64
}

// New creates a Store over the given kv backend.
func New(backend kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:      backend,
		changes: pubsub.New[Change](),
		logger:  logger.With(zap.String("component", "store")),
		now:     time.Now,
	}
}

// Changes returns the broker carrying committed mutations.
func (s *Store) Changes() *pubsub.Broker[Change] {
	return s.changes
}

// LastMutation returns the time of the most recent committed mutation.
func (s *Store) LastMutation() time.Time {
	n := s.lastMutation.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Get returns the record for (t, id), including tombstones and records in
// conflict.
func (s *Store) Get(ctx context.Context, t schema.EntityType, id string) (*schema.Entity, error) {
	return getEntity(ctx, s.kv, entityNamespace(t), t, id)
}

// GetAll returns the live records of type t ordered by id. Tombstones and
// records in conflict are excluded.
func (s *Store) GetAll(ctx context.Context, t schema.EntityType) ([]*schema.Entity, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownType, t)
	}
	all, err := s.list(ctx, t)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, e := range all {
		if e.IsDeleted || e.SyncStatus == schema.StatusConflict {
			continue
		}
		live = append(live, e)
	}
	return live, nil
}

// Count returns the number of live records of type t.
func (s *Store) Count(ctx context.Context, t schema.EntityType) (int, error) {
	all, err := s.GetAll(ctx, t)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// ListPending returns every record of every type whose local changes have
// not been confirmed by the server.
func (s *Store) ListPending(ctx context.Context) ([]*schema.Entity, error) {
	var pending []*schema.Entity
	for _, t := range schema.AllTypes() {
		all, err := s.list(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			if e.SyncStatus == schema.StatusPending || e.SyncStatus == schema.StatusSyncing {
				pending = append(pending, e)
			}
		}
	}
	return pending, nil
}

func (s *Store) list(ctx context.Context, t schema.EntityType) ([]*schema.Entity, error) {
	pairs, err := s.kv.List(ctx, entityNamespace(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", t, err)
	}
	out := make([]*schema.Entity, 0, len(pairs))
	for _, p := range pairs {
		var e schema.Entity
		if err := json.Unmarshal(p.Value, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", t, p.Key, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Base returns the last server-confirmed snapshot of (t, id).
func (s *Store) Base(ctx context.Context, t schema.EntityType, id string) (*schema.Entity, error) {
	return getEntity(ctx, s.kv, baseNamespace(t), t, id)
}

// PutOption adjusts how Put records a write.
type PutOption func(*putOptions)

type putOptions struct {
	synced        bool
	serverVersion int64
	rebase        *schema.Entity

	checkVersion bool
	ifVersion    int64
}

// check enforces IfVersion against the stored record, nil when absent.
func (o *putOptions) check(t schema.EntityType, id string, current *schema.Entity) error {
	if !o.checkVersion {
		return nil
	}
	var have int64
	if current != nil {
		have = current.Version
	}
	if have != o.ifVersion {
		return fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionMismatch, schema.Key(t, id), have, o.ifVersion)
	}
	return nil
}

func collect(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MarkSynced records the write as server-confirmed state at serverVersion.
// The written record also becomes the new base snapshot.
func MarkSynced(serverVersion int64) PutOption {
	return func(o *putOptions) {
		o.synced = true
		o.serverVersion = serverVersion
	}
}

// Rebase records remote as the new base snapshot while keeping the write
// pending. Used when local edits are merged on top of newer server state.
func Rebase(remote *schema.Entity) PutOption {
	return func(o *putOptions) {
		o.rebase = remote
	}
}

// IfVersion makes a write conditional: it fails with ErrVersionMismatch
// unless the stored record is still at version. Version 0 requires that no
// record exists.
func IfVersion(version int64) PutOption {
	return func(o *putOptions) {
		o.checkVersion = true
		o.ifVersion = version
	}
}

// Put upserts e, bumping its version and stamping lastModified. The record is
// marked pending unless MarkSynced is given. The stored copy is returned.
func (s *Store) Put(ctx context.Context, e *schema.Entity, opts ...PutOption) (*schema.Entity, error) {
	o := collect(opts)
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}

	op := OpPut
	if e.IsDeleted {
		op = OpDelete
	}
	return s.write(ctx, e, op, o)
}

// SoftDelete marks (t, id) deleted. The tombstone stays retrievable through
// Get until the deletion is confirmed and purged.
func (s *Store) SoftDelete(ctx context.Context, t schema.EntityType, id string) error {
	current, err := s.Get(ctx, t, id)
	if err != nil {
		return err
	}
	if current.IsDeleted {
		return nil
	}

	tomb := current.Clone()
	tomb.IsDeleted = true
	_, err = s.write(ctx, tomb, OpDelete, putOptions{})
	return err
}

func (s *Store) write(ctx context.Context, e *schema.Entity, op Op, o putOptions) (*schema.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *schema.Entity
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		current, err := getEntity(ctx, tx, entityNamespace(e.Type), e.Type, e.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := o.check(e.Type, e.ID, current); err != nil {
			return err
		}

		next := e.Clone()
		next.LastModified = s.now().UTC()
		next.Version = 1
		next.SyncStatus = schema.StatusPending
		if current != nil {
			if current.SyncStatus == schema.StatusConflict && !o.synced {
				return fmt.Errorf("%w: %s", ErrInConflict, current.Key())
			}
			next.Version = current.Version + 1
			next.ServerVersion = current.ServerVersion
		}

		switch {
		case o.synced:
			next.SyncStatus = schema.StatusSynced
			next.ServerVersion = o.serverVersion
			if err := putEntity(ctx, tx, baseNamespace(e.Type), next); err != nil {
				return err
			}
		case o.rebase != nil:
			base := o.rebase.Clone()
			base.SyncStatus = schema.StatusSynced
			next.ServerVersion = base.ServerVersion
			if err := putEntity(ctx, tx, baseNamespace(e.Type), base); err != nil {
				return err
			}
		}

		if err := putEntity(ctx, tx, entityNamespace(e.Type), next); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	origin := OriginLocal
	if o.synced {
		origin = OriginRemote
	}
	s.publish(op, origin, stored)
	return stored.Clone(), nil
}

// ConfirmPushed records that the server accepted pushed at serverVersion.
// If the record was not edited since the push it becomes synced; otherwise
// only the base snapshot and server version move forward and the record
// stays pending. It reports whether the record is now synced.
func (s *Store) ConfirmPushed(ctx context.Context, pushed *schema.Entity, serverVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stored *schema.Entity
		synced bool
	)
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		current, err := getEntity(ctx, tx, entityNamespace(pushed.Type), pushed.Type, pushed.ID)
		if err != nil {
			return err
		}

		base := pushed.Clone()
		base.ServerVersion = serverVersion
		base.SyncStatus = schema.StatusSynced
		if err := putEntity(ctx, tx, baseNamespace(pushed.Type), base); err != nil {
			return err
		}

		current.ServerVersion = serverVersion
		if current.Version == pushed.Version && current.SyncStatus != schema.StatusConflict {
			current.SyncStatus = schema.StatusSynced
			synced = true
		}
		if err := putEntity(ctx, tx, entityNamespace(pushed.Type), current); err != nil {
			return err
		}
		stored = current
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to confirm push of %s: %w", pushed.Key(), err)
	}

	s.publish(OpStatus, OriginRemote, stored)
	return synced, nil
}

// Purge physically removes (t, id) and its base snapshot. Only IfVersion
// is honored among opts.
func (s *Store) Purge(ctx context.Context, t schema.EntityType, id string, opts ...PutOption) error {
	o := collect(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		if o.checkVersion {
			current, err := getEntity(ctx, tx, entityNamespace(t), t, id)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := o.check(t, id, current); err != nil {
				return err
			}
		}
		if err := tx.Delete(ctx, entityNamespace(t), id); err != nil {
			return err
		}
		return tx.Delete(ctx, baseNamespace(t), id)
	})
	if err != nil {
		return fmt.Errorf("failed to purge %s: %w", schema.Key(t, id), err)
	}

	s.publish(OpPurge, OriginRemote, &schema.Entity{Type: t, ID: id, IsDeleted: true})
	return nil
}

// PurgeConfirmedDeletes removes every tombstone whose deletion the server
// has acknowledged and returns how many were purged.
func (s *Store) PurgeConfirmedDeletes(ctx context.Context) (int, error) {
	purged := 0
	for _, t := range schema.AllTypes() {
		all, err := s.list(ctx, t)
		if err != nil {
			return purged, err
		}
		for _, e := range all {
			if !e.IsDeleted || e.SyncStatus != schema.StatusSynced {
				continue
			}
			err := s.Purge(ctx, t, e.ID, IfVersion(e.Version))
			if errors.Is(err, ErrVersionMismatch) {
				// Edited again after the deletion was confirmed.
				continue
			}
			if err != nil {
				return purged, err
			}
			purged++
		}
	}
	if purged > 0 {
		s.logger.Debug("purged confirmed deletes", zap.Int("count", purged))
	}
	return purged, nil
}

// GetConflicts returns all unresolved conflicts, oldest first.
func (s *Store) GetConflicts(ctx context.Context) ([]*schema.Conflict, error) {
	return listConflicts(ctx, s.kv)
}

// GetConflict returns a single conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	data, err := s.kv.Get(ctx, conflictNamespace, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	var c schema.Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conflict %s: %w", id, err)
	}
	return &c, nil
}

// SaveConflict stores c and parks its entity in the conflict state, in one
// transaction. Any earlier conflict for the same entity is replaced. Only
// IfVersion is honored among opts.
func (s *Store) SaveConflict(ctx context.Context, c *schema.Conflict, opts ...PutOption) error {
	o := collect(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	var parked *schema.Entity
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		current, err := getEntity(ctx, tx, entityNamespace(c.EntityType), c.EntityType, c.EntityID)
		if err != nil {
			return err
		}
		if err := o.check(c.EntityType, c.EntityID, current); err != nil {
			return err
		}

		existing, err := listConflicts(ctx, tx)
		if err != nil {
			return err
		}
		for _, old := range existing {
			if old.Key() == c.Key() && old.ID != c.ID {
				if err := tx.Delete(ctx, conflictNamespace, old.ID); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict: %w", err)
		}
		if err := tx.Put(ctx, conflictNamespace, c.ID, data); err != nil {
			return err
		}

		current.SyncStatus = schema.StatusConflict
		if err := putEntity(ctx, tx, entityNamespace(c.EntityType), current); err != nil {
			return err
		}
		parked = current
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save conflict for %s: %w", c.Key(), err)
	}

	s.publish(OpConflict, OriginRemote, parked)
	return nil
}

// ApplyResolution writes the resolved record and deletes the conflict in one
// transaction. The conflict's remote copy becomes the new base snapshot.
// A pending result is published as a local change so it gets pushed.
func (s *Store) ApplyResolution(ctx context.Context, conflictID string, resolved *schema.Entity) (*schema.Entity, error) {
	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *schema.Entity
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		data, err := tx.Get(ctx, conflictNamespace, conflictID)
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
		}
		if err != nil {
			return err
		}
		var c schema.Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to decode conflict %s: %w", conflictID, err)
		}

		current, err := getEntity(ctx, tx, entityNamespace(c.EntityType), c.EntityType, c.EntityID)
		if err != nil {
			return err
		}

		next := resolved.Clone()
		next.Type, next.ID = c.EntityType, c.EntityID
		next.Version = current.Version + 1
		next.LastModified = s.now().UTC()
		if c.Remote != nil {
			next.ServerVersion = c.Remote.ServerVersion
			base := c.Remote.Clone()
			base.SyncStatus = schema.StatusSynced
			if base.Payload == nil && next.Payload != nil {
				base.Payload = next.Payload
			}
			if err := putEntity(ctx, tx, baseNamespace(c.EntityType), base); err != nil {
				return err
			}
		}
		if next.SyncStatus != schema.StatusSynced {
			next.SyncStatus = schema.StatusPending
		}

		if err := putEntity(ctx, tx, entityNamespace(c.EntityType), next); err != nil {
			return err
		}
		if err := tx.Delete(ctx, conflictNamespace, conflictID); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply resolution: %w", err)
	}

	origin := OriginRemote
	if stored.SyncStatus == schema.StatusPending {
		origin = OriginLocal
	}
	op := OpPut
	if stored.IsDeleted {
		op = OpDelete
	}
	s.publish(op, origin, stored)
	return stored.Clone(), nil
}

// DeleteConflict removes a conflict without touching its entity.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, conflictNamespace, id); err != nil {
		return fmt.Errorf("failed to delete conflict %s: %w", id, err)
	}
	return nil
}

func (s *Store) publish(op Op, origin Origin, e *schema.Entity) {
	now := s.now()
	s.lastMutation.Store(now.UnixNano())
	s.changes.Publish(Change{
		Op:     op,
		Origin: origin,
		Type:   e.Type,
		ID:     e.ID,
		Entity: e.Clone(),
		At:     now,
	})
}

func getEntity(ctx context.Context, r kv.Reader, namespace string, t schema.EntityType, id string) (*schema.Entity, error) {
	data, err := r.Get(ctx, namespace, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, schema.Key(t, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", schema.Key(t, id), err)
	}
	var e schema.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", schema.Key(t, id), err)
	}
	return &e, nil
}

func putEntity(ctx context.Context, tx kv.Tx, namespace string, e *schema.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", e.Key(), err)
	}
	return tx.Put(ctx, namespace, e.ID, data)
}

func listConflicts(ctx context.Context, r kv.Reader) ([]*schema.Conflict, error) {
	pairs, err := r.List(ctx, conflictNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	out := make([]*schema.Conflict, 0, len(pairs))
	for _, p := range pairs {
		var c schema.Conflict
		if err := json.Unmarshal(p.Value, &c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", p.Key, err)
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
