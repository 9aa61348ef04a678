package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/schema"
)

const queueNamespace = "queue"

// QueueEntry is one coalesced pending push.
type QueueEntry struct {
	// Seq orders entries by first enqueue; coalescing keeps it.
	Seq        uint64            `json:"seq"`
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	// Entity is the latest local snapshot to push.
	Entity     *schema.Entity `json:"entity"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"lastError,omitempty"`
}

// Key returns the "type/id" key of the entry.
func (q *QueueEntry) Key() string {
	return schema.Key(q.EntityType, q.EntityID)
}

// queue is the durable, ordered push queue keyed by (type, id). Writes to
// the same key coalesce last-write-wins.
type queue struct {
	kv  kv.Store
	mu  sync.Mutex
	seq uint64
}

func newQueue(ctx context.Context, backend kv.Store) (*queue, error) {
	q := &queue{kv: backend}
	entries, err := q.entries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
	}
	return q, nil
}

// enqueue stores e as the pending push for its key, replacing any earlier
// snapshot while keeping the original position.
func (q *queue) enqueue(ctx context.Context, e *schema.Entity) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := e.Key()
	now := time.Now().UTC()
	return q.kv.Update(ctx, func(tx kv.Tx) error {
		entry, err := getEntry(ctx, tx, key)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		if entry == nil {
			q.seq++
			entry = &QueueEntry{
				Seq:        q.seq,
				EntityType: e.Type,
				EntityID:   e.ID,
				EnqueuedAt: now,
			}
		} else if entry.Entity != nil && entry.Entity.Version > e.Version {
			// An older snapshot never replaces a newer one.
			return nil
		}
		entry.Entity = e.Clone()
		entry.UpdatedAt = now
		return putEntry(ctx, tx, entry)
	})
}

// entries returns every queued entry in enqueue order.
func (q *queue) entries(ctx context.Context) ([]*QueueEntry, error) {
	pairs, err := q.kv.List(ctx, queueNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	out := make([]*QueueEntry, 0, len(pairs))
	for _, p := range pairs {
		var e QueueEntry
		if err := json.Unmarshal(p.Value, &e); err != nil {
			return nil, fmt.Errorf("failed to decode queue entry %s: %w", p.Key, err)
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (q *queue) len(ctx context.Context) (int, error) {
	pairs, err := q.kv.List(ctx, queueNamespace)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue: %w", err)
	}
	return len(pairs), nil
}

// ack removes the entry for key if it still holds version. A newer snapshot
// queued during the push stays queued. It reports whether the entry was
// removed.
func (q *queue) ack(ctx context.Context, key string, version int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	err := q.kv.Update(ctx, func(tx kv.Tx) error {
		entry, err := getEntry(ctx, tx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Entity != nil && entry.Entity.Version != version {
			entry.Attempts = 0
			entry.LastError = ""
			return putEntry(ctx, tx, entry)
		}
		removed = true
		return tx.Delete(ctx, queueNamespace, key)
	})
	return removed, err
}

// fail records a failed push attempt on key.
func (q *queue) fail(ctx context.Context, key string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.kv.Update(ctx, func(tx kv.Tx) error {
		entry, err := getEntry(ctx, tx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		entry.Attempts++
		entry.LastError = cause
		return putEntry(ctx, tx, entry)
	})
}

// remove drops the entry for key unconditionally.
func (q *queue) remove(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.kv.Delete(ctx, queueNamespace, key); err != nil {
		return fmt.Errorf("failed to remove %s from queue: %w", key, err)
	}
	return nil
}

func getEntry(ctx context.Context, r kv.Reader, key string) (*QueueEntry, error) {
	data, err := r.Get(ctx, queueNamespace, key)
	if err != nil {
		return nil, err
	}
	var e QueueEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry %s: %w", key, err)
	}
	return &e, nil
}

func putEntry(ctx context.Context, tx kv.Tx, e *QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	return tx.Put(ctx, queueNamespace, e.Key(), data)
}
