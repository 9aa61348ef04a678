package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Transactions stage their writes and apply
// them under the store lock on success.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get implements Reader.
func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.get(namespace, key)
}

func (m *Memory) get(namespace, key string) ([]byte, error) {
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// List implements Reader.
func (m *Memory) List(_ context.Context, namespace string) ([]Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.list(namespace), nil
}

func (m *Memory) list(namespace string) []Pair {
	ns := m.data[namespace]
	pairs := make([]Pair, 0, len(ns))
	for k, v := range ns {
		pairs = append(pairs, Pair{Key: k, Value: clone(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, namespace, key string, value []byte) error {
	return m.Update(ctx, func(tx Tx) error {
		return tx.Put(ctx, namespace, key, value)
	})
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, namespace, key string) error {
	return m.Update(ctx, func(tx Tx) error {
		return tx.Delete(ctx, namespace, key)
	})
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memoryTx{parent: m, writes: make(map[string]map[string]*[]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	for ns, keys := range tx.writes {
		for k, v := range keys {
			if v == nil {
				delete(m.data[ns], k)
				continue
			}
			if m.data[ns] == nil {
				m.data[ns] = make(map[string][]byte)
			}
			m.data[ns][k] = *v
		}
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryTx overlays staged writes on the parent map. A nil entry in writes
// marks a delete.
type memoryTx struct {
	parent *Memory
	writes map[string]map[string]*[]byte
}

func (tx *memoryTx) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if staged, ok := tx.writes[namespace][key]; ok {
		if staged == nil {
			return nil, ErrNotFound
		}
		return clone(*staged), nil
	}
	return tx.parent.get(namespace, key)
}

func (tx *memoryTx) List(_ context.Context, namespace string) ([]Pair, error) {
	merged := make(map[string][]byte)
	for _, p := range tx.parent.list(namespace) {
		merged[p.Key] = p.Value
	}
	for k, v := range tx.writes[namespace] {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = clone(*v)
	}

	pairs := make([]Pair, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

func (tx *memoryTx) Put(_ context.Context, namespace, key string, value []byte) error {
	v := clone(value)
	tx.stage(namespace)[key] = &v
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, namespace, key string) error {
	tx.stage(namespace)[key] = nil
	return nil
}

func (tx *memoryTx) stage(namespace string) map[string]*[]byte {
	ns, ok := tx.writes[namespace]
	if !ok {
		ns = make(map[string]*[]byte)
		tx.writes[namespace] = ns
	}
	return ns
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
