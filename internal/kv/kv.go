// Package kv provides the key-value persistence used by the local store.
//
// Keys live in namespaces (for example "entity:task" or "queue"). Every
// write made inside Update commits atomically: either all of a transaction's
// puts and deletes become visible or none do.
//
// Two implementations are provided:
//   - SQLite: embedded database file with WAL, used in production
//   - Memory: map-backed store used by tests
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist in its namespace.
	ErrNotFound = errors.New("key not found")

	// ErrLocked is returned when another process holds the database lock.
	ErrLocked = errors.New("database is locked by another process")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Pair is one key and its value.
type Pair struct {
	Key   string
	Value []byte
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	// List returns every pair in namespace ordered by key.
	List(ctx context.Context, namespace string) ([]Pair, error)
}

// Tx is a read-write transaction handed to Update callbacks.
type Tx interface {
	Reader
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// Store is a transactional key-value store.
type Store interface {
	Reader

	// Put writes a single key atomically.
	Put(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes a single key. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// Update runs fn in a transaction. If fn returns an error nothing is
	// committed and the error is returned.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
