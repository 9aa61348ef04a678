// Package pubsub provides a typed, synchronous publish/subscribe broker.
//
// Publish delivers a value to every subscriber in subscription order before
// returning, and publications are delivered in the order Publish was called.
// A subscriber must not publish to the broker it is subscribed to.
package pubsub

import (
	"sync"
)

// Broker fans values of type T out to subscribers.
type Broker[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]

	// deliverMu keeps concurrent publishers from interleaving deliveries.
	deliverMu sync.Mutex
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New creates an empty broker.
func New[T any]() *Broker[T] {
	return &Broker[T]{}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *Broker[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to all current subscribers, in subscription order.
func (b *Broker[T]) Publish(v T) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of active subscribers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
