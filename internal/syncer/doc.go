// Package syncer moves local edits to the server and server changes into the
// local store.
//
// # Architecture
//
// The Engine subscribes to the store's change broker. Every local write lands
// in a durable queue keyed by (type, id); repeated writes to the same record
// coalesce so only the final state is pushed. A cycle runs:
//
//	idle -> checking network -> pushing -> pulling -> reconciling -> idle
//
// Push sends queued records in batches. Accepted records are confirmed in the
// store and acked; an entry is only acked when the pushed version is still
// the latest local version, so edits made during a push are never lost.
// Pull pages through the server change log from the persisted cursor.
// Reconcile applies every newer server copy:
//
//   - records with no pending local edits take the server copy
//   - records with pending edits are merged three ways against the last
//     server-confirmed base; clean merges are kept (and re-queued when they
//     differ from the server), overlapping edits are parked as conflicts
//
// # Events
//
// Each cycle publishes on Events(): exactly one start, strictly increasing
// progress values, a conflict event per parked record, and exactly one
// terminal complete or error event. Status() is republished on
// StatusUpdates() after every queue, network and cycle transition.
//
// # Failure handling
//
// Transient push or pull failures end the cycle with an error event, keep
// the queue intact and schedule the next attempt with capped exponential
// backoff. Going offline cancels the in-flight cycle with ErrOffline.
// Mutations the server rejects stay queued with their last error.
//
// # Example
//
//	eng, err := syncer.New(ctx, st, backend, client, monitor, syncer.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//	go eng.Run(ctx)
//
//	eng.Events().Subscribe(func(ev syncer.Event) {
//	    log.Printf("sync %d: %s %d%%", ev.Cycle, ev.Kind, ev.Progress)
//	})
package syncer
