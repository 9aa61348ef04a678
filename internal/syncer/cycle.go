package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/remote"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/store"
	"go.uber.org/zap"
)

const (
	metaNamespace = "meta"
	cursorKey     = "pull_cursor"
)

// reconcileRetries bounds how often reconcile starts over after a local
// write landed between its read and its write.
const reconcileRetries = 2

// Progress milestones of a cycle.
const (
	progressPushStart      = 5
	progressPushEnd        = 40
	progressPullEnd        = 75
	progressReconcileEnd   = 95
	progressPullPageStride = 5
)

// remoteSet collects server copies seen in a cycle, keeping the newest per
// key.
type remoteSet map[string]remote.Change

func (s remoteSet) add(c remote.Change) {
	if cur, ok := s[c.Key()]; ok && cur.ServerVersion >= c.ServerVersion {
		return
	}
	s[c.Key()] = c
}

func (s remoteSet) sorted() []remote.Change {
	out := make([]remote.Change, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (e *Engine) runCycle(ctx context.Context, ev *cycleEvents) error {
	seen := make(remoteSet)

	rejected, err := e.push(ctx, ev, seen)
	if err != nil {
		return err
	}

	cursor, err := e.pull(ctx, ev, seen)
	if err != nil {
		return err
	}

	if err := e.reconcileAll(ctx, ev, seen); err != nil {
		return err
	}

	if _, err := e.store.PurgeConfirmedDeletes(ctx); err != nil {
		return fmt.Errorf("failed to purge confirmed deletes: %w", err)
	}
	if err := e.saveCursor(ctx, cursor); err != nil {
		return err
	}
	ev.advance(100, "done")

	if rejected > 0 {
		return fmt.Errorf("%w: %d kept in queue", ErrRejected, rejected)
	}
	return nil
}

// push sends every queued record. Server copies returned for conflicting
// pushes are added to seen. It returns the number of rejected mutations.
func (e *Engine) push(ctx context.Context, ev *cycleEvents, seen remoteSet) (int, error) {
	entries, err := e.queue.entries(ctx)
	if err != nil {
		return 0, err
	}
	ev.advance(progressPushStart, "pushing")
	if len(entries) == 0 {
		ev.advance(progressPushEnd, "nothing to push")
		return 0, nil
	}

	rejected := 0
	for start := 0; start < len(entries); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(entries) {
			end = len(entries)
		}

		batch, mutations, err := e.prepareBatch(ctx, entries[start:end])
		if err != nil {
			return rejected, err
		}
		if len(mutations) > 0 {
			if err := ctx.Err(); err != nil {
				return rejected, err
			}
			results, err := e.client.Push(ctx, mutations)
			if err != nil {
				return rejected, fmt.Errorf("failed to push: %w", err)
			}
			n, err := e.applyPushResults(ctx, batch, results, seen)
			if err != nil {
				return rejected, err
			}
			rejected += n
		}

		done := progressPushStart + (progressPushEnd-progressPushStart)*end/len(entries)
		ev.advance(done, fmt.Sprintf("pushed %d of %d", end, len(entries)))
	}
	return rejected, nil
}

// prepareBatch resolves queue entries to the current store records. Entries
// whose record was purged or parked in conflict are dropped.
func (e *Engine) prepareBatch(ctx context.Context, entries []*QueueEntry) ([]*schema.Entity, []remote.Mutation, error) {
	records := make([]*schema.Entity, 0, len(entries))
	mutations := make([]remote.Mutation, 0, len(entries))
	for _, entry := range entries {
		rec, err := e.store.Get(ctx, entry.EntityType, entry.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.drop(ctx, entry); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		switch rec.SyncStatus {
		case schema.StatusConflict, schema.StatusSynced:
			if err := e.drop(ctx, entry); err != nil {
				return nil, nil, err
			}
			continue
		}

		m, err := remote.NewMutation(rec)
		if err != nil {
			e.logger.Error("failed to encode mutation", zap.String("key", rec.Key()), zap.Error(err))
			if err := e.queue.fail(ctx, entry.Key(), err.Error()); err != nil {
				return nil, nil, err
			}
			continue
		}
		records = append(records, rec)
		mutations = append(mutations, m)
	}
	return records, mutations, nil
}

// drop removes entry from the queue unless a newer snapshot replaced it
// since it was listed.
func (e *Engine) drop(ctx context.Context, entry *QueueEntry) error {
	if entry.Entity == nil {
		return e.queue.remove(ctx, entry.Key())
	}
	_, err := e.queue.ack(ctx, entry.Key(), entry.Entity.Version)
	return err
}

func (e *Engine) applyPushResults(ctx context.Context, batch []*schema.Entity, results []remote.PushResult, seen remoteSet) (int, error) {
	byKey := make(map[string]remote.PushResult, len(results))
	for _, r := range results {
		byKey[r.Key()] = r
	}

	rejected := 0
	for _, rec := range batch {
		key := rec.Key()
		res, ok := byKey[key]
		if !ok {
			if err := e.queue.fail(ctx, key, "no result returned"); err != nil {
				return rejected, err
			}
			continue
		}

		switch res.Status {
		case remote.PushOK:
			if _, err := e.store.ConfirmPushed(ctx, rec, res.ServerVersion); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					if _, err := e.queue.ack(ctx, key, rec.Version); err != nil {
						return rejected, err
					}
					continue
				}
				return rejected, err
			}
			if _, err := e.queue.ack(ctx, key, rec.Version); err != nil {
				return rejected, err
			}

		case remote.PushConflict:
			if res.Remote != nil {
				seen.add(*res.Remote)
				continue
			}
			// Without the server copy there is nothing to reconcile against,
			// and the pull cursor may already be past that change.
			rejected++
			e.logger.Warn("conflict reported without server copy",
				zap.String("key", key),
				zap.Int64("server_version", res.ServerVersion))
			if err := e.queue.fail(ctx, key, "conflict reported without server copy"); err != nil {
				return rejected, err
			}

		default:
			rejected++
			e.logger.Warn("mutation rejected", zap.String("key", key), zap.String("error", res.Error))
			if err := e.queue.fail(ctx, key, res.Error); err != nil {
				return rejected, err
			}
		}
	}
	return rejected, nil
}

// pull pages through the server change log and returns the new cursor.
func (e *Engine) pull(ctx context.Context, ev *cycleEvents, seen remoteSet) (string, error) {
	cursor, err := e.loadCursor(ctx)
	if err != nil {
		return "", err
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := e.client.Pull(ctx, cursor, e.config.PullLimit)
		if err != nil {
			return "", fmt.Errorf("failed to pull: %w", err)
		}
		for _, c := range res.Changes {
			seen.add(c)
		}
		if res.Cursor != "" {
			cursor = res.Cursor
		}

		p := progressPushEnd + page*progressPullPageStride
		if p >= progressPullEnd {
			p = progressPullEnd - 1
		}
		ev.advance(p, fmt.Sprintf("pulled page %d", page))

		if !res.HasMore {
			break
		}
	}
	ev.advance(progressPullEnd, "pulled")
	return cursor, nil
}

func (e *Engine) reconcileAll(ctx context.Context, ev *cycleEvents, seen remoteSet) error {
	changes := seen.sorted()
	for i, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcile(ctx, ev, c); err != nil {
			return fmt.Errorf("failed to reconcile %s: %w", c.Key(), err)
		}
		done := progressPullEnd + (progressReconcileEnd-progressPullEnd)*(i+1)/len(changes)
		ev.advance(done, "reconciling")
	}
	ev.advance(progressReconcileEnd, "reconciled")
	return nil
}

// reconcile applies one server copy to the store. Every write is
// conditional on the local record read at the start; when a local edit lands
// in between, reconcile starts over from the new local record.
func (e *Engine) reconcile(ctx context.Context, ev *cycleEvents, c remote.Change) error {
	incoming, err := c.Entity()
	if err != nil {
		e.logger.Warn("skipping invalid remote record", zap.String("key", c.Key()), zap.Error(err))
		return nil
	}

	b := retry.WithMaxRetries(reconcileRetries, retry.NewConstant(time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := e.reconcileOnce(ctx, ev, c, incoming)
		if errors.Is(err, store.ErrVersionMismatch) {
			e.logger.Debug("local record changed during reconcile", zap.String("key", c.Key()), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Engine) reconcileOnce(ctx context.Context, ev *cycleEvents, c remote.Change, incoming *schema.Entity) error {
	local, err := e.store.Get(ctx, c.EntityType, c.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		if c.Deleted {
			return nil
		}
		_, err = e.store.Put(ctx, incoming, store.MarkSynced(c.ServerVersion), store.IfVersion(0))
		return err
	}
	if err != nil {
		return err
	}
	if c.ServerVersion <= local.ServerVersion {
		return nil
	}

	switch local.SyncStatus {
	case schema.StatusSynced:
		if c.Deleted {
			return e.store.Purge(ctx, c.EntityType, c.EntityID, store.IfVersion(local.Version))
		}
		_, err = e.store.Put(ctx, incoming, store.MarkSynced(c.ServerVersion), store.IfVersion(local.Version))
		return err

	case schema.StatusConflict:
		return e.refreshConflict(ctx, ev, local, incoming)

	default:
		return e.mergePending(ctx, ev, local, incoming)
	}
}

// mergePending merges a record with unpushed local edits against a newer
// server copy.
func (e *Engine) mergePending(ctx context.Context, ev *cycleEvents, local, incoming *schema.Entity) error {
	base, err := e.store.Base(ctx, local.Type, local.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	d, err := conflict.Detect(base, local, incoming)
	if err != nil {
		return err
	}
	if d.HasConflict() {
		return e.park(ctx, ev, base, local, incoming, d, local.Version)
	}

	if d.Merged.SyncStatus == schema.StatusSynced {
		if _, err := e.store.Put(ctx, d.Merged, store.MarkSynced(incoming.ServerVersion), store.IfVersion(local.Version)); err != nil {
			return err
		}
		_, err := e.queue.ack(ctx, local.Key(), local.Version)
		return err
	}

	// The rebased record is published as a local change and so re-queued
	// with the new server version as its base.
	_, err = e.store.Put(ctx, d.Merged, store.Rebase(incoming), store.IfVersion(local.Version))
	if err == nil {
		e.logger.Debug("merged remote changes", zap.String("key", local.Key()))
	}
	return err
}

// refreshConflict re-evaluates a parked record against a newer server copy.
// The parked local side is kept; the conflict is replaced, or resolved
// outright when the server converged.
func (e *Engine) refreshConflict(ctx context.Context, ev *cycleEvents, local, incoming *schema.Entity) error {
	existing, err := e.conflictFor(ctx, local.Key())
	if err != nil {
		return err
	}

	base := (*schema.Entity)(nil)
	localSide := local
	if existing != nil {
		if existing.Remote != nil && existing.Remote.ServerVersion >= incoming.ServerVersion {
			return nil
		}
		base, localSide = existing.Base, existing.Local
	}

	d, err := conflict.Detect(base, localSide, incoming)
	if err != nil {
		return err
	}
	if d.HasConflict() {
		return e.park(ctx, ev, base, localSide, incoming, d, local.Version)
	}

	c := conflict.NewConflict(uuid.NewString(), time.Now(), base, localSide, incoming, d)
	if err := e.store.SaveConflict(ctx, c, store.IfVersion(local.Version)); err != nil {
		return err
	}
	_, err = e.store.ApplyResolution(ctx, c.ID, d.Merged)
	return err
}

// park stores a conflict and drops the record from the push queue until it
// is resolved. version is the stored record's version the detection was
// made against.
func (e *Engine) park(ctx context.Context, ev *cycleEvents, base, local, incoming *schema.Entity, d *conflict.Detection, version int64) error {
	c := conflict.NewConflict(uuid.NewString(), time.Now(), base, local, incoming, d)
	if err := e.store.SaveConflict(ctx, c, store.IfVersion(version)); err != nil {
		return err
	}
	if _, err := e.queue.ack(ctx, c.Key(), version); err != nil {
		return err
	}

	summary := conflict.Summarize(c)
	e.logger.Info("conflict detected",
		zap.String("conflict", c.ID),
		zap.String("key", c.Key()),
		zap.Strings("fields", c.Fields),
		zap.String("severity", string(conflict.ClassifySeverity(c))))
	ev.conflict(c, summary)
	return nil
}

func (e *Engine) conflictFor(ctx context.Context, key string) (*schema.Conflict, error) {
	all, err := e.store.GetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Key() == key {
			return c, nil
		}
	}
	return nil, nil
}

func (e *Engine) loadCursor(ctx context.Context) (string, error) {
	data, err := e.kv.Get(ctx, metaNamespace, cursorKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load pull cursor: %w", err)
	}
	return string(data), nil
}

func (e *Engine) saveCursor(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	if err := e.kv.Put(ctx, metaNamespace, cursorKey, []byte(cursor)); err != nil {
		return fmt.Errorf("failed to save pull cursor: %w", err)
	}
	return nil
}

// Cursor returns the persisted pull cursor.
func (e *Engine) Cursor(ctx context.Context) (string, error) {
	return e.loadCursor(ctx)
}
