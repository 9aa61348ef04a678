package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/netstate"
	"github.com/tasklane/tasklane/internal/remote"
	"github.com/tasklane/tasklane/internal/remote/remotetest"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/store"
)

type harness struct {
	engine  *Engine
	store   *store.Store
	backend kv.Store
	server  *remotetest.Server
	network *netstate.Monitor

	mu     sync.Mutex
	events []Event
}

func setupEngine(t *testing.T) *harness {
	t.Helper()
	return setupEngineWith(t, kv.NewMemory(), Config{
		Debounce:    time.Hour,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  25 * time.Millisecond,
		BatchSize:   2,
		PullLimit:   2,
	})
}

func setupEngineWith(t *testing.T, backend kv.Store, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:   store.New(backend, nil),
		backend: backend,
		server:  remotetest.New(),
		network: netstate.NewMonitor(nil, netstate.Config{}, nil),
	}
	h.network.Set(true)

	eng, err := New(context.Background(), h.store, backend, h.server, h.network, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	h.engine = eng

	eng.Events().Subscribe(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) takeEvents() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	entries, err := h.engine.QueueEntries(context.Background())
	require.NoError(t, err)
	return len(entries)
}

func task(id string, p schema.Task) *schema.Entity {
	return &schema.Entity{Type: schema.TypeTask, ID: id, Payload: &p}
}

func taskPayload(t *testing.T, e *schema.Entity) *schema.Task {
	t.Helper()
	require.NotNil(t, e)
	p, ok := e.Payload.(*schema.Task)
	require.True(t, ok, "payload is %T", e.Payload)
	return p
}

func TestSync_CoalescesEditsAcrossNetworkFlap(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.network.Set(false)
	for _, title := range []string{"draft", "second draft", "final"} {
		_, err := h.store.Put(ctx, task("T1", schema.Task{Title: title}))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.queueLen(t), "edits to one record coalesce")

	require.NoError(t, h.engine.Sync(ctx), "offline sync is a no-op")
	assert.Empty(t, h.server.PushCalls())

	h.network.Set(true)
	require.NoError(t, h.engine.Sync(ctx))

	calls := h.server.PushCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.JSONEq(t, `"final"`, string(mustField(t, calls[0][0], "title")))
	assert.Equal(t, int64(3), calls[0][0].LocalVersion)

	got, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.Equal(t, 0, h.queueLen(t))
}

func mustField(t *testing.T, m remote.Mutation, name string) []byte {
	t.Helper()
	p, err := schema.DecodePayload(m.EntityType, m.Payload)
	require.NoError(t, err)
	fields, err := schema.Fields(p)
	require.NoError(t, err)
	return fields[name]
}

func TestSync_EventOrder(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	for i := 0; i < 5; i++ {
		_, err := h.store.Put(ctx, task(fmt.Sprintf("T%d", i), schema.Task{Title: "task"}))
		require.NoError(t, err)
	}
	h.server.Put(task("S1", schema.Task{Title: "from server"}))
	h.takeEvents()

	require.NoError(t, h.engine.Sync(ctx))
	events := h.takeEvents()
	require.NotEmpty(t, events)

	assert.Equal(t, EventStart, events[0].Kind)
	assert.Equal(t, EventComplete, events[len(events)-1].Kind)

	last := 0
	terminal := 0
	for _, ev := range events {
		assert.Equal(t, uint64(1), ev.Cycle)
		if ev.Kind == EventProgress {
			assert.Greater(t, ev.Progress, last, "progress strictly increases")
			last = ev.Progress
		}
		if ev.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, 1, terminal)

	// Five pushes in batches of two.
	assert.Len(t, h.server.PushCalls(), 3)

	got, err := h.store.Get(ctx, schema.TypeTask, "S1")
	require.NoError(t, err)
	assert.Equal(t, "from server", taskPayload(t, got).Title)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)

	cursor, err := h.engine.Cursor(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cursor)
}

func TestSync_MergesNonOverlappingEdits(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.server.Put(task("T1", schema.Task{Title: "Ship report", Status: "todo", Priority: "low"}))
	require.NoError(t, h.engine.Sync(ctx))

	local, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	edited := local.Clone()
	taskPayload(t, edited).Status = "done"
	_, err = h.store.Put(ctx, edited)
	require.NoError(t, err)

	h.server.Put(task("T1", schema.Task{Title: "Ship report", Status: "todo", Priority: "high"}))

	require.NoError(t, h.engine.Sync(ctx))
	for _, ev := range h.takeEvents() {
		assert.NotEqual(t, EventConflict, ev.Kind)
	}

	merged, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, "done", taskPayload(t, merged).Status)
	assert.Equal(t, "high", taskPayload(t, merged).Priority)
	assert.Equal(t, schema.StatusPending, merged.SyncStatus, "merge differs from server")
	assert.Equal(t, 1, h.queueLen(t))

	require.NoError(t, h.engine.Sync(ctx))
	srv, ok := h.server.Get(schema.TypeTask, "T1")
	require.True(t, ok)
	assert.Equal(t, "done", taskPayload(t, srv).Status)
	assert.Equal(t, "high", taskPayload(t, srv).Priority)

	final, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, final.SyncStatus)

	conflicts, err := h.store.GetConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// interleavingKV runs hook once, right before the first read of namespace
// after it is armed.
type interleavingKV struct {
	kv.Store
	namespace string

	mu   sync.Mutex
	hook func()
}

func (k *interleavingKV) arm(hook func()) {
	k.mu.Lock()
	k.hook = hook
	k.mu.Unlock()
}

func (k *interleavingKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if namespace == k.namespace {
		k.mu.Lock()
		hook := k.hook
		k.hook = nil
		k.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
	return k.Store.Get(ctx, namespace, key)
}

func TestSync_LocalEditDuringReconcileIsKept(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingKV{Store: kv.NewMemory(), namespace: "base:task"}
	h := setupEngineWith(t, backend, Config{Debounce: time.Hour, BatchSize: 10, PullLimit: 10})

	h.server.Put(task("T1", schema.Task{Title: "Ship report", Status: "todo", Priority: "low"}))
	require.NoError(t, h.engine.Sync(ctx))

	local, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	edited := local.Clone()
	taskPayload(t, edited).Priority = "high"
	_, err = h.store.Put(ctx, edited)
	require.NoError(t, err)

	h.server.Put(task("T1", schema.Task{Title: "Ship report", Status: "done", Priority: "low"}))

	// The engine reads the base snapshot after the local record, so this
	// edit lands between reconcile's read and its write.
	fired := false
	backend.arm(func() {
		fired = true
		cur, err := h.store.Get(ctx, schema.TypeTask, "T1")
		require.NoError(t, err)
		next := cur.Clone()
		taskPayload(t, next).Description = "IMPORTANT NOTES"
		_, err = h.store.Put(ctx, next)
		require.NoError(t, err)
	})

	require.NoError(t, h.engine.Sync(ctx))
	require.True(t, fired)

	merged, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, merged.SyncStatus)
	assert.Equal(t, "IMPORTANT NOTES", taskPayload(t, merged).Description)
	assert.Equal(t, 1, h.queueLen(t))

	require.NoError(t, h.engine.Sync(ctx))

	final, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, final.SyncStatus)
	p := taskPayload(t, final)
	assert.Equal(t, "done", p.Status)
	assert.Equal(t, "high", p.Priority)
	assert.Equal(t, "IMPORTANT NOTES", p.Description)

	srv, ok := h.server.Get(schema.TypeTask, "T1")
	require.True(t, ok)
	assert.Equal(t, "IMPORTANT NOTES", taskPayload(t, srv).Description)
	assert.Equal(t, "high", taskPayload(t, srv).Priority)

	conflicts, err := h.store.GetConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, 0, h.queueLen(t))
}

func TestSync_ParksConflictAndResolves(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.server.Put(task("T1", schema.Task{Title: "A"}))
	require.NoError(t, h.engine.Sync(ctx))

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "B"}))
	require.NoError(t, err)
	h.server.Put(task("T1", schema.Task{Title: "C"}))
	h.takeEvents()

	require.NoError(t, h.engine.Sync(ctx), "a conflict does not fail the cycle")

	var conflictEvents []Event
	events := h.takeEvents()
	for _, ev := range events {
		if ev.Kind == EventConflict {
			conflictEvents = append(conflictEvents, ev)
		}
	}
	require.Len(t, conflictEvents, 1)
	assert.Equal(t, EventComplete, events[len(events)-1].Kind)

	conflicts, err := h.store.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, []string{"title"}, c.Fields)
	assert.Equal(t, c.ID, conflictEvents[0].Conflict.ID)
	assert.Equal(t, 0, h.queueLen(t), "parked records leave the queue")

	live, err := h.store.GetAll(ctx, schema.TypeTask)
	require.NoError(t, err)
	assert.Empty(t, live, "conflict records are hidden from GetAll")
	assert.Equal(t, 1, h.engine.Status().ConflictCount)

	err = h.engine.ResolveConflict(ctx, "missing", conflict.Strategy{Strategy: conflict.UserChoice, UserChoice: conflict.Local})
	assert.ErrorIs(t, err, ErrConflictNotFound)

	err = h.engine.ResolveConflict(ctx, c.ID, conflict.Strategy{Strategy: "coin_flip"})
	assert.ErrorIs(t, err, conflict.ErrInvalidStrategy)

	require.NoError(t, h.engine.ResolveConflict(ctx, c.ID, conflict.Strategy{Strategy: conflict.UserChoice, UserChoice: conflict.Local}))
	assert.Equal(t, 0, h.engine.Status().ConflictCount)
	assert.Equal(t, 1, h.queueLen(t), "local choice is re-queued")

	require.NoError(t, h.engine.Sync(ctx))
	srv, ok := h.server.Get(schema.TypeTask, "T1")
	require.True(t, ok)
	assert.Equal(t, "B", taskPayload(t, srv).Title)

	got, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
}

func TestResolveConflict_RemoteChoiceNeedsNoPush(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.server.Put(task("T1", schema.Task{Title: "A"}))
	require.NoError(t, h.engine.Sync(ctx))
	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "B"}))
	require.NoError(t, err)
	h.server.Put(task("T1", schema.Task{Title: "C"}))
	require.NoError(t, h.engine.Sync(ctx))

	conflicts, err := h.store.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, h.engine.ResolveConflict(ctx, conflicts[0].ID, conflict.Strategy{Strategy: conflict.UserChoice, UserChoice: conflict.Remote}))

	got, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, "C", taskPayload(t, got).Title)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.Equal(t, 0, h.queueLen(t))
}

func TestSync_TransientFailureKeepsQueueAndBacksOff(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "keep me"}))
	require.NoError(t, err)

	h.server.FailPush(fmt.Errorf("%w: 503", remote.ErrTransient))
	h.takeEvents()

	err = h.engine.Sync(ctx)
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.Equal(t, 1, h.queueLen(t))
	assert.Equal(t, 10*time.Millisecond, h.engine.RetryDelay())

	events := h.takeEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, EventError, events[len(events)-1].Kind)

	assert.Error(t, h.engine.Sync(ctx))
	assert.Equal(t, 20*time.Millisecond, h.engine.RetryDelay())
	assert.Error(t, h.engine.Sync(ctx))
	assert.Equal(t, 25*time.Millisecond, h.engine.RetryDelay(), "capped at BackoffMax")

	st := h.engine.Status()
	assert.NotEmpty(t, st.LastError)
	assert.False(t, st.IsSyncing)

	h.server.FailPush(nil)
	require.NoError(t, h.engine.Sync(ctx))
	assert.Equal(t, time.Duration(0), h.engine.RetryDelay())
	assert.Equal(t, 0, h.queueLen(t))
	assert.Empty(t, h.engine.Status().LastError)
	assert.NotNil(t, h.engine.Status().LastSync)
}

func TestSync_OfflineMidCycle(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "unsent"}))
	require.NoError(t, err)

	h.server.OnPush = func([]remote.Mutation) { h.network.Set(false) }
	h.takeEvents()

	err = h.engine.Sync(ctx)
	assert.ErrorIs(t, err, ErrOffline)

	events := h.takeEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, EventStart, events[0].Kind)
	assert.Equal(t, EventError, events[len(events)-1].Kind)

	st := h.engine.Status()
	assert.False(t, st.IsSyncing)
	assert.False(t, st.IsOnline)
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, time.Duration(0), h.engine.RetryDelay(), "offline is not a transient failure")
}

// strippedConflicts drops the server copy from conflict results.
type strippedConflicts struct {
	*remotetest.Server
}

func (c strippedConflicts) Push(ctx context.Context, mutations []remote.Mutation) ([]remote.PushResult, error) {
	results, err := c.Server.Push(ctx, mutations)
	for i := range results {
		results[i].Remote = nil
	}
	return results, err
}

func TestSync_ConflictWithoutServerCopyIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	st := store.New(backend, nil)
	srv := remotetest.New()
	network := netstate.NewMonitor(nil, netstate.Config{}, nil)
	network.Set(true)

	eng, err := New(ctx, st, backend, strippedConflicts{srv}, network, Config{Debounce: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv.Put(task("T1", schema.Task{Title: "v1"}))
	srv.Put(task("T1", schema.Task{Title: "v2"}))
	require.NoError(t, eng.Sync(ctx), "pulls v2 and moves the cursor past it")

	// A local copy still based on server version 1.
	_, err = st.Put(ctx, task("T1", schema.Task{Title: "v1"}), store.MarkSynced(1))
	require.NoError(t, err)
	_, err = st.Put(ctx, task("T1", schema.Task{Title: "local"}))
	require.NoError(t, err)

	err = eng.Sync(ctx)
	assert.ErrorIs(t, err, ErrRejected)

	entries, err := eng.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "conflict reported without server copy", entries[0].LastError)

	got, err := st.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Equal(t, "local", taskPayload(t, got).Title)
}

func TestSync_RejectedMutationStaysQueued(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "bad"}))
	require.NoError(t, err)
	_, err = h.store.Put(ctx, task("T2", schema.Task{Title: "good"}))
	require.NoError(t, err)
	h.server.Reject(schema.TypeTask, "T1", "title not allowed")

	err = h.engine.Sync(ctx)
	assert.ErrorIs(t, err, ErrRejected)

	entries, err := h.engine.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T1", entries[0].EntityID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "title not allowed", entries[0].LastError)

	_, ok := h.server.Get(schema.TypeTask, "T2")
	assert.True(t, ok)
}

func TestSync_EditDuringPushIsNotLost(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "v1"}))
	require.NoError(t, err)

	var once sync.Once
	h.server.OnPush = func([]remote.Mutation) {
		once.Do(func() {
			_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "v2"}))
			require.NoError(t, err)
		})
	}

	require.NoError(t, h.engine.Sync(ctx))
	got, err := h.store.Get(ctx, schema.TypeTask, "T1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Equal(t, 1, h.queueLen(t))

	require.NoError(t, h.engine.Sync(ctx))
	srv, ok := h.server.Get(schema.TypeTask, "T1")
	require.True(t, ok)
	assert.Equal(t, "v2", taskPayload(t, srv).Title)
	assert.Equal(t, 0, h.queueLen(t))
}

func TestSync_Deletions(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.server.Put(task("R1", schema.Task{Title: "server removes me"}))
	h.server.Put(task("L1", schema.Task{Title: "client removes me"}))
	require.NoError(t, h.engine.Sync(ctx))

	require.NoError(t, h.store.SoftDelete(ctx, schema.TypeTask, "L1"))
	h.server.Delete(schema.TypeTask, "R1")

	tomb, err := h.store.Get(ctx, schema.TypeTask, "L1")
	require.NoError(t, err)
	assert.True(t, tomb.IsDeleted, "tombstone kept until acknowledged")

	require.NoError(t, h.engine.Sync(ctx))

	_, err = h.store.Get(ctx, schema.TypeTask, "L1")
	assert.ErrorIs(t, err, store.ErrNotFound, "acknowledged delete is purged")
	_, err = h.store.Get(ctx, schema.TypeTask, "R1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	srv, ok := h.server.Get(schema.TypeTask, "L1")
	require.True(t, ok)
	assert.True(t, srv.IsDeleted)
}

func TestSync_DeleteAgainstRemoteEditConflicts(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.server.Put(task("T1", schema.Task{Title: "shared"}))
	require.NoError(t, h.engine.Sync(ctx))

	require.NoError(t, h.store.SoftDelete(ctx, schema.TypeTask, "T1"))
	h.server.Put(task("T1", schema.Task{Title: "shared", Status: "done"}))

	require.NoError(t, h.engine.Sync(ctx))
	conflicts, err := h.store.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0].Fields, schema.DeletedField)
}

func TestNew_RecoversQueueFromPendingRecords(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()

	st := store.New(backend, nil)
	_, err := st.Put(ctx, task("T1", schema.Task{Title: "written before the engine"}))
	require.NoError(t, err)
	_, err = st.Put(ctx, task("T2", schema.Task{Title: "synced"}), store.MarkSynced(1))
	require.NoError(t, err)

	h := setupEngineWith(t, backend, Config{Debounce: time.Hour})
	entries, err := h.engine.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T1", entries[0].EntityID)
}

func TestSync_SkipsWhenAlreadySyncing(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "x"}))
	require.NoError(t, err)

	var nested error
	h.server.OnPush = func([]remote.Mutation) { nested = h.engine.Sync(ctx) }

	require.NoError(t, h.engine.Sync(ctx))
	assert.NoError(t, nested)
	assert.Len(t, h.server.PushCalls(), 1)
}

func TestRun_TriggersOnLocalEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := setupEngineWith(t, kv.NewMemory(), Config{
		Interval: time.Hour,
		Debounce: 10 * time.Millisecond,
	})

	done := make(chan struct{}, 1)
	h.engine.Events().Subscribe(func(ev Event) {
		if ev.Kind == EventComplete {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- h.engine.Run(ctx) }()

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "push soon"}))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for triggered sync")
	}

	_, ok := h.server.Get(schema.TypeTask, "T1")
	assert.True(t, ok)
	assert.NotNil(t, h.engine.Status().NextSync)

	cancel()
	require.NoError(t, <-runErr)
}

func TestStatusUpdates_PublishedOnQueueChange(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	var sizes []int
	h.engine.StatusUpdates().Subscribe(func(s Status) { sizes = append(sizes, s.QueueSize) })

	_, err := h.store.Put(ctx, task("T1", schema.Task{Title: "x"}))
	require.NoError(t, err)
	_, err = h.store.Put(ctx, task("T2", schema.Task{Title: "y"}))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, sizes)
}
