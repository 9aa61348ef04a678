package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/netstate"
	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/remote"
	"github.com/tasklane/tasklane/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrOffline is the cancellation cause of a cycle interrupted by the
	// network going away.
	ErrOffline = errors.New("network went offline")

	// ErrRejected is returned by a cycle in which the server refused at
	// least one mutation.
	ErrRejected = errors.New("server rejected mutations")

	// ErrConflictNotFound is returned by ResolveConflict for an unknown id.
	ErrConflictNotFound = store.ErrConflictNotFound

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine closed")
)

// Network is the connectivity source the engine follows. *netstate.Monitor
// implements it.
type Network interface {
	IsOnline() bool
	Transitions() *pubsub.Broker[netstate.Transition]
}

// Config holds configuration for the engine.
type Config struct {
	// Interval between periodic cycles in Run
	Interval time.Duration

	// Debounce delays the cycle triggered by a local edit or reconnect
	Debounce time.Duration

	// BackoffBase is the first retry delay after a transient failure
	BackoffBase time.Duration

	// BackoffMax caps the retry delay
	BackoffMax time.Duration

	// BatchSize is the maximum number of mutations per push request
	BatchSize int

	// PullLimit is the page size requested from the server
	PullLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Debounce:    2 * time.Second,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		BatchSize:   50,
		PullLimit:   200,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PullLimit <= 0 {
		c.PullLimit = def.PullLimit
	}
	return c
}

// Engine coordinates the queue, the remote client and the local store.
type Engine struct {
	store   *store.Store
	kv      kv.Store
	client  remote.Client
	network Network
	config  Config
	logger  *zap.Logger

	queue    *queue
	events   *pubsub.Broker[Event]
	statuses *pubsub.Broker[Status]

	syncing  atomic.Bool
	cycles   atomic.Uint64
	progress atomic.Int64

	mu          sync.Mutex
	cancelCycle context.CancelCauseFunc
	backoff     retry.Backoff
	retryDelay  time.Duration
	interval    time.Duration
	lastSync    time.Time
	nextSync    time.Time
	lastError   string
	debounce    *time.Timer
	closed      bool
	unsubscribe []func()

	trigger chan struct{}
	reset   chan struct{}
}

// New creates an engine, recovers the push queue from pending store records
// and starts following store changes and network transitions.
func New(ctx context.Context, st *store.Store, backend kv.Store, client remote.Client, network Network, config Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	q, err := newQueue(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue: %w", err)
	}

	e := &Engine{
		store:    st,
		kv:       backend,
		client:   client,
		network:  network,
		config:   config,
		logger:   logger.With(zap.String("component", "syncer")),
		queue:    q,
		events:   pubsub.New[Event](),
		statuses: pubsub.New[Status](),
		interval: config.Interval,
		trigger:  make(chan struct{}, 1),
		reset:    make(chan struct{}, 1),
	}
	e.resetBackoff()

	if err := e.recoverQueue(ctx); err != nil {
		return nil, err
	}

	e.unsubscribe = append(e.unsubscribe,
		st.Changes().Subscribe(e.onStoreChange),
		network.Transitions().Subscribe(e.onTransition),
	)
	return e, nil
}

// recoverQueue enqueues pending records the queue does not know about, e.g.
// after a crash between a store write and its enqueue.
func (e *Engine) recoverQueue(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending records: %w", err)
	}
	for _, rec := range pending {
		if err := e.queue.enqueue(ctx, rec); err != nil {
			return fmt.Errorf("failed to recover queue entry %s: %w", rec.Key(), err)
		}
	}
	if len(pending) > 0 {
		e.logger.Info("recovered sync queue", zap.Int("pending", len(pending)))
	}
	return nil
}

func (e *Engine) onStoreChange(c store.Change) {
	if c.Origin != store.OriginLocal || c.Entity == nil {
		return
	}
	if c.Op != store.OpPut && c.Op != store.OpDelete {
		return
	}
	if err := e.queue.enqueue(context.Background(), c.Entity); err != nil {
		e.logger.Error("failed to enqueue change", zap.String("key", c.Entity.Key()), zap.Error(err))
		return
	}
	e.publishStatus()
	e.poke()
}

func (e *Engine) onTransition(t netstate.Transition) {
	if t.Online {
		e.poke()
	} else {
		e.mu.Lock()
		cancel := e.cancelCycle
		e.mu.Unlock()
		if cancel != nil {
			cancel(ErrOffline)
		}
	}
	e.publishStatus()
}

// poke schedules a debounced cycle for Run. Bursts of calls collapse into
// one trigger.
func (e *Engine) poke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.config.Debounce, func() {
		select {
		case e.trigger <- struct{}{}:
		default:
		}
	})
}

// Events returns the broker carrying cycle events.
func (e *Engine) Events() *pubsub.Broker[Event] {
	return e.events
}

// StatusUpdates returns the broker carrying status snapshots.
func (e *Engine) StatusUpdates() *pubsub.Broker[Status] {
	return e.statuses
}

// QueueEntries returns the queued pushes in order.
func (e *Engine) QueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	return e.queue.entries(ctx)
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	ctx := context.Background()
	st := Status{
		IsOnline:  e.network.IsOnline(),
		IsSyncing: e.syncing.Load(),
	}
	if st.IsSyncing {
		st.SyncProgress = int(e.progress.Load())
	}
	if n, err := e.queue.len(ctx); err == nil {
		st.QueueSize = n
	} else {
		e.logger.Warn("failed to read queue size", zap.Error(err))
	}
	if cs, err := e.store.GetConflicts(ctx); err == nil {
		st.ConflictCount = len(cs)
	} else {
		e.logger.Warn("failed to count conflicts", zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastSync.IsZero() {
		t := e.lastSync
		st.LastSync = &t
	}
	if !e.nextSync.IsZero() {
		t := e.nextSync
		st.NextSync = &t
	}
	st.LastError = e.lastError
	return st
}

func (e *Engine) publishStatus() {
	e.statuses.Publish(e.Status())
}

// SetInterval changes the periodic interval. A running Run loop picks it up
// immediately.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
	select {
	case e.reset <- struct{}{}:
	default:
	}
	e.logger.Info("sync interval changed", zap.Duration("interval", d))
}

// Sync runs one full cycle. It is a no-op returning nil when a cycle is
// already running or the network is offline. Otherwise it returns the
// cycle's error, if any.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !e.network.IsOnline() {
		e.logger.Debug("skipping sync while offline")
		return nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress")
		return nil
	}

	cctx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.cancelCycle = cancel
	e.mu.Unlock()
	if !e.network.IsOnline() {
		cancel(ErrOffline)
	}

	ev := &cycleEvents{engine: e, cycle: e.cycles.Add(1)}
	e.progress.Store(0)
	ev.start()
	e.publishStatus()

	err := e.runCycle(cctx, ev)
	if err != nil {
		if cause := context.Cause(cctx); cause != nil {
			err = fmt.Errorf("sync interrupted: %w", cause)
		}
	}

	e.mu.Lock()
	e.cancelCycle = nil
	if err != nil {
		e.lastError = err.Error()
		if errors.Is(err, remote.ErrTransient) {
			e.retryDelay = e.nextBackoff()
		} else {
			e.retryDelay = 0
		}
	} else {
		e.lastError = ""
		e.lastSync = time.Now().UTC()
		e.retryDelay = 0
		e.backoff = e.newBackoff()
	}
	e.mu.Unlock()
	cancel(nil)

	if err != nil {
		e.logger.Warn("sync cycle failed", zap.Uint64("cycle", ev.cycle), zap.Error(err))
	} else {
		e.logger.Info("sync cycle complete", zap.Uint64("cycle", ev.cycle))
	}
	ev.finish(err)
	e.syncing.Store(false)
	e.progress.Store(0)
	e.publishStatus()
	return err
}

// ResolveConflict applies strategy to the conflict with the given id. The
// resolved record is written to the store and, when it differs from the
// server copy, queued for push.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	resolved, err := conflict.Resolve(c, strategy)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}
	stored, err := e.store.ApplyResolution(ctx, conflictID, resolved)
	if err != nil {
		return err
	}

	e.logger.Info("conflict resolved",
		zap.String("conflict", conflictID),
		zap.String("key", stored.Key()),
		zap.String("strategy", string(strategy.Strategy)),
		zap.String("status", string(stored.SyncStatus)))
	e.publishStatus()
	return nil
}

// Run performs periodic cycles until ctx is done. Local edits and reconnects
// trigger a debounced cycle early; transient failures shorten the wait to
// the current backoff delay.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(e.nextDelay())
	defer timer.Stop()
	e.markNext(e.nextDelay())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.reset:
			d := e.nextDelay()
			timer.Reset(d)
			e.markNext(d)
			continue
		case <-e.trigger:
		case <-timer.C:
		}

		if err := e.Sync(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debug("scheduled sync failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		d := e.nextDelay()
		timer.Reset(d)
		e.markNext(d)
	}
}

func (e *Engine) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryDelay > 0 && e.retryDelay < e.interval {
		return e.retryDelay
	}
	return e.interval
}

func (e *Engine) markNext(d time.Duration) {
	e.mu.Lock()
	e.nextSync = time.Now().Add(d).UTC()
	e.mu.Unlock()
	e.publishStatus()
}

func (e *Engine) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(e.config.BackoffMax, retry.NewExponential(e.config.BackoffBase))
}

func (e *Engine) resetBackoff() {
	e.mu.Lock()
	e.backoff = e.newBackoff()
	e.retryDelay = 0
	e.mu.Unlock()
}

// nextBackoff returns the next retry delay. Callers hold mu.
func (e *Engine) nextBackoff() time.Duration {
	d, stop := e.backoff.Next()
	if stop {
		return e.config.BackoffMax
	}
	return d
}

// RetryDelay returns the pending backoff delay, zero when none.
func (e *Engine) RetryDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryDelay
}

// Close detaches the engine from the store and network. An in-flight cycle
// is left to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return nil
}
