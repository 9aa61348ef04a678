// Package netstate tracks whether the sync server is reachable and
// publishes online/offline transitions.
package netstate

import (
	"context"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/pubsub"
	"go.uber.org/zap"
)

// Prober checks reachability. remote.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Transition is published whenever the online state flips.
type Transition struct {
	Online bool
	At     time.Time
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often reachability is re-checked
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor keeps the current online state. It starts offline until the first
// probe succeeds or Set is called.
type Monitor struct {
	prober      Prober
	config      Config
	logger      *zap.Logger
	transitions *pubsub.Broker[Transition]

	mu     sync.Mutex
	online bool
	// forced pins the state, ignoring probes, when non-nil.
	forced *bool
}

// NewMonitor creates a monitor probing p.
func NewMonitor(p Prober, config Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:      p,
		config:      config,
		logger:      logger.With(zap.String("component", "netstate")),
		transitions: pubsub.New[Transition](),
	}
}

// Transitions returns the broker carrying online/offline flips.
func (m *Monitor) Transitions() *pubsub.Broker[Transition] {
	return m.transitions
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe checks reachability once and updates the state. Probes are ignored
// while the state is forced.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := m.prober.Ping(probeCtx)
	cancel()

	m.mu.Lock()
	if m.forced != nil {
		online := m.online
		m.mu.Unlock()
		return online
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.set(err == nil)
	return err == nil
}

// Set records a connectivity report from the platform, e.g. an interface
// going down. The next probe may override it.
func (m *Monitor) Set(online bool) {
	m.set(online)
}

// Force pins the state until Unforce is called. Used for an explicit
// offline mode.
func (m *Monitor) Force(online bool) {
	m.mu.Lock()
	m.forced = &online
	m.mu.Unlock()
	m.set(online)
}

// Unforce returns the monitor to probe-driven state.
func (m *Monitor) Unforce() {
	m.mu.Lock()
	m.forced = nil
	m.mu.Unlock()
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.transitions.Publish(Transition{Online: online, At: time.Now()})
}

// Run probes immediately and then every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
