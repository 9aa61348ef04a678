// Package app wires tasklane's components from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/config"
	"github.com/tasklane/tasklane/internal/conflict"
	"github.com/tasklane/tasklane/internal/daemon"
	"github.com/tasklane/tasklane/internal/dashboard"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/netstate"
	"github.com/tasklane/tasklane/internal/remote"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/search"
	"github.com/tasklane/tasklane/internal/store"
	"github.com/tasklane/tasklane/internal/syncer"
)

// ErrNoServer is returned by sync operations when server.url is unset.
var ErrNoServer = errors.New("server.url is not configured")

// App holds the wired components of one tasklane data directory.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	KV      kv.Store
	Store   *store.Store
	Monitor *netstate.Monitor
	Engine  *syncer.Engine
	Index   *search.Engine

	// Remote is nil when no server is configured.
	Remote remote.Client

	closeKV func() error
}

// Open opens the database in cfg.DataDir and builds every component.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := kv.OpenSQLite(ctx, cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.closeKV = db.Close
	return a, nil
}

// build wires components over an already opened backend.
func build(ctx context.Context, cfg *config.Config, backend kv.Store, logger *zap.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		KV:     backend,
		Store:  store.New(backend, logger),
	}

	var prober netstate.Prober
	if cfg.Server.URL != "" {
		client, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL: cfg.Server.URL,
			Timeout: cfg.Server.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		a.Remote = client
		prober = client
	}

	a.Monitor = netstate.NewMonitor(prober, netstate.Config{
		ProbeInterval: cfg.Network.ProbeInterval,
		ProbeTimeout:  cfg.Network.ProbeTimeout,
	}, logger)

	client := a.Remote
	if client == nil {
		// Without a server the engine only ever sees an offline network.
		client = noServer{}
		a.Monitor.Force(false)
	}

	engine, err := syncer.New(ctx, a.Store, backend, client, a.Monitor, SyncerConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start sync engine: %w", err)
	}
	a.Engine = engine
	a.Index = search.New(a.Store, SearchConfig(cfg), logger)
	return a, nil
}

// SyncerConfig maps the sync section of cfg.
func SyncerConfig(cfg *config.Config) syncer.Config {
	return syncer.Config{
		Interval:    cfg.Sync.Interval,
		Debounce:    cfg.Sync.Debounce,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		BatchSize:   cfg.Sync.BatchSize,
		PullLimit:   cfg.Sync.PullLimit,
	}
}

// SearchConfig maps the search section of cfg.
func SearchConfig(cfg *config.Config) search.Config {
	return search.Config{
		RebuildInterval: cfg.Search.RebuildInterval,
		Debounce:        cfg.Search.Debounce,
		FuzzyThreshold:  cfg.Search.FuzzyThreshold,
		SnippetLength:   cfg.Search.SnippetLength,
		ChunkSize:       cfg.Search.ChunkSize,
		HistorySize:     cfg.Search.HistorySize,
	}
}

// SyncNow probes the server and runs one cycle.
func (a *App) SyncNow(ctx context.Context) error {
	if a.Remote == nil {
		return ErrNoServer
	}
	if !a.Monitor.Probe(ctx) {
		return syncer.ErrOffline
	}
	return a.Engine.Sync(ctx)
}

// Daemon assembles the background services.
func (a *App) Daemon() (*daemon.Daemon, error) {
	services := daemon.Services{
		Engine:  a.Engine,
		Search:  a.Index,
		Changes: a.Store.Changes(),
		Inbox:   daemon.NewInbox(a.Config.InboxDir(), a.Store, daemon.DefaultInboxConfig(), a.Logger),
	}
	if a.Remote != nil {
		services.Monitor = a.Monitor
	}
	if a.Config.Dashboard.Enabled {
		services.Dashboard = dashboard.NewServer(&dashboard.Config{
			Port:   a.Config.Dashboard.Port,
			Logger: a.Logger,
		}, a)
	}
	return daemon.New(services, a.Logger)
}

// ApplyConfig applies the settings that can change while running.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.Engine.SetInterval(cfg.Sync.Interval)
}

// Status implements dashboard.Backend.
func (a *App) Status() syncer.Status {
	return a.Engine.Status()
}

// Conflicts lists unresolved conflicts, most severe first.
func (a *App) Conflicts(ctx context.Context) ([]*schema.Conflict, error) {
	conflicts, err := a.Store.GetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	conflict.SortBySeverity(conflicts)
	return conflicts, nil
}

// ResolveConflict implements dashboard.Backend.
func (a *App) ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) error {
	return a.Engine.ResolveConflict(ctx, id, strategy)
}

// Search implements dashboard.Backend.
func (a *App) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return a.Index.Search(ctx, req)
}

// Close stops the engine and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	if a.closeKV != nil {
		errs = append(errs, a.closeKV())
	}
	return errors.Join(errs...)
}

type noServer struct{}

func (noServer) Push(context.Context, []remote.Mutation) ([]remote.PushResult, error) {
	return nil, ErrNoServer
}

func (noServer) Pull(context.Context, string, int) (*remote.PullResult, error) {
	return nil, ErrNoServer
}

func (noServer) Ping(context.Context) error { return ErrNoServer }
