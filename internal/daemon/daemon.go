// Package daemon runs tasklane's background services.
//
// The daemon:
//  1. Runs the sync engine loop (periodic, edit-triggered and reconnect-triggered cycles)
//  2. Probes server reachability
//  3. Keeps the search index fresh
//  4. Imports JSONL files dropped into the inbox directory
//  5. Optionally serves the websocket dashboard
//
// Every service stops when the context is cancelled; the first service to
// fail stops the others.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tasklane/tasklane/internal/dashboard"
	"github.com/tasklane/tasklane/internal/netstate"
	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/search"
	"github.com/tasklane/tasklane/internal/store"
	"github.com/tasklane/tasklane/internal/syncer"
)

// Services are the components the daemon runs. Engine and Changes are
// required; the rest may be nil.
type Services struct {
	Engine    *syncer.Engine
	Monitor   *netstate.Monitor
	Search    *search.Engine
	Changes   *pubsub.Broker[store.Change]
	Inbox     *Inbox
	Dashboard *dashboard.Server
}

// Daemon orchestrates the background services.
type Daemon struct {
	services Services
	logger   *zap.Logger
}

// New creates a new Daemon instance.
func New(services Services, logger *zap.Logger) (*Daemon, error) {
	if services.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if services.Changes == nil {
		return nil, fmt.Errorf("change broker cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		services: services,
		logger:   logger.With(zap.String("component", "daemon")),
	}, nil
}

// Run blocks until ctx is cancelled or a service fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon")
	s := d.services

	g, gctx := errgroup.WithContext(ctx)

	if s.Monitor != nil {
		g.Go(func() error { return s.Monitor.Run(gctx) })
	}
	g.Go(func() error { return s.Engine.Run(gctx) })
	if s.Search != nil {
		g.Go(func() error { return s.Search.Maintain(gctx, s.Changes) })
	}
	if s.Inbox != nil {
		g.Go(func() error {
			if err := s.Inbox.Run(gctx); err != nil {
				return fmt.Errorf("inbox: %w", err)
			}
			return nil
		})
	}
	if s.Dashboard != nil {
		handler := dashboard.NewHandler(s.Dashboard, d.logger)
		detach := handler.Attach(s.Engine.Events(), s.Engine.StatusUpdates(), s.Changes)
		defer detach()
		g.Go(func() error {
			if err := s.Dashboard.Run(gctx); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("daemon stopped with error", zap.Error(err))
		return err
	}
	d.logger.Info("daemon stopped")
	return nil
}
