package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/app"
	"github.com/tasklane/tasklane/internal/logging"
	"github.com/tasklane/tasklane/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Push queued local changes, pull remote changes and reconcile them.

Conflicting edits are parked for 'tl conflicts resolve'. The command fails
when the server is unreachable; queued changes are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		unsub := s.Engine.Events().Subscribe(func(ev syncer.Event) {
			if jsonOutput {
				return
			}
			switch ev.Kind {
			case syncer.EventProgress:
				fmt.Printf("%s %3d%% %s\n", renderAccent("→"), ev.Progress, ev.Message)
			case syncer.EventConflict:
				fmt.Printf("%s conflict: %s\n", renderWarn("⚠"), ev.Message)
			}
		})
		defer unsub()

		start := time.Now()
		err = s.SyncNow(cmd.Context())
		status := s.Engine.Status()
		if jsonOutput {
			if perr := printJSON(status); perr != nil {
				return perr
			}
			return err
		}
		if err != nil {
			if errors.Is(err, syncer.ErrOffline) {
				return fmt.Errorf("server unreachable, %d change(s) stay queued", status.QueueSize)
			}
			return err
		}

		fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Queued: %d\n", status.QueueSize)
		if status.ConflictCount > 0 {
			fmt.Printf("   %s %d conflict(s), see 'tl conflicts list'\n", renderWarn("Conflicts:"), status.ConflictCount)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Show connectivity, queue size, conflicts and sync timing.

When the daemon holds the database and its dashboard is enabled, the status
is read from the dashboard instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, source, err := currentStatus(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(status)
		}
		printStatus(status, source)
		return nil
	},
}

func currentStatus(ctx context.Context) (syncer.Status, string, error) {
	s, err := openSession(ctx)
	if err == nil {
		defer s.Close()
		if s.Remote != nil {
			s.Monitor.Probe(ctx)
		}
		return s.Engine.Status(), "local", nil
	}
	base, ok := daemonURL(err)
	if !ok {
		return syncer.Status{}, "", err
	}
	var status syncer.Status
	if ferr := daemonCall(ctx, http.MethodGet, base+"/status", nil, &status); ferr != nil {
		return syncer.Status{}, "", errors.Join(err, ferr)
	}
	return status, "daemon", nil
}

func printStatus(st syncer.Status, source string) {
	online := renderFail("offline")
	if st.IsOnline {
		online = renderPass("online")
	}
	fmt.Printf("\n%s Sync status %s\n\n", renderAccent("●"), renderMuted("("+source+")"))
	fmt.Printf("Network:   %s\n", online)
	if st.IsSyncing {
		fmt.Printf("Syncing:   %d%%\n", st.SyncProgress)
	}
	fmt.Printf("Queued:    %d\n", st.QueueSize)
	conflicts := fmt.Sprintf("%d", st.ConflictCount)
	if st.ConflictCount > 0 {
		conflicts = renderWarn(conflicts)
	}
	fmt.Printf("Conflicts: %s\n", conflicts)
	fmt.Printf("Last sync: %s\n", formatTime(st.LastSync))
	fmt.Printf("Next sync: %s\n", formatTime(st.NextSync))
	if st.LastError != "" {
		fmt.Printf("Error:     %s\n", renderFail(st.LastError))
	}
	fmt.Println()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return renderMuted("never")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Pushes local edits shortly after they happen
  2. Syncs periodically and whenever the server becomes reachable
  3. Keeps the search index fresh
  4. Imports *.jsonl files dropped into <data_dir>/inbox
  5. Serves the dashboard when dashboard.enabled is set

Changes to sync.interval in the config file apply without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
		if verbose {
			opts.Level = "debug"
		}
		logger, closeLog, err := logging.New(opts)
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		a, err := app.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Daemon()
		if err != nil {
			return err
		}
		loader.Watch(logger, a.ApplyConfig)

		if cfg.Server.URL == "" {
			logger.Warn("server.url not set, running local-only")
		}
		logger.Info("daemon started",
			zap.String("data_dir", cfg.DataDir),
			zap.String("config", loader.ConfigFile()),
			zap.Int("pid", os.Getpid()))
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, daemonCmd)
}
