// Command tl is the tasklane command-line client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tasklane/tasklane/internal/app"
	"github.com/tasklane/tasklane/internal/config"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/logging"
)

var (
	cfgFile    string
	dataDir    string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Offline-first task, workspace and file records with background sync",
	Long: `tl manages a local store of workspaces, tasks and files.

Every edit is written locally first and queued for the sync server. The
daemon pushes and pulls in the background, detects conflicting edits and
keeps a full-text search index up to date.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/tasklane/tasklane.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data_dir")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		if errors.Is(err, kv.ErrLocked) {
			fmt.Fprintf(os.Stderr, "   Is the daemon running? Stop it, or enable its dashboard so status and conflicts commands can reach it.\n")
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return loader, cfg, nil
}

// newLogger builds the logger for one-shot commands: the configured log file
// when set, otherwise stderr at warn level unless --verbose.
func newLogger(cfg *config.Config) (*zap.Logger, func() error, error) {
	opts := logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if opts.File == "" {
		opts.Level = "warn"
	}
	if verbose {
		opts.Level = "debug"
	}
	return logging.New(opts)
}

// session is an opened data directory for the duration of one command.
type session struct {
	*app.App
	loader   *config.Loader
	closeLog func() error
}

func (s *session) Close() {
	_ = s.App.Close()
	_ = s.closeLog()
}

func openSession(ctx context.Context) (*session, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	return &session{App: a, loader: loader, closeLog: closeLog}, nil
}
