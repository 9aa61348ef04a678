// Package config loads tasklane configuration from a YAML file, TL_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TL_SERVER_URL.
const EnvPrefix = "TL"

// Config is the full tasklane configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	PullLimit   int           `mapstructure:"pull_limit" yaml:"pull_limit"`
}

type NetworkConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

type SearchConfig struct {
	RebuildInterval time.Duration `mapstructure:"rebuild_interval" yaml:"rebuild_interval"`
	Debounce        time.Duration `mapstructure:"debounce" yaml:"debounce"`
	FuzzyThreshold  float64       `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	SnippetLength   int           `mapstructure:"snippet_length" yaml:"snippet_length"`
	ChunkSize       int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	HistorySize     int           `mapstructure:"history_size" yaml:"history_size"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// DefaultDataDir returns ~/.tasklane, or ./.tasklane without a home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasklane"
	}
	return filepath.Join(home, ".tasklane")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("server.url", "")
	v.SetDefault("server.timeout", 30*time.Second)

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.pull_limit", 200)

	v.SetDefault("network.probe_interval", 15*time.Second)
	v.SetDefault("network.probe_timeout", 5*time.Second)

	v.SetDefault("search.rebuild_interval", 24*time.Hour)
	v.SetDefault("search.debounce", 500*time.Millisecond)
	v.SetDefault("search.fuzzy_threshold", 0.6)
	v.SetDefault("search.snippet_length", 150)
	v.SetDefault("search.chunk_size", 200)
	v.SetDefault("search.history_size", 100)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Loader reads configuration and optionally watches the file for changes.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	watched bool
}

// NewLoader prepares a loader. An explicit path must exist; otherwise
// tasklane.yaml is searched in ~/.config/tasklane and the working directory
// and may be absent.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasklane")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tasklane"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load decodes and validates the current configuration.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Invalid edits are logged and ignored. Without a config file Watch
// does nothing.
func (l *Loader) Watch(logger *zap.Logger, fn func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if l.ConfigFile() == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true

	l.v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.String("file", ev.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", ev.Name))
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"server.timeout":          c.Server.Timeout,
		"sync.interval":           c.Sync.Interval,
		"sync.debounce":           c.Sync.Debounce,
		"sync.backoff_base":       c.Sync.BackoffBase,
		"network.probe_interval":  c.Network.ProbeInterval,
		"network.probe_timeout":   c.Network.ProbeTimeout,
		"search.rebuild_interval": c.Search.RebuildInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("sync.backoff_max (%s) must be >= sync.backoff_base (%s)", c.Sync.BackoffMax, c.Sync.BackoffBase))
	}
	if c.Sync.BatchSize <= 0 || c.Sync.PullLimit <= 0 {
		errs = append(errs, errors.New("sync.batch_size and sync.pull_limit must be positive"))
	}
	if c.Search.FuzzyThreshold <= 0 || c.Search.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("search.fuzzy_threshold must be in (0, 1], got %v", c.Search.FuzzyThreshold))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DatabasePath returns the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tasklane.db")
}

// InboxDir returns the directory watched for JSONL imports.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
