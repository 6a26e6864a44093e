// Package config loads sheetsync settings from defaults, an optional YAML
// file, a .env file and SHEETSYNC_* environment variables.
//
// Precedence (highest first): environment, config file, defaults. Values in
// .env are loaded into the environment before viper reads it and never
// override variables that are already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sheetsync/sheetsync/internal/daemon"
	"github.com/sheetsync/sheetsync/internal/netprobe"
	"github.com/sheetsync/sheetsync/internal/schema"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// EnvPrefix is prepended to every environment key (sync.interval is read
// from SHEETSYNC_SYNC_INTERVAL).
const EnvPrefix = "SHEETSYNC"

// Config is the resolved configuration.
type Config struct {
	DataDir   string
	DBPath    string
	StatePath string
	TokenPath string
	// LockPath serializes sync passes across processes. It always sits
	// next to StatePath.
	LockPath        string
	CollectionTitle string
	Collections     []string

	Sync      SyncConfig
	Probe     netprobe.Config
	Dashboard DashboardConfig
	API       APIConfig
	Log       LogConfig
	OAuth     OAuthConfig
}

// SyncConfig controls the periodic job and the store watcher.
type SyncConfig struct {
	Interval      time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Debounce      time.Duration
}

type DashboardConfig struct {
	Port int
}

type APIConfig struct {
	Addr string
}

// LogConfig enables a rotating log file when File is set.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

// Loader reads and re-reads configuration.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// DefaultDataDir returns ~/.sheetsync, or .sheetsync when there is no home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetsync"
	}
	return filepath.Join(home, ".sheetsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("state_path", "")
	v.SetDefault("token_path", "")
	v.SetDefault("collection_title", ssync.DefaultTitle)
	v.SetDefault("collections", schema.Names())

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.retry_backoff", 30*time.Second)
	v.SetDefault("sync.debounce", 500*time.Millisecond)

	probe := netprobe.DefaultConfig()
	v.SetDefault("probe.address", probe.Address)
	v.SetDefault("probe.timeout", probe.Timeout)

	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("api.addr", "127.0.0.1:7002")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
}

// Load resolves configuration. configFile may be empty, in which case
// config.yaml in the data directory is used if present. envFile may be empty
// to read .env from the working directory.
func Load(configFile, envFile string) (*Loader, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFile returns the path of the config file in use, or "".
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file on change and passes each valid result to
// fn. Invalid edits are logged and ignored. It is a no-op without a config
// file.
func (l *Loader) Watch(logger *log.Logger, fn func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		logger.Printf("Config reloaded from %s", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	v := l.v
	cfg := &Config{
		DataDir:         v.GetString("data_dir"),
		DBPath:          v.GetString("db_path"),
		StatePath:       v.GetString("state_path"),
		TokenPath:       v.GetString("token_path"),
		CollectionTitle: v.GetString("collection_title"),
		Collections:     splitList(v.GetStringSlice("collections")),
		Sync: SyncConfig{
			Interval:      v.GetDuration("sync.interval"),
			RetryAttempts: v.GetInt("sync.retry_attempts"),
			RetryBackoff:  v.GetDuration("sync.retry_backoff"),
			Debounce:      v.GetDuration("sync.debounce"),
		},
		Probe: netprobe.Config{
			Address: v.GetString("probe.address"),
			Timeout: v.GetDuration("probe.timeout"),
		},
		Dashboard: DashboardConfig{Port: v.GetInt("dashboard.port")},
		API:       APIConfig{Addr: v.GetString("api.addr")},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		OAuth: OAuthConfig{
			ClientID:     v.GetString("oauth.client_id"),
			ClientSecret: v.GetString("oauth.client_secret"),
		},
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "records.db")
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.DataDir, "state.yaml")
	}
	cfg.LockPath = cfg.StatePath + ".lock"
	if cfg.TokenPath == "" {
		cfg.TokenPath = filepath.Join(cfg.DataDir, "token.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both YAML lists and comma or space separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks ranges and collection names.
func (c *Config) Validate() error {
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.RetryAttempts < 0 {
		return fmt.Errorf("sync.retry_attempts cannot be negative")
	}
	if c.Sync.RetryBackoff < 0 || c.Sync.Debounce < 0 {
		return fmt.Errorf("sync durations cannot be negative")
	}
	if c.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout cannot be negative")
	}
	if c.CollectionTitle == "" {
		return fmt.Errorf("collection_title cannot be empty")
	}
	if _, unknown := schema.Select(c.Collections); len(unknown) > 0 {
		return fmt.Errorf("unknown collections: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// SelectedCollections returns the enabled collections in sheet order.
func (c *Config) SelectedCollections() []schema.Collection {
	colls, _ := schema.Select(c.Collections)
	return colls
}

// RetryPolicy returns the periodic job's retry policy.
func (c *Config) RetryPolicy() daemon.RetryPolicy {
	return daemon.RetryPolicy{Attempts: c.Sync.RetryAttempts, Backoff: c.Sync.RetryBackoff}
}

// DaemonConfig returns the daemon settings with the given logger.
func (c *Config) DaemonConfig(logger *log.Logger) *daemon.Config {
	cfg := daemon.DefaultConfig()
	cfg.Interval = c.Sync.Interval
	cfg.Retry = c.RetryPolicy()
	cfg.DebounceInterval = c.Sync.Debounce
	cfg.Logger = logger
	return cfg
}

// LogWriter returns a rotating file writer when log.file is set, otherwise
// stderr.
func (c *Config) LogWriter() io.Writer {
	if c.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
}

// NewLogger returns a logger writing to w with a bracketed component prefix.
func NewLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
