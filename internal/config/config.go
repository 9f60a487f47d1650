// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper. It is built
// once at process start and passed into each component's constructor;
// nothing reads configuration through package-level state.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Legacy    LegacyConfig    `mapstructure:"legacy"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Migrate   MigrateConfig   `mapstructure:"migrate"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DBConfig controls access to the canonical Postgres store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	LifetimeMins int    `mapstructure:"conn_lifetime_minutes"`
}

// LegacyConfig points at the read-only legacy source used by reconciliation.
type LegacyConfig struct {
	DSN string `mapstructure:"dsn"`
}

// FetchConfig governs politeness, retries, and the safety valve.
type FetchConfig struct {
	BaseURL          string   `mapstructure:"base_url"`
	SourceID         int      `mapstructure:"source_id"`
	RPS              float64  `mapstructure:"rps"`
	Burst            int      `mapstructure:"burst"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	JitterMinMs      int      `mapstructure:"jitter_min_ms"`
	JitterMaxMs      int      `mapstructure:"jitter_max_ms"`
	MaxNewFetches    int      `mapstructure:"max_new_fetches"`
	Allowlist        []string `mapstructure:"allowlist"`
	Blocklist        []string `mapstructure:"blocklist"`
	UserAgents       []string `mapstructure:"user_agents"`
}

// HeadlessConfig configures the scripted-browser transport.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// PipelineConfig governs the ingest worker pool.
type PipelineConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	DryRun      bool `mapstructure:"dry_run"`
}

// MigrateConfig locates the schema migration files.
type MigrateConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReconcileConfig controls reconciliation reports.
type ReconcileConfig struct {
	ReportsDir string  `mapstructure:"reports_dir"`
	Threshold  float64 `mapstructure:"threshold"`
}

// MetricsConfig exposes the optional Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use
// the CRICKETDB prefix with dots replaced by underscores, e.g.
// CRICKETDB_FETCH_RPS.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRICKETDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("fetch.base_url", "https://cricketarchive.com")
	v.SetDefault("fetch.source_id", 1)
	v.SetDefault("fetch.rps", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 8000)
	v.SetDefault("fetch.jitter_min_ms", 100)
	v.SetDefault("fetch.jitter_max_ms", 500)
	v.SetDefault("fetch.max_new_fetches", 50)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.dry_run", false)
	v.SetDefault("migrate.dir", "migrations")
	v.SetDefault("reconcile.reports_dir", "reports")
	v.SetDefault("reconcile.threshold", 0.9)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.RPS <= 0 {
		return fmt.Errorf("fetch.rps must be > 0")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be >= 1")
	}
	if c.Fetch.BackoffInitialMs <= 0 || c.Fetch.BackoffMaxMs < c.Fetch.BackoffInitialMs {
		return fmt.Errorf("fetch backoff bounds are inverted")
	}
	if c.Fetch.JitterMinMs < 0 || c.Fetch.JitterMaxMs < c.Fetch.JitterMinMs {
		return fmt.Errorf("fetch jitter bounds are inverted")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Reconcile.Threshold <= 0 || c.Reconcile.Threshold > 1 {
		return fmt.Errorf("reconcile.threshold must be in (0, 1]")
	}
	return nil
}

// FetchTimeout returns the per-request timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the base retry backoff as a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// JitterMin returns the lower politeness-delay bound as a duration.
func (c Config) JitterMin() time.Duration {
	return time.Duration(c.Fetch.JitterMinMs) * time.Millisecond
}

// JitterMax returns the upper politeness-delay bound as a duration.
func (c Config) JitterMax() time.Duration {
	return time.Duration(c.Fetch.JitterMaxMs) * time.Millisecond
}

// NavTimeout returns the headless navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
