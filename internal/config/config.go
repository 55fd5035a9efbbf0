// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Cooldown CooldownConfig `mapstructure:"cooldown"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig guards the administrative routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the record backend and the snapshot blob backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	BlobBackend  string `mapstructure:"blob_backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	SnapshotName string `mapstructure:"snapshot_name"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ScraperConfig governs the headless scrape worker.
type ScraperConfig struct {
	HomeURL            string `mapstructure:"home_url"`
	ItemURLTemplate    string `mapstructure:"item_url_template"`
	UserAgent          string `mapstructure:"user_agent"`
	ExecPath           string `mapstructure:"exec_path"`
	Headless           bool   `mapstructure:"headless"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	MinGapMs           int    `mapstructure:"min_gap_ms"`
	BatchSize          int    `mapstructure:"batch_size"`
	BatchIntervalMs    int    `mapstructure:"batch_interval_ms"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	ChallengeDelayMs   int    `mapstructure:"challenge_delay_ms"`
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	PollTimeoutMs      int    `mapstructure:"poll_timeout_ms"`
	BlockResources     bool   `mapstructure:"block_resources"`
	RetryWithResources bool   `mapstructure:"retry_with_resources"`
}

// FallbackConfig configures the plain HTTP secondary source.
type FallbackConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	First           bool   `mapstructure:"first"`
	ItemURLTemplate string `mapstructure:"item_url_template"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// CooldownConfig tunes the blocking-signal breaker.
type CooldownConfig struct {
	Threshold       int `mapstructure:"threshold"`
	DurationSeconds int `mapstructure:"duration_seconds"`
}

// CacheConfig holds the staleness TTLs and refresh dedupe window.
type CacheConfig struct {
	PositiveTTLHours    int `mapstructure:"positive_ttl_hours"`
	NullTTLMinutes      int `mapstructure:"null_ttl_minutes"`
	DedupeWindowSeconds int `mapstructure:"dedupe_window_seconds"`
	DedupeSize          int `mapstructure:"dedupe_size"`
	// CatalogOnly stops reads from scheduling scrapes of unknown ids.
	CatalogOnly bool `mapstructure:"catalog_only"`
	MaxPending  int  `mapstructure:"max_pending_refreshes"`
}

// SyncConfig drives the daily synchronization.
type SyncConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Schedule            string `mapstructure:"schedule"`
	Timezone            string `mapstructure:"timezone"`
	RunOnStart          bool   `mapstructure:"run_on_start"`
	BatchSize           int    `mapstructure:"batch_size"`
	BatchTimeoutSeconds int    `mapstructure:"batch_timeout_seconds"`
	BatchPauseMs        int    `mapstructure:"batch_pause_ms"`
	ProgressEvery       int    `mapstructure:"progress_every"`
}

// SnapshotConfig controls the public artifact writer.
type SnapshotConfig struct {
	DebounceMs    int `mapstructure:"debounce_ms"`
	MaxAgeSeconds int `mapstructure:"max_age_seconds"`
}

// PubSubConfig holds metadata for sync lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	BatchSize       int `mapstructure:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	SinkTimeoutMs   int `mapstructure:"sink_timeout_ms"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RARITY")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/rarity.db")
	v.SetDefault("storage.blob_backend", "local")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.prefix", "public")
	v.SetDefault("storage.snapshot_name", "rarity.json")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("scraper.home_url", "https://www.light.gg/")
	v.SetDefault("scraper.item_url_template", "https://www.light.gg/db/items/%d/")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.max_concurrency", 2)
	v.SetDefault("scraper.min_gap_ms", 1500)
	v.SetDefault("scraper.batch_size", 0)
	v.SetDefault("scraper.batch_interval_ms", 30000)
	v.SetDefault("scraper.nav_timeout_seconds", 30)
	v.SetDefault("scraper.challenge_delay_ms", 6000)
	v.SetDefault("scraper.poll_interval_ms", 1000)
	v.SetDefault("scraper.poll_timeout_ms", 18000)
	v.SetDefault("scraper.block_resources", true)
	v.SetDefault("scraper.retry_with_resources", true)
	v.SetDefault("fallback.enabled", false)
	v.SetDefault("fallback.first", false)
	v.SetDefault("fallback.timeout_seconds", 15)
	v.SetDefault("cooldown.threshold", 5)
	v.SetDefault("cooldown.duration_seconds", 180)
	v.SetDefault("cache.positive_ttl_hours", 24*30)
	v.SetDefault("cache.null_ttl_minutes", 30)
	v.SetDefault("cache.dedupe_window_seconds", 300)
	v.SetDefault("cache.dedupe_size", 4096)
	v.SetDefault("cache.catalog_only", true)
	v.SetDefault("cache.max_pending_refreshes", 256)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.schedule", "0 4 * * *")
	v.SetDefault("sync.timezone", "UTC")
	v.SetDefault("sync.run_on_start", true)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.batch_timeout_seconds", 600)
	v.SetDefault("sync.batch_pause_ms", 1000)
	v.SetDefault("sync.progress_every", 10)
	v.SetDefault("snapshot.debounce_ms", 500)
	v.SetDefault("snapshot.max_age_seconds", 300)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.batch_size", 16)
	v.SetDefault("progress.flush_interval_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "emblem-rarity")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
		}
	default:
		return fmt.Errorf("storage.blob_backend %q is not supported", c.Storage.BlobBackend)
	}
	if c.Scraper.ItemURLTemplate == "" {
		return fmt.Errorf("scraper.item_url_template must be set")
	}
	if c.Scraper.MaxConcurrency <= 0 {
		return fmt.Errorf("scraper.max_concurrency must be > 0")
	}
	if c.Scraper.MinGapMs < 0 {
		return fmt.Errorf("scraper.min_gap_ms must be >= 0")
	}
	if c.Scraper.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.nav_timeout_seconds must be > 0")
	}
	if c.Fallback.Enabled && c.Fallback.ItemURLTemplate == "" {
		return fmt.Errorf("fallback.item_url_template must be set when fallback is enabled")
	}
	if c.Cooldown.Threshold <= 0 {
		return fmt.Errorf("cooldown.threshold must be > 0")
	}
	if c.Cache.NullTTLMinutes <= 0 || c.Cache.PositiveTTLHours <= 0 {
		return fmt.Errorf("cache ttls must be > 0")
	}
	if c.PositiveTTL() <= c.NullTTL() {
		return fmt.Errorf("cache.positive_ttl_hours must exceed cache.null_ttl_minutes")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be > 0")
	}
	if c.Sync.BatchTimeoutSeconds <= 0 {
		return fmt.Errorf("sync.batch_timeout_seconds must be > 0")
	}
	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		return fmt.Errorf("sync.timezone: %w", err)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// PositiveTTL is how long a resolved value stays fresh.
func (c Config) PositiveTTL() time.Duration {
	return time.Duration(c.Cache.PositiveTTLHours) * time.Hour
}

// NullTTL is how long an unresolved record stays fresh.
func (c Config) NullTTL() time.Duration {
	return time.Duration(c.Cache.NullTTLMinutes) * time.Minute
}

// DedupeWindow bounds how often one item may be refreshed from reads.
func (c Config) DedupeWindow() time.Duration {
	return time.Duration(c.Cache.DedupeWindowSeconds) * time.Second
}

// MinGap is the global minimum delay between dispatches.
func (c Config) MinGap() time.Duration {
	return ms(c.Scraper.MinGapMs)
}

// BatchInterval is the pause after scraper.batch_size dispatches.
func (c Config) BatchInterval() time.Duration {
	return ms(c.Scraper.BatchIntervalMs)
}

// NavTimeout bounds a single navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Scraper.NavTimeoutSeconds) * time.Second
}

// CooldownDuration is how long the breaker stays open.
func (c Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldown.DurationSeconds) * time.Second
}

// BatchTimeout is the hard wall-clock limit per sync batch.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.Sync.BatchTimeoutSeconds) * time.Second
}

// Location resolves the sync timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// JobBudget bounds one scrape job: two navigations (the second with
// resources unblocked) plus the challenge delay and the poll window.
func (c Config) JobBudget() time.Duration {
	return 2*c.NavTimeout() + ms(c.Scraper.ChallengeDelayMs) + ms(c.Scraper.PollTimeoutMs) + 10*time.Second
}
