package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
storage:
  backend: postgres
  blob_backend: gcs
  gcs_bucket: bucket
db:
  dsn: postgres://localhost/rarity
scraper:
  max_concurrency: 3
  min_gap_ms: 250
  nav_timeout_seconds: 20
fallback:
  enabled: true
  item_url_template: https://example.com/items/%d
cooldown:
  threshold: 4
  duration_seconds: 60
cache:
  positive_ttl_hours: 48
  null_ttl_minutes: 15
sync:
  timezone: America/Chicago
  batch_size: 25
  batch_timeout_seconds: 120
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Storage.Backend != "postgres" || cfg.DB.DSN == "" {
		t.Fatalf("expected postgres backend, got %+v", cfg.Storage)
	}
	if cfg.Scraper.MaxConcurrency != 3 || cfg.MinGap() != 250*time.Millisecond {
		t.Fatalf("expected scraper overrides to apply: %+v", cfg.Scraper)
	}
	if cfg.CooldownDuration() != time.Minute || cfg.Cooldown.Threshold != 4 {
		t.Fatalf("expected cooldown overrides to apply: %+v", cfg.Cooldown)
	}
	if cfg.PositiveTTL() != 48*time.Hour || cfg.NullTTL() != 15*time.Minute {
		t.Fatalf("unexpected ttls %v %v", cfg.PositiveTTL(), cfg.NullTTL())
	}
	if got := cfg.BatchTimeout(); got != 2*time.Minute {
		t.Fatalf("expected batch timeout 2m, got %v", got)
	}
	if cfg.Location().String() != "America/Chicago" {
		t.Fatalf("expected Chicago timezone, got %v", cfg.Location())
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scraper.MaxConcurrency != 2 {
		t.Fatalf("expected default concurrency 2, got %d", cfg.Scraper.MaxConcurrency)
	}
	if cfg.Cooldown.Threshold != 5 || cfg.CooldownDuration() != 3*time.Minute {
		t.Fatalf("unexpected cooldown defaults %+v", cfg.Cooldown)
	}
	if cfg.Sync.BatchSize != 100 || cfg.Sync.ProgressEvery != 10 {
		t.Fatalf("unexpected sync defaults %+v", cfg.Sync)
	}
	if !strings.Contains(cfg.Scraper.ItemURLTemplate, "light.gg") {
		t.Fatalf("unexpected item template %q", cfg.Scraper.ItemURLTemplate)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "emblem-rarity" {
		t.Fatalf("unexpected tracing defaults %+v", cfg.Tracing)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RARITY_SCRAPER_MAX_CONCURRENCY", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scraper.MaxConcurrency != 7 {
		t.Fatalf("expected env override 7, got %d", cfg.Scraper.MaxConcurrency)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "db.dsn"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.BlobBackend = "gcs" }, "storage.gcs_bucket"},
		{"zero concurrency", func(c *Config) { c.Scraper.MaxConcurrency = 0 }, "scraper.max_concurrency"},
		{"fallback without template", func(c *Config) { c.Fallback.Enabled = true }, "fallback.item_url_template"},
		{"null ttl longer than positive", func(c *Config) {
			c.Cache.PositiveTTLHours = 1
			c.Cache.NullTTLMinutes = 120
		}, "cache.positive_ttl_hours"},
		{"bad timezone", func(c *Config) { c.Sync.Timezone = "Mars/Olympus" }, "sync.timezone"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestJobBudgetCoversRetryAndPolling(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// 2x30s navigations + 6s challenge delay + 18s poll + 10s slack.
	if got := cfg.JobBudget(); got != 94*time.Second {
		t.Fatalf("expected 94s job budget, got %s", got)
	}
}
