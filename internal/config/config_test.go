package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/noderef/internal/archive"
	"github.com/xtxerr/noderef/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "noderef.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
collector:
  workers: 2
aggregation:
  flush_interval_sec: 10
retry:
  attempts: 5
storage:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
journal:
  sync_mode: none
backpressure:
  recovery:
    cooldown: 30s
archive:
  compression: snappy
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Collector.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Collector.Workers)
	}
	// Unset fields keep their defaults.
	if cfg.Collector.QueueSize != DefaultConfig().Collector.QueueSize {
		t.Errorf("expected default queue size, got %d", cfg.Collector.QueueSize)
	}
	if cfg.Storage.Backend != BackendRedis || cfg.Storage.Redis.Addr != "redis:6379" || cfg.Storage.Redis.DB != 2 {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Storage.Redis.KeyPrefix != DefaultConfig().Storage.Redis.KeyPrefix {
		t.Errorf("expected default key prefix, got %q", cfg.Storage.Redis.KeyPrefix)
	}
	if !cfg.Log.JSON || cfg.Log.Level != "debug" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}

	if got := cfg.Pipeline().FlushInterval; got != 10*time.Second {
		t.Errorf("expected 10s flush interval, got %v", got)
	}
	if got := cfg.Persistence().RetryAttempts; got != 5 {
		t.Errorf("expected 5 attempts, got %d", got)
	}
	if got := cfg.Controller().Cooldown; got != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %v", got)
	}
	if got := cfg.JournalOptions().SyncMode; got != "none" {
		t.Errorf("expected sync mode none, got %s", got)
	}
	if got := cfg.RedisStore(); got.Addr != "redis:6379" || got.DB != 2 {
		t.Errorf("unexpected redis store config: %+v", got)
	}
	opts, err := cfg.ArchiveOptions()
	if err != nil || opts.Compression != archive.CompressionSnappy {
		t.Errorf("expected snappy, got %v, %v", opts.Compression, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "collector: [")); err == nil {
		t.Error("expected parse error")
	}

	_, err := Load(writeConfig(t, "storage:\n  backend: cassandra\n"))
	if !errors.Is(err, errors.ErrUnsupportedBackend) {
		t.Errorf("expected unsupported backend, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Collector.Workers = 0 }},
		{"flush shorter than merge", func(c *Config) { c.Aggregation.FlushIntervalSec = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.Attempts = 0 }},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"redis without addr", func(c *Config) {
			c.Storage.Backend = BackendRedis
			c.Storage.Redis.Addr = ""
		}},
		{"bad sync mode", func(c *Config) { c.Journal.SyncMode = "always" }},
		{"unordered thresholds", func(c *Config) { c.Backpressure.Thresholds.Warning = 0.99 }},
		{"bad compression", func(c *Config) { c.Archive.Compression = "brotli" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_DisabledSectionsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Journal.Enabled = false
	cfg.Journal.SyncMode = "always"
	cfg.Backpressure.Enabled = false
	cfg.Backpressure.Thresholds.Warning = 2

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled sections should not be validated: %v", err)
	}
}
