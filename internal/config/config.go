// Package config loads the collector configuration file.
//
// Values missing from the file keep the defaults documented in the root
// config package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/archive"
	"github.com/xtxerr/noderef/internal/backpressure"
	"github.com/xtxerr/noderef/internal/journal"
	"github.com/xtxerr/noderef/internal/persistence"
	"github.com/xtxerr/noderef/internal/pipeline"
	"github.com/xtxerr/noderef/internal/store"
	"github.com/xtxerr/noderef/internal/store/redisstore"
)

// Storage backends.
const (
	BackendDuckDB = store.DriverDuckDB
	BackendSQLite = store.DriverSQLite
	BackendRedis  = "redis"
)

// Config represents the complete collector configuration.
type Config struct {
	// Collector configures the producers.
	Collector CollectorConfig `yaml:"collector"`

	// Aggregation configures merging and reconciliation passes.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// Retry configures backoff for storage calls.
	Retry RetryConfig `yaml:"retry"`

	// Storage selects and configures the backend.
	Storage StorageConfig `yaml:"storage"`

	// Journal configures the pending delta journal.
	Journal JournalConfig `yaml:"journal"`

	// Backpressure configures pending set thresholds.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Archive configures Parquet export.
	Archive ArchiveConfig `yaml:"archive"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// CollectorConfig configures the producers.
type CollectorConfig struct {
	// Workers is the number of producers, one aggregation shard each.
	Workers int `yaml:"workers"`

	// QueueSize is the input buffer of each producer.
	QueueSize int `yaml:"queue_size"`
}

// AggregationConfig configures merging and reconciliation passes.
type AggregationConfig struct {
	MergeIntervalMs  int `yaml:"merge_interval_ms"`
	FlushIntervalSec int `yaml:"flush_interval_sec"`
	PassTimeoutSec   int `yaml:"pass_timeout_sec"`
	GetConcurrency   int `yaml:"get_concurrency"`
	MaxBatchSize     int `yaml:"max_batch_size"`
	WindowMemory     int `yaml:"window_memory"`
}

// RetryConfig configures backoff for storage calls.
type RetryConfig struct {
	// Attempts is the number of tries, including the first.
	Attempts uint `yaml:"attempts"`

	DelayMs    int `yaml:"delay_ms"`
	MaxDelayMs int `yaml:"max_delay_ms"`
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	// Backend is duckdb, sqlite or redis.
	Backend string `yaml:"backend"`

	// DSN is the database file or connection string of the SQL backends.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int `yaml:"max_open_conns"`
	QueryTimeoutSec int `yaml:"query_timeout_sec"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// JournalConfig configures the pending delta journal.
type JournalConfig struct {
	// Enabled keeps unpersisted deltas across restarts.
	Enabled bool `yaml:"enabled"`

	// Dir holds the segment files.
	Dir string `yaml:"dir"`

	// SyncMode is sync or none.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentBytes rotates segment files.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`
}

// BackpressureConfig configures pending set thresholds.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// MaxPendingKeys is the pending key count treated as full.
	MaxPendingKeys int `yaml:"max_pending_keys"`

	// Thresholds defines utilization thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines utilization thresholds (0.0-1.0).
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ArchiveConfig configures Parquet export.
type ArchiveConfig struct {
	// Compression is zstd, snappy, lz4, gzip or none.
	Compression string `yaml:"compression"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Collector: CollectorConfig{
			Workers:   defaults.DefaultProducerWorkers,
			QueueSize: defaults.DefaultProducerQueueSize,
		},
		Aggregation: AggregationConfig{
			MergeIntervalMs:  defaults.DefaultMergeIntervalMs,
			FlushIntervalSec: defaults.DefaultFlushIntervalSec,
			PassTimeoutSec:   defaults.DefaultPassTimeoutSec,
			GetConcurrency:   defaults.DefaultGetConcurrency,
			MaxBatchSize:     defaults.DefaultMaxBatchSize,
			WindowMemory:     defaults.DefaultWindowMemory,
		},
		Retry: RetryConfig{
			Attempts:   defaults.DefaultRetryAttempts,
			DelayMs:    defaults.DefaultRetryDelayMs,
			MaxDelayMs: defaults.DefaultRetryMaxDelayMs,
		},
		Storage: StorageConfig{
			Backend:         defaults.DefaultStorageBackend,
			DSN:             defaults.DefaultStorageDSN,
			MaxOpenConns:    defaults.DefaultMaxOpenConns,
			QueryTimeoutSec: defaults.DefaultQueryTimeoutSec,
			Redis: RedisConfig{
				Addr:      defaults.DefaultRedisAddr,
				KeyPrefix: defaults.DefaultRedisKeyPrefix,
				PoolSize:  10,
			},
		},
		Journal: JournalConfig{
			Enabled:         true,
			Dir:             defaults.DefaultJournalDir,
			SyncMode:        defaults.DefaultJournalSyncMode,
			MaxSegmentBytes: defaults.DefaultJournalMaxSegmentBytes,
		},
		Backpressure: BackpressureConfig{
			Enabled:        true,
			MaxPendingKeys: defaults.DefaultMaxPendingKeys,
			Thresholds: BackpressureThresholds{
				Warning:   defaults.DefaultWarningThreshold,
				Critical:  defaults.DefaultCriticalThreshold,
				Emergency: defaults.DefaultEmergencyThreshold,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: defaults.DefaultHysteresis,
			},
		},
		Archive: ArchiveConfig{
			Compression: defaults.DefaultArchiveCompression,
		},
		Metrics: MetricsConfig{
			Listen: defaults.DefaultMetricsListen,
		},
		Log: LogConfig{
			Level: defaults.DefaultLogLevel,
		},
	}
}

// =============================================================================
// Component configuration
// =============================================================================

// Pipeline returns the pipeline configuration.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Workers:       c.Collector.Workers,
		QueueSize:     c.Collector.QueueSize,
		MergeInterval: defaults.Millis(c.Aggregation.MergeIntervalMs),
		FlushInterval: defaults.Seconds(c.Aggregation.FlushIntervalSec),
	}
}

// Persistence returns the synchronizer configuration.
func (c *Config) Persistence() persistence.Config {
	return persistence.Config{
		PassTimeout:    defaults.Seconds(c.Aggregation.PassTimeoutSec),
		GetConcurrency: c.Aggregation.GetConcurrency,
		RetryAttempts:  c.Retry.Attempts,
		RetryDelay:     defaults.Millis(c.Retry.DelayMs),
		RetryMaxDelay:  defaults.Millis(c.Retry.MaxDelayMs),
		MaxBatchSize:   c.Aggregation.MaxBatchSize,
		WindowMemory:   c.Aggregation.WindowMemory,
	}
}

// Controller returns the backpressure controller configuration.
func (c *Config) Controller() backpressure.Config {
	return backpressure.Config{
		Enabled:        c.Backpressure.Enabled,
		MaxPendingKeys: c.Backpressure.MaxPendingKeys,
		Warning:        c.Backpressure.Thresholds.Warning,
		Critical:       c.Backpressure.Thresholds.Critical,
		Emergency:      c.Backpressure.Thresholds.Emergency,
		Hysteresis:     c.Backpressure.Recovery.Hysteresis,
		Cooldown:       c.Backpressure.Recovery.Cooldown,
	}
}

// JournalOptions returns the journal options.
func (c *Config) JournalOptions() journal.Options {
	opts := journal.DefaultOptions()
	opts.SyncMode = c.Journal.SyncMode
	opts.MaxSegmentSize = c.Journal.MaxSegmentBytes
	return opts
}

// SQLStore returns the configuration of the duckdb and sqlite backends.
func (c *Config) SQLStore() store.Config {
	cfg := store.DefaultConfig()
	cfg.Driver = c.Storage.Backend
	cfg.DSN = c.Storage.DSN
	cfg.MaxOpenConns = c.Storage.MaxOpenConns
	cfg.QueryTimeout = defaults.Seconds(c.Storage.QueryTimeoutSec)
	return cfg
}

// RedisStore returns the configuration of the redis backend.
func (c *Config) RedisStore() redisstore.Config {
	cfg := redisstore.DefaultConfig()
	cfg.Addr = c.Storage.Redis.Addr
	cfg.Password = c.Storage.Redis.Password
	cfg.DB = c.Storage.Redis.DB
	cfg.KeyPrefix = c.Storage.Redis.KeyPrefix
	cfg.PoolSize = c.Storage.Redis.PoolSize
	return cfg
}

// ArchiveOptions returns the archive writer options.
func (c *Config) ArchiveOptions() (archive.Options, error) {
	ct, err := archive.ParseCompression(c.Archive.Compression)
	if err != nil {
		return archive.Options{}, err
	}
	return archive.Options{Compression: ct}, nil
}
