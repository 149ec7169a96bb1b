// Package config provides configuration defaults for the node reference
// collector.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the YAML config file or noderefd flags.
package config

import "time"

// =============================================================================
// Collector Defaults
// =============================================================================

const (
	// DefaultProducerWorkers is the number of producer goroutines, each owning
	// one aggregation shard.
	// Override via config: collector.workers
	DefaultProducerWorkers = 8

	// DefaultProducerQueueSize is the capacity of each producer's input channel.
	// Submit blocks (or fails on context cancellation) when it is full.
	// Override via config: collector.queue_size
	DefaultProducerQueueSize = 4096
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultMergeIntervalMs is how often shards are drained into the merger.
	// Override via config: aggregation.merge_interval_ms
	DefaultMergeIntervalMs = 1000

	// DefaultFlushIntervalSec is how often a window is handed to the
	// synchronizer.
	// Override via config: aggregation.flush_interval_sec
	DefaultFlushIntervalSec = 5

	// DefaultPassTimeoutSec bounds one reconciliation pass. Keys not
	// reconciled in time are re-queued for the next pass.
	// Override via config: aggregation.pass_timeout_sec
	DefaultPassTimeoutSec = 20

	// DefaultGetConcurrency bounds parallel point lookups in the get phase.
	// Override via config: aggregation.get_concurrency
	DefaultGetConcurrency = 16

	// DefaultMaxBatchSize is the maximum number of writes per storage batch.
	// Override via config: aggregation.max_batch_size
	DefaultMaxBatchSize = 500

	// DefaultWindowMemory is how many absorbed window ids the synchronizer
	// remembers to recognize a window handed to it twice.
	// Override via config: aggregation.window_memory
	DefaultWindowMemory = 1024
)

// =============================================================================
// Retry Defaults
// =============================================================================

const (
	// DefaultRetryAttempts is the number of tries per storage call,
	// including the first.
	// Override via config: retry.attempts
	DefaultRetryAttempts = 3

	// DefaultRetryDelayMs is the initial backoff between tries.
	// Override via config: retry.delay_ms
	DefaultRetryDelayMs = 100

	// DefaultRetryMaxDelayMs caps the exponential backoff.
	// Override via config: retry.max_delay_ms
	DefaultRetryMaxDelayMs = 2000
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageBackend selects the backend: duckdb, sqlite or redis.
	// Override via config: storage.backend
	DefaultStorageBackend = "duckdb"

	// DefaultStorageDSN is the database file for the SQL backends.
	// Override via config: storage.dsn
	DefaultStorageDSN = "data/noderef.duckdb"

	// DefaultRedisAddr is the Redis address for the redis backend.
	// Override via config: storage.redis.addr
	DefaultRedisAddr = "localhost:6379"

	// DefaultRedisKeyPrefix namespaces every key the backend writes.
	// Override via config: storage.redis.key_prefix
	DefaultRedisKeyPrefix = "noderef:"

	// DefaultMaxOpenConns is the SQL connection pool size.
	// Override via config: storage.max_open_conns
	DefaultMaxOpenConns = 25

	// DefaultQueryTimeoutSec bounds storage calls without a caller deadline.
	// Override via config: storage.query_timeout_sec
	DefaultQueryTimeoutSec = 30
)

// =============================================================================
// Journal Defaults
// =============================================================================

const (
	// DefaultJournalDir holds spilled pending deltas.
	// Override via config: journal.dir
	DefaultJournalDir = "data/journal"

	// DefaultJournalMaxSegmentBytes rotates journal segment files.
	// Override via config: journal.max_segment_bytes
	DefaultJournalMaxSegmentBytes = 64 * 1024 * 1024

	// DefaultJournalSyncMode is "sync" (fsync every spill) or "none".
	// Override via config: journal.sync_mode
	DefaultJournalSyncMode = "sync"
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultMaxPendingKeys is the pending key count treated as 100% utilization.
	// Override via config: backpressure.max_pending_keys
	DefaultMaxPendingKeys = 500_000

	// DefaultWarningThreshold is the utilization that raises the warning level.
	// Override via config: backpressure.warning_threshold
	DefaultWarningThreshold = 0.70

	// DefaultCriticalThreshold is the utilization that raises the critical level.
	// Override via config: backpressure.critical_threshold
	DefaultCriticalThreshold = 0.85

	// DefaultEmergencyThreshold is the utilization that spills pending deltas
	// to the journal.
	// Override via config: backpressure.emergency_threshold
	DefaultEmergencyThreshold = 0.95

	// DefaultHysteresis is subtracted from a threshold before the level drops.
	// Override via config: backpressure.hysteresis
	DefaultHysteresis = 0.05
)

// =============================================================================
// Metrics and Logging Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the address serving /metrics. Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9464"

	// DefaultLogLevel is one of debug, info, warn, error.
	// Override via config: log.level
	DefaultLogLevel = "info"
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveCompression is the Parquet codec for exported archives:
	// zstd, snappy, lz4, gzip or none.
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Time Bucket Defaults
// =============================================================================

const (
	// DefaultLastTimeLagSec is subtracted from the latest persisted bucket
	// when reporting the last synchronized time.
	DefaultLastTimeLagSec = 5
)

// =============================================================================
// Helper Functions
// =============================================================================

// Seconds converts a whole number of seconds to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a whole number of milliseconds to a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
