package config

import (
	"fmt"

	"github.com/xtxerr/noderef/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	errs.Add(c.Pipeline().Validate())
	errs.Add(c.Persistence().Validate())

	if err := c.Storage.Validate(); err != nil {
		errs.Add(fmt.Errorf("storage: %w", err))
	}

	if c.Journal.Enabled {
		if c.Journal.Dir == "" {
			errs.AddMissing("journal.dir")
		}
		if c.Journal.SyncMode != "sync" && c.Journal.SyncMode != "none" {
			errs.AddField("journal.sync_mode", "must be sync or none")
		}
		if c.Journal.MaxSegmentBytes < 0 {
			errs.AddField("journal.max_segment_bytes", "must not be negative")
		}
	}

	if c.Backpressure.Enabled {
		errs.Add(c.Controller().Validate())
	}

	if _, err := c.ArchiveOptions(); err != nil {
		errs.Add(err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.AddField("log.level", "must be debug, info, warn or error")
	}

	return errs.Err()
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	errs := errors.NewValidationErrors()

	switch c.Backend {
	case BackendDuckDB, BackendSQLite:
		if c.DSN == "" {
			errs.AddMissing("storage.dsn")
		}
		if c.MaxOpenConns < 1 {
			errs.AddField("storage.max_open_conns", "must be at least 1")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs.AddMissing("storage.redis.addr")
		}
		if c.Redis.PoolSize < 1 {
			errs.AddField("storage.redis.pool_size", "must be at least 1")
		}
	default:
		errs.Add(fmt.Errorf("backend %q: %w", c.Backend, errors.ErrUnsupportedBackend))
	}

	if c.QueryTimeoutSec < 1 {
		errs.AddField("storage.query_timeout_sec", "must be at least 1")
	}

	return errs.Err()
}
