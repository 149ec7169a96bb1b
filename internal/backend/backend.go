// Package backend opens the storage backend selected by the configuration.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/store"
	"github.com/xtxerr/noderef/internal/store/redisstore"
)

// Open returns the configured backend.
func Open(cfg *config.Config) (dao.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendDuckDB, config.BackendSQLite:
		sc := cfg.SQLStore()
		if err := ensureDir(sc.DSN); err != nil {
			return nil, err
		}
		s, err := store.New(sc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendRedis:
		s, err := redisstore.New(cfg.RedisStore())
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("backend %q: %w", cfg.Storage.Backend, errors.ErrUnsupportedBackend)
	}
}

// ensureDir creates the parent directory of a database file.
func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}
