// Package store provides the relational node reference backend.
//
// The same code serves DuckDB and SQLite through database/sql. Statements
// are generated from the row schema with quoted identifiers and bound
// parameters only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

var log = logging.Component("store")

// Supported database/sql driver names.
const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Driver is the database/sql driver name: "duckdb" or "sqlite".
	Driver string

	// DSN is the database connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds calls made without a caller deadline.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverDuckDB,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the relational node reference backend.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	schema *row.Schema

	getSQL    string
	insertSQL string
	updateSQL string

	mu     sync.RWMutex
	closed bool
}

// New opens the database, creates the node reference table if missing and
// returns the store.
func New(cfg Config) (*Store, error) {
	if cfg.Driver != DriverDuckDB && cfg.Driver != DriverSQLite {
		return nil, fmt.Errorf("driver %q: %w", cfg.Driver, errors.ErrUnsupportedBackend)
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
		// Every connection to ":memory:" is a separate database.
		if isMemoryDSN(cfg.DSN) {
			cfg.MaxOpenConns = 1
			cfg.MaxIdleConns = 1
			cfg.ConnMaxLifetime = 0
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
		schema: noderef.Schema,
	}
	s.getSQL = buildSelect(s.schema) + " WHERE " + quote(s.schema.IDColumn()) + " = ?"
	s.insertSQL = buildInsert(s.schema)
	s.updateSQL = buildUpdate(s.schema)

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "driver", cfg.Driver, "table", s.schema.Table())
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: %w", errors.ErrClosed)
	}
	return nil
}

// withTimeout applies QueryTimeout when ctx carries no deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back. The context is
// checked again before commit so a pass that ran past its deadline does not
// commit.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// =============================================================================
// DSN Helpers
// =============================================================================

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// sqliteDSN adds a busy timeout so concurrent writers wait instead of
// failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	if isMemoryDSN(dsn) || strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}
