package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/store"
	"github.com/xtxerr/noderef/internal/store/redisstore"
)

func TestOpen_SQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "nested", "noderef.db")

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &store.Store{}, s)
	assert.NoError(t, s.Ping(context.Background()))
	assert.FileExists(t, cfg.Storage.DSN)
}

func TestOpen_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendRedis
	cfg.Storage.Redis.Addr = mr.Addr()

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &redisstore.Store{}, s)
	_, err = s.MaxTimeBucket(context.Background())
	assert.True(t, errors.IsNotFound(err))
}

func TestOpen_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "cassandra"

	_, err := Open(cfg)
	assert.ErrorIs(t, err, errors.ErrUnsupportedBackend)
}
