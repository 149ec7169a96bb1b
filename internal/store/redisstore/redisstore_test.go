package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

var testTime = time.Date(2017, time.August, 1, 14, 30, 5, 0, time.UTC)

func withStore(t *testing.T, action func(s *Store, mr *miniredis.Miniredis)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	require.NoError(t, err)
	defer s.Close()

	action(s, mr)
}

func insert(t *testing.T, s *Store, k noderef.Key, rec noderef.Record) {
	t.Helper()
	op, err := s.PrepareBatchInsert(noderef.ToRow(noderef.Stored{Key: k, Record: rec, PassID: "p"}))
	require.NoError(t, err)
	require.NoError(t, s.ExecuteBatch(context.Background(), []dao.Operation{op}))
}

func TestNew_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond

	_, err := New(cfg)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed), "got %v", err)
}

func TestGet_Missing(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		_, err := s.Get(context.Background(), "20170801143005_3_a5")
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})
}

func TestInsertThenUpdate(t *testing.T) {
	withStore(t, func(s *Store, mr *miniredis.Miniredis) {
		ctx := context.Background()
		k := noderef.PeerKey(3, "10.0.0.1:3306", testTime)
		first := noderef.Record{Summary: 2, ErrorCount: 1, Buckets: [4]int64{1, 1, 0, 0}}

		insert(t, s, k, first)
		assert.True(t, mr.Exists("test:row:"+noderef.ID(k)))

		r, err := s.Get(ctx, noderef.ID(k))
		require.NoError(t, err)
		got, err := noderef.FromRow(r)
		require.NoError(t, err)
		assert.Equal(t, k, got.Key)
		assert.Equal(t, first, got.Record)

		merged := noderef.Combined(first, noderef.Single(4000, false))
		op, err := s.PrepareBatchUpdate(noderef.ToRow(noderef.Stored{Key: k, Record: merged, PassID: "p2"}))
		require.NoError(t, err)
		require.NoError(t, s.ExecuteBatch(ctx, []dao.Operation{op}))

		r, err = s.Get(ctx, noderef.ID(k))
		require.NoError(t, err)
		got, err = noderef.FromRow(r)
		require.NoError(t, err)
		assert.Equal(t, noderef.Record{Summary: 3, ErrorCount: 1, Buckets: [4]int64{1, 1, 1, 0}}, got.Record)
		assert.Equal(t, "p2", got.PassID)
	})
}

func TestExecuteBatch_ChecksExistence(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		ctx := context.Background()
		k1 := noderef.ApplicationKey(3, 5, testTime)
		k2 := noderef.ApplicationKey(3, 6, testTime)
		insert(t, s, k1, noderef.Single(10, false))

		dup, err := s.PrepareBatchInsert(noderef.ToRow(noderef.Stored{Key: k1, Record: noderef.Single(10, false)}))
		require.NoError(t, err)
		err = s.ExecuteBatch(ctx, []dao.Operation{dup})
		assert.True(t, errors.Is(err, errors.ErrRowExists), "got %v", err)

		fresh, err := s.PrepareBatchInsert(noderef.ToRow(noderef.Stored{Key: k2, Record: noderef.Single(10, false)}))
		require.NoError(t, err)
		missing, err := s.PrepareBatchUpdate(noderef.ToRow(noderef.Stored{Key: noderef.ApplicationKey(9, 9, testTime), Record: noderef.Single(1, false)}))
		require.NoError(t, err)

		err = s.ExecuteBatch(ctx, []dao.Operation{fresh, missing})
		assert.True(t, errors.Is(err, errors.ErrRowNotFound), "got %v", err)

		// Nothing of the failed batch was written.
		_, err = s.Get(ctx, noderef.ID(k2))
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})
}

func TestPrepare_ForeignSchema(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		other := row.MustSchema("other", "id", row.Column{Name: "x", Type: row.TypeLong})
		_, err := s.PrepareBatchInsert(row.New(other, "1"))
		assert.True(t, errors.Is(err, errors.ErrSchemaMismatch), "got %v", err)
	})
}

func TestQueryEdges(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			at := testTime.Add(time.Duration(i) * time.Second)
			insert(t, s, noderef.ApplicationKey(3, 5, at), noderef.Single(10, false))
			insert(t, s, noderef.PeerKey(3, "db:5432", at), noderef.Single(10, true))
			insert(t, s, noderef.ApplicationKey(4, 5, at), noderef.Single(10, false))
		}

		tests := []struct {
			name string
			q    dao.EdgeQuery
			want int
		}{
			{"all", dao.EdgeQuery{}, 15},
			{"source", dao.EdgeQuery{SourceApplicationID: 3}, 10},
			{"target app", dao.EdgeQuery{SourceApplicationID: 3, TargetApplicationID: 5}, 5},
			{"peer", dao.EdgeQuery{TargetPeer: "db:5432"}, 5},
			{"range", dao.EdgeQuery{From: 20170801143006, To: 20170801143007}, 6},
			{"limit", dao.EdgeQuery{Limit: 4}, 4},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rows, err := s.QueryEdges(ctx, tt.q)
				require.NoError(t, err)
				assert.Len(t, rows, tt.want)

				var last int64
				for _, r := range rows {
					b, err := r.Long(noderef.ColumnTimeBucket)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, b, last)
					last = b
				}
			})
		}
	})
}

func TestMaxTimeBucket(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		ctx := context.Background()

		_, err := s.MaxTimeBucket(ctx)
		assert.True(t, errors.IsNotFound(err), "got %v", err)

		insert(t, s, noderef.ApplicationKey(3, 5, testTime), noderef.Single(1, false))
		insert(t, s, noderef.ApplicationKey(3, 5, testTime.Add(time.Hour)), noderef.Single(1, false))

		got, err := s.MaxTimeBucket(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20170801153005), got)
	})
}

func TestGet_CorruptField(t *testing.T) {
	withStore(t, func(s *Store, mr *miniredis.Miniredis) {
		k := noderef.ApplicationKey(3, 5, testTime)
		insert(t, s, k, noderef.Single(1, false))

		mr.HSet("test:row:"+noderef.ID(k), noderef.ColumnSummary, "many")

		_, err := s.Get(context.Background(), noderef.ID(k))
		assert.True(t, errors.Is(err, errors.ErrCorrupt), "got %v", err)
	})
}

func TestClosed(t *testing.T) {
	withStore(t, func(s *Store, _ *miniredis.Miniredis) {
		require.NoError(t, s.Close())
		_, err := s.Get(context.Background(), "x")
		assert.True(t, errors.Is(err, errors.ErrClosed), "got %v", err)
		assert.NoError(t, s.Close())
	})
}
