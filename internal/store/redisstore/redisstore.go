// Package redisstore provides the document-oriented node reference backend.
//
// Each row is a hash under "<prefix>row:<id>" holding one field per column.
// Two sorted sets scored by time bucket index the rows: "<prefix>bucket"
// holds every id, "<prefix>source:<sourceApplicationID>" the ids of one
// source application.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"

	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

var log = logging.Component("redisstore")

var (
	_ dao.DAO     = (*Store)(nil)
	_ dao.Querier = (*Store)(nil)
	_ dao.Store   = (*Store)(nil)
)

// Config holds Redis connection options.
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "noderef:",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store is the Redis node reference backend.
//
// Inserts check the row is absent and updates check it is present before
// the write transaction runs. The checks are not atomic with the write; the
// backend relies on the synchronizer being the only writer.
type Store struct {
	client *redis.Client
	prefix string
	schema *row.Schema

	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and returns the store.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s, err := NewWithClient(client, cfg.KeyPrefix)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client *redis.Client, prefix string) (*Store, error) {
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w: %v", errors.ErrConnectionFailed, err)
	}

	log.Info("store opened", "addr", client.Options().Addr, "prefix", prefix)
	return &Store{
		client: client,
		prefix: prefix,
		schema: noderef.Schema,
	}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.WithContext(ctx).Ping().Err()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("redis store: %w", errors.ErrClosed)
	}
	return nil
}

func (s *Store) rowKey(id string) string {
	return s.prefix + "row:" + id
}

func (s *Store) bucketIndex() string {
	return s.prefix + "bucket"
}

func (s *Store) sourceIndex(source int32) string {
	return s.prefix + "source:" + strconv.FormatInt(int64(source), 10)
}

// =============================================================================
// DAO
// =============================================================================

// Get returns the row stored under id.
func (s *Store) Get(ctx context.Context, id string) (*row.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	fields, err := s.client.WithContext(ctx).HGetAll(s.rowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", id, errors.ErrRowNotFound)
	}
	return s.decode(id, fields)
}

// redisOp is a prepared hash write.
type redisOp struct {
	id     string
	fields map[string]interface{}
	source int32
	bucket int64
	update bool
}

func (o *redisOp) ID() string { return o.id }

// PrepareBatchInsert builds a write of every column of r and its index entries.
func (s *Store) PrepareBatchInsert(r *row.Row) (dao.Operation, error) {
	return s.prepare(r, false)
}

// PrepareBatchUpdate builds a write of every column of r.
func (s *Store) PrepareBatchUpdate(r *row.Row) (dao.Operation, error) {
	return s.prepare(r, true)
}

func (s *Store) prepare(r *row.Row, update bool) (dao.Operation, error) {
	if r.Schema() != s.schema {
		return nil, fmt.Errorf("row of %s: %w", r.Schema().Table(), errors.ErrSchemaMismatch)
	}

	source, err := r.Int(noderef.ColumnSourceApplicationID)
	if err != nil {
		return nil, err
	}
	bucket, err := r.Long(noderef.ColumnTimeBucket)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{}, s.schema.Len())
	values := r.Values()
	for i, name := range s.schema.ColumnNames() {
		fields[name] = values[i]
	}

	return &redisOp{
		id:     r.ID(),
		fields: fields,
		source: source,
		bucket: bucket,
		update: update,
	}, nil
}

// ExecuteBatch applies ops in one MULTI/EXEC transaction after checking
// that every insert targets a new row and every update an existing one.
func (s *Store) ExecuteBatch(ctx context.Context, ops []dao.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	prepared := make([]*redisOp, len(ops))
	for i, o := range ops {
		op, ok := o.(*redisOp)
		if !ok {
			return fmt.Errorf("operation %T: %w", o, errors.ErrSchemaMismatch)
		}
		prepared[i] = op
	}

	client := s.client.WithContext(ctx)

	check := client.Pipeline()
	exists := make([]*redis.IntCmd, len(prepared))
	for i, op := range prepared {
		exists[i] = check.Exists(s.rowKey(op.id))
	}
	if _, err := check.Exec(); err != nil {
		return fmt.Errorf("check rows: %w", err)
	}
	for i, op := range prepared {
		present := exists[i].Val() > 0
		switch {
		case op.update && !present:
			return fmt.Errorf("update %s: %w", op.id, errors.ErrRowNotFound)
		case !op.update && present:
			return fmt.Errorf("insert %s: %w", op.id, errors.ErrRowExists)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before write: %w", err)
	}

	tx := client.TxPipeline()
	for _, op := range prepared {
		tx.HMSet(s.rowKey(op.id), op.fields)
		if !op.update {
			member := redis.Z{Score: float64(op.bucket), Member: op.id}
			tx.ZAdd(s.bucketIndex(), member)
			tx.ZAdd(s.sourceIndex(op.source), member)
		}
	}
	if _, err := tx.Exec(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// =============================================================================
// Querier
// =============================================================================

// QueryEdges returns persisted rows matching q ordered by time bucket, then id.
func (s *Store) QueryEdges(ctx context.Context, q dao.EdgeQuery) ([]*row.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	client := s.client.WithContext(ctx)

	index := s.bucketIndex()
	if q.SourceApplicationID != 0 {
		index = s.sourceIndex(q.SourceApplicationID)
	}

	rangeBy := redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if q.From != 0 {
		rangeBy.Min = strconv.FormatInt(q.From, 10)
	}
	if q.To != 0 {
		rangeBy.Max = strconv.FormatInt(q.To, 10)
	}

	ids, err := client.ZRangeByScore(index, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(s.rowKey(id))
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}

	var out []*row.Row
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		r, err := s.decode(id, fields)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		if !matches(r, q) {
			continue
		}
		out = append(out, r)
	}

	// Order by time bucket, then id.
	sort.SliceStable(out, func(i, j int) bool {
		bi, _ := out[i].Long(noderef.ColumnTimeBucket)
		bj, _ := out[j].Long(noderef.ColumnTimeBucket)
		if bi != bj {
			return bi < bj
		}
		return out[i].ID() < out[j].ID()
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(r *row.Row, q dao.EdgeQuery) bool {
	if q.TargetApplicationID != 0 {
		if v, _ := r.Int(noderef.ColumnTargetApplicationID); v != q.TargetApplicationID {
			return false
		}
	}
	if q.TargetPeer != "" {
		if v, _ := r.String(noderef.ColumnTargetPeer); v != q.TargetPeer {
			return false
		}
	}
	return true
}

// MaxTimeBucket returns the latest persisted time bucket.
func (s *Store) MaxTimeBucket(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	top, err := s.client.WithContext(ctx).ZRevRangeWithScores(s.bucketIndex(), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("max time bucket: %w", err)
	}
	if len(top) == 0 {
		return 0, fmt.Errorf("max time bucket: %w", errors.ErrNotFound)
	}
	return int64(top[0].Score), nil
}

// =============================================================================
// Encoding
// =============================================================================

// decode converts hash fields to a row. Every schema column must be present.
func (s *Store) decode(id string, fields map[string]string) (*row.Row, error) {
	r := row.New(s.schema, id)
	for _, col := range s.schema.Columns() {
		raw, ok := fields[col.Name]
		if !ok {
			return nil, fmt.Errorf("row %s: field %s: %w", id, col.Name, errors.ErrSchemaMismatch)
		}

		var v any
		switch col.Type {
		case row.TypeString:
			v = raw
		case row.TypeInteger:
			n, err := strconv.ParseInt(raw, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("row %s: field %s: %w", id, col.Name, errors.ErrCorrupt)
			}
			v = int32(n)
		case row.TypeLong:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("row %s: field %s: %w", id, col.Name, errors.ErrCorrupt)
			}
			v = n
		}
		if err := r.Set(col.Name, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}
