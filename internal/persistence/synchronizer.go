// Package persistence reconciles aggregated windows with durable storage.
//
// A pass reads the stored row of every pending key, then inserts the keys
// that have no row and updates the others with the combined counters. Keys
// that cannot be reconciled before the pass deadline, or whose storage calls
// keep failing, stay pending for the next pass.
//
// Every row carries the id of the pass that last wrote it. A pending delta
// remembers the passes that tried to write it, so a write that committed
// although the caller saw an error is recognized on the next read and not
// applied twice.
package persistence

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/aggregate"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

var syncLog = logging.Component("persistence")

// Config holds synchronizer configuration.
type Config struct {
	// PassTimeout bounds one pass. Unreconciled keys are re-queued.
	PassTimeout time.Duration

	// GetConcurrency bounds parallel lookups.
	GetConcurrency int

	// RetryAttempts is the number of tries per storage call.
	RetryAttempts uint

	// RetryDelay is the initial backoff, doubled per try up to RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// MaxBatchSize is the maximum number of operations per ExecuteBatch.
	MaxBatchSize int

	// WindowMemory is how many absorbed window ids are remembered.
	WindowMemory int
}

// DefaultConfig returns default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		PassTimeout:    config.Seconds(config.DefaultPassTimeoutSec),
		GetConcurrency: config.DefaultGetConcurrency,
		RetryAttempts:  config.DefaultRetryAttempts,
		RetryDelay:     config.Millis(config.DefaultRetryDelayMs),
		RetryMaxDelay:  config.Millis(config.DefaultRetryMaxDelayMs),
		MaxBatchSize:   config.DefaultMaxBatchSize,
		WindowMemory:   config.DefaultWindowMemory,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.PassTimeout <= 0 {
		errs.AddField("pass_timeout", "must be positive")
	}
	if c.GetConcurrency < 1 {
		errs.AddField("get_concurrency", "must be at least 1")
	}
	if c.RetryAttempts < 1 {
		errs.AddField("retry_attempts", "must be at least 1")
	}
	if c.RetryDelay < 0 || c.RetryMaxDelay < c.RetryDelay {
		errs.AddField("retry_delay", "must be non-negative and not exceed retry_max_delay")
	}
	if c.MaxBatchSize < 1 {
		errs.AddField("max_batch_size", "must be at least 1")
	}
	if c.WindowMemory < 1 {
		errs.AddField("window_memory", "must be at least 1")
	}
	return errs.Err()
}

// Recorder receives pass outcomes. internal/metrics implements it.
type Recorder interface {
	ObservePass(Result)
	IncRetry(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePass(Result) {}
func (nopRecorder) IncRetry(string)    {}

// Result summarizes one pass.
type Result struct {
	PassID   string
	WindowID string
	Keys     int
	Inserted int
	Updated  int
	// Skipped counts keys whose pending deltas were already durable.
	Skipped  int
	Requeued int
	Duration time.Duration
	Err      error
}

// Stats holds cumulative synchronizer statistics.
type Stats struct {
	Passes       int64
	FailedPasses int64
	Inserted     int64
	Updated      int64
	Skipped      int64
	Requeued     int64
	PendingKeys  int
}

// Synchronizer owns the storage session for the node reference table.
// Passes are mutually exclusive.
type Synchronizer struct {
	dao      dao.DAO
	cfg      Config
	recorder Recorder

	passMu   sync.Mutex
	pending  *pendingSet
	absorbed *lru.Cache

	passes       atomic.Int64
	failedPasses atomic.Int64
	inserted     atomic.Int64
	updated      atomic.Int64
	skipped      atomic.Int64
	requeued     atomic.Int64
}

// New creates a synchronizer writing through d. A nil recorder discards
// pass outcomes.
func New(d dao.DAO, cfg Config, recorder Recorder) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	absorbed, err := lru.New(cfg.WindowMemory)
	if err != nil {
		return nil, fmt.Errorf("window cache: %w", err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Synchronizer{
		dao:      d,
		cfg:      cfg,
		recorder: recorder,
		pending:  newPendingSet(),
		absorbed: absorbed,
	}, nil
}

// Reconcile absorbs w into the pending set and runs a pass.
//
// A window id seen before is not absorbed again, so reconciling the same
// window twice counts it once. If another pass is running the window is
// still absorbed into the pending set and Reconcile fails with
// ErrPassInProgress. The returned error is non-nil only for fatal
// conditions; transient failures leave the affected keys pending and are
// reported in Result.Requeued.
func (s *Synchronizer) Reconcile(ctx context.Context, w aggregate.Window) (Result, error) {
	if !s.passMu.TryLock() {
		s.absorb(w)
		return Result{}, errors.ErrPassInProgress
	}
	defer s.passMu.Unlock()

	s.absorb(w)
	return s.pass(ctx, w.ID)
}

func (s *Synchronizer) absorb(w aggregate.Window) {
	if w.ID != "" {
		if seen, _ := s.absorbed.ContainsOrAdd(w.ID, struct{}{}); seen {
			syncLog.Debug("window already absorbed", "window_id", w.ID)
			return
		}
	}
	for key, rec := range w.Records {
		s.pending.add(key, rec)
	}
}

// Flush runs a pass over the pending set alone.
func (s *Synchronizer) Flush(ctx context.Context) (Result, error) {
	if !s.passMu.TryLock() {
		return Result{}, errors.ErrPassInProgress
	}
	defer s.passMu.Unlock()
	return s.pass(ctx, "")
}

// Pending returns the number of keys awaiting reconciliation.
func (s *Synchronizer) Pending() int {
	return s.pending.len()
}

// TakePending removes and returns the pending set.
func (s *Synchronizer) TakePending() []Entry {
	return toEntries(s.pending.take())
}

// TakeUnattempted removes and returns the pending deltas no pass has
// written yet. Deltas from passes with an unknown outcome stay pending until
// a pass resolves them against storage.
func (s *Synchronizer) TakeUnattempted() []Entry {
	return toEntries(s.pending.takeUnattempted())
}

// Restore adds entries to the pending set, keeping their attempts.
func (s *Synchronizer) Restore(entries []Entry) {
	for _, e := range entries {
		s.pending.addSegments(e.Key, e.Segments)
	}
}

// Stats returns cumulative statistics.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Passes:       s.passes.Load(),
		FailedPasses: s.failedPasses.Load(),
		Inserted:     s.inserted.Load(),
		Updated:      s.updated.Load(),
		Skipped:      s.skipped.Load(),
		Requeued:     s.requeued.Load(),
		PendingKeys:  s.pending.len(),
	}
}

// =============================================================================
// Pass
// =============================================================================

// lookup is the get phase outcome for one key.
type lookup struct {
	found  bool
	stored noderef.Stored
	err    error
}

// write is one planned insert or update.
type write struct {
	key  noderef.Key
	segs []Segment
	row  *row.Row
}

func (s *Synchronizer) pass(ctx context.Context, windowID string) (Result, error) {
	start := time.Now()
	res := Result{
		PassID:   ulid.Make().String(),
		WindowID: windowID,
	}

	work := s.pending.take()
	res.Keys = len(work)
	if len(work) == 0 {
		return s.finish(ctx, res, start, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()
	ctx = logging.ContextWithPassID(ctx, res.PassID)

	keys := make([]noderef.Key, 0, len(work))
	for key := range work {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)

	lookups, err := s.lookup(ctx, keys)
	if err != nil {
		for key, segs := range work {
			s.pending.addSegments(key, segs)
		}
		res.Requeued = len(work)
		return s.finish(ctx, res, start, err)
	}

	var inserts, updates []write
	for i, key := range keys {
		segs := work[key]
		l := lookups[i]

		switch {
		case l.err != nil:
			logging.WithContext(ctx).Warn("lookup failed, key re-queued", "key", key.String(), "error", l.err)
			s.pending.addSegments(key, segs)
			res.Requeued++

		case !l.found:
			delta := sum(segs)
			inserts = append(inserts, write{
				key:  key,
				segs: segs,
				row:  noderef.ToRow(noderef.Stored{Key: key, Record: delta, PassID: res.PassID}),
			})

		default:
			live := segs[:0:0]
			for _, seg := range segs {
				if !seg.attemptedBy(l.stored.PassID) {
					live = append(live, seg)
				}
			}
			delta := sum(live)
			if delta.IsZero() {
				res.Skipped++
				continue
			}
			updates = append(updates, write{
				key:  key,
				segs: live,
				row: noderef.ToRow(noderef.Stored{
					Key:    key,
					Record: noderef.Combined(l.stored.Record, delta),
					PassID: res.PassID,
				}),
			})
		}
	}

	if err := s.write(ctx, &res, "insert", inserts, s.dao.PrepareBatchInsert); err != nil {
		for _, w := range updates {
			s.pending.addSegments(w.key, w.segs)
		}
		res.Requeued += len(updates)
		return s.finish(ctx, res, start, err)
	}
	err = s.write(ctx, &res, "update", updates, s.dao.PrepareBatchUpdate)
	return s.finish(ctx, res, start, err)
}

// lookup reads the stored row of every key with bounded parallelism.
// Only fatal errors abort the phase; other failures are recorded per key.
func (s *Synchronizer) lookup(ctx context.Context, keys []noderef.Key) ([]lookup, error) {
	out := make([]lookup, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.GetConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			l, err := s.get(gctx, key)
			if err != nil {
				if errors.IsFatal(err) {
					return err
				}
				l.err = err
			}
			out[i] = l
			return nil
		})
	}
	return out, g.Wait()
}

func (s *Synchronizer) get(ctx context.Context, key noderef.Key) (lookup, error) {
	id := noderef.ID(key)

	var r *row.Row
	err := s.retry(ctx, "get", func() error {
		var err error
		r, err = s.dao.Get(ctx, id)
		if errors.IsNotFound(err) {
			r = nil
			return nil
		}
		return err
	})
	if err != nil {
		return lookup{}, fmt.Errorf("get %s: %w", id, err)
	}
	if r == nil {
		return lookup{}, nil
	}

	stored, err := noderef.FromRow(r)
	if err != nil {
		return lookup{}, fmt.Errorf("decode %s: %w: %w", id, errors.ErrCorrupt, err)
	}
	if err := noderef.CheckOwner(key, stored); err != nil {
		return lookup{}, err
	}
	return lookup{found: true, stored: stored}, nil
}

// write executes ws in batches of at most MaxBatchSize. A failed batch is
// re-queued with the pass recorded as an attempt. It returns an error only
// for fatal failures, after re-queueing everything not yet written.
func (s *Synchronizer) write(ctx context.Context, res *Result, op string, ws []write, prepare func(*row.Row) (dao.Operation, error)) error {
	for start := 0; start < len(ws); start += s.cfg.MaxBatchSize {
		chunk := ws[start:min(start+s.cfg.MaxBatchSize, len(ws))]

		ops := make([]dao.Operation, 0, len(chunk))
		for _, w := range chunk {
			o, err := prepare(w.row)
			if err != nil {
				s.requeueWrites(res, ws[start:], "")
				return fmt.Errorf("prepare %s %s: %w", op, w.row.ID(), err)
			}
			ops = append(ops, o)
		}

		err := s.retry(ctx, op, func() error {
			return s.dao.ExecuteBatch(ctx, ops)
		})
		if err == nil {
			if op == "insert" {
				res.Inserted += len(chunk)
			} else {
				res.Updated += len(chunk)
			}
			continue
		}

		s.requeueWrites(res, chunk, res.PassID)
		if errors.IsFatal(err) {
			s.requeueWrites(res, ws[start+len(chunk):], "")
			return fmt.Errorf("%s batch: %w", op, err)
		}
		logging.WithContext(ctx).Warn("batch failed, keys re-queued",
			"op", op, "keys", len(chunk), "error", err)
	}
	return nil
}

// requeueWrites returns ws to the pending set. A non-empty passID is added
// to the attempts of every segment the writes carried.
func (s *Synchronizer) requeueWrites(res *Result, ws []write, passID string) {
	for _, w := range ws {
		segs := w.segs
		if passID != "" {
			segs = make([]Segment, len(w.segs))
			for i, seg := range w.segs {
				segs[i] = Segment{
					Delta:    seg.Delta,
					Attempts: append(slices.Clone(seg.Attempts), passID),
				}
			}
		}
		s.pending.addSegments(w.key, segs)
	}
	res.Requeued += len(ws)
}

func (s *Synchronizer) retry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxDelay(s.cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetriable),
		retry.OnRetry(func(n uint, err error) {
			s.recorder.IncRetry(op)
			logging.WithContext(logging.ContextWithAttempt(ctx, n+1)).
				Debug("storage call failed", "op", op, "error", err)
		}),
	)
}

func (s *Synchronizer) finish(ctx context.Context, res Result, start time.Time, err error) (Result, error) {
	res.Duration = time.Since(start)
	res.Err = err

	s.passes.Add(1)
	s.inserted.Add(int64(res.Inserted))
	s.updated.Add(int64(res.Updated))
	s.skipped.Add(int64(res.Skipped))
	s.requeued.Add(int64(res.Requeued))
	s.recorder.ObservePass(res)

	logger := logging.WithContext(ctx)
	if err != nil {
		s.failedPasses.Add(1)
		logger.Error("pass failed", "window_id", res.WindowID, "keys", res.Keys,
			"requeued", res.Requeued, "error", err)
		return res, err
	}
	if res.Keys > 0 {
		logger.Info("pass completed", "window_id", res.WindowID, "keys", res.Keys,
			"inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped,
			"requeued", res.Requeued, "duration", res.Duration)
	}
	return res, nil
}

func sum(segs []Segment) noderef.Record {
	var out noderef.Record
	for _, seg := range segs {
		out.Combine(seg.Delta)
	}
	return out
}

func compareKeys(a, b noderef.Key) int {
	return cmp.Or(
		cmp.Compare(a.TimeBucket, b.TimeBucket),
		cmp.Compare(a.SourceApplicationID, b.SourceApplicationID),
		cmp.Compare(a.TargetApplicationID, b.TargetApplicationID),
		cmp.Compare(a.TargetPeer, b.TargetPeer),
	)
}
