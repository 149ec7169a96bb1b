package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/noderef/internal/aggregate"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

var testTime = time.Date(2017, time.August, 1, 14, 30, 5, 0, time.UTC)

// fakeDAO is an in-memory DAO with failure hooks.
type fakeDAO struct {
	mu    sync.Mutex
	rows  map[string]*row.Row
	gets  map[string]int
	execs int

	getHook  func(ctx context.Context, id string) error
	execHook func(call int) (commit bool, err error)
}

type fakeOp struct {
	r      *row.Row
	update bool
}

func (o fakeOp) ID() string { return o.r.ID() }

func newFakeDAO() *fakeDAO {
	return &fakeDAO{
		rows: make(map[string]*row.Row),
		gets: make(map[string]int),
	}
}

func (f *fakeDAO) Get(ctx context.Context, id string) (*row.Row, error) {
	f.mu.Lock()
	f.gets[id]++
	hook := f.getHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, errors.ErrRowNotFound
	}
	return r.Clone(), nil
}

func (f *fakeDAO) PrepareBatchInsert(r *row.Row) (dao.Operation, error) {
	return f.prepare(r, false)
}

func (f *fakeDAO) PrepareBatchUpdate(r *row.Row) (dao.Operation, error) {
	return f.prepare(r, true)
}

func (f *fakeDAO) prepare(r *row.Row, update bool) (dao.Operation, error) {
	if r.Schema() != noderef.Schema {
		return nil, errors.ErrSchemaMismatch
	}
	return fakeOp{r: r.Clone(), update: update}, nil
}

func (f *fakeDAO) ExecuteBatch(ctx context.Context, ops []dao.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs++
	commit, hookErr := true, error(nil)
	if f.execHook != nil {
		commit, hookErr = f.execHook(f.execs)
	}
	if !commit {
		return hookErr
	}

	for _, o := range ops {
		op := o.(fakeOp)
		_, exists := f.rows[op.ID()]
		if op.update && !exists {
			return errors.ErrRowNotFound
		}
		if !op.update && exists {
			return errors.ErrRowExists
		}
	}
	for _, o := range ops {
		op := o.(fakeOp)
		f.rows[op.ID()] = op.r
	}
	return hookErr
}

func (f *fakeDAO) put(s noderef.Stored) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID()] = noderef.ToRow(s)
}

func (f *fakeDAO) stored(t *testing.T, k noderef.Key) (noderef.Stored, bool) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[noderef.ID(k)]
	if !ok {
		return noderef.Stored{}, false
	}
	s, err := noderef.FromRow(r)
	if err != nil {
		t.Fatalf("stored row of %s: %v", k, err)
	}
	return s, true
}

func (f *fakeDAO) getCount(k noderef.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[noderef.ID(k)]
}

type testRecorder struct {
	mu      sync.Mutex
	passes  []Result
	retries map[string]int
}

func (r *testRecorder) ObservePass(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, res)
}

func (r *testRecorder) IncRetry(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retries == nil {
		r.retries = make(map[string]int)
	}
	r.retries[op]++
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PassTimeout = 5 * time.Second
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func newTestSynchronizer(t *testing.T, f *fakeDAO, mutate func(*Config)) (*Synchronizer, *testRecorder) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &testRecorder{}
	s, err := New(f, cfg, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, rec
}

func window(id string, records map[noderef.Key]noderef.Record) aggregate.Window {
	return aggregate.Window{ID: id, CreatedAt: testTime, Records: records}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}

	bad := DefaultConfig()
	bad.GetConcurrency = 0
	bad.RetryAttempts = 0
	bad.MaxBatchSize = 0
	err := bad.Validate()
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs.Errors) != 3 {
		t.Errorf("expected 3 validation errors, got %v", err)
	}
}

func TestReconcile_InsertThenUpdate(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.ApplicationKey(3, 5, testTime)

	res, err := s.Reconcile(ctx, window("w1", map[noderef.Key]noderef.Record{
		k: {Summary: 2, ErrorCount: 0, Buckets: [4]int64{1, 1, 0, 0}},
	}))
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Errorf("expected 1 insert, got %+v", res)
	}

	res, err = s.Reconcile(ctx, window("w2", map[noderef.Key]noderef.Record{
		k: noderef.Single(4000, false),
	}))
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Errorf("expected 1 update, got %+v", res)
	}

	got, _ := f.stored(t, k)
	want := noderef.Record{Summary: 3, Buckets: [4]int64{1, 1, 1, 0}}
	if got.Record != want {
		t.Errorf("expected %+v, got %+v", want, got.Record)
	}
	if got.PassID != res.PassID {
		t.Errorf("expected pass id %s, got %s", res.PassID, got.PassID)
	}
}

func TestReconcile_NeverObservedKeyNotStored(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)

	observed := noderef.ApplicationKey(3, 5, testTime)
	empty := noderef.ApplicationKey(3, 6, testTime)

	res, err := s.Reconcile(context.Background(), window("w1", map[noderef.Key]noderef.Record{
		observed: noderef.Single(10, false),
		empty:    {},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Keys != 1 || res.Inserted != 1 {
		t.Errorf("expected only the observed key, got %+v", res)
	}
	if _, ok := f.stored(t, empty); ok {
		t.Error("zero record was inserted")
	}
	if f.getCount(empty) != 0 {
		t.Error("zero record was looked up")
	}
}

func TestReconcile_GetTimeoutRequeuesOnlyThatKey(t *testing.T) {
	f := newFakeDAO()
	s, rec := newTestSynchronizer(t, f, nil)
	ctx := context.Background()

	slow := noderef.ApplicationKey(3, 5, testTime)
	others := []noderef.Key{
		noderef.ApplicationKey(3, 6, testTime),
		noderef.PeerKey(3, "db:5432", testTime),
	}
	f.getHook = func(_ context.Context, id string) error {
		if id == noderef.ID(slow) {
			return errors.ErrTimeout
		}
		return nil
	}

	records := map[noderef.Key]noderef.Record{slow: noderef.Single(100, false)}
	for _, k := range others {
		records[k] = noderef.Single(100, true)
	}

	res, err := s.Reconcile(ctx, window("w1", records))
	if err != nil {
		t.Fatalf("transient failure should not fail the pass: %v", err)
	}
	if res.Requeued != 1 || res.Inserted != 2 {
		t.Errorf("expected 1 requeued and 2 inserted, got %+v", res)
	}
	if got := f.getCount(slow); got != int(testConfig().RetryAttempts) {
		t.Errorf("expected %d get attempts, got %d", testConfig().RetryAttempts, got)
	}
	if rec.retries["get"] == 0 {
		t.Error("expected retries to be recorded")
	}
	for _, k := range others {
		if _, ok := f.stored(t, k); !ok {
			t.Errorf("key %s was blocked by the failing key", k)
		}
	}
	if s.Pending() != 1 {
		t.Errorf("expected 1 pending key, got %d", s.Pending())
	}

	f.getHook = nil
	res, err = s.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Errorf("expected re-queued key to be inserted, got %+v", res)
	}
	got, _ := f.stored(t, slow)
	if got.Record != noderef.Single(100, false) {
		t.Errorf("expected the delta once, got %+v", got.Record)
	}
}

func TestReconcile_SameWindowTwice(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.PeerKey(3, "10.0.0.1:3306", testTime)

	w := window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(2000, true)})
	if _, err := s.Reconcile(ctx, w); err != nil {
		t.Fatal(err)
	}
	res, err := s.Reconcile(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if res.Keys != 0 {
		t.Errorf("expected second run to be a no-op, got %+v", res)
	}

	got, _ := f.stored(t, k)
	if got.Record != noderef.Single(2000, true) {
		t.Errorf("window counted twice: %+v", got.Record)
	}
}

func TestReconcile_SameWindowAfterFailedWrite(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.ApplicationKey(3, 5, testTime)

	f.execHook = func(int) (bool, error) { return false, errors.ErrConnectionFailed }
	w := window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(10, false)})
	res, err := s.Reconcile(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 1 {
		t.Fatalf("expected re-queue, got %+v", res)
	}

	f.execHook = nil
	if _, err := s.Reconcile(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, _ := f.stored(t, k)
	if got.Record != noderef.Single(10, false) {
		t.Errorf("expected the delta once, got %+v", got.Record)
	}
}

func TestReconcile_AmbiguousCommitNotDoubleCounted(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.ApplicationKey(3, 5, testTime)

	// The first insert commits but reports a timeout. The retried insert
	// then finds the row and fails.
	f.execHook = func(call int) (bool, error) {
		if call == 1 {
			return true, errors.ErrTimeout
		}
		return true, nil
	}

	res, err := s.Reconcile(ctx, window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(10, false)}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 1 {
		t.Fatalf("expected the key to be re-queued, got %+v", res)
	}

	f.execHook = nil
	res, err = s.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Inserted+res.Updated != 0 {
		t.Errorf("expected the durable delta to be skipped, got %+v", res)
	}
	got, _ := f.stored(t, k)
	if got.Record != noderef.Single(10, false) {
		t.Errorf("expected the delta once, got %+v", got.Record)
	}
	if s.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", s.Pending())
	}
}

func TestReconcile_NewDeltaAfterAmbiguousCommit(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.ApplicationKey(3, 5, testTime)

	f.execHook = func(call int) (bool, error) {
		if call == 1 {
			return true, errors.ErrTimeout
		}
		return true, nil
	}
	if _, err := s.Reconcile(ctx, window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(10, false)})); err != nil {
		t.Fatal(err)
	}

	f.execHook = nil
	res, err := s.Reconcile(ctx, window("w2", map[noderef.Key]noderef.Record{k: noderef.Single(4000, true)}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Errorf("expected 1 update, got %+v", res)
	}
	got, _ := f.stored(t, k)
	want := noderef.Combined(noderef.Single(10, false), noderef.Single(4000, true))
	if got.Record != want {
		t.Errorf("expected %+v, got %+v", want, got.Record)
	}
}

func TestReconcile_PassInProgress(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.getHook = func(context.Context, string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Reconcile(context.Background(), window("w1", map[noderef.Key]noderef.Record{
			noderef.ApplicationKey(3, 5, testTime): noderef.Single(1, false),
		}))
		done <- err
	}()

	<-entered
	if _, err := s.Flush(context.Background()); !errors.Is(err, errors.ErrPassInProgress) {
		t.Errorf("expected ErrPassInProgress, got %v", err)
	}
	if _, err := s.Reconcile(context.Background(), window("w2", map[noderef.Key]noderef.Record{
		noderef.ApplicationKey(3, 6, testTime): noderef.Single(1, false),
	})); !errors.Is(err, errors.ErrPassInProgress) {
		t.Errorf("expected ErrPassInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("running pass failed: %v", err)
	}

	// The rejected window waits in the pending set for the next pass.
	if got := s.Pending(); got != 1 {
		t.Errorf("expected the busy window's key pending, got %d", got)
	}
}

func TestReconcile_DeadlineRequeuesEverything(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, func(c *Config) {
		c.PassTimeout = 50 * time.Millisecond
	})

	f.getHook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	records := map[noderef.Key]noderef.Record{
		noderef.ApplicationKey(3, 5, testTime): noderef.Single(1, false),
		noderef.ApplicationKey(3, 6, testTime): noderef.Single(2, false),
		noderef.ApplicationKey(3, 7, testTime): noderef.Single(3, false),
	}
	res, err := s.Reconcile(context.Background(), window("w1", records))
	if err != nil {
		t.Fatalf("deadline should not fail the pass: %v", err)
	}
	if res.Requeued != 3 {
		t.Errorf("expected 3 requeued, got %+v", res)
	}
	if s.Pending() != 3 {
		t.Errorf("expected 3 pending keys, got %d", s.Pending())
	}
}

func TestReconcile_IDCollisionIsFatal(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)

	k := noderef.ApplicationKey(3, 5, testTime)
	other := noderef.ApplicationKey(4, 5, testTime)
	f.rows[noderef.ID(k)] = noderef.ToRow(noderef.Stored{Key: other, Record: noderef.Single(1, false)})

	_, err := s.Reconcile(context.Background(), window("w1", map[noderef.Key]noderef.Record{
		k: noderef.Single(1, false),
	}))
	if !errors.Is(err, errors.ErrIDCollision) {
		t.Fatalf("expected ErrIDCollision, got %v", err)
	}
	if s.Pending() != 1 {
		t.Errorf("expected the delta to stay pending, got %d", s.Pending())
	}
}

func TestReconcile_CorruptRowIsFatal(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)

	k := noderef.ApplicationKey(3, 5, testTime)
	r := noderef.ToRow(noderef.Stored{Key: k, Record: noderef.Single(1, false)})
	if err := r.SetLong(noderef.ColumnSummary, 7); err != nil {
		t.Fatal(err)
	}
	f.rows[noderef.ID(k)] = r

	_, err := s.Reconcile(context.Background(), window("w1", map[noderef.Key]noderef.Record{
		k: noderef.Single(1, false),
	}))
	if !errors.Is(err, errors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("corrupt row should be fatal")
	}
}

func TestReconcile_Batching(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, func(c *Config) {
		c.MaxBatchSize = 2
	})

	records := make(map[noderef.Key]noderef.Record)
	for i := int32(1); i <= 5; i++ {
		records[noderef.ApplicationKey(3, i, testTime)] = noderef.Single(int64(i), false)
	}
	res, err := s.Reconcile(context.Background(), window("w1", records))
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 5 {
		t.Errorf("expected 5 inserts, got %+v", res)
	}
	if f.execs != 3 {
		t.Errorf("expected 3 batches, got %d", f.execs)
	}
}

func TestReconcile_FailedBatchDoesNotBlockOthers(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, func(c *Config) {
		c.MaxBatchSize = 1
		c.RetryAttempts = 1
	})

	f.execHook = func(call int) (bool, error) {
		if call == 1 {
			return false, errors.ErrBusy
		}
		return true, nil
	}

	records := map[noderef.Key]noderef.Record{
		noderef.ApplicationKey(3, 5, testTime): noderef.Single(1, false),
		noderef.ApplicationKey(3, 6, testTime): noderef.Single(1, false),
	}
	res, err := s.Reconcile(context.Background(), window("w1", records))
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Requeued != 1 {
		t.Errorf("expected 1 inserted and 1 requeued, got %+v", res)
	}
}

func TestRestore_KeepsAttempts(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)

	durable := noderef.ApplicationKey(3, 5, testTime)
	lost := noderef.ApplicationKey(3, 6, testTime)
	f.put(noderef.Stored{Key: durable, Record: noderef.Single(1, false), PassID: "pass-a"})
	f.put(noderef.Stored{Key: lost, Record: noderef.Single(1, false), PassID: "pass-z"})

	s.Restore([]Entry{
		{Key: durable, Segments: []Segment{{Delta: noderef.Single(1, false), Attempts: []string{"pass-a"}}}},
		{Key: lost, Segments: []Segment{{Delta: noderef.Single(1, false), Attempts: []string{"pass-b"}}}},
	})

	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Updated != 1 {
		t.Errorf("expected 1 skipped and 1 updated, got %+v", res)
	}

	got, _ := f.stored(t, durable)
	if got.Record.Summary != 1 {
		t.Errorf("durable segment applied again: %+v", got.Record)
	}
	got, _ = f.stored(t, lost)
	if got.Record.Summary != 2 {
		t.Errorf("lost segment not applied: %+v", got.Record)
	}
}

func TestTakePending(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	f.execHook = func(int) (bool, error) { return false, errors.ErrConnectionFailed }

	k := noderef.ApplicationKey(3, 5, testTime)
	if _, err := s.Reconcile(context.Background(), window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(1, false)})); err != nil {
		t.Fatal(err)
	}

	entries := s.TakePending()
	if len(entries) != 1 || entries[0].Key != k {
		t.Fatalf("expected one entry for %s, got %+v", k, entries)
	}
	if len(entries[0].Segments) != 1 || len(entries[0].Segments[0].Attempts) != 1 {
		t.Errorf("expected one segment with one attempt, got %+v", entries[0].Segments)
	}
	if s.Pending() != 0 {
		t.Errorf("expected empty pending set, got %d", s.Pending())
	}
}

func TestTakeUnattempted_KeepsAttemptedResident(t *testing.T) {
	f := newFakeDAO()
	s, _ := newTestSynchronizer(t, f, nil)
	ctx := context.Background()
	k := noderef.ApplicationKey(3, 5, testTime)

	// The first insert commits but reports a timeout, leaving an attempted
	// segment whose delta is already durable.
	f.execHook = func(call int) (bool, error) {
		if call == 1 {
			return true, errors.ErrTimeout
		}
		return true, nil
	}
	if _, err := s.Reconcile(ctx, window("w1", map[noderef.Key]noderef.Record{k: noderef.Single(200, false)})); err != nil {
		t.Fatal(err)
	}
	f.execHook = nil
	s.Restore([]Entry{{Key: k, Segments: []Segment{{Delta: noderef.Single(50, false)}}}})

	taken := s.TakeUnattempted()
	if len(taken) != 1 || len(taken[0].Segments) != 1 || len(taken[0].Segments[0].Attempts) != 0 {
		t.Fatalf("expected the unattempted segment only, got %+v", taken)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected the attempted segment to stay pending, got %d keys", s.Pending())
	}

	// A later pass rewrites the row's pass id while the taken delta is away.
	if _, err := s.Reconcile(ctx, window("w2", map[noderef.Key]noderef.Record{k: noderef.Single(4000, false)})); err != nil {
		t.Fatal(err)
	}
	s.Restore(taken)
	if _, err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	want := noderef.Combined(noderef.Single(200, false), noderef.Single(4000, false))
	want.Combine(noderef.Single(50, false))
	got, _ := f.stored(t, k)
	if got.Record != want {
		t.Errorf("expected every delta once %+v, got %+v", want, got.Record)
	}
	if s.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", s.Pending())
	}
}

func TestPendingSet_FoldsUnattempted(t *testing.T) {
	p := newPendingSet()
	k := noderef.ApplicationKey(3, 5, testTime)

	p.add(k, noderef.Single(1, false))
	p.addSegments(k, []Segment{{Delta: noderef.Single(2, false), Attempts: []string{"a"}}})
	p.add(k, noderef.Single(3, false))
	p.add(k, noderef.Record{})

	segs := p.take()[k]
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %+v", segs)
	}
	if segs[0].Delta.Summary != 2 || len(segs[0].Attempts) != 0 {
		t.Errorf("expected folded unattempted segment, got %+v", segs[0])
	}
	if segs[1].Delta.Summary != 1 || segs[1].Attempts[0] != "a" {
		t.Errorf("expected attempted segment kept apart, got %+v", segs[1])
	}
}
