// Package pipeline wires producers, the merger and the synchronizer into
// the running collector.
//
// Observations are routed by key to a fixed set of producer goroutines,
// each owning one L1 shard. A merge worker drains the shards on a short
// interval and hands a window to the sync worker on every flush interval.
// The handoff holds at most one window: while the synchronizer is busy the
// merger keeps accumulating and the next window carries the backlog.
package pipeline

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/aggregate"
	"github.com/xtxerr/noderef/internal/backpressure"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/journal"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/persistence"
)

var log = logging.Component("pipeline")

// Config holds pipeline configuration.
type Config struct {
	// Workers is the number of producer goroutines, one shard each.
	Workers int

	// QueueSize is the per-producer input buffer.
	QueueSize int

	// MergeInterval is how often shards are drained into the merger.
	MergeInterval time.Duration

	// FlushInterval is how often a window is handed to the synchronizer.
	FlushInterval time.Duration
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       config.DefaultProducerWorkers,
		QueueSize:     config.DefaultProducerQueueSize,
		MergeInterval: config.Millis(config.DefaultMergeIntervalMs),
		FlushInterval: config.Seconds(config.DefaultFlushIntervalSec),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.Workers < 1 {
		errs.AddField("collector.workers", "must be at least 1")
	}
	if c.QueueSize < 1 {
		errs.AddField("collector.queue_size", "must be at least 1")
	}
	if c.MergeInterval <= 0 {
		errs.AddField("aggregation.merge_interval_ms", "must be positive")
	}
	if c.FlushInterval < c.MergeInterval {
		errs.AddField("aggregation.flush_interval_sec", "must not be shorter than the merge interval")
	}
	return errs.Err()
}

// Observer receives pipeline events. *metrics.Metrics implements it.
type Observer interface {
	ObserveSubmitted()
	ObserveRejected()
	ObserveWindow(keys int)
	SetPending(n int)
	SetPressureLevel(level int)
	ObserveSpill(keys int)
}

type nopObserver struct{}

func (nopObserver) ObserveSubmitted()    {}
func (nopObserver) ObserveRejected()     {}
func (nopObserver) ObserveWindow(int)    {}
func (nopObserver) SetPending(int)       {}
func (nopObserver) SetPressureLevel(int) {}
func (nopObserver) ObserveSpill(int)     {}

// Option configures optional pipeline components.
type Option func(*Pipeline)

// WithJournal spills pending deltas to j at emergency pressure and on
// shutdown, and replays it on start.
func WithJournal(j *journal.Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithBackpressure enables the pending set controller.
func WithBackpressure(cfg backpressure.Config) Option {
	return func(p *Pipeline) { p.pressureCfg = &cfg }
}

// WithObserver reports pipeline events to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// Pipeline is the running collector.
type Pipeline struct {
	cfg      Config
	merger   *aggregate.Merger
	shards   []*aggregate.Shard
	inputs   []chan noderef.Observation
	sync     *persistence.Synchronizer
	journal  *journal.Journal
	pressure *backpressure.Controller
	observer Observer
	seed     maphash.Seed

	pressureCfg *backpressure.Config

	// submitMu lets Stop wait out in-flight submits before closing intake.
	submitMu sync.RWMutex
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	producers sync.WaitGroup
	workers   sync.WaitGroup

	windows chan aggregate.Window
	flushCh chan struct{}

	// spilled is set while the journal holds deltas spilled at runtime.
	spilled atomic.Bool

	errOnce sync.Once
	fatal   chan error
	err     atomic.Pointer[error]

	stats Stats
}

// Stats holds pipeline statistics.
type Stats struct {
	Submitted atomic.Int64
	Rejected  atomic.Int64
	Windows   atomic.Int64
	Skipped   atomic.Int64
	Spills    atomic.Int64
	Reloads   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the pipeline state.
type StatsSnapshot struct {
	Running     bool
	Submitted   int64
	Rejected    int64
	Windows     int64
	Skipped     int64
	Spills      int64
	Reloads     int64
	Merger      aggregate.MergerStats
	Sync        persistence.Stats
	Pressure    backpressure.Level
	QueuedInput int
}

// New creates a pipeline feeding s.
func New(cfg Config, s *persistence.Synchronizer, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		merger:   aggregate.NewMerger(),
		sync:     s,
		observer: nopObserver{},
		seed:     maphash.MakeSeed(),
		ctx:      ctx,
		cancel:   cancel,
		windows:  make(chan aggregate.Window, 1),
		flushCh:  make(chan struct{}, 1),
		fatal:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.pressureCfg != nil {
		if err := p.pressureCfg.Validate(); err != nil {
			cancel()
			return nil, err
		}
		p.pressure = backpressure.New(*p.pressureCfg, s)
		p.pressure.SetOnLevelChange(func(old, new backpressure.Level) {
			log.Warn("backpressure level changed", "from", old.String(), "to", new.String())
		})
	}

	p.shards = make([]*aggregate.Shard, cfg.Workers)
	p.inputs = make([]chan noderef.Observation, cfg.Workers)
	for i := range cfg.Workers {
		p.shards[i] = p.merger.NewShard()
		p.inputs[i] = make(chan noderef.Observation, cfg.QueueSize)
	}
	return p, nil
}

// Start replays the journal into the pending set and starts the workers.
func (p *Pipeline) Start() error {
	if p.running.Load() {
		return errors.ErrAlreadyRunning
	}

	if p.journal != nil {
		entries, err := p.journal.Drain()
		p.sync.Restore(entries)
		if err != nil {
			return errors.Wrap(err, "replay journal")
		}
		if len(entries) > 0 {
			log.Info("restored pending deltas from journal", "keys", len(entries))
		}
	}

	if !p.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	for i := range p.inputs {
		p.producers.Add(1)
		go p.produce(p.shards[i], p.inputs[i])
	}

	p.workers.Add(2)
	go p.mergeWorker()
	go p.syncWorker()

	log.Info("pipeline started",
		"workers", p.cfg.Workers,
		"merge_interval", p.cfg.MergeInterval,
		"flush_interval", p.cfg.FlushInterval,
		"journal", p.journal != nil,
		"backpressure", p.pressure != nil)
	return nil
}

// Stop stops intake, drains every shard and runs a final pass.
//
// Deltas the final pass could not store are spilled to the journal. Without
// a journal they are dropped and reported in the returned error.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	// No submit is in flight once the write lock is acquired.
	p.submitMu.Lock()
	p.submitMu.Unlock()

	p.cancel()
	p.producers.Wait()
	p.workers.Wait()

	var result *multierror.Error

	if p.Err() == nil {
		var windows []aggregate.Window
		select {
		case w := <-p.windows:
			windows = append(windows, w)
		default:
		}
		windows = append(windows, p.merger.Flush())

		for i, w := range windows {
			res, err := p.sync.Reconcile(ctx, w)
			if err != nil {
				result = multierror.Append(result, err)
				// The remaining windows never reached the synchronizer.
				for _, rest := range windows[i+1:] {
					p.restoreWindow(rest)
				}
				break
			}
			if res.Requeued > 0 {
				log.Warn("final pass left keys pending", "requeued", res.Requeued)
			}
		}
	} else {
		// The synchronizer is unusable; keep what the merger still holds.
		select {
		case w := <-p.windows:
			p.restoreWindow(w)
		default:
		}
		p.restoreWindow(p.merger.Flush())
	}

	if err := p.spillRemaining(); err != nil {
		result = multierror.Append(result, err)
	}

	log.Info("pipeline stopped",
		"submitted", p.stats.Submitted.Load(),
		"windows", p.stats.Windows.Load())
	return result.ErrorOrNil()
}

// restoreWindow adds a window's records to the pending set as unattempted
// deltas.
func (p *Pipeline) restoreWindow(w aggregate.Window) {
	entries := make([]persistence.Entry, 0, w.Len())
	for key, rec := range w.Records {
		entries = append(entries, persistence.Entry{
			Key:      key,
			Segments: []persistence.Segment{{Delta: rec}},
		})
	}
	p.sync.Restore(entries)
}

func (p *Pipeline) spillRemaining() error {
	if p.sync.Pending() == 0 {
		return nil
	}
	entries := p.sync.TakePending()
	if p.journal == nil {
		log.Error("dropping pending deltas, no journal configured", "keys", len(entries))
		return fmt.Errorf("%d pending keys dropped at shutdown", len(entries))
	}
	if _, err := p.journal.Spill(entries); err != nil {
		log.Error("failed to spill pending deltas", "keys", len(entries), "error", err)
		return errors.Wrap(err, "spill pending deltas")
	}
	log.Info("spilled pending deltas to journal", "keys", len(entries))
	p.observer.ObserveSpill(len(entries))
	return nil
}

// Submit routes an observation to its producer.
//
// It rejects observations with an invalid key and blocks while the
// producer's queue is full, until ctx is done.
func (p *Pipeline) Submit(ctx context.Context, obs noderef.Observation) error {
	if err := obs.Key.Validate(); err != nil {
		p.stats.Rejected.Add(1)
		p.observer.ObserveRejected()
		return err
	}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.running.Load() {
		return errors.ErrNotRunning
	}

	select {
	case p.inputs[p.route(obs.Key)] <- obs:
		p.stats.Submitted.Add(1)
		p.observer.ObserveSubmitted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) route(key noderef.Key) int {
	return int(maphash.Comparable(p.seed, key) % uint64(len(p.inputs)))
}

// ForceFlush requests an immediate window handoff.
func (p *Pipeline) ForceFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// Err returns the fatal error that stopped the sync worker, if any.
func (p *Pipeline) Err() error {
	if err := p.err.Load(); err != nil {
		return *err
	}
	return nil
}

// Fatal delivers the first fatal synchronizer error.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// IsRunning returns whether the pipeline is running.
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

// Stats returns a snapshot of pipeline statistics.
func (p *Pipeline) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Running:   p.running.Load(),
		Submitted: p.stats.Submitted.Load(),
		Rejected:  p.stats.Rejected.Load(),
		Windows:   p.stats.Windows.Load(),
		Skipped:   p.stats.Skipped.Load(),
		Spills:    p.stats.Spills.Load(),
		Reloads:   p.stats.Reloads.Load(),
		Merger:    p.merger.Stats(),
		Sync:      p.sync.Stats(),
	}
	if p.pressure != nil {
		snap.Pressure = p.pressure.CurrentLevel()
	}
	for _, in := range p.inputs {
		snap.QueuedInput += len(in)
	}
	return snap
}

// =============================================================================
// Workers
// =============================================================================

func (p *Pipeline) produce(shard *aggregate.Shard, in <-chan noderef.Observation) {
	defer p.producers.Done()

	for {
		select {
		case obs := <-in:
			shard.Observe(obs.Key, obs.ElapsedMs, obs.IsError)
		case <-p.ctx.Done():
			// Intake is closed; drain what is queued.
			for {
				select {
				case obs := <-in:
					shard.Observe(obs.Key, obs.ElapsedMs, obs.IsError)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) mergeWorker() {
	defer p.workers.Done()

	mergeTicker := time.NewTicker(p.cfg.MergeInterval)
	defer mergeTicker.Stop()
	flushTicker := time.NewTicker(p.cfg.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-mergeTicker.C:
			p.merger.Merge()
			p.checkPressure()
		case <-flushTicker.C:
			p.handoff()
		case <-p.flushCh:
			p.handoff()
		}
	}
}

// handoff snapshots the merger into the sync worker's slot. If the slot is
// still occupied the records stay in the merger for the next window.
func (p *Pipeline) handoff() {
	if len(p.windows) == cap(p.windows) {
		p.stats.Skipped.Add(1)
		log.Debug("synchronizer busy, deferring window", "merged_keys", p.merger.PendingKeys())
		return
	}

	w := p.merger.Flush()
	p.windows <- w
	p.stats.Windows.Add(1)
	p.observer.ObserveWindow(w.Len())
}

func (p *Pipeline) syncWorker() {
	defer p.workers.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case w := <-p.windows:
			if w.Len() > 0 || p.sync.Pending() > 0 {
				res, err := p.sync.Reconcile(p.ctx, w)
				p.observer.SetPending(p.sync.Pending())
				if err != nil {
					p.fail(err, w)
					return
				}
				if res.Requeued > 0 {
					log.Warn("pass left keys pending", "pass_id", res.PassID, "requeued", res.Requeued)
				}
			}
			p.reload()
		}
	}
}

func (p *Pipeline) fail(err error, w aggregate.Window) {
	p.errOnce.Do(func() {
		p.err.Store(&err)
		p.fatal <- err
	})
	log.Error("synchronizer stopped", "window_id", w.ID, "error", err)
}

// checkPressure evaluates backpressure and spills the unattempted pending
// deltas at the emergency level. Deltas of ambiguous writes stay resident so
// the next pass can still recognize them in storage.
func (p *Pipeline) checkPressure() {
	if p.pressure == nil {
		return
	}
	level := p.pressure.Check()
	p.observer.SetPressureLevel(int(level))

	if !p.pressure.ShouldSpill() || p.journal == nil {
		return
	}

	entries := p.sync.TakeUnattempted()
	if len(entries) == 0 {
		return
	}
	if _, err := p.journal.Spill(entries); err != nil {
		log.Error("emergency spill failed", "keys", len(entries), "error", err)
		p.sync.Restore(entries)
		return
	}

	p.spilled.Store(true)
	p.stats.Spills.Add(1)
	p.pressure.RecordSpill(len(entries))
	p.observer.ObserveSpill(len(entries))
	p.observer.SetPending(p.sync.Pending())
	log.Warn("spilled pending deltas to journal", "keys", len(entries))
}

// reload brings spilled deltas back once pressure is normal again.
func (p *Pipeline) reload() {
	if !p.spilled.Load() || p.journal == nil {
		return
	}
	if p.pressure != nil && p.pressure.CurrentLevel() != backpressure.LevelNormal {
		return
	}

	entries, err := p.journal.Drain()
	p.sync.Restore(entries)
	if err != nil {
		log.Error("journal reload incomplete", "keys", len(entries), "error", err)
		return
	}
	p.spilled.Store(false)
	p.stats.Reloads.Add(1)
	p.observer.SetPending(p.sync.Pending())
	log.Info("reloaded spilled deltas", "keys", len(entries))
}
