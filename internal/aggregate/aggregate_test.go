package aggregate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/noderef/internal/noderef"
	testutil "github.com/xtxerr/noderef/internal/testing"
)

var testTime = time.Date(2017, time.August, 1, 14, 30, 5, 0, time.UTC)

func TestShard_ObserveAndDrain(t *testing.T) {
	m := NewMerger()
	s := m.NewShard()

	k := noderef.ApplicationKey(3, 5, testTime)
	s.Observe(k, 500, false)
	s.Observe(k, 2000, true)

	if s.Len() != 1 {
		t.Errorf("expected 1 key, got %d", s.Len())
	}

	drained := s.DrainAndReset()
	want := noderef.Record{Summary: 2, ErrorCount: 1, Buckets: [4]int64{1, 1, 0, 0}}
	if got := *drained[k]; got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	if s.Len() != 0 {
		t.Errorf("expected empty shard after drain, got %d", s.Len())
	}

	s.Observe(k, 4000, false)
	if drained[k].Summary != 2 {
		t.Error("observe after drain mutated the drained map")
	}
	if s.Observed() != 3 {
		t.Errorf("expected 3 observed, got %d", s.Observed())
	}
}

func TestMerger_CombinesAcrossShards(t *testing.T) {
	m := NewMerger()
	a, b := m.NewShard(), m.NewShard()

	k1 := noderef.ApplicationKey(3, 5, testTime)
	k2 := noderef.PeerKey(3, "10.0.0.1:3306", testTime)

	a.Observe(k1, 500, false)
	b.Observe(k1, 2000, true)
	b.Observe(k2, 6000, false)

	if n := m.Merge(); n != 3 {
		t.Errorf("expected 3 drained records, got %d", n)
	}

	// A second merge in the same window adds to the same entries.
	a.Observe(k1, 4000, false)
	m.Merge()

	w := m.Snapshot()
	if w.ID == "" {
		t.Error("expected window id")
	}
	if w.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", w.Len())
	}

	want := noderef.Record{Summary: 3, ErrorCount: 1, Buckets: [4]int64{1, 1, 1, 0}}
	if got := w.Records[k1]; got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if got := w.Records[k2].Buckets[3]; got != 1 {
		t.Errorf("expected b3=1, got %d", got)
	}

	// L2 holds no state across windows.
	if next := m.Snapshot(); next.Len() != 0 {
		t.Errorf("expected empty window, got %d keys", next.Len())
	}
	if next := m.Snapshot(); next.ID == w.ID {
		t.Error("window ids must be unique")
	}
}

func TestMerger_NeverObservedKeyAbsent(t *testing.T) {
	m := NewMerger()
	m.NewShard()

	w := m.Flush()
	if w.Len() != 0 {
		t.Errorf("expected empty window, got %d keys", w.Len())
	}
}

func TestMerger_ConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 5000
	)

	m := NewMerger()
	keys := []noderef.Key{
		noderef.ApplicationKey(1, 2, testTime),
		noderef.ApplicationKey(1, 3, testTime),
		noderef.PeerKey(1, "cache:6379", testTime),
	}

	var (
		mergeMu sync.Mutex
		total   = make(map[noderef.Key]noderef.Record)
	)
	collect := func(w Window) {
		mergeMu.Lock()
		defer mergeMu.Unlock()
		for k, r := range w.Records {
			cur := total[k]
			cur.Combine(r)
			total[k] = cur
		}
	}

	stop := make(chan struct{})
	mergerDone := make(chan struct{})
	go func() {
		defer close(mergerDone)
		for {
			select {
			case <-stop:
				return
			default:
				collect(m.Flush())
				time.Sleep(time.Millisecond)
			}
		}
	}()

	gt := testutil.NewGoroutineTest(t)
	for p := 0; p < producers; p++ {
		shard := m.NewShard()
		gt.Go(func() error {
			for i := 0; i < perWorker; i++ {
				shard.Observe(keys[(p+i)%len(keys)], int64(i%7000), i%5 == 0)
			}
			if shard.Observed() != perWorker {
				return fmt.Errorf("producer %d: expected %d observed, got %d", p, perWorker, shard.Observed())
			}
			return nil
		})
	}
	gt.Wait()

	close(stop)
	<-mergerDone
	collect(m.Flush())

	var sum noderef.Record
	for k, r := range total {
		if err := r.Check(); err != nil {
			t.Errorf("%s: %v", k, err)
		}
		sum.Combine(r)
	}
	if sum.Summary != producers*perWorker {
		t.Errorf("expected %d calls, got %d", producers*perWorker, sum.Summary)
	}
	if sum.ErrorCount != producers*perWorker/5 {
		t.Errorf("expected %d errors, got %d", producers*perWorker/5, sum.ErrorCount)
	}

	stats := m.Stats()
	if stats.Shards != producers {
		t.Errorf("expected %d shards, got %d", producers, stats.Shards)
	}
	if stats.PendingKeys != 0 {
		t.Errorf("expected no pending keys, got %d", stats.PendingKeys)
	}
}
