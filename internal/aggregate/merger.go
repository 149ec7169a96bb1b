package aggregate

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
)

var log = logging.Component("aggregate")

// Window is the canonical content of one flush window.
//
// ID is unique per window. Consumers use it to recognize a window they have
// already absorbed. The window is handed off to exactly one consumer; nothing else keeps a
// reference to Records.
type Window struct {
	ID        string
	CreatedAt time.Time
	Records   map[noderef.Key]noderef.Record
}

// Len returns the number of keys in the window.
func (w Window) Len() int {
	return len(w.Records)
}

// Merger is the global (L2) aggregator.
//
// Merge and Snapshot are driven by a single merge goroutine. The mutex
// only serializes them against shard registration and Stats.
type Merger struct {
	mu sync.Mutex

	shards  []*Shard
	current Records

	stats MergerStats
}

// MergerStats holds statistics for the merger.
type MergerStats struct {
	Shards          int64
	PendingKeys     int64
	Merges          int64
	RecordsDrained  int64
	WindowsProduced int64
}

// NewMerger creates an empty merger with no shards.
func NewMerger() *Merger {
	return &Merger{
		current: make(Records),
	}
}

// NewShard creates a shard and registers it for draining.
func (m *Merger) NewShard() *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newShard(len(m.shards))
	m.shards = append(m.shards, s)
	return s
}

// Merge drains every shard and folds the records into the current window.
// It returns the number of drained records.
func (m *Merger) Merge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drained int
	for _, s := range m.shards {
		for key, rec := range s.DrainAndReset() {
			drained++
			if cur, ok := m.current[key]; ok {
				cur.Combine(*rec)
				continue
			}
			// The drained map is owned by us now, reuse the record.
			m.current[key] = rec
		}
	}

	m.stats.Merges++
	m.stats.RecordsDrained += int64(drained)
	return drained
}

// Snapshot hands off the current window and starts a new one.
// Records that count no calls are left out.
func (m *Merger) Snapshot() Window {
	m.mu.Lock()
	cur := m.current
	m.current = make(Records)
	m.stats.WindowsProduced++
	m.mu.Unlock()

	w := Window{
		ID:        ulid.Make().String(),
		CreatedAt: time.Now(),
		Records:   make(map[noderef.Key]noderef.Record, len(cur)),
	}
	for key, rec := range cur {
		if rec.IsZero() {
			continue
		}
		w.Records[key] = *rec
	}

	log.Debug("window snapshot", "window", w.ID, "keys", len(w.Records))
	return w
}

// Flush merges the shards and snapshots the result.
func (m *Merger) Flush() Window {
	m.Merge()
	return m.Snapshot()
}

// Stats returns current statistics.
func (m *Merger) Stats() MergerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Shards = int64(len(m.shards))
	stats.PendingKeys = int64(len(m.current))
	return stats
}

// PendingKeys returns the number of keys merged but not yet snapshotted.
func (m *Merger) PendingKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}
