// Package aggregate implements the two-level in-memory aggregation of node
// references.
//
// Each producer owns a Shard (L1) and is its only writer. A single Merger
// (L2) periodically drains every shard and folds the records into one
// canonical map, which it hands off as a Window to the synchronizer.
package aggregate

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/noderef/internal/noderef"
)

// Records is a set of accumulators keyed by edge.
type Records map[noderef.Key]*noderef.Record

// Shard is one producer's private aggregation map.
//
// Observe must only be called by the owning producer. DrainAndReset may be
// called concurrently by the merger; it holds the lock only for a map swap.
type Shard struct {
	id int

	mu      sync.Mutex
	records Records

	observed atomic.Int64
}

func newShard(id int) *Shard {
	return &Shard{
		id:      id,
		records: make(Records),
	}
}

// ID returns the shard index assigned by the merger.
func (s *Shard) ID() int {
	return s.id
}

// Observe counts one call for key.
func (s *Shard) Observe(key noderef.Key, elapsedMs int64, isError bool) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &noderef.Record{}
		s.records[key] = rec
	}
	rec.Observe(elapsedMs, isError)
	s.mu.Unlock()

	s.observed.Add(1)
}

// DrainAndReset takes ownership of every record in the shard and leaves the
// shard empty. Observations after the swap land in the fresh map.
func (s *Shard) DrainAndReset() Records {
	fresh := make(Records)

	s.mu.Lock()
	drained := s.records
	s.records = fresh
	s.mu.Unlock()

	return drained
}

// Len returns the number of keys currently held.
func (s *Shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Observed returns the number of calls observed since creation.
func (s *Shard) Observed() int64 {
	return s.observed.Load()
}
