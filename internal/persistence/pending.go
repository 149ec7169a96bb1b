package persistence

import (
	"slices"
	"sync"

	"github.com/xtxerr/noderef/internal/noderef"
)

// Segment is a delta for one key whose durability is not yet known.
//
// Attempts lists every pass that tried to write the segment without a
// confirmed outcome. A stored row carrying one of those pass ids already
// contains the delta.
type Segment struct {
	Delta    noderef.Record
	Attempts []string
}

func (s Segment) attemptedBy(passID string) bool {
	return passID != "" && slices.Contains(s.Attempts, passID)
}

// Entry is the pending state of one key.
type Entry struct {
	Key      noderef.Key
	Segments []Segment
}

// pendingSet holds deltas awaiting reconciliation.
//
// Deltas never attempted are folded into one segment per key. Segments with
// attempts stay separate since each may or may not be durable.
type pendingSet struct {
	mu      sync.Mutex
	entries map[noderef.Key][]Segment
}

func newPendingSet() *pendingSet {
	return &pendingSet{entries: make(map[noderef.Key][]Segment)}
}

// add folds rec into the key's unattempted segment. Zero records are ignored.
func (p *pendingSet) add(key noderef.Key, rec noderef.Record) {
	if rec.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(key, Segment{Delta: rec})
}

// addSegments re-queues segments for key.
func (p *pendingSet) addSegments(key noderef.Key, segs []Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range segs {
		if seg.Delta.IsZero() {
			continue
		}
		p.addLocked(key, seg)
	}
}

func (p *pendingSet) addLocked(key noderef.Key, seg Segment) {
	segs := p.entries[key]
	if len(seg.Attempts) == 0 {
		for i := range segs {
			if len(segs[i].Attempts) == 0 {
				segs[i].Delta.Combine(seg.Delta)
				return
			}
		}
	}
	p.entries[key] = append(segs, Segment{
		Delta:    seg.Delta,
		Attempts: slices.Clone(seg.Attempts),
	})
}

// take removes and returns every pending key.
func (p *pendingSet) take() map[noderef.Key][]Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.entries
	p.entries = make(map[noderef.Key][]Segment, len(out))
	return out
}

// takeUnattempted removes and returns the segments no pass has tried yet.
// Attempted segments stay: a later pass may overwrite the row's pass id,
// after which they could no longer be recognized as durable.
func (p *pendingSet) takeUnattempted() map[noderef.Key][]Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[noderef.Key][]Segment)
	for key, segs := range p.entries {
		var kept []Segment
		for _, seg := range segs {
			if len(seg.Attempts) == 0 {
				out[key] = append(out[key], seg)
			} else {
				kept = append(kept, seg)
			}
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func toEntries(m map[noderef.Key][]Segment) []Entry {
	out := make([]Entry, 0, len(m))
	for key, segs := range m {
		out = append(out, Entry{Key: key, Segments: segs})
	}
	return out
}
