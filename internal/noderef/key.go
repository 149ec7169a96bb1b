// Package noderef defines the node reference metric: a directed edge from a
// calling application to a called application or external peer, counted per
// second time bucket.
//
// The package holds the aggregation key, the counter record and its merge
// algebra, the storage identifier encoding, and the mapping to and from the
// typed storage row. It has no knowledge of goroutines or storage backends.
package noderef

import (
	"fmt"
	"time"

	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/timebucket"
)

// MaxPeerLength bounds the length of an external peer address.
const MaxPeerLength = 255

// Key identifies one aggregated edge in one second time bucket.
//
// Exactly one target is populated: an in-process edge carries a non-zero
// TargetApplicationID and an empty TargetPeer, an external edge carries a
// TargetPeer and a zero TargetApplicationID. Key is comparable and used
// directly as a map key.
type Key struct {
	SourceApplicationID int32
	TargetApplicationID int32
	TargetPeer          string
	TimeBucket          int64
}

// ApplicationKey builds the key of an edge to another application.
func ApplicationKey(source, target int32, at time.Time) Key {
	return Key{
		SourceApplicationID: source,
		TargetApplicationID: target,
		TimeBucket:          timebucket.Second(at),
	}
}

// PeerKey builds the key of an edge to an external peer address.
func PeerKey(source int32, peer string, at time.Time) Key {
	return Key{
		SourceApplicationID: source,
		TargetPeer:          peer,
		TimeBucket:          timebucket.Second(at),
	}
}

// IsPeer reports whether the key targets an external peer.
func (k Key) IsPeer() bool {
	return k.TargetPeer != ""
}

// Validate checks the key is well-formed. Keys that fail validation are
// rejected before they reach a shard.
func (k Key) Validate() error {
	if k.SourceApplicationID <= 0 {
		return fmt.Errorf("source application %d: %w", k.SourceApplicationID, errors.ErrInvalidKey)
	}

	switch {
	case k.TargetPeer != "" && k.TargetApplicationID != 0:
		return fmt.Errorf("both target application %d and peer %q set: %w",
			k.TargetApplicationID, k.TargetPeer, errors.ErrInvalidKey)
	case k.TargetPeer == "" && k.TargetApplicationID <= 0:
		return fmt.Errorf("no target application or peer: %w", errors.ErrInvalidKey)
	case len(k.TargetPeer) > MaxPeerLength:
		return fmt.Errorf("peer longer than %d bytes: %w", MaxPeerLength, errors.ErrInvalidKey)
	}

	if !timebucket.Valid(k.TimeBucket) {
		return fmt.Errorf("time bucket %d: %w", k.TimeBucket, errors.ErrInvalidKey)
	}
	return nil
}

// String returns a human readable form of the key, e.g. "3->a5@20170801143005".
func (k Key) String() string {
	if k.IsPeer() {
		return fmt.Sprintf("%d->p%s@%d", k.SourceApplicationID, k.TargetPeer, k.TimeBucket)
	}
	return fmt.Sprintf("%d->a%d@%d", k.SourceApplicationID, k.TargetApplicationID, k.TimeBucket)
}

// Observation is one completed traced call as reported by the key extractor.
type Observation struct {
	Key       Key
	ElapsedMs int64
	IsError   bool
}
