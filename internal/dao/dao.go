// Package dao defines the storage contract every node reference backend
// implements.
//
// A backend stores one row per identifier. Identifiers are derived from the
// aggregation key by noderef.ID, so Get is a pure function of the key and
// relational and document backends agree on them.
package dao

import (
	"context"

	"github.com/xtxerr/noderef/internal/row"
)

// Operation is a prepared backend-specific write. It is opaque to callers
// and only valid for the DAO that prepared it.
type Operation interface {
	// ID returns the row identifier the operation writes.
	ID() string
}

// DAO is the reconciliation contract used by the synchronizer.
type DAO interface {
	// Get returns the row stored under id, or an error satisfying
	// errors.IsNotFound when there is none.
	Get(ctx context.Context, id string) (*row.Row, error)

	// PrepareBatchInsert builds an insert carrying every field of r and its id.
	PrepareBatchInsert(r *row.Row) (Operation, error)

	// PrepareBatchUpdate builds an update keyed by r's id carrying its values.
	PrepareBatchUpdate(r *row.Row) (Operation, error)

	// ExecuteBatch applies ops atomically: either all are applied or none.
	ExecuteBatch(ctx context.Context, ops []Operation) error
}

// EdgeQuery selects persisted rows.
//
// A zero TargetApplicationID and empty TargetPeer match any target.
// From and To are inclusive second buckets; zero leaves the side open.
type EdgeQuery struct {
	SourceApplicationID int32
	TargetApplicationID int32
	TargetPeer          string
	From                int64
	To                  int64
	Limit               int
}

// Querier provides read access to persisted rows.
type Querier interface {
	// QueryEdges returns matching rows ordered by time bucket, then id.
	QueryEdges(ctx context.Context, q EdgeQuery) ([]*row.Row, error)

	// MaxTimeBucket returns the latest persisted time bucket, or
	// errors.ErrNotFound if storage is empty.
	MaxTimeBucket(ctx context.Context) (int64, error)
}

// Store is a backend offering both reconciliation and query access.
type Store interface {
	DAO
	Querier

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
