// Package query answers read questions about persisted node references.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/timebucket"
)

// LastTime returns the last second bucket considered fully synchronized:
// the latest persisted bucket minus the configured lag. With nothing
// persisted yet it returns the bucket of now.
func LastTime(ctx context.Context, q dao.Querier, now time.Time) (time.Time, error) {
	latest, err := q.MaxTimeBucket(ctx)
	if errors.IsNotFound(err) {
		return now.In(timebucket.Location()).Truncate(time.Second), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("max time bucket: %w", err)
	}

	shifted, err := timebucket.ShiftSeconds(latest, -config.DefaultLastTimeLagSec)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored bucket %d: %w", latest, errors.ErrCorrupt)
	}
	return timebucket.ToTime(shifted)
}

// Edges returns the decoded node references matching eq.
func Edges(ctx context.Context, q dao.Querier, eq dao.EdgeQuery) ([]noderef.Stored, error) {
	rows, err := q.QueryEdges(ctx, eq)
	if err != nil {
		return nil, err
	}
	out := make([]noderef.Stored, 0, len(rows))
	for _, r := range rows {
		s, err := noderef.FromRow(r)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.ID(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Total sums the records of refs.
func Total(refs []noderef.Stored) noderef.Record {
	var out noderef.Record
	for _, s := range refs {
		out.Combine(s.Record)
	}
	return out
}
