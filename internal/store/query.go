package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

// QueryEdges returns persisted rows matching q ordered by time bucket, then id.
func (s *Store) QueryEdges(ctx context.Context, q dao.EdgeQuery) ([]*row.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if q.SourceApplicationID != 0 {
		where = append(where, quote(noderef.ColumnSourceApplicationID)+" = ?")
		args = append(args, q.SourceApplicationID)
	}
	if q.TargetApplicationID != 0 {
		where = append(where, quote(noderef.ColumnTargetApplicationID)+" = ?")
		args = append(args, q.TargetApplicationID)
	}
	if q.TargetPeer != "" {
		where = append(where, quote(noderef.ColumnTargetPeer)+" = ?")
		args = append(args, q.TargetPeer)
	}
	if q.From != 0 {
		where = append(where, quote(noderef.ColumnTimeBucket)+" >= ?")
		args = append(args, q.From)
	}
	if q.To != 0 {
		where = append(where, quote(noderef.ColumnTimeBucket)+" <= ?")
		args = append(args, q.To)
	}

	var b strings.Builder
	b.WriteString(buildSelect(s.schema))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s, %s", quote(noderef.ColumnTimeBucket), quote(s.schema.IDColumn()))
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []*row.Row
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	return out, nil
}

// MaxTimeBucket returns the latest persisted time bucket.
func (s *Store) MaxTimeBucket(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var latest sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", quote(noderef.ColumnTimeBucket), quote(s.schema.Table()))
	if err := s.db.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		return 0, fmt.Errorf("max time bucket: %w", err)
	}
	if !latest.Valid {
		return 0, fmt.Errorf("max time bucket: %w", errors.ErrNotFound)
	}
	return latest.Int64, nil
}
