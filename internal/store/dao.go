package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/row"
)

var (
	_ dao.DAO     = (*Store)(nil)
	_ dao.Querier = (*Store)(nil)
	_ dao.Store   = (*Store)(nil)
)

// ctxCheckInterval: the context is checked every N statements of a batch.
const ctxCheckInterval = 50

// sqlOp is a prepared statement invocation.
type sqlOp struct {
	id     string
	query  string
	args   []any
	update bool
}

func (o *sqlOp) ID() string { return o.id }

// Get returns the row stored under id.
func (s *Store) Get(ctx context.Context, id string) (*row.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.getSQL, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get %s: %w", id, err)
		}
		return nil, fmt.Errorf("%s: %w", id, errors.ErrRowNotFound)
	}

	r, err := s.scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return r, rows.Err()
}

// scanRow reads the id and every schema column from the current result row.
func (s *Store) scanRow(rows *sql.Rows) (*row.Row, error) {
	var id string
	values := make([]any, s.schema.Len())
	dest := make([]any, 0, len(values)+1)
	dest = append(dest, &id)
	for i := range values {
		dest = append(dest, &values[i])
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	r := row.New(s.schema, id)
	for i, name := range s.schema.ColumnNames() {
		if err := r.Set(name, values[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrSchemaMismatch, err)
		}
	}
	return r, nil
}

// PrepareBatchInsert builds an insert of every column of r.
func (s *Store) PrepareBatchInsert(r *row.Row) (dao.Operation, error) {
	if r.Schema() != s.schema {
		return nil, fmt.Errorf("insert %s into %s: %w", r.Schema().Table(), s.schema.Table(), errors.ErrSchemaMismatch)
	}
	args := make([]any, 0, s.schema.Len()+1)
	args = append(args, r.ID())
	args = append(args, r.Values()...)
	return &sqlOp{id: r.ID(), query: s.insertSQL, args: args}, nil
}

// PrepareBatchUpdate builds an update of every column of r keyed by its id.
func (s *Store) PrepareBatchUpdate(r *row.Row) (dao.Operation, error) {
	if r.Schema() != s.schema {
		return nil, fmt.Errorf("update %s in %s: %w", r.Schema().Table(), s.schema.Table(), errors.ErrSchemaMismatch)
	}
	args := append(r.Values(), r.ID())
	return &sqlOp{id: r.ID(), query: s.updateSQL, args: args, update: true}, nil
}

// ExecuteBatch runs ops in one transaction. An update that matches no row
// fails the whole batch.
func (s *Store) ExecuteBatch(ctx context.Context, ops []dao.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		stmts := make(map[string]*sql.Stmt, 2)
		defer func() {
			for _, stmt := range stmts {
				stmt.Close()
			}
		}()

		for i, o := range ops {
			if i > 0 && i%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			op, ok := o.(*sqlOp)
			if !ok {
				return fmt.Errorf("operation %T: %w", o, errors.ErrSchemaMismatch)
			}

			stmt, ok := stmts[op.query]
			if !ok {
				var err error
				stmt, err = tx.PrepareContext(ctx, op.query)
				if err != nil {
					return fmt.Errorf("prepare: %w", err)
				}
				stmts[op.query] = stmt
			}

			res, err := stmt.ExecContext(ctx, op.args...)
			if err != nil {
				return fmt.Errorf("row %s: %w", op.id, err)
			}
			if op.update {
				n, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("row %s: %w", op.id, err)
				}
				if n != 1 {
					return fmt.Errorf("update %s matched %d rows: %w", op.id, n, errors.ErrRowNotFound)
				}
			}
		}
		return nil
	})
}
