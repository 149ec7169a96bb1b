package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/row"
)

// initSchema creates the table and its indexes if they do not exist.
func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{buildCreateTable(s.schema)}

	// DuckDB rewrites indexed rows on UPDATE and prunes scans with zone maps
	// anyway, so the secondary indexes are SQLite only.
	if s.config.Driver == DriverSQLite {
		table := s.schema.Table()
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
				quote("idx_"+table+"_source_bucket"), quote(table),
				quote(noderef.ColumnSourceApplicationID), quote(noderef.ColumnTimeBucket)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote("idx_"+table+"_bucket"), quote(table), quote(noderef.ColumnTimeBucket)),
		)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// sqlType maps a column type to a type name both drivers accept.
func sqlType(t row.Type) string {
	switch t {
	case row.TypeInteger:
		return "INTEGER"
	case row.TypeLong:
		return "BIGINT"
	default:
		return "VARCHAR"
	}
}

// quote returns name as a quoted SQL identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func buildCreateTable(schema *row.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s VARCHAR PRIMARY KEY",
		quote(schema.Table()), quote(schema.IDColumn()))
	for _, c := range schema.Columns() {
		fmt.Fprintf(&b, ",\n\t%s %s NOT NULL", quote(c.Name), sqlType(c.Type))
	}
	b.WriteString("\n)")
	return b.String()
}

// buildSelect returns "SELECT id, c1, ... FROM table" without a WHERE clause.
func buildSelect(schema *row.Schema) string {
	cols := make([]string, 0, schema.Len()+1)
	cols = append(cols, quote(schema.IDColumn()))
	for _, name := range schema.ColumnNames() {
		cols = append(cols, quote(name))
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + quote(schema.Table())
}

// buildInsert returns an insert with the id first, then every column.
func buildInsert(schema *row.Schema) string {
	cols := make([]string, 0, schema.Len()+1)
	cols = append(cols, quote(schema.IDColumn()))
	for _, name := range schema.ColumnNames() {
		cols = append(cols, quote(name))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(schema.Table()), strings.Join(cols, ", "), placeholders)
}

// buildUpdate returns an update of every column, keyed by id as the last
// parameter.
func buildUpdate(schema *row.Schema) string {
	sets := make([]string, 0, schema.Len())
	for _, name := range schema.ColumnNames() {
		sets = append(sets, quote(name)+" = ?")
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quote(schema.Table()), strings.Join(sets, ", "), quote(schema.IDColumn()))
}
