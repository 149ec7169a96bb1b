// Package row provides a schema-declared tuple used to move a record between
// aggregation code and a storage backend without coupling either to the
// other's representation.
//
// Rows exist only at the serialization boundary. Aggregation code works with
// statically typed records and converts them to rows right before a DAO call.
package row

import (
	"fmt"

	"github.com/xtxerr/noderef/internal/errors"
)

// =============================================================================
// Column Types
// =============================================================================

// Type is the storage type of a column.
type Type int

const (
	TypeString Type = iota
	TypeInteger
	TypeLong
)

// String returns the string representation of the type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeLong:
		return "long"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// zero returns the zero value stored for a fresh column of this type.
func (t Type) zero() any {
	switch t {
	case TypeInteger:
		return int32(0)
	case TypeLong:
		return int64(0)
	default:
		return ""
	}
}

// =============================================================================
// Schema
// =============================================================================

// Column declares one named, typed field.
type Column struct {
	Name string
	Type Type
}

// Schema declares the table a row belongs to, its identifier column, and its
// ordered value columns. A Schema is immutable after NewSchema.
type Schema struct {
	table    string
	idColumn string
	columns  []Column
	index    map[string]int
}

// NewSchema creates a schema. Column names must be unique and must not
// repeat the identifier column.
func NewSchema(table, idColumn string, columns ...Column) (*Schema, error) {
	verrs := errors.NewValidationErrors()
	if table == "" {
		verrs.AddMissing("table")
	}
	if idColumn == "" {
		verrs.AddMissing("id column")
	}

	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if c.Name == "" {
			verrs.AddMissing(fmt.Sprintf("column %d name", i))
			continue
		}
		if c.Name == idColumn {
			verrs.AddField(c.Name, "duplicates the id column")
			continue
		}
		if _, dup := index[c.Name]; dup {
			verrs.AddField(c.Name, "duplicate column")
			continue
		}
		index[c.Name] = i
	}
	if err := verrs.Err(); err != nil {
		return nil, err
	}

	cols := make([]Column, len(columns))
	copy(cols, columns)

	return &Schema{
		table:    table,
		idColumn: idColumn,
		columns:  cols,
		index:    index,
	}, nil
}

// MustSchema is like NewSchema but panics on error.
// Intended for package-level table declarations.
func MustSchema(table, idColumn string, columns ...Column) *Schema {
	s, err := NewSchema(table, idColumn, columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Table returns the table name.
func (s *Schema) Table() string {
	return s.table
}

// IDColumn returns the identifier column name.
func (s *Schema) IDColumn() string {
	return s.idColumn
}

// Columns returns a copy of the value columns in declaration order.
func (s *Schema) Columns() []Column {
	cols := make([]Column, len(s.columns))
	copy(cols, s.columns)
	return cols
}

// ColumnNames returns the value column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the position and declaration of a column.
func (s *Schema) Lookup(name string) (int, Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return 0, Column{}, false
	}
	return i, s.columns[i], true
}

// Len returns the number of value columns.
func (s *Schema) Len() int {
	return len(s.columns)
}

// =============================================================================
// Row
// =============================================================================

// Row is one record of a schema: an identifier plus one value per column.
// Values are held as string, int32 or int64 according to the column type.
//
// Row is not safe for concurrent mutation.
type Row struct {
	schema *Schema
	id     string
	values []any
}

// New creates a row with every column set to its zero value.
func New(schema *Schema, id string) *Row {
	values := make([]any, len(schema.columns))
	for i, c := range schema.columns {
		values[i] = c.Type.zero()
	}
	return &Row{schema: schema, id: id, values: values}
}

// Schema returns the row's schema.
func (r *Row) Schema() *Schema {
	return r.schema
}

// ID returns the row identifier.
func (r *Row) ID() string {
	return r.id
}

// Values returns the column values in declaration order.
// The returned slice is a copy.
func (r *Row) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// Value returns the raw value of a column.
func (r *Row) Value(name string) (any, error) {
	i, _, ok := r.schema.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", r.schema.table, name, errors.ErrColumnNotFound)
	}
	return r.values[i], nil
}

// Set stores v in the named column after checking its Go type matches the
// column type. Plain int values are accepted for integer and long columns.
func (r *Row) Set(name string, v any) error {
	i, col, ok := r.schema.Lookup(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", r.schema.table, name, errors.ErrColumnNotFound)
	}

	converted, err := coerce(col, v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", r.schema.table, name, err)
	}
	r.values[i] = converted
	return nil
}

// SetString sets a string column.
func (r *Row) SetString(name, v string) error {
	return r.Set(name, v)
}

// SetInt sets an integer column.
func (r *Row) SetInt(name string, v int32) error {
	return r.Set(name, v)
}

// SetLong sets a long column.
func (r *Row) SetLong(name string, v int64) error {
	return r.Set(name, v)
}

// String returns a string column.
func (r *Row) String(name string) (string, error) {
	v, err := r.typed(name, TypeString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Int returns an integer column.
func (r *Row) Int(name string) (int32, error) {
	v, err := r.typed(name, TypeInteger)
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}

// Long returns a long column.
func (r *Row) Long(name string) (int64, error) {
	v, err := r.typed(name, TypeLong)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *Row) typed(name string, want Type) (any, error) {
	i, col, ok := r.schema.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", r.schema.table, name, errors.ErrColumnNotFound)
	}
	if col.Type != want {
		return nil, fmt.Errorf("%s.%s is %s, not %s: %w", r.schema.table, name, col.Type, want, errors.ErrTypeMismatch)
	}
	return r.values[i], nil
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	return &Row{schema: r.schema, id: r.id, values: r.Values()}
}

// coerce converts v to the Go type backing col, accepting the integer
// widths database drivers commonly return.
func coerce(col Column, v any) (any, error) {
	switch col.Type {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case nil:
			return "", nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int32:
			return x, nil
		case int:
			return int32(x), nil
		case int64:
			return int32(x), nil
		case int16:
			return int32(x), nil
		case int8:
			return int32(x), nil
		case nil:
			return int32(0), nil
		}
	case TypeLong:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case nil:
			return int64(0), nil
		}
	}
	return nil, fmt.Errorf("cannot store %T in %s column: %w", v, col.Type, errors.ErrTypeMismatch)
}
