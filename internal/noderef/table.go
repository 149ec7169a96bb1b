package noderef

import (
	"fmt"

	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/row"
)

// Column names of the node reference table.
const (
	Table                     = "node_reference"
	ColumnID                  = "id"
	ColumnSourceApplicationID = "front_application_id"
	ColumnTargetApplicationID = "behind_application_id"
	ColumnTargetPeer          = "behind_peer"
	ColumnS1LTE               = "s1_lte"
	ColumnS3LTE               = "s3_lte"
	ColumnS5LTE               = "s5_lte"
	ColumnS5GT                = "s5_gt"
	ColumnSummary             = "summary"
	ColumnError               = "error"
	ColumnTimeBucket          = "time_bucket"
	ColumnPassID              = "pass_id"
)

var bucketColumns = [NumBuckets]string{ColumnS1LTE, ColumnS3LTE, ColumnS5LTE, ColumnS5GT}

// Schema is the storage schema of the node reference table.
var Schema = row.MustSchema(Table, ColumnID,
	row.Column{Name: ColumnSourceApplicationID, Type: row.TypeInteger},
	row.Column{Name: ColumnTargetApplicationID, Type: row.TypeInteger},
	row.Column{Name: ColumnTargetPeer, Type: row.TypeString},
	row.Column{Name: ColumnS1LTE, Type: row.TypeLong},
	row.Column{Name: ColumnS3LTE, Type: row.TypeLong},
	row.Column{Name: ColumnS5LTE, Type: row.TypeLong},
	row.Column{Name: ColumnS5GT, Type: row.TypeLong},
	row.Column{Name: ColumnSummary, Type: row.TypeLong},
	row.Column{Name: ColumnError, Type: row.TypeLong},
	row.Column{Name: ColumnTimeBucket, Type: row.TypeLong},
	row.Column{Name: ColumnPassID, Type: row.TypeString},
)

// Stored is a node reference as persisted: its key, its running totals and
// the pass that last wrote it.
type Stored struct {
	Key    Key
	Record Record
	PassID string
}

// ID returns the storage identifier of the stored entry.
func (s Stored) ID() string {
	return ID(s.Key)
}

// ToRow converts a stored entry to a storage row.
func ToRow(s Stored) *row.Row {
	r := row.New(Schema, ID(s.Key))

	// Column names and types are fixed by Schema, so the setters cannot fail.
	_ = r.SetInt(ColumnSourceApplicationID, s.Key.SourceApplicationID)
	_ = r.SetInt(ColumnTargetApplicationID, s.Key.TargetApplicationID)
	_ = r.SetString(ColumnTargetPeer, s.Key.TargetPeer)
	for i, col := range bucketColumns {
		_ = r.SetLong(col, s.Record.Buckets[i])
	}
	_ = r.SetLong(ColumnSummary, s.Record.Summary)
	_ = r.SetLong(ColumnError, s.Record.ErrorCount)
	_ = r.SetLong(ColumnTimeBucket, s.Key.TimeBucket)
	_ = r.SetString(ColumnPassID, s.PassID)
	return r
}

// FromRow decodes a storage row. The key is read from the key columns, not
// from the identifier, so callers can detect an identifier that does not
// belong to the key it was looked up for.
func FromRow(r *row.Row) (Stored, error) {
	if r.Schema().Table() != Table {
		return Stored{}, fmt.Errorf("table %s: %w", r.Schema().Table(), errors.ErrSchemaMismatch)
	}

	rd := rowReader{r: r}
	s := Stored{
		Key: Key{
			SourceApplicationID: rd.int(ColumnSourceApplicationID),
			TargetApplicationID: rd.int(ColumnTargetApplicationID),
			TargetPeer:          rd.str(ColumnTargetPeer),
			TimeBucket:          rd.long(ColumnTimeBucket),
		},
		Record: Record{
			Summary:    rd.long(ColumnSummary),
			ErrorCount: rd.long(ColumnError),
		},
		PassID: rd.str(ColumnPassID),
	}
	for i, col := range bucketColumns {
		s.Record.Buckets[i] = rd.long(col)
	}
	if rd.err != nil {
		return Stored{}, fmt.Errorf("row %s: %w", r.ID(), rd.err)
	}

	if err := s.Record.Check(); err != nil {
		return Stored{}, fmt.Errorf("row %s: %w", r.ID(), err)
	}
	return s, nil
}

// CheckOwner verifies that a row fetched under the identifier of want
// actually stores want. A mismatch means two keys share an identifier.
func CheckOwner(want Key, got Stored) error {
	if got.Key != want {
		return errors.NewIDCollision(ID(want), want.String(), got.Key.String())
	}
	return nil
}

// rowReader reads typed columns and keeps the first error.
type rowReader struct {
	r   *row.Row
	err error
}

func (rd *rowReader) int(name string) int32 {
	if rd.err != nil {
		return 0
	}
	v, err := rd.r.Int(name)
	rd.err = err
	return v
}

func (rd *rowReader) long(name string) int64 {
	if rd.err != nil {
		return 0
	}
	v, err := rd.r.Long(name)
	rd.err = err
	return v
}

func (rd *rowReader) str(name string) string {
	if rd.err != nil {
		return ""
	}
	v, err := rd.r.String(name)
	rd.err = err
	return v
}
