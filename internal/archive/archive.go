// Package archive exports persisted node references to Parquet files and
// reads them back.
//
// An archive holds one Parquet row per stored node reference, with the same
// column names as the node reference table.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
)

var log = logging.Component("archive")

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.Wrap(errors.ErrClosed, "archive writer")

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// String returns the configuration name of the algorithm.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// ParseCompression parses a compression name. The empty string selects zstd.
func ParseCompression(s string) (CompressionType, error) {
	switch s {
	case "zstd", "":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, errors.NewInvalidValue("archive.compression", s, "must be zstd, snappy, lz4, gzip or none")
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Options configures the archive writer.
type Options struct {
	Compression CompressionType
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// EdgeRow is a node reference in Parquet format.
type EdgeRow struct {
	ID                  string `parquet:"id,zstd"`
	SourceApplicationID int32  `parquet:"front_application_id"`
	TargetApplicationID int32  `parquet:"behind_application_id"`
	TargetPeer          string `parquet:"behind_peer,optional,zstd"`
	S1LTE               int64  `parquet:"s1_lte"`
	S3LTE               int64  `parquet:"s3_lte"`
	S5LTE               int64  `parquet:"s5_lte"`
	S5GT                int64  `parquet:"s5_gt"`
	Summary             int64  `parquet:"summary"`
	Error               int64  `parquet:"error"`
	TimeBucket          int64  `parquet:"time_bucket"`
	PassID              string `parquet:"pass_id,zstd"`
}

// ToEdgeRow converts a stored node reference to its Parquet row.
func ToEdgeRow(s noderef.Stored) EdgeRow {
	return EdgeRow{
		ID:                  s.ID(),
		SourceApplicationID: s.Key.SourceApplicationID,
		TargetApplicationID: s.Key.TargetApplicationID,
		TargetPeer:          s.Key.TargetPeer,
		S1LTE:               s.Record.Buckets[0],
		S3LTE:               s.Record.Buckets[1],
		S5LTE:               s.Record.Buckets[2],
		S5GT:                s.Record.Buckets[3],
		Summary:             s.Record.Summary,
		Error:               s.Record.ErrorCount,
		TimeBucket:          s.Key.TimeBucket,
		PassID:              s.PassID,
	}
}

// Stored converts the row back and checks it is consistent.
func (r EdgeRow) Stored() (noderef.Stored, error) {
	s := noderef.Stored{
		Key: noderef.Key{
			SourceApplicationID: r.SourceApplicationID,
			TargetApplicationID: r.TargetApplicationID,
			TargetPeer:          r.TargetPeer,
			TimeBucket:          r.TimeBucket,
		},
		Record: noderef.Record{
			Summary:    r.Summary,
			ErrorCount: r.Error,
			Buckets:    [noderef.NumBuckets]int64{r.S1LTE, r.S3LTE, r.S5LTE, r.S5GT},
		},
		PassID: r.PassID,
	}
	if err := s.Key.Validate(); err != nil {
		return noderef.Stored{}, fmt.Errorf("row %s: %w: %w", r.ID, errors.ErrCorrupt, err)
	}
	if err := s.Record.Check(); err != nil {
		return noderef.Stored{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	if id := s.ID(); id != r.ID {
		return noderef.Stored{}, fmt.Errorf("row %s encodes as %s: %w", r.ID, id, errors.ErrCorrupt)
	}
	return s, nil
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes node references to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[EdgeRow]
	rowCount int64
	closed   bool
}

// NewWriter creates the file at path, and its directory if needed.
func NewWriter(path string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[EdgeRow](f, parquet.Compression(codec(opts.Compression)))
	return &Writer{
		path:   path,
		file:   f,
		writer: w,
	}, nil
}

// Write appends node references to the file.
func (w *Writer) Write(refs []noderef.Stored) error {
	if len(refs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]EdgeRow, len(refs))
	for i, s := range refs {
		rows[i] = ToEdgeRow(s)
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// =============================================================================
// Reader
// =============================================================================

// Reader reads node references from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[EdgeRow]
	path   string
}

// NewReader opens the archive at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &Reader{
		file:   f,
		reader: parquet.NewGenericReader[EdgeRow](f, parquet.ReadBufferSize(1024*1024)),
		path:   path,
	}, nil
}

// ReadAll reads every node reference in the file.
func (r *Reader) ReadAll() ([]noderef.Stored, error) {
	rows := make([]EdgeRow, r.reader.NumRows())

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]noderef.Stored, 0, n)
	for _, row := range rows[:n] {
		s, err := row.Stored()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// =============================================================================
// Export
// =============================================================================

// Export writes every row matching query to a new archive at path and
// returns the number of rows written. A failed export removes the file.
func Export(ctx context.Context, q dao.Querier, query dao.EdgeQuery, path string, opts Options) (n int64, err error) {
	rows, err := q.QueryEdges(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query edges: %w", err)
	}

	refs := make([]noderef.Stored, 0, len(rows))
	for _, r := range rows {
		s, err := noderef.FromRow(r)
		if err != nil {
			return 0, fmt.Errorf("decode %s: %w", r.ID(), err)
		}
		refs = append(refs, s)
	}

	w, err := NewWriter(path, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			w.Close()
			os.Remove(path)
		}
	}()

	if err := w.Write(refs); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	log.Info("archive exported", "path", path, "rows", w.RowCount(),
		"from", query.From, "to", query.To, "compression", opts.Compression.String())
	return w.RowCount(), nil
}
