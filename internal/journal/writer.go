// Package journal persists pending reconciliation deltas across restarts.
//
// Deltas that could not be written to storage are spilled to segment files
// when the collector stops or the pending set grows too large, and replayed
// into the synchronizer on the next start.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/persistence"
)

var log = logging.Component("journal")

// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
const (
	journalMagic     = 0x4E524A524E4C0001 // "NRJRNL" + version 1
	journalVersion   = 1
	headerSize       = 12
	recordHeaderSize = 8

	segmentSuffix    = ".jnl"
	entriesPerRecord = 1024
	maxRecordSize    = 64 * 1024 * 1024
)

// Options configures the journal.
type Options struct {
	// MaxSegmentSize rotates to a new segment file during one spill.
	MaxSegmentSize int64

	// SyncMode is "sync" to fsync every spilled segment, or "none".
	SyncMode string

	// BufferSize is the size of the write buffer.
	BufferSize int
}

// DefaultOptions returns default journal options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: config.DefaultJournalMaxSegmentBytes,
		SyncMode:       config.DefaultJournalSyncMode,
		BufferSize:     64 * 1024,
	}
}

// Stats holds journal statistics.
type Stats struct {
	Spills          int64
	SegmentsCreated int64
	EntriesWritten  int64
	BytesWritten    int64
	EntriesReplayed int64
	CorruptRecords  int64
}

// Journal is a directory of segment files.
type Journal struct {
	mu sync.Mutex

	dir     string
	opts    Options
	nextSeq int64

	stats Stats
}

// Open opens or creates the journal directory.
func Open(dir string, opts Options) (*Journal, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	switch opts.SyncMode {
	case "":
		opts.SyncMode = def.SyncMode
	case "sync", "none":
	default:
		return nil, errors.NewInvalidValue("journal.sync_mode", opts.SyncMode, "must be sync or none")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{dir: dir, opts: opts}
	segments, err := j.listSegments()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		j.nextSeq = segments[len(segments)-1].seq + 1
	}
	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Spill writes entries to new segment files and returns their paths.
// On error no segment of the spill is left behind.
func (j *Journal) Spill(entries []persistence.Entry) (paths []string, err error) {
	if len(entries) == 0 {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var w *segmentWriter
	defer func() {
		if err == nil {
			return
		}
		if w != nil {
			w.file.Close()
		}
		for _, p := range paths {
			os.Remove(p)
		}
		paths = nil
	}()

	if w, err = j.newSegmentWriter(); err != nil {
		return nil, err
	}
	paths = append(paths, w.path)

	var written int64
	for start := 0; start < len(entries); start += entriesPerRecord {
		batch := entries[start:min(start+entriesPerRecord, len(entries))]
		payload := encodeEntries(batch)

		if w.size+int64(recordHeaderSize+len(payload)) > j.opts.MaxSegmentSize && w.records > 0 {
			if err = w.close(j.opts.SyncMode == "sync"); err != nil {
				return paths, err
			}
			if w, err = j.newSegmentWriter(); err != nil {
				return paths, err
			}
			paths = append(paths, w.path)
		}

		if err = w.writeRecord(payload); err != nil {
			return paths, fmt.Errorf("write record: %w", err)
		}
		written += int64(recordHeaderSize + len(payload))
	}

	if err = w.close(j.opts.SyncMode == "sync"); err != nil {
		return paths, err
	}
	w = nil

	j.stats.Spills++
	j.stats.EntriesWritten += int64(len(entries))
	j.stats.BytesWritten += written

	log.Info("pending deltas spilled", "entries", len(entries), "segments", len(paths))
	return paths, nil
}

// Segments returns all segment paths in write order.
func (j *Journal) Segments() ([]string, error) {
	segments, err := j.listSegments()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}

// Remove deletes the given segment files. Missing files are ignored.
func (j *Journal) Remove(paths []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var result *multierror.Error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Stats returns journal statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// segmentWriter writes one segment file.
type segmentWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	size    int64
	records int
}

func (j *Journal) newSegmentWriter() (*segmentWriter, error) {
	path := filepath.Join(j.dir, fmt.Sprintf("%016d%s", j.nextSeq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	j.nextSeq++

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], journalMagic)
	binary.LittleEndian.PutUint32(header[8:12], journalVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write header: %w", err)
	}

	j.stats.SegmentsCreated++
	return &segmentWriter{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, j.opts.BufferSize),
		size:   headerSize,
	}, nil
}

func (w *segmentWriter) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	w.size += int64(recordHeaderSize + len(payload))
	w.records++
	return nil
}

func (w *segmentWriter) close(fsync bool) error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush segment %s: %w", w.path, err)
	}
	if fsync {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			return fmt.Errorf("sync segment %s: %w", w.path, err)
		}
	}
	return w.file.Close()
}

type segmentInfo struct {
	path string
	seq  int64
}

// listSegments returns all segment files in order.
func (j *Journal) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 16+len(segmentSuffix) || filepath.Ext(name) != segmentSuffix {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d"+segmentSuffix, &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{
			path: filepath.Join(j.dir, name),
			seq:  seq,
		})
	}

	sort.Slice(segments, func(a, b int) bool {
		return segments[a].seq < segments[b].seq
	})
	return segments, nil
}
