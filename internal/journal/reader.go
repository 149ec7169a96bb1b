package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/persistence"
)

// Reader reads entries from one segment file.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	EntriesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errors.ErrSegmentMissing)
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header of %s: %w: %v", path, errors.ErrCorrupt, err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != journalMagic {
		f.Close()
		return nil, fmt.Errorf("segment %s: invalid magic %x: %w", path, magic, errors.ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		f.Close()
		return nil, fmt.Errorf("segment %s: unsupported version %d: %w", path, version, errors.ErrCorrupt)
	}

	return &Reader{path: path, file: f}, nil
}

// ReadRecord reads the next record. It returns io.EOF when there are no
// more records.
func (r *Reader) ReadRecord() ([]persistence.Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("crc mismatch: expected %x, got %x: %w", expectedCRC, actual, errors.ErrCorrupt)
	}

	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w: %w", errors.ErrCorrupt, err)
	}

	r.stats.RecordsRead++
	r.stats.EntriesRead += int64(len(entries))
	return entries, nil
}

// ReadAll reads every intact record. A record with a bad checksum or
// payload is skipped; a truncated record ends the segment.
func (r *Reader) ReadAll() ([]persistence.Entry, error) {
	var all []persistence.Entry
	for {
		entries, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			r.stats.CorruptRecords++
			if errors.Is(err, errors.ErrCorrupt) {
				log.Warn("skipping corrupt record", "segment", r.path, "error", err)
				continue
			}
			log.Warn("segment truncated", "segment", r.path, "error", err)
			return all, nil
		}
		all = append(all, entries...)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Replayed is the content of the journal at replay time.
type Replayed struct {
	Entries  []persistence.Entry
	Segments []string
}

// Replay reads every segment without removing it.
//
// Segments with an unreadable header are reported in Segments but
// contribute no entries.
func (j *Journal) Replay() (Replayed, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.listSegments()
	if err != nil {
		return Replayed{}, fmt.Errorf("list segments: %w", err)
	}

	var out Replayed
	for _, s := range segments {
		entries, err := j.readSegment(s.path)
		if err != nil {
			return Replayed{}, err
		}
		out.Segments = append(out.Segments, s.path)
		out.Entries = append(out.Entries, entries...)
	}
	return out, nil
}

// Drain reads and removes every segment, oldest first.
//
// A segment's entries are returned only once its file is gone, so a drained
// entry is never replayed again. If a file cannot be removed Drain stops and
// returns the entries drained so far with the error; the remaining segments
// stay for a later call.
func (j *Journal) Drain() ([]persistence.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.listSegments()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var out []persistence.Entry
	for _, s := range segments {
		entries, err := j.readSegment(s.path)
		if err != nil {
			return out, err
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return out, fmt.Errorf("remove segment: %w", err)
		}
		out = append(out, entries...)
	}

	j.stats.EntriesReplayed += int64(len(out))
	if len(segments) > 0 {
		log.Info("journal drained", "segments", len(segments), "entries", len(out))
	}
	return out, nil
}

// readSegment reads one segment. An unreadable header yields no entries.
func (j *Journal) readSegment(path string) ([]persistence.Entry, error) {
	r, err := NewReader(path)
	if err != nil {
		if errors.Is(err, errors.ErrCorrupt) {
			j.stats.CorruptRecords++
			log.Error("unreadable segment", "segment", path, "error", err)
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	entries, err := r.ReadAll()
	j.stats.CorruptRecords += r.Stats().CorruptRecords
	return entries, err
}
