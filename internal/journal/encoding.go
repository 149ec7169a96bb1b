package journal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/persistence"
)

// Record payloads use the protobuf wire format so older readers skip fields
// they do not know:
//
//	message Batch   { repeated Entry entries = 1; }
//	message Entry   { int32 source = 1; int32 target_app = 2; string target_peer = 3;
//	                  int64 time_bucket = 4; repeated Segment segments = 5; }
//	message Segment { int64 summary = 1; int64 error = 2; repeated int64 buckets = 3;
//	                  repeated string attempts = 4; }
const (
	fieldBatchEntry = 1

	fieldEntrySource    = 1
	fieldEntryTargetApp = 2
	fieldEntryPeer      = 3
	fieldEntryBucket    = 4
	fieldEntrySegment   = 5

	fieldSegmentSummary = 1
	fieldSegmentError   = 2
	fieldSegmentBuckets = 3
	fieldSegmentAttempt = 4
)

// encodeEntries encodes entries as one Batch message.
func encodeEntries(entries []persistence.Entry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = protowire.AppendTag(buf, fieldBatchEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeEntry(e))
	}
	return buf
}

func encodeEntry(e persistence.Entry) []byte {
	var buf []byte
	buf = appendVarint(buf, fieldEntrySource, uint64(e.Key.SourceApplicationID))
	buf = appendVarint(buf, fieldEntryTargetApp, uint64(e.Key.TargetApplicationID))
	if e.Key.TargetPeer != "" {
		buf = protowire.AppendTag(buf, fieldEntryPeer, protowire.BytesType)
		buf = protowire.AppendString(buf, e.Key.TargetPeer)
	}
	buf = appendVarint(buf, fieldEntryBucket, uint64(e.Key.TimeBucket))
	for _, seg := range e.Segments {
		buf = protowire.AppendTag(buf, fieldEntrySegment, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeSegment(seg))
	}
	return buf
}

func encodeSegment(seg persistence.Segment) []byte {
	var buf []byte
	buf = appendVarint(buf, fieldSegmentSummary, uint64(seg.Delta.Summary))
	buf = appendVarint(buf, fieldSegmentError, uint64(seg.Delta.ErrorCount))
	for _, b := range seg.Delta.Buckets {
		// Always written so positions are preserved.
		buf = protowire.AppendTag(buf, fieldSegmentBuckets, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(b))
	}
	for _, a := range seg.Attempts {
		buf = protowire.AppendTag(buf, fieldSegmentAttempt, protowire.BytesType)
		buf = protowire.AppendString(buf, a)
	}
	return buf
}

func appendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// decodeEntries decodes a Batch message.
func decodeEntries(data []byte) ([]persistence.Entry, error) {
	var entries []persistence.Entry
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		if num != fieldBatchEntry || typ != protowire.BytesType {
			return nil
		}
		e, err := decodeEntry(b)
		if err != nil {
			return fmt.Errorf("entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func decodeEntry(data []byte) (persistence.Entry, error) {
	var e persistence.Entry
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch {
		case num == fieldEntrySource && typ == protowire.VarintType:
			e.Key.SourceApplicationID = int32(v)
		case num == fieldEntryTargetApp && typ == protowire.VarintType:
			e.Key.TargetApplicationID = int32(v)
		case num == fieldEntryPeer && typ == protowire.BytesType:
			e.Key.TargetPeer = string(b)
		case num == fieldEntryBucket && typ == protowire.VarintType:
			e.Key.TimeBucket = int64(v)
		case num == fieldEntrySegment && typ == protowire.BytesType:
			seg, err := decodeSegment(b)
			if err != nil {
				return fmt.Errorf("segment %d: %w", len(e.Segments), err)
			}
			e.Segments = append(e.Segments, seg)
		}
		return nil
	})
	if err != nil {
		return persistence.Entry{}, err
	}
	if err := e.Key.Validate(); err != nil {
		return persistence.Entry{}, err
	}
	return e, nil
}

func decodeSegment(data []byte) (persistence.Segment, error) {
	var (
		seg     persistence.Segment
		buckets int
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch {
		case num == fieldSegmentSummary && typ == protowire.VarintType:
			seg.Delta.Summary = int64(v)
		case num == fieldSegmentError && typ == protowire.VarintType:
			seg.Delta.ErrorCount = int64(v)
		case num == fieldSegmentBuckets && typ == protowire.VarintType:
			if buckets >= noderef.NumBuckets {
				return fmt.Errorf("more than %d buckets", noderef.NumBuckets)
			}
			seg.Delta.Buckets[buckets] = int64(v)
			buckets++
		case num == fieldSegmentAttempt && typ == protowire.BytesType:
			seg.Attempts = append(seg.Attempts, string(b))
		}
		return nil
	})
	if err != nil {
		return persistence.Segment{}, err
	}
	if err := seg.Delta.Check(); err != nil {
		return persistence.Segment{}, err
	}
	return seg, nil
}

// walkFields calls fn for every field of a message. Varint fields pass
// their value in v, length-delimited fields their content in b. Other wire
// types are skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ == protowire.VarintType || typ == protowire.BytesType {
			if err := fn(num, typ, v, b); err != nil {
				return err
			}
		}
	}
	return nil
}
