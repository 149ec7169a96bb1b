// Package timebucket encodes wall-clock time as fixed-width integer buckets.
//
// A second bucket is the decimal number yyyyMMddHHmmss, e.g. 20170801143005.
// The same encoding is used by ingestion, aggregation keys and storage
// identifiers, so every caller must go through this package.
package timebucket

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/noderef/internal/errors"
)

// Granularity identifies a bucket width.
type Granularity int

const (
	GranularitySecond Granularity = iota
	GranularityMinute
	GranularityHour
	GranularityDay
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case GranularitySecond:
		return "second"
	case GranularityMinute:
		return "minute"
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	default:
		return "unknown"
	}
}

// divisor strips the finer fields from a second bucket.
func (g Granularity) divisor() int64 {
	switch g {
	case GranularityMinute:
		return 100
	case GranularityHour:
		return 100_00
	case GranularityDay:
		return 100_00_00
	default:
		return 1
	}
}

var location atomic.Pointer[time.Location]

func init() {
	location.Store(time.UTC)
}

// SetLocation changes the zone buckets are computed in.
// Call it once at startup, before any bucket is produced.
func SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	location.Store(loc)
}

// Location returns the zone buckets are computed in.
func Location() *time.Location {
	return location.Load()
}

// Second returns the second bucket for t.
func Second(t time.Time) int64 {
	t = t.In(Location())
	return int64(t.Year())*1_00_00_00_00_00 +
		int64(t.Month())*1_00_00_00_00 +
		int64(t.Day())*1_00_00_00 +
		int64(t.Hour())*1_00_00 +
		int64(t.Minute())*1_00 +
		int64(t.Second())
}

// SecondMillis returns the second bucket for a Unix millisecond timestamp.
func SecondMillis(ms int64) int64 {
	return Second(time.UnixMilli(ms))
}

// Minute returns the yyyyMMddHHmm bucket for t.
func Minute(t time.Time) int64 {
	return Second(t) / GranularityMinute.divisor()
}

// Hour returns the yyyyMMddHH bucket for t.
func Hour(t time.Time) int64 {
	return Second(t) / GranularityHour.divisor()
}

// Day returns the yyyyMMdd bucket for t.
func Day(t time.Time) int64 {
	return Second(t) / GranularityDay.divisor()
}

// Coarsen converts a second bucket to a coarser granularity.
func Coarsen(second int64, g Granularity) int64 {
	return second / g.divisor()
}

// ToTime decodes a second bucket back into a time in the bucket location.
func ToTime(bucket int64) (time.Time, error) {
	if bucket < 1000_01_01_00_00_00 || bucket > 9999_12_31_23_59_59 {
		return time.Time{}, fmt.Errorf("%d: %w", bucket, errors.ErrInvalidBucket)
	}

	sec := int(bucket % 100)
	minute := int(bucket / 1_00 % 100)
	hour := int(bucket / 1_00_00 % 100)
	day := int(bucket / 1_00_00_00 % 100)
	month := int(bucket / 1_00_00_00_00 % 100)
	year := int(bucket / 1_00_00_00_00_00)

	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, Location())

	// time.Date normalizes overflow (e.g. month 13); reject anything that did.
	if Second(t) != bucket {
		return time.Time{}, fmt.Errorf("%d: %w", bucket, errors.ErrInvalidBucket)
	}
	return t, nil
}

// Valid reports whether bucket is a well-formed second bucket.
func Valid(bucket int64) bool {
	_, err := ToTime(bucket)
	return err == nil
}

// ShiftSeconds adds n seconds to a second bucket.
func ShiftSeconds(bucket int64, n int) (int64, error) {
	t, err := ToTime(bucket)
	if err != nil {
		return 0, err
	}
	return Second(t.Add(time.Duration(n) * time.Second)), nil
}

// Range returns the second buckets bounding [from, to].
func Range(from, to time.Time) (int64, int64) {
	return Second(from), Second(to)
}
