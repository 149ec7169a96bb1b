package noderef

import (
	"fmt"

	"github.com/xtxerr/noderef/internal/errors"
)

// Latency bucket upper bounds in milliseconds, inclusive.
const (
	Bucket0Max = 1000
	Bucket1Max = 3000
	Bucket2Max = 5000
)

// NumBuckets is the number of latency buckets.
const NumBuckets = 4

// Classify returns the latency bucket index for an elapsed time.
// Negative elapsed times (clock skew between spans) count as bucket 0.
func Classify(elapsedMs int64) int {
	switch {
	case elapsedMs <= Bucket0Max:
		return 0
	case elapsedMs <= Bucket1Max:
		return 1
	case elapsedMs <= Bucket2Max:
		return 2
	default:
		return 3
	}
}

// Record is the counter accumulator for one key.
//
// The zero Record is the identity of Combine. Summary always equals the sum
// of Buckets and ErrorCount never exceeds Summary.
type Record struct {
	Summary    int64
	ErrorCount int64
	Buckets    [NumBuckets]int64
}

// Single returns the record of exactly one call.
func Single(elapsedMs int64, isError bool) Record {
	var r Record
	r.Observe(elapsedMs, isError)
	return r
}

// Observe counts one call into the record.
func (r *Record) Observe(elapsedMs int64, isError bool) {
	r.Buckets[Classify(elapsedMs)]++
	r.Summary++
	if isError {
		r.ErrorCount++
	}
}

// Combine adds o into r element-wise.
func (r *Record) Combine(o Record) {
	r.Summary += o.Summary
	r.ErrorCount += o.ErrorCount
	for i := range r.Buckets {
		r.Buckets[i] += o.Buckets[i]
	}
}

// Combined returns a + b without modifying either.
func Combined(a, b Record) Record {
	a.Combine(b)
	return a
}

// IsZero reports whether the record counts no calls.
func (r Record) IsZero() bool {
	return r == Record{}
}

// Check verifies the counter invariants.
func (r Record) Check() error {
	var sum int64
	for i, b := range r.Buckets {
		if b < 0 {
			return fmt.Errorf("bucket %d is negative (%d): %w", i, b, errors.ErrCounterInvariant)
		}
		sum += b
	}
	if sum != r.Summary {
		return fmt.Errorf("summary %d != bucket sum %d: %w", r.Summary, sum, errors.ErrCounterInvariant)
	}
	if r.ErrorCount < 0 || r.ErrorCount > r.Summary {
		return fmt.Errorf("error count %d outside [0, %d]: %w", r.ErrorCount, r.Summary, errors.ErrCounterInvariant)
	}
	return nil
}
