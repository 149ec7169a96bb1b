package noderef

import (
	"math/rand"
	"testing"
	"time"

	"github.com/xtxerr/noderef/internal/errors"
)

var testTime = time.Date(2017, time.August, 1, 14, 30, 5, 0, time.UTC)

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		elapsed int64
		want    int
	}{
		{-20, 0},
		{0, 0},
		{1000, 0},
		{1001, 1},
		{3000, 1},
		{3001, 2},
		{5000, 2},
		{5001, 3},
		{600000, 3},
	}

	for _, tt := range tests {
		if got := Classify(tt.elapsed); got != tt.want {
			t.Errorf("Classify(%d): expected %d, got %d", tt.elapsed, tt.want, got)
		}
	}
}

func TestRecord_ScenarioA(t *testing.T) {
	var r Record
	r.Observe(500, false)
	r.Observe(2000, true)

	want := Record{Summary: 2, ErrorCount: 1, Buckets: [4]int64{1, 1, 0, 0}}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}
	if err := r.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestRecord_CombineIdentity(t *testing.T) {
	r := Single(4000, true)
	if got := Combined(r, Record{}); got != r {
		t.Errorf("combine with zero changed record: %+v", got)
	}
	if !(Record{}).IsZero() {
		t.Error("zero record should be zero")
	}
	if r.IsZero() {
		t.Error("observed record should not be zero")
	}
}

func TestRecord_OrderAndPartitionIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	type obs struct {
		elapsed int64
		err     bool
	}
	calls := make([]obs, 500)
	for i := range calls {
		calls[i] = obs{elapsed: rng.Int63n(8000) - 100, err: rng.Intn(4) == 0}
	}

	var sequential Record
	for _, c := range calls {
		sequential.Observe(c.elapsed, c.err)
	}

	for trial := 0; trial < 10; trial++ {
		shuffled := make([]obs, len(calls))
		copy(shuffled, calls)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		parts := make([]Record, 1+rng.Intn(7))
		for _, c := range shuffled {
			parts[rng.Intn(len(parts))].Observe(c.elapsed, c.err)
		}

		rng.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })
		var merged Record
		for _, p := range parts {
			merged.Combine(p)
		}

		if merged != sequential {
			t.Fatalf("trial %d: expected %+v, got %+v", trial, sequential, merged)
		}
	}

	if err := sequential.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestRecord_Check(t *testing.T) {
	tests := []struct {
		name string
		r    Record
	}{
		{"summary mismatch", Record{Summary: 3, Buckets: [4]int64{1, 1, 0, 0}}},
		{"errors exceed summary", Record{Summary: 1, ErrorCount: 2, Buckets: [4]int64{1, 0, 0, 0}}},
		{"negative bucket", Record{Summary: 0, Buckets: [4]int64{1, -1, 0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.r.Check(); !errors.Is(err, errors.ErrCounterInvariant) {
				t.Errorf("expected counter invariant error, got %v", err)
			}
		})
	}
}

func TestKey_Validate(t *testing.T) {
	valid := []Key{
		ApplicationKey(3, 5, testTime),
		PeerKey(3, "10.0.0.1:3306", testTime),
	}
	for _, k := range valid {
		if err := k.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", k, err)
		}
	}

	invalid := []struct {
		name string
		key  Key
	}{
		{"no source", Key{TargetApplicationID: 5, TimeBucket: 20170801143005}},
		{"no target", Key{SourceApplicationID: 3, TimeBucket: 20170801143005}},
		{"both targets", Key{SourceApplicationID: 3, TargetApplicationID: 5, TargetPeer: "x", TimeBucket: 20170801143005}},
		{"bad bucket", Key{SourceApplicationID: 3, TargetApplicationID: 5, TimeBucket: 20171301000000}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.key.Validate(); !errors.Is(err, errors.ErrInvalidKey) {
				t.Errorf("expected invalid key, got %v", err)
			}
		})
	}
}

func TestID_Encoding(t *testing.T) {
	if got := ID(ApplicationKey(3, 5, testTime)); got != "20170801143005_3_a5" {
		t.Errorf("expected 20170801143005_3_a5, got %s", got)
	}
	if got := ID(PeerKey(3, "db_1:5432", testTime)); got != "20170801143005_3_pdb_1:5432" {
		t.Errorf("expected 20170801143005_3_pdb_1:5432, got %s", got)
	}
}

func TestID_RoundTrip(t *testing.T) {
	keys := []Key{
		ApplicationKey(3, 5, testTime),
		ApplicationKey(1, 1<<30, testTime),
		PeerKey(3, "db_1:5432", testTime),
		PeerKey(12, "_", testTime),
		PeerKey(12, "a5", testTime),
	}

	seen := make(map[string]Key)
	for _, k := range keys {
		id := ID(k)
		if prev, dup := seen[id]; dup {
			t.Fatalf("%s and %s share id %s", prev, k, id)
		}
		seen[id] = k

		got, err := ParseID(id)
		if err != nil {
			t.Fatalf("ParseID(%s): %v", id, err)
		}
		if got != k {
			t.Errorf("round trip %s: got %s", k, got)
		}
	}
}

func TestParseID_Invalid(t *testing.T) {
	ids := []string{
		"",
		"20170801143005",
		"20170801143005_3",
		"20170801143005_3_a",
		"20170801143005_3_x5",
		"20170801143005_3_aX",
		"x_3_a5",
		"20170801143005_03_a5",
	}

	for _, id := range ids {
		if _, err := ParseID(id); !errors.Is(err, errors.ErrInvalidID) {
			t.Errorf("ParseID(%q): expected invalid id, got %v", id, err)
		}
	}
}

func TestRow_RoundTrip(t *testing.T) {
	s := Stored{
		Key:    PeerKey(3, "10.0.0.1:3306", testTime),
		Record: Record{Summary: 3, ErrorCount: 1, Buckets: [4]int64{1, 1, 1, 0}},
		PassID: "01H8XGJWBWBAQ4Z4GSDZV1V2N0",
	}

	r := ToRow(s)
	if r.ID() != ID(s.Key) {
		t.Errorf("expected row id %s, got %s", ID(s.Key), r.ID())
	}
	if v, _ := r.Long(ColumnS5LTE); v != 1 {
		t.Errorf("expected s5_lte 1, got %d", v)
	}

	got, err := FromRow(r)
	if err != nil {
		t.Fatalf("FromRow: %v", err)
	}
	if got != s {
		t.Errorf("expected %+v, got %+v", s, got)
	}
}

func TestFromRow_CorruptCounters(t *testing.T) {
	r := ToRow(Stored{Key: ApplicationKey(3, 5, testTime), Record: Single(10, false)})
	if err := r.SetLong(ColumnSummary, 7); err != nil {
		t.Fatal(err)
	}

	if _, err := FromRow(r); !errors.IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestCheckOwner(t *testing.T) {
	want := ApplicationKey(3, 5, testTime)

	if err := CheckOwner(want, Stored{Key: want}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	other := ApplicationKey(3, 6, testTime)
	err := CheckOwner(want, Stored{Key: other})
	if !errors.Is(err, errors.ErrIDCollision) {
		t.Errorf("expected id collision, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("id collision must be fatal")
	}
}
