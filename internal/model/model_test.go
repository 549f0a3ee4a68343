package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   RunStatus
		want     string
		terminal bool
	}{
		{RunStatusPending, "pending", false},
		{RunStatusRunning, "running", false},
		{RunStatusCompleted, "completed", true},
		{RunStatusPartiallyFailed, "partially_failed", true},
		{RunStatusFailed, "failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestParseListingType(t *testing.T) {
	t.Parallel()

	tests := map[string]ListingType{
		"FSBO":               ListingFSBO,
		"for sale by owner":  ListingFSBO,
		"Pre-Foreclosure":    ListingPreForeclosure,
		"lis pendens":        ListingPreForeclosure,
		"probate":            ListingProbate,
		"Estate Sale":        ListingProbate,
		"marketplace":        ListingMarketplace,
		"":                   ListingUnknown,
		"commercial auction": ListingUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseListingType(in), in)
	}
	assert.True(t, ListingUnknown.Valid())
	assert.False(t, ListingType("bogus").Valid())
}

func TestAddressCanonical(t *testing.T) {
	t.Parallel()

	a := Address{Street: "123 Main St", Unit: "Apt 4", City: "Springfield", State: "IL", Zip: "62701"}
	assert.Equal(t, "123 main st apt 4, springfield, il 62701", a.Canonical())
	assert.Equal(t, "123 Main St Apt 4, Springfield, IL 62701", a.String())
	assert.False(t, a.IsZero())
	assert.True(t, Address{}.IsZero())

	noZip := Address{Street: "9 elm ave", City: "dover", State: "de"}
	assert.Equal(t, "9 elm ave, dover, de", noZip.Canonical())
}

func TestAddressFingerprint(t *testing.T) {
	t.Parallel()

	a := Address{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62701"}
	b := Address{Street: "123 main st", City: "springfield", State: "il", Zip: "62701"}
	c := Address{Street: "125 Main St", City: "Springfield", State: "IL", Zip: "62701"}

	assert.Len(t, a.Fingerprint(), 16)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestLeadID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "zillow:Z1", LeadID("zillow", "Z1", "abc", Contact{}))

	c := Contact{Name: "Jane Doe", Phones: []string{"5551234567"}}
	id1 := LeadID("county", "", "fp1", c)
	id2 := LeadID("county", "", "fp1", c)
	id3 := LeadID("county", "", "fp1", Contact{Name: "John Doe"})
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, len("county:")+16)
}

func TestLeadCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	orig := Lead{
		ID:         "a:1",
		Contact:    Contact{Phones: []string{"1"}},
		Provenance: []SourceRef{{SourceID: "a"}},
		Location:   &LatLng{Lat: 1, Lng: 2},
	}
	cp := orig.Clone()
	cp.Contact.Phones[0] = "2"
	cp.Provenance[0].SourceID = "b"
	cp.Location.Lat = 9

	assert.Equal(t, "1", orig.Contact.Phones[0])
	assert.Equal(t, "a", orig.Provenance[0].SourceID)
	assert.InDelta(t, 1.0, orig.Location.Lat, 0)
}

func TestLeadSources(t *testing.T) {
	t.Parallel()

	l := Lead{SourceID: "zillow", Provenance: []SourceRef{
		{SourceID: "zillow"}, {SourceID: "craigslist"}, {SourceID: "zillow"},
	}}
	assert.Equal(t, []string{"craigslist", "zillow"}, l.Sources())
}

func TestRawRecordString(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fields := map[string]any{
		"s":   "  hello ",
		"f":   1.5,
		"i":   42,
		"t":   ts,
		"nil": nil,
	}
	r := NewRawRecord("src", 0, ts, fields)
	fields["s"] = "mutated"

	assert.Equal(t, "hello", r.String("s"))
	assert.Equal(t, "1.5", r.String("f"))
	assert.Equal(t, "42", r.String("i"))
	assert.Equal(t, "2026-01-02T03:04:05Z", r.String("t"))
	assert.Empty(t, r.String("nil"))
	assert.Empty(t, r.String("missing"))
	assert.Empty(t, r.String(""))
	assert.True(t, r.Has("s"))
	assert.False(t, r.Has("nil"))
}

func TestRunFinalize(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	tests := []struct {
		name    string
		sources map[string]SourceResult
		warning string
		want    RunStatus
		alert   bool
	}{
		{
			name: "all success",
			sources: map[string]SourceResult{
				"a": {Status: SourceStatusSuccess},
				"b": {Status: SourceStatusSuccess},
			},
			want: RunStatusCompleted,
		},
		{
			name: "one timeout",
			sources: map[string]SourceResult{
				"a": {Status: SourceStatusSuccess},
				"b": {Status: SourceStatusTimeout},
			},
			want: RunStatusPartiallyFailed,
		},
		{
			name: "all failed",
			sources: map[string]SourceResult{
				"a": {Status: SourceStatusError},
				"b": {Status: SourceStatusTimeout},
				"c": {Status: SourceStatusSkipped},
			},
			want:  RunStatusFailed,
			alert: true,
		},
		{
			name: "persistence warning",
			sources: map[string]SourceResult{
				"a": {Status: SourceStatusSuccess},
			},
			warning: "disk full",
			want:    RunStatusPartiallyFailed,
		},
		{
			name:    "no sources",
			sources: map[string]SourceResult{},
			want:    RunStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRun("run-1", "manual", start)
			r.Sources = tt.sources
			r.PersistenceWarning = tt.warning
			r.Finalize(end)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.alert, r.Alert)
			assert.Equal(t, 90*time.Second, r.Duration())
		})
	}
}

func TestRunSummary(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRun("r1", "schedule", start)
	r.Sources["zillow"] = SourceResult{SourceID: "zillow", Status: SourceStatusSuccess, Normalized: 3}
	r.Sources["county"] = SourceResult{SourceID: "county", Status: SourceStatusTimeout}
	r.Dedup = DedupStats{Input: 3, Final: 2, Merged: 1}
	r.AddFailure(FailureEntry{Scope: ScopeSource, SourceID: "county", Kind: "timeout"})
	r.Finalize(start.Add(2 * time.Second))

	sum := r.Summary()
	assert.Equal(t, "r1", sum.RunID)
	assert.Equal(t, int64(2000), sum.DurationMs)
	require.Len(t, sum.Sources, 2)
	assert.Equal(t, "county", sum.Sources[0].SourceID)
	assert.Equal(t, map[string]int{"source/timeout": 1}, sum.FailureKinds)

	s := sum.String()
	assert.Contains(t, s, "run r1 partially_failed in 2s")
	assert.Contains(t, s, "county=timeout(0) zillow=success(3)")
	assert.Contains(t, s, "input=3 merged=1 refreshed=0 final=2")
	assert.Contains(t, s, "failures=1")
	assert.Equal(t, []string{"county"}, r.FailedSources())
}
