package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-aggregator/internal/model"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func lead(id, source string, fp string, first time.Time) model.Lead {
	return model.Lead{
		ID:          id,
		SourceID:    source,
		Address:     model.Address{Street: "1 Main St", City: "Peoria", State: "IL", Zip: "61602"},
		Fingerprint: fp,
		FirstSeenAt: first,
		LastSeenAt:  first,
		Contact:     model.Contact{Phones: []string{"3095550100"}},
	}
}

func TestCompare(t *testing.T) {
	a := lead("z:1", "zillow", "fp", t0)
	b := lead("c:1", "craigslist", "fp", t0)
	c := lead("c:0", "craigslist", "fp", t0.Add(time.Hour))

	assert.Positive(t, Compare(a, b), "same time: smaller source id first")
	assert.Negative(t, Compare(b, c))
	assert.Zero(t, Compare(a, a))

	d := lead("c:0", "craigslist", "fp", t0)
	assert.Negative(t, Compare(d, b), "same time and source: smaller id first")
}

func TestIndex_PutGetActive(t *testing.T) {
	idx := New()
	idx.Put(lead("b", "zillow", "fp1", t0.Add(time.Hour)))
	idx.Put(lead("a", "zillow", "fp1", t0))
	sup := lead("c", "zillow", "fp1", t0.Add(2*time.Hour))
	sup.Suppressed = true
	sup.SupersededBy = "a"
	idx.Put(sup)
	idx.Put(lead("x", "craigslist", "fp2", t0))

	bucket := idx.Bucket("fp1")
	require.Len(t, bucket, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{bucket[0].ID, bucket[1].ID, bucket[2].ID})
	assert.Len(t, idx.Active("fp1"), 2)
	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, []string{"fp1", "fp2"}, idx.Fingerprints())

	updated := lead("b", "zillow", "fp1", t0.Add(time.Hour))
	updated.LastSeenAt = t0.Add(48 * time.Hour)
	idx.Put(updated)
	got, ok := idx.Get("fp1", "b")
	require.True(t, ok)
	assert.Equal(t, t0.Add(48*time.Hour), got.LastSeenAt)
	assert.Equal(t, 4, idx.Len())

	_, ok = idx.Get("fp1", "missing")
	assert.False(t, ok)

	s := idx.Stats()
	assert.Equal(t, Stats{Buckets: 2, Leads: 4, Active: 3, Suppressed: 1}, s)
}

func TestIndex_CloneIsDeep(t *testing.T) {
	idx := New()
	idx.Version = 3
	idx.Put(lead("a", "zillow", "fp", t0))

	cp := idx.Clone()
	cp.Buckets["fp"][0].Contact.Phones[0] = "0000000000"
	cp.Put(lead("b", "zillow", "fp", t0))
	cp.Version = 4

	orig, _ := idx.Get("fp", "a")
	assert.Equal(t, "3095550100", orig.Contact.Phones[0])
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, int64(3), idx.Version)

	var nilIdx *Index
	assert.NotNil(t, nilIdx.Clone().Buckets)
}

func TestIndex_BucketReturnsCopies(t *testing.T) {
	idx := New()
	idx.Put(lead("a", "zillow", "fp", t0))
	b := idx.Bucket("fp")
	b[0].Contact.Phones[0] = "changed"
	got, _ := idx.Get("fp", "a")
	assert.Equal(t, "3095550100", got.Contact.Phones[0])
}

func TestFromLeads(t *testing.T) {
	idx := FromLeads(7, t0, []model.Lead{
		lead("b", "zillow", "fp", t0.Add(time.Minute)),
		lead("a", "zillow", "fp", t0),
		lead("c", "zillow", "fp2", t0),
	})
	assert.Equal(t, int64(7), idx.Version)
	assert.Equal(t, "a", idx.Buckets["fp"][0].ID)
	assert.Equal(t, 3, len(idx.Leads()))
}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(filepath.Join(t.TempDir(), "data", "history.json"), time.Second)
	s.nowFunc = func() time.Time { return t0 }
	return s
}

func TestFileStore_EmptyOnFirstLoad(t *testing.T) {
	s := newStore(t)
	idx, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, int64(0), idx.Version)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	idx := New()
	idx.Version = 1
	idx.Put(lead("zillow:Z1", "zillow", "fp", t0))
	require.NoError(t, s.Save(ctx, idx))
	assert.True(t, idx.SavedAt.IsZero(), "save does not mutate the caller's index")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, t0, got.SavedAt)
	l, ok := got.Get("fp", "zillow:Z1")
	require.True(t, ok)
	assert.Equal(t, "Peoria", l.Address.City)

	_, err = os.Stat(s.prevPath())
	assert.True(t, os.IsNotExist(err), "first save has nothing to keep")

	idx.Version = 2
	require.NoError(t, s.Save(ctx, idx))
	assert.FileExists(t, s.prevPath())

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files are cleaned up")
	}
}

func TestFileStore_FallsBackToPrevious(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	idx := New()
	idx.Version = 1
	idx.Put(lead("a", "zillow", "fp", t0))
	require.NoError(t, s.Save(ctx, idx))
	idx.Version = 2
	require.NoError(t, s.Save(ctx, idx))

	// Simulate a torn write of the main snapshot.
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version": 3, "buck`), 0o644))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, got.Len())
}

func TestFileStore_MissingMainUsesPrevious(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	data, err := json.Marshal(&Index{Version: 5, Buckets: map[string][]model.Lead{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.prevPath(), data, 0o644))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
}

func TestFileStore_CorruptWithoutFallbackIsFatal(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("not json"), 0o644))

	_, err := s.Load(context.Background())
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.Contains(t, err.Error(), "history load")
}

func TestFileStore_RejectsMisfiledLeads(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	bad := &Index{Version: 1, Buckets: map[string][]model.Lead{"fp-a": {lead("x", "zillow", "fp-b", t0)}}}
	data, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))

	_, err = s.Load(context.Background())
	assert.True(t, IsPersistenceError(err))
}

func TestFileStore_SaveFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewFileStore(filepath.Join(blocker, "history.json"), time.Second)
	err := s.Save(context.Background(), New())
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
}

func TestPersistenceError(t *testing.T) {
	err := &PersistenceError{Op: "save", Path: "/x", Err: os.ErrPermission}
	assert.Equal(t, "history save /x: permission denied", err.Error())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "history load: "+assert.AnError.Error(), (&PersistenceError{Op: "load", Err: assert.AnError}).Error())
}
