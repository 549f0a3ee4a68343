package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

func historyFixture() *history.Index {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return history.FromLeads(3, t0, []model.Lead{
		{ID: "a1", SourceID: "zillow", Fingerprint: "fp-a", FirstSeenAt: t0},
		{ID: "a2", SourceID: "craigslist", Fingerprint: "fp-a", FirstSeenAt: t0.Add(time.Hour), Suppressed: true, SupersededBy: "a1"},
		{ID: "b1", SourceID: "county", Fingerprint: "fp-b", FirstSeenAt: t0},
		{ID: "c1", SourceID: "county", Fingerprint: "fp-c", FirstSeenAt: t0},
	})
}

func ids(leads []model.Lead) []string {
	out := make([]string, 0, len(leads))
	for _, l := range leads {
		out = append(out, l.ID)
	}
	return out
}

func TestSelectHistoryLeads(t *testing.T) {
	idx := historyFixture()

	assert.Equal(t, []string{"a1", "b1", "c1"}, ids(selectHistoryLeads(idx, "", false, 0)))
	assert.Equal(t, []string{"a1", "a2", "b1", "c1"}, ids(selectHistoryLeads(idx, "", true, 0)))
	assert.Equal(t, []string{"a1", "a2"}, ids(selectHistoryLeads(idx, "fp-a", true, 0)))
	assert.Equal(t, []string{"a1"}, ids(selectHistoryLeads(idx, "fp-a", false, 0)))
	assert.Equal(t, []string{"a1", "b1"}, ids(selectHistoryLeads(idx, "", false, 2)))
	assert.Empty(t, selectHistoryLeads(idx, "fp-missing", true, 0))
}

func TestFormatHistoryStats(t *testing.T) {
	var buf bytes.Buffer
	formatHistoryStats(&buf, historyFixture().Stats())

	output := buf.String()
	assert.Contains(t, output, "Version:")
	assert.Contains(t, output, "2025-06-01 00:00:00")
	assert.Contains(t, output, "Addresses:")
	assert.Contains(t, output, "Suppressed:")
}

func TestLoadHistory_EmptyFileStore(t *testing.T) {
	c := testConfig(t)
	c.Store = config.StoreConfig{Driver: "none"}
	withConfig(t, c)

	idx, closeFn, err := loadHistory(t.Context())
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, int64(0), idx.Version)
}

func TestFormatSources(t *testing.T) {
	disabled := false
	var buf bytes.Buffer
	formatSources(&buf, []config.SourceConfig{
		{ID: "zillow", Kind: config.KindZillow, URL: "https://www.zillow.com/homes/fsbo/"},
		{ID: "fixtures", Kind: config.KindStatic, Enabled: &disabled},
	})

	output := buf.String()
	assert.Contains(t, output, "zillow")
	assert.Contains(t, output, "true")
	assert.Contains(t, output, "fixtures")
	assert.Contains(t, output, "false")
	assert.Contains(t, output, "https://www.zillow.com/homes/fsbo/")
}
