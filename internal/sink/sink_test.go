package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

var t0 = time.Date(2026, 4, 2, 6, 0, 0, 0, time.UTC)

func testRun() *model.Run {
	run := model.NewRun("run-42", "manual", t0)
	run.Leads = []model.Lead{
		{
			ID:          "zillow:1001",
			SourceID:    "zillow",
			ExternalID:  "1001",
			Address:     model.Address{Street: "1 main st", City: "springfield", State: "il", Zip: "62701"},
			Contact:     model.Contact{Name: "John Smith", Phones: []string{"2175550100"}, Emails: []string{"john@example.com"}},
			ListingType: model.ListingFSBO,
			Price:       250000,
			URL:         "https://www.zillow.com/homedetails/1001_zpid/",
			Location:    &model.LatLng{Lat: 39.799, Lng: -89.644},
			FirstSeenAt: t0.Add(-24 * time.Hour),
			LastSeenAt:  t0,
			Provenance: []model.SourceRef{
				{SourceID: "zillow", ExternalID: "1001", SeenAt: t0},
				{SourceID: "craigslist", SeenAt: t0},
			},
			DistressScore: 35,
		},
		{
			ID:          "probate:abc",
			SourceID:    "probate",
			Address:     model.Address{Street: "14 oak st", City: "springfield", State: "il", Zip: "62702"},
			ListingType: model.ListingProbate,
			FirstSeenAt: t0,
			LastSeenAt:  t0,
		},
	}
	run.Status = model.RunStatusCompleted
	run.Sources["zillow"] = model.SourceResult{SourceID: "zillow", Status: model.SourceStatusSuccess, Normalized: 1}
	run.Finalize(t0.Add(time.Minute))
	return run
}

type fakeSink struct {
	name  string
	err   error
	calls int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(context.Context, *model.Run) error {
	f.calls++
	return f.err
}

func TestMulti_DeliversToAllAndJoinsFailures(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b", err: errors.New("disk full")}
	c := &fakeSink{name: "c", err: &DeliveryError{Sink: "c", Err: errors.New("timeout")}}
	d := &fakeSink{name: "d"}

	err := Multi{a, b, c, d}.Deliver(context.Background(), testRun())
	require.Error(t, err)
	for _, s := range []*fakeSink{a, b, c, d} {
		assert.Equal(t, 1, s.calls, s.name)
	}
	assert.Equal(t, []string{"b", "c"}, Failed(err))
	assert.Contains(t, err.Error(), "sink b: disk full")

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "b", de.Sink)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi{}.Deliver(context.Background(), testRun()))
	assert.Nil(t, Failed(nil))
}

func TestFromConfig(t *testing.T) {
	sinks, err := FromConfig(config.DeliveryConfig{
		Dir:        "out",
		Formats:    []string{"csv", "xlsx"},
		WebhookURL: "https://hooks.example.com/leads",
	}, Deps{})
	require.NoError(t, err)
	require.Len(t, sinks, 3)
	assert.Equal(t, "csv", sinks[0].Name())
	assert.Equal(t, "xlsx", sinks[1].Name())
	assert.Equal(t, "webhook", sinks[2].Name())

	_, err = FromConfig(config.DeliveryConfig{Formats: []string{"pdf"}}, Deps{})
	assert.Error(t, err)

	_, err = FromConfig(config.DeliveryConfig{Notion: true}, Deps{})
	assert.Error(t, err)

	_, err = FromConfig(config.DeliveryConfig{Salesforce: true}, Deps{})
	assert.Error(t, err)

	sinks, err = FromConfig(config.DeliveryConfig{Notion: true, Salesforce: true}, Deps{
		Notion:     &fakeNotion{},
		NotionDB:   "db",
		Salesforce: &fakeSalesforce{},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "notion", sinks[0].Name())
	assert.Equal(t, "salesforce", sinks[1].Name())
}

func TestRows(t *testing.T) {
	rows := Rows(testRun())
	require.Len(t, rows, 2)

	r := rows[0]
	assert.Equal(t, "zillow:1001", r.LeadID)
	assert.Equal(t, "fsbo", r.ListingType)
	assert.Equal(t, "2175550100", r.Phones)
	assert.Equal(t, "craigslist; zillow", r.Sources)
	assert.Equal(t, "2026-04-01T06:00:00Z", r.FirstSeenAt)
	assert.Equal(t, 39.799, r.Lat)
	assert.Equal(t, "run-42", r.RunID)

	assert.Zero(t, rows[1].Lat)
	assert.Equal(t, "probate", rows[1].Sources)
}
