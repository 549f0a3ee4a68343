package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/lead-aggregator/internal/model"
)

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"(217) 555-0100":  "2175550100",
		"+1 217.555.0100": "2175550100",
		"12175550100":     "2175550100",
		"217-555-010":     "",
		"555-0100":        "",
		"011 217 555 01":  "",
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestNormalizePhones(t *testing.T) {
	got := NormalizePhones("217-555-0100 or (217) 555-0101, 217.555.0100")
	assert.Equal(t, []string{"2175550100", "2175550101"}, got)
	assert.Nil(t, NormalizePhones("n/a"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "owner@example.com", NormalizeEmail(" Owner@Example.COM "))
	assert.Equal(t, "owner@example.com", NormalizeEmail("mailto:owner@example.com"))
	assert.Equal(t, "", NormalizeEmail("owner@localhost"))
	assert.Equal(t, "", NormalizeEmail("not an email"))
	assert.Equal(t, []string{"a@x.com", "b@y.org"}, NormalizeEmails("a@x.com; b@y.org, A@X.com"))
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"  john   SMITH ":    "John Smith",
		"J. Smith":           "J. Smith",
		"SMITH, JOHN A":      "John A Smith",
		"Smith, Jr.":         "Smith Jr.",
		"Acme & Sons!":       "Acme Sons",
		"":                   "",
		"***":                "",
		"Mary-Kate  Olsen\t": "Mary-Kate Olsen",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanName(in), in)
	}
}

func TestDistressScorer(t *testing.T) {
	s := NewDistressScorer(testConfig())

	assert.Equal(t, 0, s.Score(DistressInput{ListingType: model.ListingFSBO}))
	assert.Equal(t, 90, s.Score(DistressInput{ListingType: model.ListingProbate}))
	assert.Equal(t, 100, s.Score(DistressInput{ListingType: model.ListingPreForeclosure, Description: "vacant"}))
	assert.Equal(t, 60, s.Score(DistressInput{Description: "Vacant lot, motivated!!"}))

	// Keywords match whole words only.
	assert.Equal(t, 0, s.Score(DistressInput{Description: "preowned oreo cookie jar"}))
	assert.Equal(t, 80, s.Score(DistressInput{Description: "REO property"}))

	// Days on market scale linearly and cap at the configured maximum.
	assert.Equal(t, 15, s.Score(DistressInput{DaysOnMarket: 60}))
	assert.Equal(t, 30, s.Score(DistressInput{DaysOnMarket: 400}))
	assert.Equal(t, 20, s.Score(DistressInput{PriceReduced: true}))
}

func TestInferListingType(t *testing.T) {
	assert.Equal(t, model.ListingProbate, inferListingType("Probate sale, estate of J. Doe"))
	assert.Equal(t, model.ListingPreForeclosure, inferListingType("Notice of Default recorded"))
	assert.Equal(t, model.ListingPreForeclosure, inferListingType("lis pendens filed"))
	assert.Equal(t, model.ListingFSBO, inferListingType("House for sale by owner"))
	assert.Equal(t, model.ListingUnknown, inferListingType("nice house"))
}
