// Package dedup finds leads that describe the same property and owner and
// merges them, within a run and against the History Index.
package dedup

import (
	"fmt"
	"slices"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// Fingerprint returns the bucket key for an address.
func Fingerprint(addr model.Address) string {
	return addr.Fingerprint()
}

// Weights are the contributions of each signal to a pair score.
type Weights struct {
	ExternalID         float64
	ExternalIDConflict float64
	Contact            float64
	Name               float64
	ListingType        float64
	NameMinSimilarity  float64
}

// DefaultWeights match the shipped configuration defaults.
func DefaultWeights() Weights {
	return Weights{
		ExternalID:         1.0,
		ExternalIDConflict: -1.0,
		Contact:            0.8,
		Name:               0.6,
		ListingType:        0.2,
		NameMinSimilarity:  0.8,
	}
}

// WeightsFromConfig reads weights from the dedup config section.
func WeightsFromConfig(c config.DedupConfig) Weights {
	return Weights{
		ExternalID:         c.ExternalIDWeight,
		ExternalIDConflict: c.ExternalIDConflict,
		Contact:            c.ContactWeight,
		Name:               c.NameWeight,
		ListingType:        c.ListingTypeWeight,
		NameMinSimilarity:  c.NameMinSimilarity,
	}
}

// PairScorer rates how likely two leads in the same bucket are the same
// real-world lead.
type PairScorer interface {
	Score(a, b model.Lead) (float64, error)
}

// ScoreError reports a pair that could not be scored.
type ScoreError struct {
	A, B   string
	Reason string
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("dedup: cannot score %s vs %s: %s", e.A, e.B, e.Reason)
}

// Scorer is the weighted similarity over external id, contact overlap,
// owner name and listing type:
//
//	external_id   +1.0 same source, equal ids (-1.0 when the ids differ)
//	contact       +0.8 any shared phone or email
//	name          +0.6 x similarity, only when similarity >= 0.8
//	listing_type  +0.2 equal and known
type Scorer struct {
	w Weights
}

// NewScorer creates a Scorer.
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score implements PairScorer. Leads from different buckets or without an
// address are an error.
func (s *Scorer) Score(a, b model.Lead) (float64, error) {
	switch {
	case a.Fingerprint == "" || b.Fingerprint == "":
		return 0, &ScoreError{A: a.ID, B: b.ID, Reason: "missing fingerprint"}
	case a.Fingerprint != b.Fingerprint:
		return 0, &ScoreError{A: a.ID, B: b.ID, Reason: "different fingerprints"}
	case a.Address.IsZero() || b.Address.IsZero():
		return 0, &ScoreError{A: a.ID, B: b.ID, Reason: "missing address"}
	}

	score := 0.0
	if a.SourceID == b.SourceID && a.ExternalID != "" && b.ExternalID != "" {
		if a.ExternalID == b.ExternalID {
			score += s.w.ExternalID
		} else {
			score += s.w.ExternalIDConflict
		}
	}
	if ContactOverlap(a.Contact, b.Contact) {
		score += s.w.Contact
	}
	if a.Contact.Name != "" && b.Contact.Name != "" {
		if sim := NameSimilarity(a.Contact.Name, b.Contact.Name); sim >= s.w.NameMinSimilarity {
			score += s.w.Name * sim
		}
	}
	if a.ListingType == b.ListingType && a.ListingType != model.ListingUnknown && a.ListingType != "" {
		score += s.w.ListingType
	}
	return score, nil
}

// ContactOverlap reports whether the contacts share a phone or an email.
func ContactOverlap(a, b model.Contact) bool {
	for _, p := range a.Phones {
		if slices.Contains(b.Phones, p) {
			return true
		}
	}
	for _, e := range a.Emails {
		if slices.Contains(b.Emails, e) {
			return true
		}
	}
	return false
}

// NameSimilarity compares owner names in [0, 1]. Identical names score 1.0;
// names with the same surname whose first names agree up to an initial
// ("J. Smith" and "John Smith") score 0.9; anything else falls back to
// normalized Levenshtein similarity.
func NameSimilarity(a, b string) float64 {
	na, nb := nameKey(a), nameKey(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	ta, tb := strings.Fields(na), strings.Fields(nb)
	if len(ta) >= 2 && len(tb) >= 2 && ta[len(ta)-1] == tb[len(tb)-1] && initialCompatible(ta[0], tb[0]) {
		return 0.9
	}
	return levenshtein.Similarity(na, nb, nil)
}

func initialCompatible(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) == 1 {
		return strings.HasPrefix(b, a)
	}
	if len(b) == 1 {
		return strings.HasPrefix(a, b)
	}
	return false
}

func nameKey(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(".", " ", ",", " ", "'", "", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
