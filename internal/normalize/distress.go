package normalize

import (
	"slices"
	"strings"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// maxDistress caps the distress score.
const maxDistress = 100

// DistressScorer rates how motivated a seller is likely to be from listing
// type, description keywords, days on market and price cuts.
type DistressScorer struct {
	keywords       []weightedKeyword
	listingWeights map[model.ListingType]int
	domMax         int
	domWeight      int
	priceReduced   int
}

type weightedKeyword struct {
	phrase string
	weight int
}

// NewDistressScorer builds a scorer from the normalize config.
func NewDistressScorer(cfg config.NormalizeConfig) *DistressScorer {
	s := &DistressScorer{
		listingWeights: make(map[model.ListingType]int, len(cfg.ListingWeights)),
		domMax:         cfg.DaysOnMarketMax,
		domWeight:      cfg.DaysOnMarketWt,
		priceReduced:   cfg.PriceReducedWt,
	}
	for kw, w := range cfg.DistressKeywords {
		if phrase := wordText(kw); phrase != "" {
			s.keywords = append(s.keywords, weightedKeyword{phrase: phrase, weight: w})
		}
	}
	slices.SortFunc(s.keywords, func(a, b weightedKeyword) int {
		return strings.Compare(a.phrase, b.phrase)
	})
	for lt, w := range cfg.ListingWeights {
		s.listingWeights[model.ParseListingType(lt)] = w
	}
	return s
}

// DistressInput carries the signals the scorer reads.
type DistressInput struct {
	ListingType  model.ListingType
	Description  string
	DaysOnMarket int
	PriceReduced bool
}

// Score returns the distress score in [0, 100]. Each keyword counts once.
func (s *DistressScorer) Score(in DistressInput) int {
	score := s.listingWeights[in.ListingType]

	if in.Description != "" {
		text := " " + wordText(in.Description) + " "
		for _, kw := range s.keywords {
			if strings.Contains(text, " "+kw.phrase+" ") {
				score += kw.weight
			}
		}
	}

	if in.DaysOnMarket > 0 && s.domMax > 0 {
		score += min(in.DaysOnMarket, s.domMax) * s.domWeight / s.domMax
	}
	if in.PriceReduced {
		score += s.priceReduced
	}
	return max(0, min(score, maxDistress))
}

// wordText lower-cases s and turns every non-alphanumeric run into a single
// space so phrases match on word boundaries ("as-is" matches "As Is").
func wordText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range fold(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// inferListingType guesses the listing type from free text.
func inferListingType(text string) model.ListingType {
	t := " " + wordText(text) + " "
	switch {
	case strings.Contains(t, " probate ") || strings.Contains(t, " estate of ") || strings.Contains(t, " executor "):
		return model.ListingProbate
	case strings.Contains(t, " foreclosure ") || strings.Contains(t, " pre foreclosure ") ||
		strings.Contains(t, " preforeclosure ") || strings.Contains(t, " notice of default ") ||
		strings.Contains(t, " lis pendens ") || strings.Contains(t, " nod "):
		return model.ListingPreForeclosure
	case strings.Contains(t, " by owner ") || strings.Contains(t, " fsbo "):
		return model.ListingFSBO
	default:
		return model.ListingUnknown
	}
}
