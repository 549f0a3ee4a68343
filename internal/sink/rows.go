package sink

import (
	"strings"
	"time"

	"github.com/sells-group/lead-aggregator/internal/model"
)

// LeadRow is the flat export shape of a lead.
type LeadRow struct {
	LeadID        string  `csv:"lead_id" json:"lead_id"`
	ListingType   string  `csv:"listing_type" json:"listing_type"`
	Street        string  `csv:"street" json:"street"`
	Unit          string  `csv:"unit" json:"unit"`
	City          string  `csv:"city" json:"city"`
	State         string  `csv:"state" json:"state"`
	Zip           string  `csv:"zip" json:"zip"`
	OwnerName     string  `csv:"owner_name" json:"owner_name"`
	Phones        string  `csv:"phones" json:"phones"`
	Emails        string  `csv:"emails" json:"emails"`
	Price         float64 `csv:"price,omitempty" json:"price"`
	DistressScore int     `csv:"distress_score" json:"distress_score"`
	URL           string  `csv:"url" json:"url"`
	Lat           float64 `csv:"lat,omitempty" json:"lat"`
	Lng           float64 `csv:"lng,omitempty" json:"lng"`
	Sources       string  `csv:"sources" json:"sources"`
	FirstSeenAt   string  `csv:"first_seen_at" json:"first_seen_at"`
	LastSeenAt    string  `csv:"last_seen_at" json:"last_seen_at"`
	RunID         string  `csv:"run_id" json:"run_id"`
}

// Rows flattens the run's leads in delivery order.
func Rows(run *model.Run) []LeadRow {
	rows := make([]LeadRow, 0, len(run.Leads))
	for _, l := range run.Leads {
		r := LeadRow{
			LeadID:        l.ID,
			ListingType:   string(l.ListingType),
			Street:        l.Address.Street,
			Unit:          l.Address.Unit,
			City:          l.Address.City,
			State:         l.Address.State,
			Zip:           l.Address.Zip,
			OwnerName:     l.Contact.Name,
			Phones:        strings.Join(l.Contact.Phones, "; "),
			Emails:        strings.Join(l.Contact.Emails, "; "),
			Price:         l.Price,
			DistressScore: l.DistressScore,
			URL:           l.URL,
			Sources:       strings.Join(l.Sources(), "; "),
			FirstSeenAt:   l.FirstSeenAt.UTC().Format(time.RFC3339),
			LastSeenAt:    l.LastSeenAt.UTC().Format(time.RFC3339),
			RunID:         run.ID,
		}
		if l.Location != nil {
			r.Lat, r.Lng = l.Location.Lat, l.Location.Lng
		}
		rows = append(rows, r)
	}
	return rows
}

// cells returns the row values in LeadRow field order.
func (r LeadRow) cells() []any {
	return []any{
		r.LeadID, r.ListingType, r.Street, r.Unit, r.City, r.State, r.Zip,
		r.OwnerName, r.Phones, r.Emails, r.Price, r.DistressScore, r.URL,
		r.Lat, r.Lng, r.Sources, r.FirstSeenAt, r.LastSeenAt, r.RunID,
	}
}
