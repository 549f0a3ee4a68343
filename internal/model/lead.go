// Package model defines the shared types of the lead aggregation pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// ListingType classifies the kind of opportunity a lead represents.
type ListingType string

const (
	ListingFSBO           ListingType = "fsbo"
	ListingPreForeclosure ListingType = "pre_foreclosure"
	ListingProbate        ListingType = "probate"
	ListingMarketplace    ListingType = "marketplace"
	ListingUnknown        ListingType = "unknown"
)

// ParseListingType maps free-form labels to a ListingType. Unrecognized
// values return ListingUnknown.
func ParseListingType(s string) ListingType {
	switch strings.ToLower(strings.TrimSpace(strings.NewReplacer("-", "_", " ", "_").Replace(s))) {
	case "fsbo", "for_sale_by_owner", "by_owner":
		return ListingFSBO
	case "pre_foreclosure", "preforeclosure", "foreclosure", "nod", "lis_pendens":
		return ListingPreForeclosure
	case "probate", "estate", "estate_sale":
		return ListingProbate
	case "marketplace":
		return ListingMarketplace
	default:
		return ListingUnknown
	}
}

// Valid reports whether t is one of the known listing types.
func (t ListingType) Valid() bool {
	switch t {
	case ListingFSBO, ListingPreForeclosure, ListingProbate, ListingMarketplace, ListingUnknown:
		return true
	}
	return false
}

// Contact holds owner contact details. Phones and emails accumulate as
// duplicates are merged.
type Contact struct {
	Name   string   `json:"name,omitempty"`
	Phones []string `json:"phones,omitempty"`
	Emails []string `json:"emails,omitempty"`
}

// IsEmpty reports whether no contact detail is known.
func (c Contact) IsEmpty() bool {
	return c.Name == "" && len(c.Phones) == 0 && len(c.Emails) == 0
}

// Clone returns a deep copy.
func (c Contact) Clone() Contact {
	return Contact{
		Name:   c.Name,
		Phones: slices.Clone(c.Phones),
		Emails: slices.Clone(c.Emails),
	}
}

// SourceRef records one observation of a lead by a source.
type SourceRef struct {
	SourceID   string    `json:"source_id"`
	ExternalID string    `json:"external_id,omitempty"`
	SeenAt     time.Time `json:"seen_at"`
}

// Lead is the canonical record for one real-world property/owner opportunity.
type Lead struct {
	ID            string      `json:"id"`
	SourceID      string      `json:"source_id"`
	ExternalID    string      `json:"external_id,omitempty"`
	Address       Address     `json:"address"`
	Contact       Contact     `json:"contact"`
	ListingType   ListingType `json:"listing_type"`
	Price         float64     `json:"price,omitempty"`
	URL           string      `json:"url,omitempty"`
	Description   string      `json:"description,omitempty"`
	DistressScore int         `json:"distress_score"`
	Location      *LatLng     `json:"location,omitempty"`
	FirstSeenAt   time.Time   `json:"first_seen_at"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
	Fingerprint   string      `json:"fingerprint"`
	Provenance    []SourceRef `json:"provenance"`
	Suppressed    bool        `json:"suppressed,omitempty"`
	SupersededBy  string      `json:"superseded_by,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (l Lead) Clone() Lead {
	out := l
	out.Contact = l.Contact.Clone()
	out.Provenance = slices.Clone(l.Provenance)
	if l.Location != nil {
		loc := *l.Location
		out.Location = &loc
	}
	return out
}

// Sources returns the sorted distinct source ids that observed this lead.
func (l Lead) Sources() []string {
	seen := make(map[string]bool, len(l.Provenance)+1)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(l.SourceID)
	for _, p := range l.Provenance {
		add(p.SourceID)
	}
	slices.Sort(out)
	return out
}

// LeadID derives the deterministic identity of a freshly normalized lead.
// Leads carrying a source-native id are keyed by it; others hash their
// source, fingerprint and contact details.
func LeadID(sourceID, externalID, fingerprint string, c Contact) string {
	if externalID != "" {
		return sourceID + ":" + externalID
	}
	h := sha256.New()
	for _, part := range []string{sourceID, fingerprint, strings.ToLower(c.Name)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, p := range c.Phones {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	for _, e := range c.Emails {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return sourceID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
