// Package normalize maps raw source records onto the canonical Lead shape.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// Kind classifies a normalization failure.
type Kind string

const (
	KindMissingAddress   Kind = "missing_address"
	KindUnparseableField Kind = "unparseable_field"
)

// Error reports why a single record was rejected.
type Error struct {
	SourceID string
	Seq      int
	Kind     Kind
	Field    string
	Value    string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("normalize: %s record %d: %s", e.SourceID, e.Seq, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q", e.Field)
		if e.Value != "" {
			msg += fmt.Sprintf(", value %q", e.Value)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultMapping is used for any field a source leaves unmapped.
var DefaultMapping = config.FieldMapping{
	Address:      "address",
	Street:       "street",
	Unit:         "unit",
	City:         "city",
	State:        "state",
	Zip:          "zip",
	ExternalID:   "id",
	Name:         "name",
	Phone:        "phone",
	Email:        "email",
	ListingType:  "listing_type",
	Price:        "price",
	URL:          "url",
	Description:  "description",
	ListedAt:     "listed_at",
	Lat:          "lat",
	Lng:          "lng",
	DaysOnMarket: "days_on_market",
	PriceReduced: "price_reduced",
}

// WithDefaults fills unset mapping entries from DefaultMapping.
func WithDefaults(m config.FieldMapping) config.FieldMapping {
	or := func(v, d string) string {
		if v != "" {
			return v
		}
		return d
	}
	d := DefaultMapping
	return config.FieldMapping{
		Address:      or(m.Address, d.Address),
		Street:       or(m.Street, d.Street),
		Unit:         or(m.Unit, d.Unit),
		City:         or(m.City, d.City),
		State:        or(m.State, d.State),
		Zip:          or(m.Zip, d.Zip),
		ExternalID:   or(m.ExternalID, d.ExternalID),
		Name:         or(m.Name, d.Name),
		Phone:        or(m.Phone, d.Phone),
		Email:        or(m.Email, d.Email),
		ListingType:  or(m.ListingType, d.ListingType),
		Price:        or(m.Price, d.Price),
		URL:          or(m.URL, d.URL),
		Description:  or(m.Description, d.Description),
		ListedAt:     or(m.ListedAt, d.ListedAt),
		Lat:          or(m.Lat, d.Lat),
		Lng:          or(m.Lng, d.Lng),
		DaysOnMarket: or(m.DaysOnMarket, d.DaysOnMarket),
		PriceReduced: or(m.PriceReduced, d.PriceReduced),
	}
}

type sourceRules struct {
	mapping     config.FieldMapping
	listingType model.ListingType
}

// Normalizer converts RawRecords into Leads using per-source field
// mappings. It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	rules    map[string]sourceRules
	defaults sourceRules
	scorer   *DistressScorer
}

// New creates a Normalizer for the configured sources.
func New(cfg config.NormalizeConfig, sources []config.SourceConfig) *Normalizer {
	n := &Normalizer{
		rules:    make(map[string]sourceRules, len(sources)),
		defaults: sourceRules{mapping: DefaultMapping, listingType: model.ListingUnknown},
		scorer:   NewDistressScorer(cfg),
	}
	for _, src := range sources {
		lt := model.ListingUnknown
		if src.ListingType != "" {
			lt = model.ParseListingType(src.ListingType)
		}
		n.rules[src.ID] = sourceRules{mapping: WithDefaults(src.Mapping), listingType: lt}
	}
	return n
}

func (n *Normalizer) rulesFor(sourceID string) sourceRules {
	if r, ok := n.rules[sourceID]; ok {
		return r
	}
	return n.defaults
}

// Normalize maps one record. Records without a usable address fail with
// KindMissingAddress; malformed price, coordinate or date values fail with
// KindUnparseableField.
func (n *Normalizer) Normalize(rec model.RawRecord) (model.Lead, error) {
	rules := n.rulesFor(rec.SourceID)
	m := rules.mapping
	reject := func(kind Kind, field string, err error) (model.Lead, error) {
		return model.Lead{}, &Error{
			SourceID: rec.SourceID,
			Seq:      rec.Seq,
			Kind:     kind,
			Field:    field,
			Value:    rec.String(field),
			Err:      err,
		}
	}

	rawAddr := rawAddress(rec, m)
	addr := CanonicalAddress(rawAddr)
	if addr.Street == "" {
		return reject(KindMissingAddress, m.Street, nil)
	}
	if rawAddr.Zip != "" && addr.Zip == "" {
		return reject(KindUnparseableField, m.Zip, eris.Errorf("invalid zip %q", rawAddr.Zip))
	}
	if (addr.City == "" || addr.State == "") && addr.Zip == "" {
		return reject(KindMissingAddress, m.Zip, nil)
	}

	price, err := ParsePrice(rec.String(m.Price))
	if err != nil {
		return reject(KindUnparseableField, m.Price, err)
	}

	loc, err := parseLocation(rec.String(m.Lat), rec.String(m.Lng))
	if err != nil {
		return reject(KindUnparseableField, m.Lat, err)
	}

	fetchedAt := rec.FetchedAt.UTC()
	dom := 0
	if v := rec.String(m.DaysOnMarket); v != "" {
		dom, err = strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), " days"))
		if err != nil {
			return reject(KindUnparseableField, m.DaysOnMarket, err)
		}
	} else if v := rec.String(m.ListedAt); v != "" {
		listed, err := ParseDate(v)
		if err != nil {
			return reject(KindUnparseableField, m.ListedAt, err)
		}
		if !fetchedAt.IsZero() && listed.Before(fetchedAt) {
			dom = int(fetchedAt.Sub(listed).Hours() / 24)
		}
	}

	desc := strings.Join(strings.Fields(rec.String(m.Description)), " ")
	contact := model.Contact{
		Name:   CleanName(rec.String(m.Name)),
		Phones: NormalizePhones(rec.String(m.Phone)),
		Emails: NormalizeEmails(rec.String(m.Email)),
	}

	lt := model.ParseListingType(rec.String(m.ListingType))
	if lt == model.ListingUnknown {
		lt = rules.listingType
	}
	if lt == model.ListingUnknown {
		lt = inferListingType(desc)
	}

	externalID := rec.String(m.ExternalID)
	fingerprint := addr.Fingerprint()

	lead := model.Lead{
		ID:          model.LeadID(rec.SourceID, externalID, fingerprint, contact),
		SourceID:    rec.SourceID,
		ExternalID:  externalID,
		Address:     addr,
		Contact:     contact,
		ListingType: lt,
		Price:       price,
		URL:         rec.String(m.URL),
		Description: desc,
		Location:    loc,
		FirstSeenAt: fetchedAt,
		LastSeenAt:  fetchedAt,
		Fingerprint: fingerprint,
		Provenance:  []model.SourceRef{{SourceID: rec.SourceID, ExternalID: externalID, SeenAt: fetchedAt}},
	}
	lead.DistressScore = n.scorer.Score(DistressInput{
		ListingType:  lt,
		Description:  desc,
		DaysOnMarket: dom,
		PriceReduced: ParseBool(rec.String(m.PriceReduced)),
	})
	return lead, nil
}

// NormalizeBatch normalizes records in order. Rejected records are logged
// and returned alongside the leads; they never stop the batch.
func (n *Normalizer) NormalizeBatch(records []model.RawRecord) ([]model.Lead, []*Error) {
	leads := make([]model.Lead, 0, len(records))
	var rejects []*Error
	for _, rec := range records {
		lead, err := n.Normalize(rec)
		if err != nil {
			var nerr *Error
			if !errors.As(err, &nerr) {
				nerr = &Error{SourceID: rec.SourceID, Seq: rec.Seq, Kind: KindUnparseableField, Err: err}
			}
			rejects = append(rejects, nerr)
			zap.L().Warn("normalize: record rejected",
				zap.String("source", rec.SourceID),
				zap.Int("seq", rec.Seq),
				zap.String("kind", string(nerr.Kind)),
				zap.String("field", nerr.Field),
			)
			continue
		}
		leads = append(leads, lead)
	}
	return leads, rejects
}

// rawAddress assembles the address from structured fields, falling back to
// parsing a single-line address. Structured parts win where both exist.
func rawAddress(rec model.RawRecord, m config.FieldMapping) model.Address {
	structured := model.Address{
		Street: rec.String(m.Street),
		Unit:   rec.String(m.Unit),
		City:   rec.String(m.City),
		State:  rec.String(m.State),
		Zip:    padZip(rec.String(m.Zip)),
	}

	line := rec.String(m.Address)
	if line == "" && structured.City == "" && structured.State == "" && structured.Zip == "" &&
		strings.Contains(structured.Street, ",") {
		line, structured.Street = structured.Street, ""
	}
	if line == "" {
		return structured
	}

	parsed := ParseAddressLine(line)
	pick := func(s, p string) string {
		if s != "" {
			return s
		}
		return p
	}
	return model.Address{
		Street: pick(structured.Street, parsed.Street),
		Unit:   pick(structured.Unit, parsed.Unit),
		City:   pick(structured.City, parsed.City),
		State:  pick(structured.State, parsed.State),
		Zip:    pick(structured.Zip, parsed.Zip),
	}
}

// padZip restores leading zeros dropped when a spreadsheet or JSON source
// stores the zip as a number, so 2134 reads as 02134.
func padZip(zip string) string {
	if zip == "" || strings.Trim(zip, "0123456789") != "" {
		return zip
	}
	switch len(zip) {
	case 3, 4:
		return strings.Repeat("0", 5-len(zip)) + zip
	case 7, 8:
		return strings.Repeat("0", 9-len(zip)) + zip
	}
	return zip
}

// ParsePrice reads prices such as "$250,000", "250k" or "1.2M". An empty
// value is zero.
func ParsePrice(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("$", "", ",", "", " ", "", "usd", "").Replace(s)
	if s == "" {
		return 0, nil
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, eris.Errorf("price out of range: %v", v)
	}
	return v * mult, nil
}

func parseLocation(lat, lng string) (*model.LatLng, error) {
	if lat == "" || lng == "" {
		return nil, nil
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, err
	}
	lo, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, err
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return nil, eris.Errorf("coordinates out of range: %v,%v", la, lo)
	}
	return &model.LatLng{Lat: la, Lng: lo}, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseDate accepts the date formats seen across listing sites and county
// exports.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

// ParseBool treats yes/true/y/1/x as true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "x", "t":
		return true
	}
	return false
}
