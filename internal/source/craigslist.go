package source

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// rssItem covers both RSS 2.0 items and the RDF items craigslist serves.
type rssItem struct {
	About       string `xml:"about,attr"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	Date        string `xml:"date"`
	PubDate     string `xml:"pubDate"`
	Lat         string `xml:"lat"`
	Long        string `xml:"long"`
}

var (
	postIDPattern   = regexp.MustCompile(`/(\d+)\.html`)
	pricePattern    = regexp.MustCompile(`\$[\d,]+(?:\.\d+)?`)
	locationPattern = regexp.MustCompile(`\s*\(([^()]*)\)\s*$`)
)

// craigslistAdapter reads a "by owner" housing search feed.
type craigslistAdapter struct {
	id   string
	deps Deps
}

func (a *craigslistAdapter) ID() string { return a.id }

func (a *craigslistAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	if cfg.URL == "" {
		return nil, eris.New("craigslist: url is required")
	}
	body, err := a.deps.page(ctx, cfg, cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "craigslist: fetch feed")
	}

	items, err := fetcher.Collect(ctx, cfg.MaxRecords, func(ctx context.Context) (<-chan rssItem, <-chan error) {
		return fetcher.StreamXML[rssItem](ctx, bytes.NewReader(body), "item")
	})
	if err != nil {
		return nil, parseErr(eris.Wrap(err, "craigslist: decode feed"))
	}

	c := newCollector(cfg, a.deps.now())
	for _, it := range items {
		fields := craigslistItem(it)
		defaultListing(fields, cfg, string(model.ListingFSBO))
		if !c.add(fields) {
			break
		}
	}
	return c.records, nil
}

// craigslistItem maps a feed item. Titles follow "$price / 3br - headline
// (location)"; the headline usually carries the street address.
func craigslistItem(it rssItem) map[string]any {
	link := strings.TrimSpace(it.Link)
	if link == "" {
		link = strings.TrimSpace(it.About)
	}
	title := htmlText(it.Title)
	desc := htmlText(it.Description)

	fields := map[string]any{}
	id := ""
	if m := postIDPattern.FindStringSubmatch(link); m != nil {
		id = m[1]
	} else if it.GUID != "" {
		id = strings.TrimSpace(it.GUID)
	}
	setIf(fields, "id", id)
	setIf(fields, "url", link)
	setIf(fields, "title", title)
	setIf(fields, "description", desc)

	headline := title
	if m := locationPattern.FindStringSubmatch(headline); m != nil {
		setIf(fields, "location", strings.TrimSpace(m[1]))
		headline = locationPattern.ReplaceAllString(headline, "")
	}
	if p := pricePattern.FindString(headline); p != "" {
		fields["price"] = p
	}
	parts := strings.Split(headline, " - ")
	setIf(fields, "address", strings.TrimSpace(parts[len(parts)-1]))

	phones, emails := contactsIn(desc)
	setIf(fields, "phone", phones)
	setIf(fields, "email", emails)

	date := strings.TrimSpace(it.Date)
	if date == "" {
		date = strings.TrimSpace(it.PubDate)
	}
	setIf(fields, "listed_at", date)
	setIf(fields, "lat", strings.TrimSpace(it.Lat))
	setIf(fields, "lng", strings.TrimSpace(it.Long))
	return fields
}
