package source

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

const zillowCardSelector = "article.property-card, div.list-card, li.listing-card, [data-test=property-card]"

var (
	zpidPattern = regexp.MustCompile(`(\d+)_zpid`)
	domPattern  = regexp.MustCompile(`(?i)(\d+)\s+days?\s+on`)
)

// zillowAdapter scrapes FSBO search result pages. Each card yields one
// record; paging stops at the first page without cards.
type zillowAdapter struct {
	id   string
	deps Deps
}

func (a *zillowAdapter) ID() string { return a.id }

func (a *zillowAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	if cfg.URL == "" {
		return nil, eris.New("zillow: url is required")
	}
	selector := cfg.Selector
	if selector == "" {
		selector = zillowCardSelector
	}
	pages := max(cfg.Pages, 1)

	c := newCollector(cfg, a.deps.now())
	for page := 1; page <= pages && !c.full(); page++ {
		u := pageURL(cfg.URL, page)
		body, err := a.deps.page(ctx, cfg, u)
		if err != nil {
			return nil, eris.Wrapf(err, "zillow: page %d", page)
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, parseErr(eris.Wrapf(err, "zillow: parse page %d", page))
		}

		cards := doc.Find(selector)
		if cards.Length() == 0 {
			break
		}
		cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
			fields := zillowCard(card, u)
			if fields == nil {
				return true
			}
			defaultListing(fields, cfg, string(model.ListingFSBO))
			return c.add(fields)
		})
	}
	return c.records, nil
}

// zillowCard extracts one listing card. Cards with neither an address nor
// a link are skipped.
func zillowCard(card *goquery.Selection, pageURL string) map[string]any {
	link := card.Find("a.property-card-link, a.list-card-link").First()
	if link.Length() == 0 {
		link = card.Find("a[href]").First()
	}
	href, _ := link.Attr("href")
	listingURL := resolveURL(pageURL, href)

	address := firstText(card, "address", "[data-test=property-card-addr]", ".list-card-addr", ".property-address")
	if address == "" && listingURL == "" {
		return nil
	}

	fields := map[string]any{}
	setIf(fields, "id", zillowID(card, href))
	setIf(fields, "address", address)
	setIf(fields, "url", listingURL)
	setIf(fields, "price", firstText(card, "[data-test=property-card-price]", ".list-card-price", ".price"))
	setIf(fields, "description", firstText(card, ".list-card-description", ".property-description", ".description", ".remarks"))
	setIf(fields, "name", firstText(card, ".owner-name", "[data-test=owner-name]"))

	phone := firstText(card, ".owner-phone", "[data-test=owner-phone]")
	if phone == "" {
		if tel, ok := card.Find(`a[href^="tel:"]`).First().Attr("href"); ok {
			phone = strings.TrimPrefix(tel, "tel:")
		}
	}
	setIf(fields, "phone", phone)

	if m := domPattern.FindStringSubmatch(card.Text()); m != nil {
		fields["days_on_market"] = m[1]
	}
	if card.Find(".price-reduced, [data-test=price-cut]").Length() > 0 {
		fields["price_reduced"] = "true"
	}
	return fields
}

func zillowID(card *goquery.Selection, href string) string {
	if id, ok := card.Attr("data-zpid"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if id, ok := card.Attr("id"); ok && strings.HasPrefix(id, "zpid_") {
		return strings.TrimPrefix(id, "zpid_")
	}
	if m := zpidPattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}
