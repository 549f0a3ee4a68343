package source

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/pkg/jina"
)

// page fetches rawURL. When the site answers with a bot wall and the source
// allows it, the URL is fetched once more through the reader proxy.
func (d Deps) page(ctx context.Context, cfg config.SourceConfig, rawURL string) ([]byte, error) {
	p, err := d.HTTP.Get(ctx, rawURL, cfg.Headers)
	if err == nil {
		return p.Body, nil
	}

	var blocked *fetcher.BlockedError
	if !errors.As(err, &blocked) || !cfg.ReaderFallback || d.Reader == nil {
		return nil, err
	}

	zap.L().Info("source: page blocked, retrying through reader",
		zap.String("source", cfg.ID),
		zap.String("url", rawURL),
		zap.String("block", string(blocked.Type)),
	)
	resp, rerr := d.Reader.Read(ctx, rawURL, jina.FormatHTML)
	if rerr != nil {
		zap.L().Warn("source: reader fallback failed", zap.String("source", cfg.ID), zap.Error(rerr))
		return nil, err
	}
	body := resp.Data.Body()
	if strings.TrimSpace(body) == "" {
		return nil, err
	}
	return []byte(body), nil
}

// pageURL renders the URL of a 1-based result page. A "{page}" placeholder
// is substituted; otherwise pages after the first add a page query param.
func pageURL(base string, page int) string {
	n := strconv.Itoa(page)
	if strings.Contains(base, "{page}") {
		return strings.ReplaceAll(base, "{page}", n)
	}
	if page <= 1 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("page", n)
	u.RawQuery = q.Encode()
	return u.String()
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// firstText returns the collapsed text of the first selector that matches
// with non-empty content.
func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if t := collapse(s.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

var spaceRun = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// htmlText strips markup from an HTML fragment.
func htmlText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapse(fragment)
	}
	return collapse(doc.Text())
}

var (
	phonePattern = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// contactsIn pulls phone numbers and email addresses out of free text.
func contactsIn(text string) (phones, emails string) {
	return strings.Join(phonePattern.FindAllString(text, -1), ", "),
		strings.Join(emailPattern.FindAllString(text, -1), ", ")
}

// setIf stores v under key when non-empty.
func setIf(fields map[string]any, key, v string) {
	if v != "" {
		fields[key] = v
	}
}

// defaultListing tags records with the kind's listing type unless the
// source config names one for the normalizer.
func defaultListing(fields map[string]any, cfg config.SourceConfig, lt string) {
	if cfg.ListingType == "" {
		if _, ok := fields["listing_type"]; !ok {
			fields["listing_type"] = lt
		}
	}
}
