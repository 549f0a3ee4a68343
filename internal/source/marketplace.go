package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// marketplaceAdapter reads a JSON listings endpoint. The listings are the
// top-level array, or the array under cfg.Selector when set.
type marketplaceAdapter struct {
	id   string
	deps Deps
}

func (a *marketplaceAdapter) ID() string { return a.id }

func (a *marketplaceAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	if cfg.URL == "" {
		return nil, eris.New("marketplace: url is required")
	}
	headers := maps.Clone(cfg.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "application/json"
	}
	cfg.Headers = headers

	c := newCollector(cfg, a.deps.now())
	pages := max(cfg.Pages, 1)
	for page := 1; page <= pages && !c.full(); page++ {
		body, err := a.deps.page(ctx, cfg, pageURL(cfg.URL, page))
		if err != nil {
			return nil, eris.Wrapf(err, "marketplace: page %d", page)
		}

		items, err := fetcher.Collect(ctx, cfg.MaxRecords, func(ctx context.Context) (<-chan map[string]any, <-chan error) {
			if cfg.Selector != "" {
				return fetcher.DecodeJSONArrayAt[map[string]any](ctx, bytes.NewReader(body), cfg.Selector)
			}
			return fetcher.DecodeJSONArray[map[string]any](ctx, bytes.NewReader(body))
		})
		if err != nil {
			return nil, parseErr(eris.Wrapf(err, "marketplace: decode page %d", page))
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			fields := flatten(item)
			defaultListing(fields, cfg, string(model.ListingMarketplace))
			if !c.add(fields) {
				break
			}
		}
	}
	return c.records, nil
}

// flatten turns nested objects into dotted keys ("seller.name") and joins
// scalar arrays, leaving values a RawRecord can carry.
func flatten(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	flattenInto(out, "", item)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := m[k].(type) {
		case nil:
		case map[string]any:
			flattenInto(out, key, v)
		case []any:
			var parts []string
			for _, e := range v {
				if s := scalarString(e); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				out[key] = strings.Join(parts, ", ")
			}
		case bool:
			out[key] = strconv.FormatBool(v)
		case json.Number:
			out[key] = v.String()
		default:
			out[key] = v
		}
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil, map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
