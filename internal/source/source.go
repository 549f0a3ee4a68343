// Package source fetches raw lead records from external listing sites,
// classified feeds, marketplaces and public-records files.
package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/pkg/jina"
)

// Adapter produces the raw records of one source for one run.
type Adapter interface {
	// ID returns the configured source id.
	ID() string
	// Fetch returns the source's records in fetch order. The context
	// carries the source timeout.
	Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error)
}

// Kind classifies a source failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindAuth        Kind = "auth_failure"
	KindParse       Kind = "parse_failure"
	KindUnavailable Kind = "unavailable"
)

// Error is the only error a guarded adapter returns.
type Error struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func parseErr(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindParse, Err: err}
}

// Classify maps an arbitrary fetch error onto a Kind.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var blocked *fetcher.BlockedError
	if errors.As(err, &blocked) {
		return KindAuth
	}
	switch resilience.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
		return KindAuth
	}

	var (
		jsonErr *json.SyntaxError
		typeErr *json.UnmarshalTypeError
		xmlErr  *xml.SyntaxError
		csvErr  *csv.ParseError
	)
	if errors.As(err, &jsonErr) || errors.As(err, &typeErr) || errors.As(err, &xmlErr) || errors.As(err, &csvErr) {
		return KindParse
	}
	return KindUnavailable
}

// Deps holds the shared clients adapters fetch through.
type Deps struct {
	HTTP     *fetcher.HTTPFetcher
	Files    fetcher.Fetcher
	Reader   jina.Client
	Breakers *resilience.Breakers
	TempDir  string
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// New builds the adapter variant for cfg.Kind, wrapped with the source's
// circuit breaker, record cap and fetch logging. The source's minimum
// request spacing is registered with the shared HTTP fetcher.
func New(cfg config.SourceConfig, deps Deps) (Adapter, error) {
	var inner Adapter
	switch cfg.Kind {
	case config.KindZillow:
		inner = &zillowAdapter{id: cfg.ID, deps: deps}
	case config.KindCraigslist:
		inner = &craigslistAdapter{id: cfg.ID, deps: deps}
	case config.KindMarketplace:
		inner = &marketplaceAdapter{id: cfg.ID, deps: deps}
	case config.KindPublicRecords:
		inner = &publicRecordsAdapter{id: cfg.ID, deps: deps}
	case config.KindParcels:
		inner = &parcelsAdapter{id: cfg.ID, deps: deps}
	case config.KindStatic:
		inner = &staticAdapter{id: cfg.ID, deps: deps}
	default:
		return nil, eris.Errorf("source: %s: unknown kind %q", cfg.ID, cfg.Kind)
	}

	if needsHTTP(cfg.Kind) && deps.HTTP == nil {
		return nil, eris.Errorf("source: %s: kind %q needs an HTTP fetcher", cfg.ID, cfg.Kind)
	}
	if deps.HTTP != nil && cfg.URL != "" && cfg.MinIntervalMs > 0 {
		deps.HTTP.SetMinInterval(cfg.URL, time.Duration(cfg.MinIntervalMs)*time.Millisecond)
	}

	g := &guarded{inner: inner}
	if deps.Breakers != nil {
		g.breaker = deps.Breakers.Get("source:" + cfg.ID)
	}
	return g, nil
}

func needsHTTP(kind string) bool {
	switch kind {
	case config.KindZillow, config.KindCraigslist, config.KindMarketplace:
		return true
	}
	return false
}

type guarded struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
}

func (g *guarded) ID() string { return g.inner.ID() }

func (g *guarded) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	start := time.Now()
	log := zap.L().With(zap.String("source", g.ID()), zap.String("kind", cfg.Kind))

	fetch := func(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
		return SafeFetch(ctx, g.inner, cfg)
	}
	var (
		records []model.RawRecord
		err     error
	)
	if g.breaker != nil {
		records, err = resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) ([]model.RawRecord, error) {
			return fetch(ctx, cfg)
		})
	} else {
		records, err = fetch(ctx, cfg)
	}

	// A cancelled run context reports as a timeout even when the adapter
	// surfaced a secondary error.
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	duration := time.Since(start)
	if err != nil {
		kind := Classify(err)
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		log.Warn("source: fetch failed",
			zap.String("error_kind", string(kind)),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.Error(err),
		)
		return nil, &Error{Source: g.ID(), Kind: kind, Err: err}
	}

	if cfg.MaxRecords > 0 && len(records) > cfg.MaxRecords {
		records = records[:cfg.MaxRecords]
	}
	log.Info("source: fetched",
		zap.Int("records", len(records)),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return records, nil
}

// SafeFetch calls a.Fetch and turns a panic inside the adapter into a
// parse_failure Error.
func SafeFetch(ctx context.Context, a Adapter, cfg config.SourceConfig) (records []model.RawRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("source: adapter panicked",
				zap.String("source", a.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			records = nil
			err = &Error{Source: a.ID(), Kind: KindParse, Err: eris.Errorf("adapter panic: %v", r)}
		}
	}()
	return a.Fetch(ctx, cfg)
}

// collector assigns sequence numbers in fetch order and stops accepting
// records once the source's cap is reached.
type collector struct {
	source    string
	max       int
	fetchedAt time.Time
	records   []model.RawRecord
}

func newCollector(cfg config.SourceConfig, fetchedAt time.Time) *collector {
	return &collector{source: cfg.ID, max: cfg.MaxRecords, fetchedAt: fetchedAt}
}

func (c *collector) full() bool {
	return c.max > 0 && len(c.records) >= c.max
}

// add appends a record and reports whether more are wanted.
func (c *collector) add(fields map[string]any) bool {
	if c.full() {
		return false
	}
	c.records = append(c.records, model.NewRawRecord(c.source, len(c.records), c.fetchedAt, fields))
	return !c.full()
}

// addRows appends string-valued rows, skipping rows without any value.
func (c *collector) addRows(rows []map[string]string) {
	for _, row := range rows {
		fields := make(map[string]any, len(row))
		for k, v := range row {
			if v != "" {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			continue
		}
		if !c.add(fields) {
			return
		}
	}
}
