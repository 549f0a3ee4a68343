package source

import (
	"context"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// staticAdapter serves records listed inline in the source config, used
// for manual imports and fixtures.
type staticAdapter struct {
	id   string
	deps Deps
}

func (a *staticAdapter) ID() string { return a.id }

func (a *staticAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	c := newCollector(cfg, a.deps.now())
	for _, rec := range cfg.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.add(rec) {
			break
		}
	}
	return c.records, nil
}
