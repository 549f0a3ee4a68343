// Package pipeline executes one Run: concurrent source fetches, normalization,
// the dedup barrier, History Index persistence and delivery.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/dedup"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/monitoring"
	"github.com/sells-group/lead-aggregator/internal/normalize"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/internal/sink"
	"github.com/sells-group/lead-aggregator/internal/source"
	"github.com/sells-group/lead-aggregator/internal/store"
)

// Deps holds the collaborators of a Pipeline. History is required; the
// rest are optional.
type Deps struct {
	// Sources is used to build adapters for configured sources.
	Sources source.Deps
	// Adapters overrides the adapter built for a source id.
	Adapters map[string]source.Adapter
	History  history.Persister
	Store    store.Store
	Sink     sink.Sink
	Alerter  *monitoring.Alerter
	// SaveRetry overrides the History Index save policy.
	SaveRetry *resilience.RetryConfig
	Now       func() time.Time
	NewID     func() string
}

type boundSource struct {
	cfg     config.SourceConfig
	adapter source.Adapter
}

// Pipeline orchestrates Runs. Execute calls are serialized.
type Pipeline struct {
	cfg        *config.Config
	sources    []boundSource
	skipped    []config.SourceConfig
	normalizer *normalize.Normalizer
	dedup      *dedup.Deduplicator
	history    history.Persister
	store      store.Store
	sink       sink.Sink
	alerter    *monitoring.Alerter
	saveRetry  resilience.RetryConfig
	now        func() time.Time
	newID      func() string

	runMu sync.Mutex

	snapMu   sync.RWMutex
	snapshot *history.Index
}

// New builds the adapters for every enabled source and loads the History
// Index. A History Index that cannot be read is fatal.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Pipeline, error) {
	if deps.History == nil {
		return nil, eris.New("pipeline: history persister is required")
	}

	p := &Pipeline{
		cfg:        cfg,
		normalizer: normalize.New(cfg.Normalize, cfg.Sources),
		dedup:      dedup.New(cfg.Dedup),
		history:    deps.History,
		store:      deps.Store,
		sink:       deps.Sink,
		alerter:    deps.Alerter,
		saveRetry:  resilience.HistorySaveRetry(cfg.History),
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if deps.SaveRetry != nil {
		p.saveRetry = *deps.SaveRetry
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}

	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			p.skipped = append(p.skipped, sc)
			continue
		}
		a, ok := deps.Adapters[sc.ID]
		if !ok {
			var err error
			a, err = source.New(sc, deps.Sources)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: build source %s", sc.ID)
			}
		}
		p.sources = append(p.sources, boundSource{cfg: sc, adapter: a})
	}

	idx, err := deps.History.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load history")
	}
	p.snapshot = idx
	zap.L().Info("pipeline: history loaded",
		zap.Int64("version", idx.Version),
		zap.Int("leads", idx.Len()),
		zap.Int("sources", len(p.sources)),
	)
	return p, nil
}

// Snapshot returns the current History Index. Callers must not modify it.
func (p *Pipeline) Snapshot() *history.Index {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snapshot
}

// sourceOutput is the per-source slot filled by one fetch goroutine.
type sourceOutput struct {
	records []model.RawRecord
	err     error
	elapsed time.Duration
}

// Execute performs one Run. The run context bounds the fetch stage only:
// once every adapter has returned, persistence and delivery run to
// completion so the History Index and the run record stay consistent.
// An error is returned only when the context is already done before the
// Run starts.
func (p *Pipeline) Execute(ctx context.Context, trigger string) (*model.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: run not started")
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	run := model.NewRun(p.newID(), trigger, p.now())
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("trigger", trigger))

	run.Status = model.RunStatusRunning
	if p.store != nil {
		if err := p.store.CreateRun(ctx, run); err != nil {
			log.Warn("pipeline: failed to create run record", zap.Error(err))
		}
	}
	log.Info("pipeline: run started", zap.Int("sources", len(p.sources)))

	for _, sc := range p.skipped {
		run.Sources[sc.ID] = model.SourceResult{SourceID: sc.ID, Status: model.SourceStatusSkipped, SkipReason: "disabled"}
	}

	outputs := p.fetchAll(ctx)

	finishCtx := context.WithoutCancel(ctx)

	var leads []model.Lead
	for i, bs := range p.sources {
		leads = append(leads, p.collect(run, bs.cfg, outputs[i])...)
	}

	p.resolve(finishCtx, run, leads, log)

	run.Finalize(p.now())
	p.deliver(finishCtx, run, log)

	if p.alerter != nil {
		alerts := p.alerter.Evaluate(run)
		if len(alerts) > 0 {
			run.Alert = true
			p.alerter.SendAlerts(finishCtx, alerts)
		}
	}
	run.Finalize(p.now())

	if p.store != nil {
		if err := p.store.FinalizeRun(finishCtx, run); err != nil {
			log.Warn("pipeline: failed to finalize run record", zap.Error(err))
		}
	}

	logSummary(run.Summary())
	return run, nil
}

// fetchAll runs every adapter with its own timeout, at most
// pipeline.concurrency at a time. Failures stay in their slot and never
// cancel siblings.
func (p *Pipeline) fetchAll(ctx context.Context) []sourceOutput {
	outputs := make([]sourceOutput, len(p.sources))

	limit := p.cfg.Pipeline.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, bs := range p.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gCtx, p.sourceTimeout(bs.cfg))
			defer cancel()

			start := time.Now()
			records, err := source.SafeFetch(sctx, bs.adapter, bs.cfg)
			if err == nil && sctx.Err() != nil {
				err = &source.Error{Source: bs.cfg.ID, Kind: source.KindTimeout, Err: sctx.Err()}
			}
			if err != nil {
				records = nil
			}
			outputs[i] = sourceOutput{records: records, err: err, elapsed: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

func (p *Pipeline) sourceTimeout(sc config.SourceConfig) time.Duration {
	if sc.TimeoutSecs > 0 {
		return time.Duration(sc.TimeoutSecs) * time.Second
	}
	if p.cfg.Pipeline.SourceTimeoutSecs > 0 {
		return time.Duration(p.cfg.Pipeline.SourceTimeoutSecs) * time.Second
	}
	return 2 * time.Minute
}

// collect records the source outcome on the run and normalizes its records
// in fetch order.
func (p *Pipeline) collect(run *model.Run, sc config.SourceConfig, out sourceOutput) []model.Lead {
	res := model.SourceResult{
		SourceID:   sc.ID,
		Status:     model.SourceStatusSuccess,
		DurationMs: out.elapsed.Milliseconds(),
	}

	if out.err != nil {
		kind := source.Classify(out.err)
		res.Status = model.SourceStatusError
		if kind == source.KindTimeout {
			res.Status = model.SourceStatusTimeout
		}
		res.ErrorKind = string(kind)
		res.Error = out.err.Error()
		run.Sources[sc.ID] = res
		run.AddFailure(model.FailureEntry{
			At:       p.now(),
			Scope:    model.ScopeSource,
			SourceID: sc.ID,
			Kind:     string(kind),
			Message:  out.err.Error(),
		})
		return nil
	}

	leads, rejects := p.normalizer.NormalizeBatch(out.records)
	for _, r := range rejects {
		run.AddFailure(model.FailureEntry{
			At:       p.now(),
			Scope:    model.ScopeRecord,
			SourceID: sc.ID,
			Ref:      strconv.Itoa(r.Seq),
			Kind:     string(r.Kind),
			Message:  r.Error(),
		})
	}
	res.Fetched = len(out.records)
	res.Normalized = len(leads)
	res.Rejected = len(rejects)
	run.Sources[sc.ID] = res
	return leads
}

// resolve runs the dedup barrier and persists the next History Index. The
// in-memory snapshot advances even when the save fails, so the next Run
// resolves against what this Run saw.
func (p *Pipeline) resolve(ctx context.Context, run *model.Run, leads []model.Lead, log *zap.Logger) {
	result := p.dedup.Resolve(p.Snapshot(), leads)
	run.Dedup = result.Stats
	run.Leads = result.Leads

	for _, l := range result.Invalid {
		run.AddFailure(model.FailureEntry{
			At:       p.now(),
			Scope:    model.ScopeDedup,
			SourceID: l.SourceID,
			Ref:      l.ID,
			Kind:     string(normalize.KindMissingAddress),
			Message:  "lead without address kept out of history",
		})
	}
	if result.Stats.ScoringFailures > 0 {
		run.AddFailure(model.FailureEntry{
			At:      p.now(),
			Scope:   model.ScopeDedup,
			Kind:    "scoring_failure",
			Message: strconv.Itoa(result.Stats.ScoringFailures) + " pairs could not be scored and were kept apart",
		})
	}

	err := resilience.Do(ctx, p.saveRetry, func(ctx context.Context) error {
		return p.history.Save(ctx, result.Index)
	})
	if err != nil {
		log.Error("pipeline: history save failed", zap.Error(err))
		run.PersistenceWarning = err.Error()
		run.Alert = true
		run.AddFailure(model.FailureEntry{
			At:      p.now(),
			Scope:   model.ScopePersistence,
			Kind:    "save_failed",
			Message: err.Error(),
		})
	} else {
		log.Info("pipeline: history saved",
			zap.Int64("version", result.Index.Version),
			zap.Int("leads", result.Index.Len()),
			zap.Int("suppressed", len(result.Suppressed)),
		)
	}

	p.snapMu.Lock()
	p.snapshot = result.Index
	p.snapMu.Unlock()
}

// deliver hands the run to the sink once. A failed delivery is recorded but
// never undoes persistence.
func (p *Pipeline) deliver(ctx context.Context, run *model.Run, log *zap.Logger) {
	if p.sink == nil {
		return
	}
	err := p.sink.Deliver(ctx, run)
	if err == nil {
		run.Delivered = true
		return
	}

	log.Error("pipeline: delivery failed", zap.Error(err))
	failures := sink.Errors(err)
	if len(failures) == 0 {
		failures = []*sink.DeliveryError{{Sink: p.sink.Name(), Err: err}}
	}
	for _, de := range failures {
		run.AddFailure(model.FailureEntry{
			At:      p.now(),
			Scope:   model.ScopeDelivery,
			Ref:     de.Sink,
			Kind:    "delivery_failed",
			Message: de.Error(),
		})
	}
}

func logSummary(s model.RunSummary) {
	zap.L().Info("run summary",
		zap.String("run_id", s.RunID),
		zap.String("trigger", s.Trigger),
		zap.String("status", string(s.Status)),
		zap.Int64("duration_ms", s.DurationMs),
		zap.Any("sources", s.Sources),
		zap.Any("dedup", s.Dedup),
		zap.Int("failures", s.Failures),
		zap.Any("failure_kinds", s.FailureKinds),
		zap.String("persistence_warning", s.PersistenceWarning),
		zap.Bool("delivered", s.Delivered),
		zap.Bool("alert", s.Alert),
		zap.String("line", s.String()),
	)
}
