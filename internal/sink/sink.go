// Package sink delivers the leads of a finished run to downstream
// consumers: files, a webhook, Notion and Salesforce.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/pkg/notion"
	"github.com/sells-group/lead-aggregator/pkg/salesforce"
)

// Sink receives the final lead set of a run. Deliver is invoked once per
// run; delivering the same run twice must not duplicate output.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, run *model.Run) error
}

// DeliveryError reports a failed delivery to one sink.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func deliveryErr(name string, err error) error {
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{Sink: name, Err: err}
}

// Multi delivers to each sink in order. A failing sink does not stop the
// others; the failures are joined into the returned error.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string { return "multi" }

// Deliver implements Sink.
func (m Multi) Deliver(ctx context.Context, run *model.Run) error {
	var errs []error
	for _, s := range m {
		start := time.Now()
		if err := s.Deliver(ctx, run); err != nil {
			zap.L().Error("sink: delivery failed",
				zap.String("sink", s.Name()),
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
			errs = append(errs, deliveryErr(s.Name(), err))
			continue
		}
		zap.L().Info("sink: delivered",
			zap.String("sink", s.Name()),
			zap.String("run_id", run.ID),
			zap.Int("leads", len(run.Leads)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return errors.Join(errs...)
}

// Failed returns the names of the sinks behind err.
func Failed(err error) []string {
	var names []string
	for _, de := range Errors(err) {
		names = append(names, de.Sink)
	}
	return names
}

// Errors returns the per-sink failures behind err, in delivery order.
func Errors(err error) []*DeliveryError {
	if err == nil {
		return nil
	}
	var out []*DeliveryError
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var de *DeliveryError
		if errors.As(e, &de) {
			out = append(out, de)
		}
	}
	walk(err)
	return out
}

// Deps carries the clients sinks may need.
type Deps struct {
	HTTP       *http.Client
	Retry      resilience.RetryConfig
	Notion     notion.Client
	NotionDB   string
	Salesforce salesforce.Client
}

// FromConfig builds the configured sinks. An empty configuration yields an
// empty Multi, which delivers nothing.
func FromConfig(cfg config.DeliveryConfig, deps Deps) (Multi, error) {
	var out Multi
	for _, f := range cfg.Formats {
		switch f {
		case "csv":
			out = append(out, &CSVSink{Dir: cfg.Dir})
		case "xlsx":
			out = append(out, &XLSXSink{Dir: cfg.Dir})
		default:
			return nil, eris.Errorf("sink: unknown format %q", f)
		}
	}
	if cfg.WebhookURL != "" {
		out = append(out, &WebhookSink{URL: cfg.WebhookURL, Client: deps.HTTP, Retry: deps.Retry})
	}
	if cfg.Notion {
		if deps.Notion == nil || deps.NotionDB == "" {
			return nil, eris.New("sink: notion delivery needs a client and database id")
		}
		out = append(out, &NotionSink{Client: deps.Notion, DatabaseID: deps.NotionDB})
	}
	if cfg.Salesforce {
		if deps.Salesforce == nil {
			return nil, eris.New("sink: salesforce delivery needs a client")
		}
		out = append(out, &SalesforceSink{Client: deps.Salesforce})
	}
	return out, nil
}
