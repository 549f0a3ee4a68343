package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/resilience"
)

// WebhookPayload is the body posted by WebhookSink.
type WebhookPayload struct {
	RunID   string           `json:"run_id"`
	Status  model.RunStatus  `json:"status"`
	Summary model.RunSummary `json:"summary"`
	Leads   []model.Lead     `json:"leads"`
}

// WebhookSink posts the run's leads as JSON. The run id is sent as the
// Idempotency-Key header so receivers can drop repeated deliveries.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Retry  resilience.RetryConfig
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, run *model.Run) error {
	leads := run.Leads
	if leads == nil {
		leads = []model.Lead{}
	}
	body, err := json.Marshal(WebhookPayload{
		RunID:   run.ID,
		Status:  run.Status,
		Summary: run.Summary(),
		Leads:   leads,
	})
	if err != nil {
		return eris.Wrap(err, "webhook sink: marshal payload")
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	retry := s.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("sink", "webhook")
	}

	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "webhook sink: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", run.ID)

		resp, err := client.Do(req)
		if err != nil {
			return eris.Wrap(err, "webhook sink: post")
		}
		defer resp.Body.Close() //nolint:errcheck
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resilience.NewStatusError(s.URL, resp.StatusCode)
		}
		return nil
	})
}
