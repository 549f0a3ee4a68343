package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAllSourcesFailed  AlertType = "all_sources_failed"
	AlertPersistenceFailed AlertType = "persistence_failed"
	AlertDeliveryFailed    AlertType = "delivery_failed"
	AlertSourceFailureRate AlertType = "source_failure_rate"
	AlertRunFailureRate    AlertType = "run_failure_rate"
	AlertSourceDown        AlertType = "source_down"
)

// minRunsForRate is the number of finished runs needed before the
// run failure rate is judged.
const minRunsForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates finished runs and recent-run snapshots against the
// configured thresholds and sends alerts via webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	nowFunc func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks one finished run and returns any alerts.
func (a *Alerter) Evaluate(run *model.Run) []Alert {
	var alerts []Alert
	now := a.nowFunc()

	attempted := 0
	for _, res := range run.Sources {
		if res.Status != model.SourceStatusSkipped {
			attempted++
		}
	}
	failed := run.FailedSources()

	if run.Status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertAllSourcesFailed,
			Severity: "critical",
			RunID:    run.ID,
			Message:  fmt.Sprintf("Run %s: all %d sources failed (%s)", run.ID, attempted, strings.Join(failed, ", ")),
			Details: map[string]any{
				"sources": failed,
			},
			Timestamp: now,
		})
	} else if attempted > 0 && len(failed) > 0 {
		rate := float64(len(failed)) / float64(attempted)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertSourceFailureRate,
				Severity: "high",
				RunID:    run.ID,
				Message: fmt.Sprintf(
					"Run %s: source failure rate %.1f%% exceeds threshold %.1f%% (%d of %d failed)",
					run.ID, rate*100, a.cfg.FailureRateThreshold*100, len(failed), attempted,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"sources":      failed,
				},
				Timestamp: now,
			})
		}
	}

	if run.PersistenceWarning != "" {
		alerts = append(alerts, Alert{
			Type:      AlertPersistenceFailed,
			Severity:  "critical",
			RunID:     run.ID,
			Message:   fmt.Sprintf("Run %s: history index not saved: %s", run.ID, run.PersistenceWarning),
			Timestamp: now,
		})
	}

	var deliveryErrs []string
	for _, f := range run.Failures {
		if f.Scope == model.ScopeDelivery {
			deliveryErrs = append(deliveryErrs, f.Message)
		}
	}
	if len(deliveryErrs) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertDeliveryFailed,
			Severity: "high",
			RunID:    run.ID,
			Message:  fmt.Sprintf("Run %s: delivery failed: %s", run.ID, strings.Join(deliveryErrs, "; ")),
			Details: map[string]any{
				"leads": len(run.Leads),
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateSnapshot checks recent run history and returns any alerts.
func (a *Alerter) EvaluateSnapshot(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.nowFunc()

	finished := snap.Completed + snap.PartiallyFailed + snap.Failed
	if finished >= minRunsForRate && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d runs)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100, snap.Failed, finished, snap.Lookback,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	for _, id := range snap.DownSources() {
		alerts = append(alerts, Alert{
			Type:     AlertSourceDown,
			Severity: "medium",
			Message:  fmt.Sprintf("Source %s failed in each of the last %d runs", id, snap.Total),
			Details: map[string]any{
				"source":     id,
				"last_error": snap.SourceErrors[id],
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
