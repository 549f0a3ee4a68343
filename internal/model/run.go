package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RunStatus represents the state of one pipeline run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartiallyFailed || s == RunStatusFailed
}

// SourceStatus is the outcome of one adapter within a run.
type SourceStatus string

const (
	SourceStatusSuccess SourceStatus = "success"
	SourceStatusTimeout SourceStatus = "timeout"
	SourceStatusError   SourceStatus = "error"
	SourceStatusSkipped SourceStatus = "skipped"
)

// SourceResult holds the per-source outcome recorded on a Run.
type SourceResult struct {
	SourceID   string       `json:"source_id"`
	Status     SourceStatus `json:"status"`
	Fetched    int          `json:"fetched"`
	Normalized int          `json:"normalized"`
	Rejected   int          `json:"rejected"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	SkipReason string       `json:"skip_reason,omitempty"`
}

// Failed reports whether the source produced no usable output.
func (r SourceResult) Failed() bool {
	return r.Status == SourceStatusTimeout || r.Status == SourceStatusError
}

// Failure scopes.
const (
	ScopeSource      = "source"
	ScopeRecord      = "record"
	ScopeDedup       = "dedup"
	ScopePersistence = "persistence"
	ScopeDelivery    = "delivery"
)

// FailureEntry is one entry in a run's failure log.
type FailureEntry struct {
	At       time.Time `json:"at"`
	Scope    string    `json:"scope"`
	SourceID string    `json:"source_id,omitempty"`
	Ref      string    `json:"ref,omitempty"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
}

// DedupStats summarizes the dedup stage of a run.
type DedupStats struct {
	Input           int `json:"input"`
	Merged          int `json:"merged"`
	Refreshed       int `json:"refreshed"`
	Final           int `json:"final"`
	ScoringFailures int `json:"scoring_failures"`
}

// Run is the record of one end-to-end pipeline execution.
type Run struct {
	ID                 string                  `json:"id"`
	Trigger            string                  `json:"trigger"`
	StartedAt          time.Time               `json:"started_at"`
	FinishedAt         time.Time               `json:"finished_at,omitzero"`
	Status             RunStatus               `json:"status"`
	Sources            map[string]SourceResult `json:"sources"`
	Leads              []Lead                  `json:"leads,omitempty"`
	Failures           []FailureEntry          `json:"failures,omitempty"`
	Dedup              DedupStats              `json:"dedup"`
	PersistenceWarning string                  `json:"persistence_warning,omitempty"`
	Delivered          bool                    `json:"delivered"`
	Alert              bool                    `json:"alert"`
}

// NewRun creates a pending run.
func NewRun(id, trigger string, startedAt time.Time) *Run {
	return &Run{
		ID:        id,
		Trigger:   trigger,
		StartedAt: startedAt,
		Status:    RunStatusPending,
		Sources:   make(map[string]SourceResult),
	}
}

// AddFailure appends an entry to the failure log.
func (r *Run) AddFailure(f FailureEntry) {
	r.Failures = append(r.Failures, f)
}

// FailedSources returns the sorted ids of sources that timed out or errored.
func (r *Run) FailedSources() []string {
	var out []string
	for id, res := range r.Sources {
		if res.Failed() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Finalize derives the terminal status from per-source outcomes and the
// persistence warning, and stamps FinishedAt. Skipped sources are not
// counted as attempted.
func (r *Run) Finalize(finishedAt time.Time) {
	attempted, failed := 0, 0
	for _, res := range r.Sources {
		if res.Status == SourceStatusSkipped {
			continue
		}
		attempted++
		if res.Failed() {
			failed++
		}
	}

	switch {
	case attempted > 0 && failed == attempted:
		r.Status = RunStatusFailed
		r.Alert = true
	case failed > 0 || r.PersistenceWarning != "":
		r.Status = RunStatusPartiallyFailed
	default:
		r.Status = RunStatusCompleted
	}
	r.FinishedAt = finishedAt
}

// Duration returns the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary is the structured observability record emitted once per run.
type RunSummary struct {
	RunID              string         `json:"run_id"`
	Trigger            string         `json:"trigger"`
	Status             RunStatus      `json:"status"`
	DurationMs         int64          `json:"duration_ms"`
	Sources            []SourceResult `json:"sources"`
	Dedup              DedupStats     `json:"dedup"`
	Failures           int            `json:"failures"`
	FailureKinds       map[string]int `json:"failure_kinds,omitempty"`
	PersistenceWarning string         `json:"persistence_warning,omitempty"`
	Delivered          bool           `json:"delivered"`
	Alert              bool           `json:"alert"`
}

// Summary builds the run summary. Sources are ordered by id.
func (r *Run) Summary() RunSummary {
	ids := make([]string, 0, len(r.Sources))
	for id := range r.Sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sources := make([]SourceResult, 0, len(ids))
	for _, id := range ids {
		sources = append(sources, r.Sources[id])
	}

	var kinds map[string]int
	for _, f := range r.Failures {
		if kinds == nil {
			kinds = make(map[string]int)
		}
		kinds[f.Scope+"/"+f.Kind]++
	}

	return RunSummary{
		RunID:              r.ID,
		Trigger:            r.Trigger,
		Status:             r.Status,
		DurationMs:         r.Duration().Milliseconds(),
		Sources:            sources,
		Dedup:              r.Dedup,
		Failures:           len(r.Failures),
		FailureKinds:       kinds,
		PersistenceWarning: r.PersistenceWarning,
		Delivered:          r.Delivered,
		Alert:              r.Alert,
	}
}

// String renders the summary as one human-readable line.
func (s RunSummary) String() string {
	parts := make([]string, 0, len(s.Sources))
	for _, res := range s.Sources {
		parts = append(parts, fmt.Sprintf("%s=%s(%d)", res.SourceID, res.Status, res.Normalized))
	}

	out := fmt.Sprintf("run %s %s in %s: sources[%s] input=%d merged=%d refreshed=%d final=%d failures=%d",
		s.RunID, s.Status, (time.Duration(s.DurationMs) * time.Millisecond).String(),
		strings.Join(parts, " "), s.Dedup.Input, s.Dedup.Merged, s.Dedup.Refreshed, s.Dedup.Final, s.Failures)
	if s.PersistenceWarning != "" {
		out += " persistence_warning=" + s.PersistenceWarning
	}
	return out
}
