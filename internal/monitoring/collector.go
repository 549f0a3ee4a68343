package monitoring

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/store"
)

// Snapshot holds a view of the most recent runs.
type Snapshot struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	PartiallyFailed int     `json:"partially_failed"`
	Failed          int     `json:"failed"`
	InProgress      int     `json:"in_progress"`
	FailRate        float64 `json:"fail_rate"`
	Leads           int     `json:"leads"`

	// SourceFailures counts, per source, the runs in which it failed.
	SourceFailures map[string]int `json:"source_failures,omitempty"`
	// SourceAttempts counts, per source, the runs in which it was attempted.
	SourceAttempts map[string]int `json:"source_attempts,omitempty"`
	// SourceErrors holds the newest error seen for each failing source.
	SourceErrors map[string]string `json:"source_errors,omitempty"`

	LastRunAt   time.Time `json:"last_run_at,omitzero"`
	Lookback    int       `json:"lookback"`
	CollectedAt time.Time `json:"collected_at"`
}

// DownSources returns the sorted ids of sources that failed in every
// finished run of the window. At least two runs are required.
func (s *Snapshot) DownSources() []string {
	if s.Total < 2 {
		return nil
	}
	var out []string
	for id, n := range s.SourceFailures {
		if n == s.SourceAttempts[id] && n >= 2 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Collector gathers run metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect summarizes the newest lookback runs.
func (c *Collector) Collect(ctx context.Context, lookback int) (*Snapshot, error) {
	if lookback <= 0 {
		lookback = 10
	}
	snap := &Snapshot{
		Lookback:       lookback,
		CollectedAt:    time.Now().UTC(),
		SourceFailures: make(map[string]int),
		SourceAttempts: make(map[string]int),
		SourceErrors:   make(map[string]string),
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: lookback})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.StartedAt.After(snap.LastRunAt) {
			snap.LastRunAt = r.StartedAt
		}
		switch r.Status {
		case model.RunStatusCompleted:
			snap.Completed++
		case model.RunStatusPartiallyFailed:
			snap.PartiallyFailed++
		case model.RunStatusFailed:
			snap.Failed++
		default:
			snap.InProgress++
			continue
		}
		snap.Total++
		snap.Leads += r.Dedup.Final

		for id, res := range r.Sources {
			if res.Status == model.SourceStatusSkipped {
				continue
			}
			snap.SourceAttempts[id]++
			if res.Failed() {
				snap.SourceFailures[id]++
				// Runs arrive newest first.
				if _, ok := snap.SourceErrors[id]; !ok {
					snap.SourceErrors[id] = res.Error
				}
			}
		}
	}

	if snap.Total > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Total)
	}
	return snap, nil
}
