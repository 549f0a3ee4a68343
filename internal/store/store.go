// Package store persists run records and, optionally, the History Index in
// SQLite or Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// ErrRunNotFound is returned by GetRun and FinalizeRun for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	Trigger string          `json:"trigger,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for run records and history.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	FinalizeRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	// ListRuns returns run records newest first, without their lead sets.
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// History Index
	LoadHistory(ctx context.Context) (*history.Index, error)
	SaveHistory(ctx context.Context, idx *history.Index) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the store named by cfg.Driver. The "none" driver
// returns a nil Store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// limitOrDefault applies the default page size.
func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func encodeRun(run *model.Run) ([]byte, error) {
	data, err := json.Marshal(run)
	return data, eris.Wrap(err, "marshal run")
}

func decodeRun(data []byte, withLeads bool) (*model.Run, error) {
	var r model.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "unmarshal run")
	}
	if r.Sources == nil {
		r.Sources = make(map[string]model.SourceResult)
	}
	if !withLeads {
		r.Leads = nil
	}
	return &r, nil
}

// historyRow is one flattened History Index lead.
type historyRow struct {
	ID          string
	Fingerprint string
	Suppressed  bool
	FirstSeenAt time.Time
	Lead        []byte
}

func historyRows(idx *history.Index) ([]historyRow, error) {
	leads := idx.Leads()
	rows := make([]historyRow, 0, len(leads))
	for _, l := range leads {
		data, err := json.Marshal(l)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal lead %s", l.ID)
		}
		rows = append(rows, historyRow{
			ID:          l.ID,
			Fingerprint: l.Fingerprint,
			Suppressed:  l.Suppressed,
			FirstSeenAt: l.FirstSeenAt,
			Lead:        data,
		})
	}
	return rows, nil
}

func decodeLead(data []byte) (model.Lead, error) {
	var l model.Lead
	err := json.Unmarshal(data, &l)
	return l, eris.Wrap(err, "unmarshal lead")
}
