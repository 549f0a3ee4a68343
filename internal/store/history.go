package store

import (
	"context"

	"github.com/sells-group/lead-aggregator/internal/history"
)

// HistoryPersister adapts a Store to history.Persister so the index can
// live next to the run records.
type HistoryPersister struct {
	st   Store
	name string
}

// NewHistoryPersister wraps st. name labels errors (e.g. "sqlite").
func NewHistoryPersister(st Store, name string) *HistoryPersister {
	return &HistoryPersister{st: st, name: name}
}

// Load implements history.Persister.
func (p *HistoryPersister) Load(ctx context.Context) (*history.Index, error) {
	idx, err := p.st.LoadHistory(ctx)
	if err != nil {
		return nil, &history.PersistenceError{Op: "load", Path: p.name, Err: err}
	}
	return idx, nil
}

// Save implements history.Persister.
func (p *HistoryPersister) Save(ctx context.Context, idx *history.Index) error {
	if err := p.st.SaveHistory(ctx, idx); err != nil {
		return &history.PersistenceError{Op: "save", Path: p.name, Err: err}
	}
	return nil
}

var _ history.Persister = (*HistoryPersister)(nil)
