package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/db"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	run_trigger TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	record      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS run_leads (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	lead_id     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	lead        JSONB NOT NULL,
	PRIMARY KEY (run_id, lead_id)
);

CREATE TABLE IF NOT EXISTS history_meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  BIGINT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS history_leads (
	fingerprint   TEXT NOT NULL,
	id            TEXT NOT NULL,
	suppressed    BOOLEAN NOT NULL DEFAULT false,
	first_seen_at TIMESTAMPTZ NOT NULL,
	lead          JSONB NOT NULL,
	version       BIGINT NOT NULL,
	PRIMARY KEY (fingerprint, id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_leads_fingerprint ON run_leads(fingerprint);
CREATE INDEX IF NOT EXISTS idx_history_leads_version ON history_leads(version);
`

var historyColumns = []string{"fingerprint", "id", "suppressed", "first_seen_at", "lead", "version"}

var runLeadColumns = []string{"run_id", "lead_id", "fingerprint", "source_id", "lead"}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now()
	}
	return s.nowFunc()
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	record, err := encodeRun(run)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, run_trigger, status, started_at, record) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Trigger, string(run.Status), run.StartedAt, record,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

// FinalizeRun stores the finished record and copies its lead set into
// run_leads in one transaction.
func (s *PostgresStore) FinalizeRun(ctx context.Context, run *model.Run) error {
	record, err := encodeRun(run)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin finalize tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1, finished_at = $2, record = $3 WHERE id = $4`,
		string(run.Status), run.FinishedAt, record, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: finalize run %s", run.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_leads WHERE run_id = $1`, run.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear run leads %s", run.ID)
	}
	rows := make([][]any, 0, len(run.Leads))
	for _, l := range run.Leads {
		data, err := json.Marshal(l)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal lead %s", l.ID)
		}
		rows = append(rows, []any{run.ID, l.ID, l.Fingerprint, l.SourceID, data})
	}
	if _, err := db.CopyFrom(ctx, tx, "run_leads", runLeadColumns, rows); err != nil {
		return eris.Wrap(err, "postgres")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit finalize")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var record []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM runs WHERE id = $1`, runID).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r, err := decodeRun(record, true)
	return r, eris.Wrap(err, "postgres")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT record FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Trigger != "" {
		query += fmt.Sprintf(` AND run_trigger = $%d`, argIdx)
		args = append(args, filter.Trigger)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r, err := decodeRun(record, false)
		if err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LoadHistory(ctx context.Context) (*history.Index, error) {
	var version int64
	var savedAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT version, saved_at FROM history_meta WHERE id = 1`).Scan(&version, &savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.New(), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load history meta")
	}

	rows, err := s.pool.Query(ctx, `SELECT lead FROM history_leads WHERE version = $1`, version)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load history leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history lead")
		}
		l, err := decodeLead(data)
		if err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: load history iterate")
	}
	return history.FromLeads(version, savedAt, leads), nil
}

// SaveHistory bulk-upserts every lead under the new version, prunes rows
// from older versions and bumps history_meta, all in one transaction.
func (s *PostgresStore) SaveHistory(ctx context.Context, idx *history.Index) error {
	hrows, err := historyRows(idx)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}
	rows := make([][]any, len(hrows))
	for i, r := range hrows {
		rows[i] = []any{r.Fingerprint, r.ID, r.Suppressed, r.FirstSeenAt, r.Lead, idx.Version}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin history tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "history_leads",
		Columns:      historyColumns,
		ConflictKeys: []string{"fingerprint", "id"},
	}, rows); err != nil {
		return eris.Wrap(err, "postgres: save history")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM history_leads WHERE version <> $1`, idx.Version); err != nil {
		return eris.Wrap(err, "postgres: prune history")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO history_meta (id, version, saved_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at`,
		idx.Version, s.now().UTC(),
	); err != nil {
		return eris.Wrap(err, "postgres: write history meta")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit history")
}
