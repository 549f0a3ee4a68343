package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "sqlite: create directory")
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	run_trigger TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	record      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history_meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  INTEGER NOT NULL,
	saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history_leads (
	fingerprint   TEXT NOT NULL,
	id            TEXT NOT NULL,
	suppressed    INTEGER NOT NULL DEFAULT 0,
	first_seen_at TEXT NOT NULL,
	lead          TEXT NOT NULL,
	version       INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_history_leads_version ON history_leads(version);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	record, err := encodeRun(run)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, run_trigger, status, started_at, record) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Trigger, string(run.Status), formatTime(run.StartedAt), string(record),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *model.Run) error {
	record, err := encodeRun(run)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, record = ? WHERE id = ?`,
		string(run.Status), formatTime(run.FinishedAt), string(record), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", run.ID)
	}
	return checkRowsAffected(res, run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE id = ?`, runID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	r, err := decodeRun([]byte(record), true)
	return r, eris.Wrap(err, "sqlite")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT record FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Trigger != "" {
		query += ` AND run_trigger = ?`
		args = append(args, filter.Trigger)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := decodeRun([]byte(record), false)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LoadHistory(ctx context.Context) (*history.Index, error) {
	var version int64
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT version, saved_at FROM history_meta WHERE id = 1`).Scan(&version, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return history.New(), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load history meta")
	}
	ts, err := parseTime(savedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse history saved_at")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT lead FROM history_leads WHERE version = ?`, version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load history leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history lead")
		}
		l, err := decodeLead([]byte(data))
		if err != nil {
			return nil, eris.Wrap(err, "sqlite")
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: load history iterate")
	}
	return history.FromLeads(version, ts, leads), nil
}

// SaveHistory replaces the stored index in one transaction: every lead is
// upserted under the new version, then rows from older versions are removed.
func (s *SQLiteStore) SaveHistory(ctx context.Context, idx *history.Index) error {
	rows, err := historyRows(idx)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin history tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_leads (id, fingerprint, suppressed, first_seen_at, lead, version)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint, id) DO UPDATE SET
		   suppressed = excluded.suppressed,
		   first_seen_at = excluded.first_seen_at, lead = excluded.lead, version = excluded.version`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare history upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Fingerprint, r.Suppressed, formatTime(r.FirstSeenAt), string(r.Lead), idx.Version); err != nil {
			return eris.Wrapf(err, "sqlite: upsert history lead %s", r.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_leads WHERE version <> ?`, idx.Version); err != nil {
		return eris.Wrap(err, "sqlite: prune history")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history_meta (id, version, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, saved_at = excluded.saved_at`,
		idx.Version, formatTime(time.Now()),
	); err != nil {
		return eris.Wrap(err, "sqlite: write history meta")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit history")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "run %s", id)
	}
	return nil
}
