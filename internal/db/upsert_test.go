package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "history_leads",
		Columns:      []string{"id", "lead"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "history_leads",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "history_leads",
		Columns: []string{"id", "lead"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_InTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_history_leads"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_history_leads"}, []string{"id", "lead"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "history_leads"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	n, err := BulkUpsert(ctx, tx, UpsertConfig{
		Table:        "history_leads",
		Columns:      []string{"id", "lead"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", "{}"}, {"b", "{}"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_history_leads"}, []string{"id"}).
		WillReturnError(fmt.Errorf("disk full"))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	_, err = BulkUpsert(ctx, tx, UpsertConfig{
		Table:        "history_leads",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for history_leads")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	got := UpsertSQL("history_leads", "_tmp", []string{"id", "lead", "version"}, []string{"id"}, []string{"lead", "version"})
	assert.Equal(t,
		`INSERT INTO "history_leads" ("id", "lead", "version") SELECT "id", "lead", "version" FROM "_tmp" `+
			`ON CONFLICT ("id") DO UPDATE SET "lead" = EXCLUDED."lead", "version" = EXCLUDED."version"`,
		got)

	got = UpsertSQL("run_leads", "_tmp", []string{"run_id", "lead_id"}, []string{"run_id", "lead_id"}, nil)
	assert.Contains(t, got, `ON CONFLICT ("run_id", "lead_id") DO NOTHING`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"leads.history_leads", `"leads"."history_leads"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
	assert.Equal(t, "_tmp_upsert_leads_history_leads", TempTableName("leads.history_leads"))
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
