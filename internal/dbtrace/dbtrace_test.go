package dbtrace

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	// sleep_ms lets tests make individual queries arbitrarily slow.
	sql.Register("sqlite3_bench", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("sleep_ms", func(ms int64) int64 {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return ms
			}, false)
		},
	})
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3_bench", ":memory:")
	require.NoError(t, err)
	// a single conn keeps :memory: state visible across queries
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE documents (id INTEGER PRIMARY KEY, owner_id INTEGER, category TEXT, created_at TEXT)`,
		`CREATE INDEX idx_documents_owner ON documents (owner_id)`,
		`INSERT INTO documents (owner_id, category, created_at) VALUES (1, 'reports', '2026-01-01'), (1, 'reports', '2026-01-02'), (2, 'drafts', '2026-01-03')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func TestInstrument_SlowQueryRecorded(t *testing.T) {
	db := openTestDB(t)

	var notified []SlowQueryRecord
	d := Instrument(db, &Config{
		SlowQueryThreshold: 100 * time.Millisecond,
		OnSlowQuery:        func(r SlowQueryRecord) { notified = append(notified, r) },
	}, zap.NewNop())

	ctx := context.Background()
	rows, err := d.QueryContext(ctx, "SELECT sleep_ms(150)")
	require.NoError(t, err)
	for rows.Next() {
	}
	require.NoError(t, rows.Close())

	slow := d.SlowQueries()
	require.Len(t, slow, 1)
	assert.GreaterOrEqual(t, slow[0].Duration, 100*time.Millisecond)
	assert.Equal(t, "SELECT sleep_ms(150)", slow[0].SQL)
	assert.Equal(t, int64(1), slow[0].RowsReturned)
	assert.Len(t, notified, 1)
}

func TestAddSlowQueryHandler_NotifiedAlongsideConfigured(t *testing.T) {
	db := openTestDB(t)

	var configured, added int
	d := Instrument(db, &Config{
		SlowQueryThreshold: 100 * time.Millisecond,
		OnSlowQuery:        func(SlowQueryRecord) { configured++ },
	}, zap.NewNop())
	d.AddSlowQueryHandler(func(r SlowQueryRecord) {
		added++
		assert.Equal(t, "SELECT sleep_ms(150)", r.SQL)
	})

	rows, err := d.QueryContext(context.Background(), "SELECT sleep_ms(150)")
	require.NoError(t, err)
	for rows.Next() {
	}
	require.NoError(t, rows.Close())

	assert.Equal(t, 1, configured)
	assert.Equal(t, 1, added)
}

func TestInstrument_FastQueryNotRecorded(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	rows, err := d.QueryContext(context.Background(), "SELECT id FROM documents")
	require.NoError(t, err)
	for rows.Next() {
	}
	require.NoError(t, rows.Close())

	assert.Empty(t, d.SlowQueries())
	st := d.Stats()
	assert.Equal(t, int64(1), st.TotalQueries)
	assert.Equal(t, int64(1), st.ByKind[KindSelect])
}

func TestInstrument_StatementDistribution(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := d.ExecContext(ctx, "INSERT INTO documents (owner_id, category, created_at) VALUES (3, 'x', 'now')")
	require.NoError(t, err)
	_, err = d.ExecContext(ctx, "UPDATE documents SET category = 'y' WHERE owner_id = 3")
	require.NoError(t, err)
	_, err = d.ExecContext(ctx, "DELETE FROM documents WHERE owner_id = 3")
	require.NoError(t, err)
	rows, err := d.QueryContext(ctx, "SELECT COUNT(*) FROM documents")
	require.NoError(t, err)
	rows.Close()

	st := d.Stats()
	assert.Equal(t, int64(4), st.TotalQueries)
	assert.Equal(t, int64(1), st.ByKind[KindInsert])
	assert.Equal(t, int64(1), st.ByKind[KindUpdate])
	assert.Equal(t, int64(1), st.ByKind[KindDelete])
	assert.Equal(t, int64(1), st.ByKind[KindSelect])
	assert.Zero(t, st.Errors)
}

func TestInstrument_ErrorsCounted(t *testing.T) {
	db := openTestDB(t)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	_, err := d.QueryContext(context.Background(), "SELECT * FROM no_such_table")
	require.Error(t, err)
	assert.Equal(t, int64(1), d.Stats().Errors)
	assert.Empty(t, d.SlowQueries(), "failed queries are not slow queries")
}

func TestExtractTables(t *testing.T) {
	cases := []struct {
		sql  string
		want []string
	}{
		{"SELECT * FROM documents", []string{"documents"}},
		{"SELECT d.id FROM documents d JOIN users u ON u.id = d.owner_id", []string{"documents", "users"}},
		{"INSERT INTO notifications (user_id) VALUES (1)", []string{"notifications"}},
		{"UPDATE experiments SET name = 'x'", []string{"experiments"}},
		{"SELECT 1", nil},
		{"SELECT * FROM (SELECT id FROM documents)", []string{"documents"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractTables(tc.sql), tc.sql)
	}
}

func TestClassifyStatement(t *testing.T) {
	assert.Equal(t, KindSelect, ClassifyStatement("  select 1"))
	assert.Equal(t, KindInsert, ClassifyStatement("INSERT INTO t VALUES (1)"))
	assert.Equal(t, KindUpdate, ClassifyStatement("Update t SET a = 1"))
	assert.Equal(t, KindDelete, ClassifyStatement("DELETE FROM t"))
	assert.Equal(t, KindOther, ClassifyStatement("PRAGMA page_size"))
	assert.Equal(t, KindOther, ClassifyStatement(""))
}

func TestCollectStorageMetrics(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	m, err := d.CollectStorageMetrics(context.Background())
	require.NoError(t, err)
	assert.Positive(t, m.PageSize)
	assert.Positive(t, m.PageCount)
	assert.Equal(t, m.PageSize*m.PageCount, m.TotalBytes)
	assert.False(t, m.VacuumRecommended, "fresh database has no free pages")
}

func TestFindMissingIndexes(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	missing, err := d.FindMissingIndexes(context.Background(), DefaultIndexChecklist())
	require.NoError(t, err)

	// owner_id is indexed; (category, created_at) is not. Tables that
	// do not exist in this schema are skipped entirely.
	require.Len(t, missing, 1)
	assert.Equal(t, "documents", missing[0].Table)
	assert.Equal(t, []string{"category", "created_at"}, missing[0].Columns)
}

func TestFindMissingIndexes_CoveredByCompound(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	_, err := db.Exec(`CREATE INDEX idx_documents_cat_created ON documents (category, created_at)`)
	require.NoError(t, err)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	missing, err := d.FindMissingIndexes(context.Background(), DefaultIndexChecklist())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunBenchmark(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	stmts := []Statement{
		{Name: "list_by_owner", Weight: 3, SQL: "SELECT id FROM documents WHERE owner_id = ?", Args: []any{1}, ExpectedRows: 2},
		{Name: "count_all", Weight: 1, SQL: "SELECT COUNT(*) FROM documents", ExpectedRows: 1},
	}
	res, err := d.RunBenchmark(context.Background(), stmts, BenchmarkConfig{
		Iterations:  200,
		Concurrency: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(200), res.Total)
	assert.Zero(t, res.Errors)
	assert.Positive(t, res.Throughput)
	assert.Positive(t, res.PerStatement["list_by_owner"].Executions)
	assert.Positive(t, res.PerStatement["count_all"].Executions)
	assert.LessOrEqual(t, res.P50Latency, res.P95Latency)
	assert.LessOrEqual(t, res.P95Latency, res.P99Latency)
}

func TestRunBenchmark_RowMismatch(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	stmts := []Statement{
		{Name: "wrong_expectation", Weight: 1, SQL: "SELECT id FROM documents", ExpectedRows: 99},
	}
	res, err := d.RunBenchmark(context.Background(), stmts, BenchmarkConfig{
		Iterations:  10,
		Concurrency: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Errors)
	assert.Equal(t, int64(10), res.PerStatement["wrong_expectation"].RowMismatches)
}

func TestRunBenchmark_Paced(t *testing.T) {
	db := openTestDB(t)
	seedSchema(t, db)
	d := Instrument(db, DefaultConfig(), zap.NewNop())

	stmts := []Statement{
		{Name: "count", Weight: 1, SQL: "SELECT COUNT(*) FROM documents"},
	}
	start := time.Now()
	res, err := d.RunBenchmark(context.Background(), stmts, BenchmarkConfig{
		Iterations:  20,
		Concurrency: 2,
		TargetRPS:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Total)
	// 20 executions at 100 rps with burst 2 need at least ~150ms
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRunBenchmark_Validation(t *testing.T) {
	db := openTestDB(t)
	d := Instrument(db, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := d.RunBenchmark(ctx, nil, BenchmarkConfig{Iterations: 1, Concurrency: 1})
	assert.Error(t, err)
	_, err = d.RunBenchmark(ctx, []Statement{{Name: "a", Weight: 0, SQL: "SELECT 1"}},
		BenchmarkConfig{Iterations: 1, Concurrency: 1})
	assert.Error(t, err)
	_, err = d.RunBenchmark(ctx, []Statement{{Name: "a", Weight: 1, SQL: "SELECT 1"}},
		BenchmarkConfig{Iterations: 0, Concurrency: 1})
	assert.Error(t, err)
}
