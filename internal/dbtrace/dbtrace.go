// Package dbtrace wraps a database handle so every query's duration,
// table references, and row counts are recorded. Callers opt in by using
// the instrumented handle; the underlying driver is never altered.
package dbtrace

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatementKind buckets SQL statements for distribution reporting.
type StatementKind string

const (
	KindSelect StatementKind = "select"
	KindInsert StatementKind = "insert"
	KindUpdate StatementKind = "update"
	KindDelete StatementKind = "delete"
	KindOther  StatementKind = "other"
)

// SlowQueryRecord captures a query whose execution exceeded the slow
// threshold. RowsReturned is -1 until the result set is fully consumed.
type SlowQueryRecord struct {
	SQL          string
	Duration     time.Duration
	Timestamp    time.Time
	Tables       []string
	RowsReturned int64
}

// Stats summarises all instrumented calls.
type Stats struct {
	TotalQueries  int64
	SlowQueries   int64
	Errors        int64
	TotalDuration time.Duration
	ByKind        map[StatementKind]int64
}

// Config controls instrumentation behaviour.
type Config struct {
	SlowQueryThreshold time.Duration // default 100ms
	MaxSlowQueries     int           // retained slow records, default 100
	OnSlowQuery        func(SlowQueryRecord)
}

// DefaultConfig returns the standard instrumentation settings.
func DefaultConfig() *Config {
	return &Config{
		SlowQueryThreshold: 100 * time.Millisecond,
		MaxSlowQueries:     100,
	}
}

// DB is an instrumented database handle. It exposes the same query
// surface as *sql.DB and forwards every call unchanged.
type DB struct {
	inner  *sql.DB
	cfg    *Config
	logger *zap.Logger

	mu            sync.Mutex
	slow          []SlowQueryRecord
	onSlow        []func(SlowQueryRecord)
	byKind        map[StatementKind]int64
	totalQueries  int64
	totalDuration time.Duration
	errors        int64
}

// Instrument decorates a database handle. The handle is shared; closing
// the instrumented DB is the caller's responsibility via the original.
func Instrument(db *sql.DB, cfg *Config, logger *zap.Logger) *DB {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 100 * time.Millisecond
	}
	if cfg.MaxSlowQueries <= 0 {
		cfg.MaxSlowQueries = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		inner:  db,
		cfg:    cfg,
		logger: logger,
		byKind: make(map[StatementKind]int64),
	}
}

// Unwrap returns the underlying handle.
func (d *DB) Unwrap() *sql.DB { return d.inner }

// AddSlowQueryHandler registers a slow-query callback alongside the one
// set at instrumentation time. Call before issuing queries.
func (d *DB) AddSlowQueryHandler(fn func(SlowQueryRecord)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.onSlow = append(d.onSlow, fn)
	d.mu.Unlock()
}

// Rows counts consumed result rows and back-fills the matching slow
// record when the set is closed.
type Rows struct {
	*sql.Rows
	n      int64
	finish func(int64)
}

func (r *Rows) Next() bool {
	ok := r.Rows.Next()
	if ok {
		r.n++
	}
	return ok
}

func (r *Rows) Close() error {
	err := r.Rows.Close()
	if r.finish != nil {
		r.finish(r.n)
		r.finish = nil
	}
	return err
}

// QueryContext executes a query with timing. The returned rows must be
// closed as usual; closing finalises the row count.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	start := time.Now()
	rows, err := d.inner.QueryContext(ctx, query, args...)
	dur := time.Since(start)

	finish := d.record(query, dur, err, -1)
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows, finish: finish}, nil
}

// ExecContext executes a statement with timing. Row counts come from the
// driver's RowsAffected when available.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := d.inner.ExecContext(ctx, query, args...)
	dur := time.Since(start)

	rows := int64(-1)
	if err == nil && res != nil {
		if affected, aerr := res.RowsAffected(); aerr == nil {
			rows = affected
		}
	}
	d.record(query, dur, err, rows)
	return res, err
}

// QueryRowContext executes a single-row query with timing. Scan errors
// surface through the returned row and are not attributed here.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := d.inner.QueryRowContext(ctx, query, args...)
	d.record(query, time.Since(start), nil, -1)
	return row
}

// PingContext forwards to the underlying handle.
func (d *DB) PingContext(ctx context.Context) error {
	return d.inner.PingContext(ctx)
}

// record updates counters and, for slow calls, appends a slow-query
// record. The returned function (possibly nil) back-fills the record's
// row count once known.
func (d *DB) record(query string, dur time.Duration, err error, rows int64) func(int64) {
	kind := ClassifyStatement(query)

	d.mu.Lock()
	d.totalQueries++
	d.totalDuration += dur
	d.byKind[kind]++
	if err != nil {
		d.errors++
	}

	if dur < d.cfg.SlowQueryThreshold || err != nil {
		d.mu.Unlock()
		return nil
	}

	rec := SlowQueryRecord{
		SQL:          query,
		Duration:     dur,
		Timestamp:    time.Now(),
		Tables:       ExtractTables(query),
		RowsReturned: rows,
	}
	idx := -1
	if len(d.slow) < d.cfg.MaxSlowQueries {
		d.slow = append(d.slow, rec)
		idx = len(d.slow) - 1
	}
	handlers := d.onSlow
	d.mu.Unlock()

	d.logger.Warn("slow query detected",
		zap.String("sql", query),
		zap.Duration("duration", dur),
		zap.Strings("tables", rec.Tables))
	if d.cfg.OnSlowQuery != nil {
		d.cfg.OnSlowQuery(rec)
	}
	for _, fn := range handlers {
		fn(rec)
	}

	if idx < 0 {
		return nil
	}
	return func(n int64) {
		d.mu.Lock()
		if idx < len(d.slow) {
			d.slow[idx].RowsReturned = n
		}
		d.mu.Unlock()
	}
}

// Stats returns a copy of the accumulated counters.
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	byKind := make(map[StatementKind]int64, len(d.byKind))
	for k, v := range d.byKind {
		byKind[k] = v
	}
	return Stats{
		TotalQueries:  d.totalQueries,
		SlowQueries:   int64(len(d.slow)),
		Errors:        d.errors,
		TotalDuration: d.totalDuration,
		ByKind:        byKind,
	}
}

// SlowQueries returns a copy of the retained slow-query records.
func (d *DB) SlowQueries() []SlowQueryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SlowQueryRecord, len(d.slow))
	copy(out, d.slow)
	return out
}

// AvgQueryDuration returns the mean duration across all calls.
func (d *DB) AvgQueryDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.totalQueries == 0 {
		return 0
	}
	return d.totalDuration / time.Duration(d.totalQueries)
}

// ClassifyStatement buckets a statement by its leading keyword.
func ClassifyStatement(query string) StatementKind {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return KindOther
	}
	switch strings.ToLower(fields[0]) {
	case "select":
		return KindSelect
	case "insert":
		return KindInsert
	case "update":
		return KindUpdate
	case "delete":
		return KindDelete
	default:
		return KindOther
	}
}

// ExtractTables does a best-effort keyword scan for table references
// after from/join/update/insert into.
func ExtractTables(query string) []string {
	tokens := strings.Fields(strings.ToLower(query))
	seen := map[string]bool{}
	var tables []string

	add := func(raw string) {
		if strings.HasPrefix(raw, "(") {
			// subquery, not a table name
			return
		}
		name := strings.Trim(raw, `"'`+"`(),;")
		if name == "" {
			return
		}
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}

	for i, tok := range tokens {
		switch tok {
		case "from", "join", "update":
			if i+1 < len(tokens) {
				add(tokens[i+1])
			}
		case "into":
			if i > 0 && tokens[i-1] == "insert" && i+1 < len(tokens) {
				add(tokens[i+1])
			}
		}
	}
	return tables
}
