package dbtrace

import (
	"context"
	"fmt"
	"strings"
)

// StorageMetrics describes on-disk usage of a SQLite database.
type StorageMetrics struct {
	PageSize           int64   `json:"page_size"`
	PageCount          int64   `json:"page_count"`
	FreePages          int64   `json:"free_pages"`
	TotalBytes         int64   `json:"total_bytes"`
	FreeBytes          int64   `json:"free_bytes"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	VacuumRecommended  bool    `json:"vacuum_recommended"`
}

// vacuumFreeRatio is the free-page fraction above which a vacuum is
// suggested.
const vacuumFreeRatio = 0.10

// CollectStorageMetrics reads page accounting via PRAGMAs. It only
// works against SQLite handles; other engines return an error and the
// caller treats the metrics as unavailable.
func (d *DB) CollectStorageMetrics(ctx context.Context) (*StorageMetrics, error) {
	var m StorageMetrics

	pragmas := []struct {
		name string
		dst  *int64
	}{
		{"page_size", &m.PageSize},
		{"page_count", &m.PageCount},
		{"freelist_count", &m.FreePages},
	}
	for _, p := range pragmas {
		row := d.inner.QueryRowContext(ctx, "PRAGMA "+p.name)
		if err := row.Scan(p.dst); err != nil {
			return nil, fmt.Errorf("read pragma %s: %w", p.name, err)
		}
	}

	m.TotalBytes = m.PageSize * m.PageCount
	m.FreeBytes = m.PageSize * m.FreePages
	if m.PageCount > 0 {
		m.FragmentationRatio = float64(m.FreePages) / float64(m.PageCount)
	}
	m.VacuumRecommended = m.FragmentationRatio > vacuumFreeRatio
	return &m, nil
}

// IndexExpectation names an index a hot query shape depends on.
// Columns are the leading columns the index must cover, in order.
type IndexExpectation struct {
	Table      string
	Columns    []string
	QueryShape string
}

// MissingIndex reports an expectation with no covering index.
type MissingIndex struct {
	Table   string
	Columns []string
	Reason  string
}

// DefaultIndexChecklist covers the query shapes the benchmark suite
// exercises against application tables.
func DefaultIndexChecklist() []IndexExpectation {
	return []IndexExpectation{
		{Table: "documents", Columns: []string{"owner_id"}, QueryShape: "documents by owner"},
		{Table: "documents", Columns: []string{"category", "created_at"}, QueryShape: "category listing ordered by recency"},
		{Table: "experiments", Columns: []string{"name"}, QueryShape: "experiment lookup by name"},
		{Table: "assignments", Columns: []string{"experiment_id", "subject_id"}, QueryShape: "assignment lookup per subject"},
		{Table: "notifications", Columns: []string{"user_id", "read"}, QueryShape: "unread notifications per user"},
	}
}

// FindMissingIndexes checks each expectation against the indexes SQLite
// reports. Tables that do not exist are skipped so the checklist can be
// shared across schemas.
func (d *DB) FindMissingIndexes(ctx context.Context, checklist []IndexExpectation) ([]MissingIndex, error) {
	var missing []MissingIndex
	for _, exp := range checklist {
		exists, err := d.tableExists(ctx, exp.Table)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		covered, err := d.hasCoveringIndex(ctx, exp.Table, exp.Columns)
		if err != nil {
			return nil, err
		}
		if !covered {
			missing = append(missing, MissingIndex{
				Table:   exp.Table,
				Columns: exp.Columns,
				Reason:  fmt.Sprintf("no index covers (%s) for %s", strings.Join(exp.Columns, ", "), exp.QueryShape),
			})
		}
	}
	return missing, nil
}

func (d *DB) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	row := d.inner.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// hasCoveringIndex reports whether any index on the table starts with
// the wanted columns in order.
func (d *DB) hasCoveringIndex(ctx context.Context, table string, want []string) (bool, error) {
	rows, err := d.inner.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%q)", table))
	if err != nil {
		return false, fmt.Errorf("index_list %s: %w", table, err)
	}
	var names []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan index_list %s: %w", table, err)
		}
		names = append(names, name)
	}
	if err := rows.Close(); err != nil {
		return false, err
	}

	for _, name := range names {
		cols, err := d.indexColumns(ctx, name)
		if err != nil {
			return false, err
		}
		if prefixMatches(cols, want) {
			return true, nil
		}
	}
	return false, nil
}

func (d *DB) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := d.inner.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%q)", index))
	if err != nil {
		return nil, fmt.Errorf("index_info %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  string
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scan index_info %s: %w", index, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func prefixMatches(have, want []string) bool {
	if len(have) < len(want) {
		return false
	}
	for i, col := range want {
		if !strings.EqualFold(have[i], col) {
			return false
		}
	}
	return true
}
