package dbtrace

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/perfbench/internal/shaper"
)

// Statement is a named weighted query executed during a database
// benchmark. ExpectedRows of zero disables the row-count check.
type Statement struct {
	Name         string
	Weight       float64
	SQL          string
	Args         []any
	ExpectedRows int64
}

// BenchmarkConfig controls a database benchmark run. TargetRPS of zero
// means unpaced.
type BenchmarkConfig struct {
	Iterations  int
	Concurrency int
	TargetRPS   float64
}

// StatementResult aggregates per-statement outcomes.
type StatementResult struct {
	Executions    int64
	Errors        int64
	RowMismatches int64
	TotalDuration time.Duration
}

// BenchmarkResult summarises a database benchmark run.
type BenchmarkResult struct {
	Total        int64
	Errors       int64
	Duration     time.Duration
	Throughput   float64 // executions per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	PerStatement map[string]*StatementResult
}

// RunBenchmark executes the weighted statements against the
// instrumented handle. Selection follows the registered weights;
// pacing, when requested, smooths submissions to the target rate.
func (d *DB) RunBenchmark(ctx context.Context, stmts []Statement, cfg BenchmarkConfig) (*BenchmarkResult, error) {
	if len(stmts) == 0 {
		return nil, errors.New("benchmark requires at least one statement")
	}
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	weights := make([]float64, len(stmts))
	for i, s := range stmts {
		if s.Weight <= 0 {
			return nil, fmt.Errorf("statement %q has non-positive weight %v", s.Name, s.Weight)
		}
		weights[i] = s.Weight
	}

	var limiter *rate.Limiter
	if cfg.TargetRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.TargetRPS), cfg.Concurrency)
	}

	perStmt := make(map[string]*StatementResult, len(stmts))
	for _, s := range stmts {
		perStmt[s.Name] = &StatementResult{}
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		total     int64
		errCount  int64
	)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pool := pond.New(cfg.Concurrency, cfg.Iterations)
	start := time.Now()

	for i := 0; i < cfg.Iterations; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		stmt := stmts[shaper.WeightedIndex(rng, weights)]
		pool.Submit(func() {
			dur, execErr := d.execBenchStatement(ctx, stmt)

			mu.Lock()
			defer mu.Unlock()
			total++
			latencies = append(latencies, dur)
			sr := perStmt[stmt.Name]
			sr.Executions++
			sr.TotalDuration += dur
			if execErr != nil {
				errCount++
				sr.Errors++
				if errors.Is(execErr, errRowMismatch) {
					sr.RowMismatches++
				}
			}
		})
	}
	pool.StopAndWait()
	elapsed := time.Since(start)

	res := &BenchmarkResult{
		Total:        total,
		Errors:       errCount,
		Duration:     elapsed,
		PerStatement: perStmt,
	}
	if elapsed > 0 {
		res.Throughput = float64(total) / elapsed.Seconds()
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		res.AvgLatency = sum / time.Duration(len(latencies))
		res.P50Latency = percentileDuration(latencies, 0.50)
		res.P95Latency = percentileDuration(latencies, 0.95)
		res.P99Latency = percentileDuration(latencies, 0.99)
	}

	d.logger.Info("database benchmark complete",
		zap.Int64("executions", res.Total),
		zap.Int64("errors", res.Errors),
		zap.Float64("throughput", res.Throughput),
		zap.Duration("p95", res.P95Latency))
	return res, nil
}

var errRowMismatch = errors.New("row count mismatch")

func (d *DB) execBenchStatement(ctx context.Context, stmt Statement) (time.Duration, error) {
	start := time.Now()
	if ClassifyStatement(stmt.SQL) == KindSelect {
		rows, err := d.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return time.Since(start), err
		}
		var n int64
		for rows.Next() {
			n++
		}
		closeErr := rows.Close()
		dur := time.Since(start)
		if closeErr != nil {
			return dur, closeErr
		}
		if stmt.ExpectedRows > 0 && n != stmt.ExpectedRows {
			return dur, fmt.Errorf("%w: statement %q returned %d rows, expected %d",
				errRowMismatch, stmt.Name, n, stmt.ExpectedRows)
		}
		return dur, rows.Err()
	}

	_, err := d.ExecContext(ctx, stmt.SQL, stmt.Args...)
	return time.Since(start), err
}

// percentileDuration assumes latencies are sorted ascending.
func percentileDuration(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
