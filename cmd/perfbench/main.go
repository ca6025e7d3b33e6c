// cmd/perfbench/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/FairForge/perfbench/internal/baseline"
	"github.com/FairForge/perfbench/internal/bench"
	"github.com/FairForge/perfbench/internal/config"
	"github.com/FairForge/perfbench/internal/dbtrace"
	"github.com/FairForge/perfbench/internal/logger"
	"github.com/FairForge/perfbench/internal/metrics"
)

func main() {
	var (
		configPath  = flag.String("config", "perfbench.yaml", "path to run configuration")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus exposition address (overrides config)")
		dbDSN       = flag.String("db-dsn", "", "database DSN for query instrumentation (overrides config)")
		dbDriver    = flag.String("db-driver", "", "database driver: postgres or sqlite3 (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfbench: %v\n", err)
		os.Exit(2)
	}
	config.LoadFromEnv(cfg)
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *dbDSN != "" {
		cfg.Database.DSN = *dbDSN
	}
	if *dbDriver != "" {
		cfg.Database.Driver = *dbDriver
	}

	log, err := logger.New(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfbench: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	pattern, err := cfg.BuildPattern()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(serr))
			}
		}()
		defer srv.Close()
		log.Info("metrics exposed", zap.String("addr", cfg.Metrics.Addr))
	}

	registry := baseline.NewRegistry(cfg.Benchmark.BaselineDir, log)
	if err := registry.LoadAll(); err != nil {
		return err
	}

	var traced *dbtrace.DB
	if cfg.Database.DSN != "" {
		db, derr := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if derr != nil {
			return fmt.Errorf("open database: %w", derr)
		}
		defer db.Close()

		traced = dbtrace.Instrument(db, &dbtrace.Config{
			SlowQueryThreshold: time.Duration(cfg.Database.SlowQueryThresholdMs) * time.Millisecond,
			OnSlowQuery:        func(dbtrace.SlowQueryRecord) { collector.RecordSlowQuery() },
		}, log)
	}

	b := cfg.Benchmark
	orch, err := bench.New(bench.Config{
		TestName:         b.TestName,
		Duration:         b.Duration.Std(),
		WarmupIterations: b.WarmupIterations,
		Cooldown:         b.Cooldown.Std(),
		MaxConcurrency:   b.MaxConcurrency,
		TargetRPS:        b.TargetRPS,
		Pattern:          pattern,
		Thresholds: bench.Thresholds{
			MaxAvgLatency: time.Duration(b.Thresholds.MaxAvgLatencyMs) * time.Millisecond,
			MaxP95Latency: time.Duration(b.Thresholds.MaxP95LatencyMs) * time.Millisecond,
			MaxP99Latency: time.Duration(b.Thresholds.MaxP99LatencyMs) * time.Millisecond,
			MaxErrorRate:  b.Thresholds.MaxErrorRate,
			MinThroughput: b.Thresholds.MinThroughput,
			MaxHeapBytes:  b.Thresholds.MaxHeapBytes,
			MaxCPUPercent: b.Thresholds.MaxCPUPercent,
			MaxDBLatency:  time.Duration(b.Thresholds.MaxDBLatencyMs) * time.Millisecond,
		},
		ReportDir: b.ReportDir,
	}, registry, log)
	if err != nil {
		return err
	}
	orch.SetMetrics(collector)
	if traced != nil {
		orch.SetDatabase(traced)
	}

	client := &http.Client{}
	for _, op := range b.Operations {
		if err := orch.Register(op.Name, op.Weight, op.Timeout.Std(),
			httpOperation(client, op.Method, op.URL), nil); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(report)
	log.Info("run finished",
		zap.String("test", report.TestName),
		zap.Duration("uptime", collector.Uptime()))

	if traced != nil && len(cfg.Database.Benchmark.Statements) > 0 {
		if err := runDBBenchmark(ctx, cfg, traced, log); err != nil {
			return err
		}
	}

	if !report.Success {
		os.Exit(1)
	}
	return nil
}

// httpOperation builds an invoke callable for one HTTP endpoint. Any
// status of 400 or above counts as a failure.
func httpOperation(client *http.Client, method, url string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	}
}

func runDBBenchmark(ctx context.Context, cfg *config.Config, traced *dbtrace.DB, log *zap.Logger) error {
	stmts := make([]dbtrace.Statement, 0, len(cfg.Database.Benchmark.Statements))
	for _, s := range cfg.Database.Benchmark.Statements {
		stmts = append(stmts, dbtrace.Statement{
			Name:         s.Name,
			Weight:       s.Weight,
			SQL:          s.SQL,
			ExpectedRows: s.ExpectedRows,
		})
	}

	res, err := traced.RunBenchmark(ctx, stmts, dbtrace.BenchmarkConfig{
		Iterations:  cfg.Database.Benchmark.Iterations,
		Concurrency: cfg.Database.Benchmark.Concurrency,
		TargetRPS:   cfg.Database.Benchmark.TargetRPS,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nDatabase benchmark: %d executions, %d errors, %.1f ops/s, p95 %v\n",
		res.Total, res.Errors, res.Throughput, res.P95Latency.Round(time.Millisecond))

	missing, err := traced.FindMissingIndexes(ctx, dbtrace.DefaultIndexChecklist())
	if err != nil {
		log.Warn("index check failed", zap.Error(err))
		return nil
	}
	for _, m := range missing {
		fmt.Printf("missing index: %s (%v)\n", m.Table, m.Columns)
	}
	return nil
}

func printSummary(r *bench.Report) {
	status := "PASS"
	if !r.Success {
		status = "FAIL"
	}
	fmt.Printf("\n%s  %s  score %.1f/100\n", status, r.TestName, r.Score)
	fmt.Printf("  completed %d  failed %d  throughput %.1f ops/s  error rate %.2f%%\n",
		r.Completed, r.Failed, r.Throughput, r.ErrorRate*100)
	fmt.Printf("  latency avg %v  p50 %v  p95 %v  p99 %v\n",
		r.AvgLatency.Round(time.Millisecond), r.P50Latency.Round(time.Millisecond),
		r.P95Latency.Round(time.Millisecond), r.P99Latency.Round(time.Millisecond))
	fmt.Printf("  peak heap %.1f MB  avg cpu %.1f%%\n",
		float64(r.PeakHeapBytes)/(1<<20), r.AvgCPUPercent)

	for _, b := range r.Bottlenecks {
		fmt.Printf("  bottleneck [%s/%s] %s\n", b.Type, b.Severity, b.Description)
	}
	for _, reg := range r.Regressions {
		fmt.Printf("  regression [%s] %s %.1f%%\n", reg.Severity, reg.Metric, reg.ChangePercent)
	}
}
