// Package bench orchestrates benchmark runs: it wires the traffic
// shaper, concurrency gate, resource sampler, and database
// instrumentation together and turns one run into a scored report.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/perfbench/internal/baseline"
	"github.com/FairForge/perfbench/internal/dbtrace"
	"github.com/FairForge/perfbench/internal/gate"
	"github.com/FairForge/perfbench/internal/metrics"
	"github.com/FairForge/perfbench/internal/sampler"
	"github.com/FairForge/perfbench/internal/shaper"
)

// Phase is a step in the run lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWarmup    Phase = "warmup"
	PhaseMain      Phase = "main"
	PhaseCooldown  Phase = "cooldown"
	PhaseReporting Phase = "reporting"
)

// Config describes one benchmark run.
type Config struct {
	TestName         string
	Duration         time.Duration
	WarmupIterations int           // 0 skips warmup
	Cooldown         time.Duration // 0 skips cooldown
	MaxConcurrency   int
	Pattern          shaper.Pattern
	TargetRPS        float64 // throughput score target; 0 falls back to MinThroughput
	Thresholds       Thresholds
	ReportDir        string         // empty disables report files
	Sampler          sampler.Config // zero fields take defaults
}

// Handlers are typed callbacks for run events. All optional.
type Handlers struct {
	OnRunStarted   func(testName string)
	OnRunCompleted func(*Report)
	OnPhase        func(Phase)
	OnSample       func(sampler.Snapshot)
	OnLeak         func(sampler.Leak)
	OnPressure     func(sampler.PressurePoint)
	OnGCEvent      func(sampler.GCEvent)
	OnSlowQuery    func(dbtrace.SlowQueryRecord)
}

// Orchestrator drives benchmark runs. Registries and instrumentation
// are injected at construction; two orchestrators never share state.
type Orchestrator struct {
	cfg       Config
	registry  *baseline.Registry
	logger    *zap.Logger
	handlers  Handlers
	collector *metrics.Collector
	db        *dbtrace.DB

	mu      sync.Mutex
	phase   Phase
	ops     []shaper.Operation
	records []shaper.InvocationRecord
}

// New validates the run configuration and builds an orchestrator.
// Configuration problems are the only fatal errors; everything after
// Run starts ends up in the report instead.
func New(cfg Config, registry *baseline.Registry, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.TestName == "" {
		return nil, errors.New("bench: test name is required")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("bench: duration must be positive, got %v", cfg.Duration)
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("bench: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.Pattern == nil {
		return nil, errors.New("bench: traffic pattern is required")
	}
	if err := cfg.Pattern.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("bench: baseline registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		phase:    PhaseIdle,
	}, nil
}

// Register adds an operation to the run mix. The invoke callable is
// opaque; only its result, error, and elapsed time are observed.
func (o *Orchestrator) Register(name string, weight float64, timeout time.Duration,
	invoke func(ctx context.Context) (any, error), validate func(any) bool) error {
	if name == "" {
		return errors.New("bench: operation name is required")
	}
	if weight <= 0 {
		return fmt.Errorf("bench: operation %q has non-positive weight %v", name, weight)
	}
	if invoke == nil {
		return fmt.Errorf("bench: operation %q has no invoke function", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, shaper.Operation{
		Name:     name,
		Weight:   weight,
		Timeout:  timeout,
		Invoke:   invoke,
		Validate: validate,
	})
	return nil
}

// SetHandlers installs run event callbacks. Call before Run.
func (o *Orchestrator) SetHandlers(h Handlers) { o.handlers = h }

// SetMetrics attaches a Prometheus collector. Call before Run.
func (o *Orchestrator) SetMetrics(c *metrics.Collector) { o.collector = c }

// SetDatabase attaches instrumented database access so the report can
// include query statistics and storage metrics. Call before Run.
func (o *Orchestrator) SetDatabase(d *dbtrace.DB) {
	o.db = d
	if d == nil {
		return
	}
	d.AddSlowQueryHandler(func(rec dbtrace.SlowQueryRecord) {
		if o.handlers.OnSlowQuery != nil {
			o.handlers.OnSlowQuery(rec)
		}
	})
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()

	o.logger.Info("phase transition", zap.String("phase", string(p)))
	if o.collector != nil {
		o.collector.RecordPhase(string(p))
	}
	if o.handlers.OnPhase != nil {
		o.handlers.OnPhase(p)
	}
}

// Run executes the full lifecycle and always returns a report once the
// run has started; operational failures surface through the report's
// Success flag and bottleneck list, never as an error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return nil, fmt.Errorf("bench: run already in progress (phase %s)", o.phase)
	}
	ops := make([]shaper.Operation, len(o.ops))
	copy(ops, o.ops)
	o.records = o.records[:0]
	o.mu.Unlock()

	g, err := gate.New(o.cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	sh, err := shaper.New(o.cfg.Pattern, ops, g, o.logger, o.appendRecord)
	if err != nil {
		return nil, err
	}
	if o.collector != nil {
		sh.SetRateFunc(o.collector.SetTargetRate)
	}

	started := time.Now()
	o.logger.Info("run started",
		zap.String("test", o.cfg.TestName),
		zap.Duration("duration", o.cfg.Duration),
		zap.Int("max_concurrency", o.cfg.MaxConcurrency),
		zap.String("pattern", o.cfg.Pattern.Kind()))
	if o.handlers.OnRunStarted != nil {
		o.handlers.OnRunStarted(o.cfg.TestName)
	}

	if o.cfg.WarmupIterations > 0 {
		o.setPhase(PhaseWarmup)
		o.warmup(ctx, ops)
	}

	o.setPhase(PhaseMain)
	smp := sampler.New(o.cfg.Sampler, sampler.Handlers{
		OnSample:   o.onSample(g),
		OnLeak:     o.handlers.OnLeak,
		OnPressure: o.handlers.OnPressure,
		OnGCEvent:  o.handlers.OnGCEvent,
	}, o.logger)
	smp.Start()

	if err := sh.Run(ctx, o.cfg.Duration); err != nil {
		// pattern was validated up front; treat a runtime refusal as a
		// failed run rather than aborting without a report
		o.logger.Error("traffic shaper stopped early", zap.Error(err))
	}

	if o.cfg.Cooldown > 0 {
		o.setPhase(PhaseCooldown)
		smp.ForceGC()
		o.idle(ctx, o.cfg.Cooldown)
	}
	smp.Stop()

	o.setPhase(PhaseReporting)
	report := o.buildReport(ctx, started, smp)

	if o.cfg.ReportDir != "" {
		if path, werr := report.WriteJSON(o.cfg.ReportDir); werr != nil {
			o.logger.Error("writing report failed", zap.Error(werr))
		} else {
			o.logger.Info("report written", zap.String("path", path))
		}
	}

	if o.collector != nil {
		o.collector.RecordRunDuration(report.CompletedAt.Sub(report.StartedAt))
	}
	o.setPhase(PhaseIdle)

	o.logger.Info("run completed",
		zap.String("test", o.cfg.TestName),
		zap.Int64("completed", report.Completed),
		zap.Float64("throughput", report.Throughput),
		zap.Float64("error_rate", report.ErrorRate),
		zap.Float64("score", report.Score),
		zap.Bool("success", report.Success))
	if o.handlers.OnRunCompleted != nil {
		o.handlers.OnRunCompleted(report)
	}
	return report, nil
}

// warmup issues a fixed number of invocations round-robin and discards
// their outcomes.
func (o *Orchestrator) warmup(ctx context.Context, ops []shaper.Operation) {
	for i := 0; i < o.cfg.WarmupIterations; i++ {
		if ctx.Err() != nil {
			return
		}
		op := ops[i%len(ops)]
		opCtx, cancel := ctx, context.CancelFunc(func() {})
		if op.Timeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		}
		_, _ = op.Invoke(opCtx)
		cancel()
	}
}

func (o *Orchestrator) appendRecord(rec shaper.InvocationRecord) {
	o.mu.Lock()
	o.records = append(o.records, rec)
	o.mu.Unlock()

	if o.collector != nil {
		o.collector.RecordInvocation(rec.Operation, rec.Succeeded, rec.Duration)
	}
}

// onSample bridges sampler snapshots to metrics and external handlers.
func (o *Orchestrator) onSample(g *gate.Gate) func(sampler.Snapshot) {
	return func(snap sampler.Snapshot) {
		if o.collector != nil {
			o.collector.RecordSample(snap.HeapUsed, snap.Goroutines, snap.CPUPercent)
			o.collector.SetInFlight(g.Active())
		}
		if o.handlers.OnSample != nil {
			o.handlers.OnSample(snap)
		}
	}
}

func (o *Orchestrator) idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

const maxReportedErrors = 20

func (o *Orchestrator) buildReport(ctx context.Context, started time.Time, smp *sampler.Sampler) *Report {
	o.mu.Lock()
	records := make([]shaper.InvocationRecord, len(o.records))
	copy(records, o.records)
	o.mu.Unlock()

	completedAt := time.Now()
	r := &Report{
		ID:          newReportID(),
		TestName:    o.cfg.TestName,
		StartedAt:   started,
		CompletedAt: completedAt,
	}

	durations := make([]time.Duration, 0, len(records))
	seenErrors := map[string]bool{}
	for _, rec := range records {
		r.Completed++
		durations = append(durations, rec.Duration)
		if rec.Succeeded {
			continue
		}
		r.Failed++
		switch {
		case errors.Is(rec.Err, shaper.ErrOperationTimeout):
			r.Timeouts++
		case errors.Is(rec.Err, shaper.ErrValidationFailed):
			r.ValidationFailures++
		}
		msg := fmt.Sprintf("%s: %v", rec.Operation, rec.Err)
		if !seenErrors[msg] && len(r.Errors) < maxReportedErrors {
			seenErrors[msg] = true
			r.Errors = append(r.Errors, msg)
		}
	}

	elapsed := o.cfg.Duration.Seconds()
	if elapsed > 0 {
		r.Throughput = float64(r.Completed) / elapsed
	}
	if r.Completed > 0 {
		r.ErrorRate = float64(r.Failed) / float64(r.Completed)
	}
	r.AvgLatency, r.P50Latency, r.P95Latency, r.P99Latency, r.MaxLatency = latencyStats(durations)

	r.PeakHeapBytes = smp.PeakHeap()
	r.AvgCPUPercent = smp.AvgCPUPercent()
	r.Leak = smp.DetectLeak()
	r.Trends = smp.AnalyzeTrends()
	r.Pressure = smp.PressurePoints()

	var dbStats *dbtrace.Stats
	if o.db != nil {
		st := o.db.Stats()
		dbStats = &st
		r.SlowQueries = o.db.SlowQueries()
		r.Bottlenecks = append(r.Bottlenecks, analyzeDatabase(o.db.AvgQueryDuration(), o.cfg.Thresholds)...)

		// instrumentation problems never fail the run
		if storage, serr := o.db.CollectStorageMetrics(ctx); serr != nil {
			o.logger.Warn("storage metrics unavailable", zap.Error(serr))
		} else {
			r.Storage = storage
		}
	}

	r.Bottlenecks = append(r.Bottlenecks, analyzeThresholds(r, o.cfg.Thresholds)...)
	for _, b := range r.Bottlenecks {
		r.Recommendations = append(r.Recommendations, b.Recommendation)
	}

	current := baseline.Metrics{
		Throughput:    r.Throughput,
		AvgLatencyMs:  float64(r.AvgLatency.Milliseconds()),
		P50LatencyMs:  float64(r.P50Latency.Milliseconds()),
		P95LatencyMs:  float64(r.P95Latency.Milliseconds()),
		P99LatencyMs:  float64(r.P99Latency.Milliseconds()),
		ErrorRate:     r.ErrorRate,
		PeakHeapBytes: r.PeakHeapBytes,
		Duration:      completedAt.Sub(started),
	}
	if _, ok := o.registry.Get(o.cfg.TestName); ok {
		r.Regressions = o.registry.Compare(o.cfg.TestName, current)
	} else if _, rerr := o.registry.Record(o.cfg.TestName, "", current); rerr != nil {
		o.logger.Warn("storing baseline failed", zap.Error(rerr))
	}
	if r.Regressions == nil {
		r.Regressions = []baseline.Regression{}
	}
	if r.Bottlenecks == nil {
		r.Bottlenecks = []Bottleneck{}
	}

	r.SubScores = computeSubScores(r, o.cfg.Thresholds, o.cfg.TargetRPS, dbStats)
	r.Score = overallScore(r.SubScores)
	r.Success = len(r.Bottlenecks) == 0
	return r
}
