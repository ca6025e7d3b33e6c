// Package baseline stores per-test performance baselines and grades new
// results against them. Registries are explicit values handed to the
// orchestrator; nothing is kept in package-level state.
package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metrics captures the key indicators of a benchmark run.
type Metrics struct {
	Throughput    float64       `json:"throughput"` // operations per second
	AvgLatencyMs  float64       `json:"avg_latency_ms"`
	P50LatencyMs  float64       `json:"p50_latency_ms"`
	P95LatencyMs  float64       `json:"p95_latency_ms"`
	P99LatencyMs  float64       `json:"p99_latency_ms"`
	ErrorRate     float64       `json:"error_rate"` // 0..1
	PeakHeapBytes uint64        `json:"peak_heap_bytes"`
	Duration      time.Duration `json:"duration"`
}

// Baseline is a recorded reference point for one named test.
type Baseline struct {
	TestName   string    `json:"test_name"`
	Version    string    `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
	Metrics    Metrics   `json:"metrics"`
}

// Severity grades how far a metric drifted past its baseline.
type Severity string

const (
	SeverityMinor  Severity = "minor"  // worse by more than 3%
	SeverityMajor  Severity = "major"  // worse by more than 10%
	SeveritySevere Severity = "severe" // worse by more than 25%
)

const (
	minorCutoff  = 3.0
	majorCutoff  = 10.0
	severeCutoff = 25.0
)

// Regression describes one metric that degraded past tolerance.
// ChangePercent is signed relative change from the baseline value, so a
// throughput drop reads negative and a latency increase reads positive.
type Regression struct {
	Metric        string   `json:"metric"`
	BaselineValue float64  `json:"baseline_value"`
	CurrentValue  float64  `json:"current_value"`
	ChangePercent float64  `json:"change_percent"`
	Severity      Severity `json:"severity"`
}

// Registry holds baselines keyed by test name, optionally persisted as
// one JSON file per test under dir.
type Registry struct {
	mu        sync.RWMutex
	baselines map[string]*Baseline
	dir       string
	logger    *zap.Logger
}

// NewRegistry creates a registry. An empty dir disables persistence.
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		baselines: make(map[string]*Baseline),
		dir:       dir,
		logger:    logger,
	}
}

// Record stores a new baseline for the test, replacing any previous one,
// and persists it when a directory is configured.
func (r *Registry) Record(testName, version string, m Metrics) (*Baseline, error) {
	b := &Baseline{
		TestName:   testName,
		Version:    version,
		RecordedAt: time.Now(),
		Metrics:    m,
	}

	r.mu.Lock()
	r.baselines[testName] = b
	r.mu.Unlock()

	if r.dir != "" {
		if err := r.save(b); err != nil {
			return nil, err
		}
	}
	r.logger.Info("baseline recorded",
		zap.String("test", testName),
		zap.Float64("throughput", m.Throughput),
		zap.Float64("p95_ms", m.P95LatencyMs))
	return b, nil
}

// Get retrieves the baseline for a test.
func (r *Registry) Get(testName string) (*Baseline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.baselines[testName]
	return b, ok
}

// Names returns all recorded test names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.baselines))
	for name := range r.baselines {
		names = append(names, name)
	}
	return names
}

// Compare grades current metrics against the stored baseline for the
// test. A missing baseline yields no regressions; the first run of a
// test is its own reference.
func (r *Registry) Compare(testName string, current Metrics) []Regression {
	base, ok := r.Get(testName)
	if !ok {
		return nil
	}

	var regs []Regression
	add := func(metric string, baseVal, curVal float64, higherIsBetter bool) {
		reg, bad := gradeMetric(metric, baseVal, curVal, higherIsBetter)
		if bad {
			regs = append(regs, reg)
		}
	}

	add("throughput", base.Metrics.Throughput, current.Throughput, true)
	add("avg_latency_ms", base.Metrics.AvgLatencyMs, current.AvgLatencyMs, false)
	add("p95_latency_ms", base.Metrics.P95LatencyMs, current.P95LatencyMs, false)
	add("p99_latency_ms", base.Metrics.P99LatencyMs, current.P99LatencyMs, false)
	add("error_rate", base.Metrics.ErrorRate, current.ErrorRate, false)
	add("peak_heap_bytes", float64(base.Metrics.PeakHeapBytes), float64(current.PeakHeapBytes), false)

	if len(regs) > 0 {
		r.logger.Warn("performance regressions detected",
			zap.String("test", testName),
			zap.Int("count", len(regs)))
	}
	return regs
}

// gradeMetric computes the signed change and grades it. The second
// return reports whether the change counts as a regression.
func gradeMetric(metric string, baseVal, curVal float64, higherIsBetter bool) (Regression, bool) {
	reg := Regression{
		Metric:        metric,
		BaselineValue: baseVal,
		CurrentValue:  curVal,
	}

	if baseVal == 0 {
		// Nothing to scale against. A value appearing where the
		// baseline had none (errors, heap) is a major finding.
		if curVal > 0 && !higherIsBetter {
			reg.ChangePercent = 100
			reg.Severity = SeverityMajor
			return reg, true
		}
		return reg, false
	}

	reg.ChangePercent = (curVal - baseVal) / baseVal * 100

	worseBy := reg.ChangePercent
	if higherIsBetter {
		worseBy = -worseBy
	}
	if worseBy <= minorCutoff {
		return reg, false
	}

	switch {
	case worseBy > severeCutoff:
		reg.Severity = SeveritySevere
	case worseBy > majorCutoff:
		reg.Severity = SeverityMajor
	default:
		reg.Severity = SeverityMinor
	}
	return reg, true
}

// Load reads a persisted baseline for one test into the registry.
func (r *Registry) Load(testName string) error {
	if r.dir == "" {
		return fmt.Errorf("no baseline directory configured")
	}
	data, err := os.ReadFile(filepath.Join(r.dir, fileName(testName)))
	if err != nil {
		return fmt.Errorf("read baseline: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("parse baseline %s: %w", testName, err)
	}

	r.mu.Lock()
	r.baselines[b.TestName] = &b
	r.mu.Unlock()
	return nil
}

// LoadAll reads every persisted baseline in the directory. A missing
// directory is not an error; there is simply nothing recorded yet.
func (r *Registry) LoadAll() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan baseline directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read baseline %s: %w", e.Name(), err)
		}
		var b Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			r.logger.Warn("skipping unreadable baseline file",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.baselines[b.TestName] = &b
		r.mu.Unlock()
	}
	return nil
}

// Delete removes a baseline from memory and disk.
func (r *Registry) Delete(testName string) bool {
	r.mu.Lock()
	_, ok := r.baselines[testName]
	delete(r.baselines, testName)
	r.mu.Unlock()

	if ok && r.dir != "" {
		os.Remove(filepath.Join(r.dir, fileName(testName)))
	}
	return ok
}

func (r *Registry) save(b *Baseline) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create baseline directory: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	path := filepath.Join(r.dir, fileName(b.TestName))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return nil
}

// fileName sanitises a test name into a stable file name.
func fileName(testName string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, testName)
	return safe + ".json"
}
