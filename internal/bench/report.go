package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/perfbench/internal/baseline"
	"github.com/FairForge/perfbench/internal/dbtrace"
	"github.com/FairForge/perfbench/internal/sampler"
)

// BottleneckType identifies the resource category a breach belongs to.
type BottleneckType string

const (
	BottleneckCPU      BottleneckType = "cpu"
	BottleneckMemory   BottleneckType = "memory"
	BottleneckDatabase BottleneckType = "database"
	BottleneckIO       BottleneckType = "io"
	BottleneckNetwork  BottleneckType = "network"
)

// Severity indicates how far past its threshold a metric landed.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Bottleneck is a threshold breach with remediation text.
type Bottleneck struct {
	Type           BottleneckType `json:"type"`
	Severity       Severity       `json:"severity"`
	Metric         string         `json:"metric"`
	Value          float64        `json:"value"`
	Threshold      float64        `json:"threshold"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation"`
}

// Thresholds is the pass/fail envelope for a run. Zero values disable
// the corresponding check.
type Thresholds struct {
	MaxAvgLatency time.Duration `json:"max_avg_latency"`
	MaxP95Latency time.Duration `json:"max_p95_latency"`
	MaxP99Latency time.Duration `json:"max_p99_latency"`
	MaxErrorRate  float64       `json:"max_error_rate"`
	MinThroughput float64       `json:"min_throughput"`
	MaxHeapBytes  uint64        `json:"max_heap_bytes"`
	MaxCPUPercent float64       `json:"max_cpu_percent"`
	MaxDBLatency  time.Duration `json:"max_db_latency"`
}

// SubScores are the four 0-100 components of the overall score.
type SubScores struct {
	Throughput float64 `json:"throughput"`
	ErrorRate  float64 `json:"error_rate"`
	Memory     float64 `json:"memory"`
	Database   float64 `json:"database"`
}

// Report is the immutable output of one benchmark run.
type Report struct {
	ID          string    `json:"id"`
	TestName    string    `json:"test_name"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	Timeouts           int64   `json:"timeouts"`
	ValidationFailures int64   `json:"validation_failures"`
	Throughput         float64 `json:"throughput"`
	ErrorRate          float64 `json:"error_rate"`

	AvgLatency time.Duration `json:"avg_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`
	MaxLatency time.Duration `json:"max_latency"`

	PeakHeapBytes uint64  `json:"peak_heap_bytes"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`

	Leak        *sampler.Leak             `json:"leak,omitempty"`
	Trends      []sampler.Trend           `json:"trends,omitempty"`
	Pressure    []sampler.PressurePoint   `json:"pressure,omitempty"`
	SlowQueries []dbtrace.SlowQueryRecord `json:"slow_queries,omitempty"`
	Storage     *dbtrace.StorageMetrics   `json:"storage,omitempty"`

	Bottlenecks     []Bottleneck          `json:"bottlenecks"`
	Recommendations []string              `json:"recommendations"`
	Regressions     []baseline.Regression `json:"regressions"`
	Errors          []string              `json:"errors,omitempty"`

	SubScores SubScores `json:"sub_scores"`
	Score     float64   `json:"score"`
	Success   bool      `json:"success"`
}

// recommendations keyed by bottleneck type. The texts are fixed; the
// breach details live on the Bottleneck itself.
var recommendations = map[BottleneckType]string{
	BottleneckMemory:   "Reduce allocation churn: reuse buffers, bound caches, and review recent changes for retained references.",
	BottleneckCPU:      "Profile hot paths with pprof and cut per-operation work before raising concurrency.",
	BottleneckDatabase: "Review slow queries and missing indexes; batch small statements and keep transactions short.",
	BottleneckIO:       "Check downstream latency and payload sizes; cache or reduce round trips on the critical path.",
	BottleneckNetwork:  "Inspect error responses and connection reuse; verify timeouts, retries, and keep-alive settings.",
}

// breachSeverity grades a breach by how many times over the threshold
// the observed value landed.
func breachSeverity(ratio float64) Severity {
	switch {
	case ratio >= 5:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	case ratio >= 1.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func newBottleneck(t BottleneckType, metric string, value, threshold, ratio float64, desc string) Bottleneck {
	return Bottleneck{
		Type:           t,
		Severity:       breachSeverity(ratio),
		Metric:         metric,
		Value:          value,
		Threshold:      threshold,
		Description:    desc,
		Recommendation: recommendations[t],
	}
}

// analyzeThresholds compares the report against the envelope and emits
// one bottleneck per breach. Latency breaches point at io (downstream
// call time dominates response time here), error rate at network,
// throughput shortfalls at cpu.
func analyzeThresholds(r *Report, t Thresholds) []Bottleneck {
	var out []Bottleneck

	checkLatency := func(metric string, v, limit time.Duration) {
		if limit > 0 && v > limit {
			ratio := float64(v) / float64(limit)
			out = append(out, newBottleneck(BottleneckIO, metric,
				float64(v.Milliseconds()), float64(limit.Milliseconds()), ratio,
				fmt.Sprintf("%s %v exceeds limit %v", metric, v.Round(time.Millisecond), limit)))
		}
	}
	checkLatency("avg_latency", r.AvgLatency, t.MaxAvgLatency)
	checkLatency("p95_latency", r.P95Latency, t.MaxP95Latency)
	checkLatency("p99_latency", r.P99Latency, t.MaxP99Latency)

	if t.MaxErrorRate > 0 && r.ErrorRate > t.MaxErrorRate {
		out = append(out, newBottleneck(BottleneckNetwork, "error_rate",
			r.ErrorRate, t.MaxErrorRate, r.ErrorRate/t.MaxErrorRate,
			fmt.Sprintf("error rate %.2f%% exceeds limit %.2f%%", r.ErrorRate*100, t.MaxErrorRate*100)))
	}

	if t.MinThroughput > 0 && r.Throughput < t.MinThroughput {
		ratio := 1.0
		if r.Throughput > 0 {
			ratio = t.MinThroughput / r.Throughput
		} else {
			ratio = 5 // no completions at all
		}
		out = append(out, newBottleneck(BottleneckCPU, "throughput",
			r.Throughput, t.MinThroughput, ratio,
			fmt.Sprintf("throughput %.1f ops/s below minimum %.1f ops/s", r.Throughput, t.MinThroughput)))
	}

	if t.MaxHeapBytes > 0 && r.PeakHeapBytes > t.MaxHeapBytes {
		ratio := float64(r.PeakHeapBytes) / float64(t.MaxHeapBytes)
		out = append(out, newBottleneck(BottleneckMemory, "peak_heap",
			float64(r.PeakHeapBytes), float64(t.MaxHeapBytes), ratio,
			fmt.Sprintf("peak heap %d bytes exceeds limit %d bytes", r.PeakHeapBytes, t.MaxHeapBytes)))
	}

	if t.MaxCPUPercent > 0 && r.AvgCPUPercent > t.MaxCPUPercent {
		ratio := r.AvgCPUPercent / t.MaxCPUPercent
		out = append(out, newBottleneck(BottleneckCPU, "cpu_percent",
			r.AvgCPUPercent, t.MaxCPUPercent, ratio,
			fmt.Sprintf("average CPU %.1f%% exceeds limit %.1f%%", r.AvgCPUPercent, t.MaxCPUPercent)))
	}

	return out
}

// analyzeDatabase adds a bottleneck when average query latency breaches
// its limit. Called only when instrumentation is attached.
func analyzeDatabase(avgQuery time.Duration, t Thresholds) []Bottleneck {
	if t.MaxDBLatency <= 0 || avgQuery <= t.MaxDBLatency {
		return nil
	}
	ratio := float64(avgQuery) / float64(t.MaxDBLatency)
	return []Bottleneck{newBottleneck(BottleneckDatabase, "db_avg_latency",
		float64(avgQuery.Milliseconds()), float64(t.MaxDBLatency.Milliseconds()), ratio,
		fmt.Sprintf("average query latency %v exceeds limit %v", avgQuery.Round(time.Millisecond), t.MaxDBLatency))}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// computeSubScores derives the four score components.
//
// Throughput scores measured rate against the explicit target (or the
// minimum threshold when no target is set); with neither configured the
// component is a full 100. Memory starts at 100 and loses points for
// leak severity and heap overrun. Database scores the slow-query
// fraction, or 100 when no instrumentation is attached.
func computeSubScores(r *Report, t Thresholds, targetRPS float64, dbStats *dbtrace.Stats) SubScores {
	var s SubScores

	target := targetRPS
	if target <= 0 {
		target = t.MinThroughput
	}
	if target <= 0 {
		s.Throughput = 100
	} else {
		s.Throughput = clampScore(r.Throughput / target * 100)
	}

	s.ErrorRate = clampScore((1 - r.ErrorRate) * 100)

	mem := 100.0
	if r.Leak != nil {
		switch r.Leak.Severity {
		case sampler.SeverityCritical:
			mem -= 50
		case sampler.SeverityHigh:
			mem -= 30
		case sampler.SeverityMedium:
			mem -= 15
		default:
			mem -= 5
		}
	}
	if t.MaxHeapBytes > 0 && r.PeakHeapBytes > t.MaxHeapBytes {
		over := float64(r.PeakHeapBytes-t.MaxHeapBytes) / float64(t.MaxHeapBytes)
		mem -= over * 100
	}
	s.Memory = clampScore(mem)

	if dbStats == nil || dbStats.TotalQueries == 0 {
		s.Database = 100
	} else {
		slowFraction := float64(dbStats.SlowQueries) / float64(dbStats.TotalQueries)
		s.Database = clampScore((1 - slowFraction) * 100)
	}

	return s
}

// overallScore is the unweighted mean of the four components.
func overallScore(s SubScores) float64 {
	return (s.Throughput + s.ErrorRate + s.Memory + s.Database) / 4
}

// percentile assumes a sorted ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func latencyStats(durations []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(durations) == 0 {
		return
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg = sum / time.Duration(len(sorted))
	p50 = percentile(sorted, 0.50)
	p95 = percentile(sorted, 0.95)
	p99 = percentile(sorted, 0.99)
	max = sorted[len(sorted)-1]
	return
}

// WriteJSON persists the report to dir, named from the test name and
// start timestamp.
func (r *Report) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", sanitizeName(r.TestName), r.StartedAt.Format("20060102T150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func newReportID() string {
	return uuid.NewString()
}
