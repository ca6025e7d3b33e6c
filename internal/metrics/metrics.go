// Package metrics exposes benchmark instrumentation as Prometheus
// collectors. Each Collector owns a private registry so parallel runs
// never collide on metric registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages benchmark metrics on its own registry.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	invocationsTotal *prometheus.CounterVec
	invocationTime   *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	targetRate       prometheus.Gauge
	heapUsed         prometheus.Gauge
	goroutines       prometheus.Gauge
	cpuPercent       prometheus.Gauge
	slowQueries      prometheus.Counter
	phaseTransitions *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// NewCollector creates a collector backed by a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry:  registry,
		startTime: time.Now(),

		invocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfbench_invocations_total",
				Help: "Total operation invocations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		invocationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perfbench_invocation_duration_seconds",
				Help:    "Operation invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfbench_invocations_in_flight",
				Help: "Invocations currently holding a concurrency slot",
			},
		),
		targetRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfbench_target_rate",
				Help: "Current target rate in operations per second",
			},
		),
		heapUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfbench_heap_used_bytes",
				Help: "Heap bytes in use at the last resource sample",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfbench_goroutines",
				Help: "Goroutine count at the last resource sample",
			},
		),
		cpuPercent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfbench_cpu_percent",
				Help: "Process CPU percentage at the last resource sample",
			},
		),
		slowQueries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "perfbench_slow_queries_total",
				Help: "Database queries exceeding the slow threshold",
			},
		),
		phaseTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfbench_phase_transitions_total",
				Help: "Benchmark lifecycle phase transitions",
			},
			[]string{"phase"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "perfbench_run_duration_seconds",
				Help:    "Full benchmark run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

// RecordInvocation records one operation invocation.
func (c *Collector) RecordInvocation(operation string, succeeded bool, duration time.Duration) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	c.invocationsTotal.WithLabelValues(operation, outcome).Inc()
	c.invocationTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetInFlight records the number of held concurrency slots.
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// SetTargetRate records the shaper's current target rate.
func (c *Collector) SetTargetRate(rps float64) {
	c.targetRate.Set(rps)
}

// RecordSample publishes the latest resource sample.
func (c *Collector) RecordSample(heapUsed uint64, goroutines int, cpu float64) {
	c.heapUsed.Set(float64(heapUsed))
	c.goroutines.Set(float64(goroutines))
	c.cpuPercent.Set(cpu)
}

// RecordSlowQuery counts one slow database query.
func (c *Collector) RecordSlowQuery() {
	c.slowQueries.Inc()
}

// RecordPhase counts entry into a lifecycle phase.
func (c *Collector) RecordPhase(phase string) {
	c.phaseTransitions.WithLabelValues(phase).Inc()
}

// RecordRunDuration records a completed benchmark run.
func (c *Collector) RecordRunDuration(d time.Duration) {
	c.runDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry for test scraping.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Uptime returns time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
