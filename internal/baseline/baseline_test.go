package baseline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func goodMetrics() Metrics {
	return Metrics{
		Throughput:    1000,
		AvgLatencyMs:  12,
		P50LatencyMs:  10,
		P95LatencyMs:  40,
		P99LatencyMs:  80,
		ErrorRate:     0.001,
		PeakHeapBytes: 64 << 20,
		Duration:      time.Minute,
	}
}

func TestRegistry_RecordAndGet(t *testing.T) {
	r := NewRegistry("", zap.NewNop())

	_, err := r.Record("checkout-flow", "v1.2.0", goodMetrics())
	require.NoError(t, err)

	b, ok := r.Get("checkout-flow")
	require.True(t, ok)
	assert.Equal(t, "v1.2.0", b.Version)
	assert.Equal(t, float64(1000), b.Metrics.Throughput)
	assert.Contains(t, r.Names(), "checkout-flow")
}

func TestCompare_NoBaseline(t *testing.T) {
	r := NewRegistry("", zap.NewNop())
	assert.Nil(t, r.Compare("never-recorded", goodMetrics()))
}

func TestCompare_HalvedThroughputIsSevere(t *testing.T) {
	r := NewRegistry("", zap.NewNop())
	_, err := r.Record("api-load", "v1", goodMetrics())
	require.NoError(t, err)

	current := goodMetrics()
	current.Throughput = 500

	regs := r.Compare("api-load", current)
	require.Len(t, regs, 1)
	assert.Equal(t, "throughput", regs[0].Metric)
	assert.InDelta(t, -50, regs[0].ChangePercent, 0.001)
	assert.Equal(t, SeveritySevere, regs[0].Severity)
}

func TestCompare_SeverityBands(t *testing.T) {
	cases := []struct {
		name         string
		p95          float64
		wantCount    int
		wantSeverity Severity
	}{
		{"within tolerance", 41, 0, ""},
		{"minor", 42, 1, SeverityMinor},   // +5%
		{"major", 46, 1, SeverityMajor},   // +15%
		{"severe", 56, 1, SeveritySevere}, // +40%
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry("", zap.NewNop())
			_, err := r.Record("bands", "v1", goodMetrics())
			require.NoError(t, err)

			current := goodMetrics()
			current.P95LatencyMs = tc.p95

			regs := r.Compare("bands", current)
			require.Len(t, regs, tc.wantCount)
			if tc.wantCount > 0 {
				assert.Equal(t, "p95_latency_ms", regs[0].Metric)
				assert.Equal(t, tc.wantSeverity, regs[0].Severity)
			}
		})
	}
}

func TestCompare_ImprovementIsNotRegression(t *testing.T) {
	r := NewRegistry("", zap.NewNop())
	_, err := r.Record("improving", "v1", goodMetrics())
	require.NoError(t, err)

	current := goodMetrics()
	current.Throughput = 2000
	current.P95LatencyMs = 20
	current.ErrorRate = 0

	assert.Empty(t, r.Compare("improving", current))
}

func TestCompare_ZeroBaselineErrorRate(t *testing.T) {
	r := NewRegistry("", zap.NewNop())
	m := goodMetrics()
	m.ErrorRate = 0
	_, err := r.Record("clean-run", "v1", m)
	require.NoError(t, err)

	current := m
	current.ErrorRate = 0.02

	regs := r.Compare("clean-run", current)
	require.Len(t, regs, 1)
	assert.Equal(t, "error_rate", regs[0].Metric)
	assert.Equal(t, SeverityMajor, regs[0].Severity)
}

func TestRegistry_PersistAndReload(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir, zap.NewNop())
	_, err := r.Record("persisted test/run", "v3", goodMetrics())
	require.NoError(t, err)

	// slashes and spaces do not leak into file names
	assert.FileExists(t, filepath.Join(dir, "persisted_test_run.json"))

	fresh := NewRegistry(dir, zap.NewNop())
	require.NoError(t, fresh.LoadAll())

	b, ok := fresh.Get("persisted test/run")
	require.True(t, ok)
	assert.Equal(t, "v3", b.Version)
	assert.Equal(t, goodMetrics().Throughput, b.Metrics.Throughput)
}

func TestRegistry_Delete(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, zap.NewNop())
	_, err := r.Record("doomed", "v1", goodMetrics())
	require.NoError(t, err)

	assert.True(t, r.Delete("doomed"))
	assert.False(t, r.Delete("doomed"))
	assert.NoFileExists(t, filepath.Join(dir, "doomed.json"))
	_, ok := r.Get("doomed")
	assert.False(t, ok)
}
