package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticSeries(s *Sampler, start time.Time, interval time.Duration, heaps []uint64) {
	for i, h := range heaps {
		s.appendSnapshot(Snapshot{
			Timestamp: start.Add(time.Duration(i) * interval),
			HeapUsed:  h,
			HeapTotal: h * 2,
			External:  8 * mb,
			RSS:       h * 3,
		})
	}
}

func TestDetectLeak_ConstantGrowth(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	// 2 MB growth per sample over 10 samples at 1s intervals.
	heaps := make([]uint64, 10)
	for i := range heaps {
		heaps[i] = uint64(100*mb + i*2*mb)
	}
	syntheticSeries(s, time.Now(), time.Second, heaps)

	leak := s.DetectLeak()
	require.NotNil(t, leak)
	assert.GreaterOrEqual(t, leak.GrowthBytes, int64(10*mb))
	assert.InDelta(t, 2*mb, leak.RateBytesSec, float64(mb)/10)
	assert.Equal(t, LeakSudden, leak.Kind, "rate above 1 MB/s classifies as sudden")
	assert.Equal(t, 10, leak.Window)
}

func TestDetectLeak_BelowThreshold(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	heaps := make([]uint64, 10)
	for i := range heaps {
		heaps[i] = uint64(100*mb + i*100*kb) // under 1 MB total growth
	}
	syntheticSeries(s, time.Now(), time.Second, heaps)

	assert.Nil(t, s.DetectLeak())
}

func TestDetectLeak_GrowthAtThresholdIsNotLeak(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg, Handlers{}, nil)

	// growth across the window lands exactly on the threshold
	heaps := make([]uint64, 10)
	for i := range heaps {
		heaps[i] = 100 * mb
	}
	heaps[9] = uint64(int64(100*mb) + cfg.LeakThresholdBytes)
	syntheticSeries(s, time.Now(), time.Second, heaps)

	assert.Nil(t, s.DetectLeak())

	heaps[9]++
	s2 := New(cfg, Handlers{}, nil)
	syntheticSeries(s2, time.Now(), time.Second, heaps)
	assert.NotNil(t, s2.DetectLeak())
}

func TestDetectLeak_InsufficientHistory(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	syntheticSeries(s, time.Now(), time.Second, []uint64{100 * mb, 200 * mb})
	assert.Nil(t, s.DetectLeak())
}

func TestClassifyLeakKind(t *testing.T) {
	assert.Equal(t, LeakSudden, classifyLeakKind(2*mb))
	assert.Equal(t, LeakGradual, classifyLeakKind(50*kb))
	assert.Equal(t, LeakEventBased, classifyLeakKind(500*kb))
}

func TestClassifyLeakSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, classifyLeakSeverity(200*mb, 0))
	assert.Equal(t, SeverityCritical, classifyLeakSeverity(0, 11*mb))
	assert.Equal(t, SeverityHigh, classifyLeakSeverity(60*mb, 0))
	assert.Equal(t, SeverityMedium, classifyLeakSeverity(15*mb, 2*mb))
	assert.Equal(t, SeverityLow, classifyLeakSeverity(11*mb, 50*kb))
}

func TestAnalyzeTrends_IncreasingSeries(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	heaps := make([]uint64, 20)
	for i := range heaps {
		heaps[i] = uint64(100*mb + i*mb)
	}
	syntheticSeries(s, time.Now(), time.Second, heaps)

	trends := s.AnalyzeTrends()
	require.Len(t, trends, 4)

	byMetric := map[string]Trend{}
	for _, tr := range trends {
		byMetric[tr.Metric] = tr
	}

	heap := byMetric["heap_used"]
	assert.Equal(t, TrendIncreasing, heap.Direction)
	assert.Greater(t, heap.SlopeBytes, 0.0)
	assert.InDelta(t, float64(mb), heap.SlopeBytes, float64(mb)/10)
	assert.Greater(t, heap.Confidence, 0.99, "a perfectly linear series correlates strongly")
}

func TestAnalyzeTrends_FlatSeries(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	heaps := make([]uint64, 20)
	for i := range heaps {
		heaps[i] = 100 * mb
	}
	syntheticSeries(s, time.Now(), time.Second, heaps)

	for _, tr := range s.AnalyzeTrends() {
		assert.Equal(t, TrendStable, tr.Direction, tr.Metric)
		assert.InDelta(t, 0, tr.SlopeBytes, 1)
	}
}

func TestAnalyzeTrends_DecreasingSeries(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	heaps := make([]uint64, 20)
	for i := range heaps {
		heaps[i] = uint64(200*mb - i*mb)
	}
	syntheticSeries(s, time.Now(), time.Second, heaps)

	for _, tr := range s.AnalyzeTrends() {
		if tr.Metric == "heap_used" {
			assert.Equal(t, TrendDecreasing, tr.Direction)
			assert.Less(t, tr.SlopeBytes, 0.0)
		}
	}
}

func TestPressurePoints_AllocationSpike(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	syntheticSeries(s, time.Now(), time.Second, []uint64{100 * mb, 100 * mb, 180 * mb})

	points := s.PressurePoints()
	require.NotEmpty(t, points)
	assert.Equal(t, PressureAllocationSpike, points[0].Kind)
	assert.Equal(t, float64(80*mb), points[0].Value)
}

func TestPressurePoints_GCPressure(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	now := time.Now()
	for i := 0; i < 6; i++ {
		s.appendGCEvent(GCEvent{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Duration:  150 * time.Millisecond,
		})
	}

	points := s.PressurePoints()
	require.Len(t, points, 1)
	assert.Equal(t, PressureGC, points[0].Kind)
}

func TestPressurePoints_HeapExhaustion(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	s.appendSnapshot(Snapshot{
		Timestamp: time.Now(),
		HeapUsed:  95 * mb,
		HeapTotal: 100 * mb,
	})

	points := s.PressurePoints()
	require.Len(t, points, 1)
	assert.Equal(t, PressureHeapExhaustion, points[0].Kind)
	assert.Equal(t, SeverityCritical, points[0].Severity)
}

func TestPressurePoints_QuietSeries(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	syntheticSeries(s, time.Now(), time.Second, []uint64{100 * mb, 101 * mb, 102 * mb})
	assert.Empty(t, s.PressurePoints())
}

func TestLeastSquares(t *testing.T) {
	slope, r := leastSquares([]float64{1, 2, 3, 4, 5})
	assert.InDelta(t, 1, slope, 1e-9)
	assert.InDelta(t, 1, r, 1e-9)

	slope, r = leastSquares([]float64{5, 5, 5, 5})
	assert.Equal(t, 0.0, slope)
	assert.Equal(t, 0.0, r)

	slope, _ = leastSquares([]float64{10, 8, 6, 4})
	assert.InDelta(t, -2, slope, 1e-9)
}
