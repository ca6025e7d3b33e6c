package sampler

import (
	"fmt"
	"math"
	"time"
)

// LeakKind classifies the growth profile of a candidate leak.
type LeakKind string

const (
	LeakSudden     LeakKind = "sudden"      // rate above 1 MB/s
	LeakGradual    LeakKind = "gradual"     // slow positive growth under 100 KB/s
	LeakEventBased LeakKind = "event-based" // stepwise growth between the two
)

// Severity buckets a detected condition by magnitude.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Leak describes heap growth beyond the configured threshold over the
// trailing detection window.
type Leak struct {
	DetectedAt   time.Time
	GrowthBytes  int64
	RateBytesSec float64
	Kind         LeakKind
	Severity     Severity
	Window       int
}

const (
	mb = 1024 * 1024
	kb = 1024
)

// DetectLeak examines the most recent LeakWindow snapshots and reports a
// leak when heap growth exceeds the configured byte threshold. Returns
// nil when there is no candidate.
func (s *Sampler) DetectLeak() *Leak {
	s.mu.Lock()
	window := s.cfg.LeakWindow
	if len(s.snapshots) < window {
		s.mu.Unlock()
		return nil
	}
	recent := s.snapshots[len(s.snapshots)-window:]
	first, last := recent[0], recent[len(recent)-1]
	s.mu.Unlock()

	growth := int64(last.HeapUsed) - int64(first.HeapUsed)
	if growth <= s.cfg.LeakThresholdBytes {
		return nil
	}

	seconds := last.Timestamp.Sub(first.Timestamp).Seconds()
	var rate float64
	if seconds > 0 {
		rate = float64(growth) / seconds
	}

	return &Leak{
		DetectedAt:   last.Timestamp,
		GrowthBytes:  growth,
		RateBytesSec: rate,
		Kind:         classifyLeakKind(rate),
		Severity:     classifyLeakSeverity(growth, rate),
		Window:       window,
	}
}

func classifyLeakKind(rate float64) LeakKind {
	switch {
	case rate > 1*mb:
		return LeakSudden
	case rate > 0 && rate < 100*kb:
		return LeakGradual
	default:
		return LeakEventBased
	}
}

func classifyLeakSeverity(growth int64, rate float64) Severity {
	switch {
	case growth > 100*mb || rate > 10*mb:
		return SeverityCritical
	case growth > 50*mb || rate > 5*mb:
		return SeverityHigh
	case growth > 20*mb || rate > 1*mb:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// TrendDirection reports whether a metric series is moving.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend is a least-squares fit over one tracked metric's sample series.
type Trend struct {
	Metric       string
	SlopeBytes   float64 // bytes per second
	Confidence   float64 // absolute Pearson correlation
	Direction    TrendDirection
	SampleCount  int
	WindowPeriod time.Duration
}

// AnalyzeTrends fits an ordinary least-squares line for each tracked
// memory metric against sample index, converting slope to bytes/second.
func (s *Sampler) AnalyzeTrends() []Trend {
	s.mu.Lock()
	snaps := make([]Snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) < 2 {
		return nil
	}

	metrics := []struct {
		name  string
		value func(Snapshot) float64
	}{
		{"heap_used", func(sn Snapshot) float64 { return float64(sn.HeapUsed) }},
		{"heap_total", func(sn Snapshot) float64 { return float64(sn.HeapTotal) }},
		{"external", func(sn Snapshot) float64 { return float64(sn.External) }},
		{"rss", func(sn Snapshot) float64 { return float64(sn.RSS) }},
	}

	period := snaps[len(snaps)-1].Timestamp.Sub(snaps[0].Timestamp)
	meanInterval := period.Seconds() / float64(len(snaps)-1)
	if meanInterval <= 0 {
		meanInterval = s.cfg.Interval.Seconds()
	}

	trends := make([]Trend, 0, len(metrics))
	for _, m := range metrics {
		series := make([]float64, len(snaps))
		for i, sn := range snaps {
			series[i] = m.value(sn)
		}
		slopePerIndex, r := leastSquares(series)
		slopeBytes := slopePerIndex / meanInterval

		dir := TrendStable
		if slopeBytes > s.cfg.TrendDeadZone {
			dir = TrendIncreasing
		} else if slopeBytes < -s.cfg.TrendDeadZone {
			dir = TrendDecreasing
		}

		trends = append(trends, Trend{
			Metric:       m.name,
			SlopeBytes:   slopeBytes,
			Confidence:   math.Abs(r),
			Direction:    dir,
			SampleCount:  len(snaps),
			WindowPeriod: period,
		})
	}
	return trends
}

// leastSquares fits y = a + b*x against index x and returns the slope b
// and the Pearson correlation. A constant series yields slope 0 and
// correlation 0.
func leastSquares(y []float64) (slope, pearson float64) {
	n := float64(len(y))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
		sumYY += v * v
	}

	denomX := n*sumXX - sumX*sumX
	if denomX == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denomX

	denomY := n*sumYY - sumY*sumY
	if denomY <= 0 {
		return slope, 0 // flat series has undefined correlation
	}
	pearson = (n*sumXY - sumX*sumY) / math.Sqrt(denomX*denomY)
	return slope, pearson
}

// Pressure point kinds.
const (
	PressureAllocationSpike = "allocation-spike"
	PressureGC              = "gc-pressure"
	PressureHeapExhaustion  = "heap-exhaustion"
)

// PressurePoint flags an acute resource condition derived from the
// sampled series.
type PressurePoint struct {
	Kind      string
	Timestamp time.Time
	Detail    string
	Value     float64
	Severity  Severity
}

const (
	allocationSpikeBytes = 50 * mb
	gcPressureWindow     = 5
	gcPressurePause      = 100 * time.Millisecond
	heapExhaustionRatio  = 0.9
)

// PressurePoints scans the full snapshot history and GC events for
// allocation spikes, GC pressure, and heap exhaustion.
func (s *Sampler) PressurePoints() []PressurePoint {
	s.mu.Lock()
	snaps := make([]Snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	events := make([]GCEvent, len(s.gcEvents))
	copy(events, s.gcEvents)
	s.mu.Unlock()

	var points []PressurePoint

	for i := 1; i < len(snaps); i++ {
		jump := int64(snaps[i].HeapUsed) - int64(snaps[i-1].HeapUsed)
		if jump > allocationSpikeBytes {
			points = append(points, PressurePoint{
				Kind:      PressureAllocationSpike,
				Timestamp: snaps[i].Timestamp,
				Detail:    fmt.Sprintf("heap jumped %d MB between consecutive snapshots", jump/mb),
				Value:     float64(jump),
				Severity:  SeverityHigh,
			})
		}
	}

	if len(events) >= gcPressureWindow {
		recent := events[len(events)-gcPressureWindow:]
		var total time.Duration
		for _, ev := range recent {
			total += ev.Duration
		}
		mean := total / gcPressureWindow
		if mean > gcPressurePause {
			points = append(points, PressurePoint{
				Kind:      PressureGC,
				Timestamp: recent[len(recent)-1].Timestamp,
				Detail:    fmt.Sprintf("mean GC pause %v over last %d collections", mean, gcPressureWindow),
				Value:     float64(mean.Milliseconds()),
				Severity:  SeverityMedium,
			})
		}
	}

	if len(snaps) > 0 {
		last := snaps[len(snaps)-1]
		if last.HeapTotal > 0 {
			ratio := float64(last.HeapUsed) / float64(last.HeapTotal)
			if ratio > heapExhaustionRatio {
				points = append(points, PressurePoint{
					Kind:      PressureHeapExhaustion,
					Timestamp: last.Timestamp,
					Detail:    fmt.Sprintf("heap %.0f%% of total", ratio*100),
					Value:     ratio,
					Severity:  SeverityCritical,
				})
			}
		}
	}

	return points
}

// latestPressure checks only conditions derivable from the newest
// snapshot, for handler notification during live sampling.
func (s *Sampler) latestPressure(latest Snapshot) []PressurePoint {
	s.mu.Lock()
	var prev *Snapshot
	if n := len(s.snapshots); n >= 2 {
		p := s.snapshots[n-2]
		prev = &p
	}
	s.mu.Unlock()

	var points []PressurePoint
	if prev != nil {
		jump := int64(latest.HeapUsed) - int64(prev.HeapUsed)
		if jump > allocationSpikeBytes {
			points = append(points, PressurePoint{
				Kind:      PressureAllocationSpike,
				Timestamp: latest.Timestamp,
				Detail:    fmt.Sprintf("heap jumped %d MB between consecutive snapshots", jump/mb),
				Value:     float64(jump),
				Severity:  SeverityHigh,
			})
		}
	}
	if latest.HeapTotal > 0 {
		ratio := float64(latest.HeapUsed) / float64(latest.HeapTotal)
		if ratio > heapExhaustionRatio {
			points = append(points, PressurePoint{
				Kind:      PressureHeapExhaustion,
				Timestamp: latest.Timestamp,
				Detail:    fmt.Sprintf("heap %.0f%% of total", ratio*100),
				Value:     ratio,
				Severity:  SeverityCritical,
			})
		}
	}
	return points
}
