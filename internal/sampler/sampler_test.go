package sampler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_StartStopCollectsSnapshots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond

	var sampled atomic.Int64
	s := New(cfg, Handlers{
		OnSample: func(Snapshot) { sampled.Add(1) },
	}, nil)

	s.Start()
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	snaps := s.Snapshots()
	require.GreaterOrEqual(t, len(snaps), 3)
	assert.Greater(t, sampled.Load(), int64(0))

	for _, snap := range snaps {
		assert.False(t, snap.Timestamp.IsZero())
		assert.Greater(t, snap.HeapUsed, uint64(0))
		assert.Greater(t, snap.HeapTotal, uint64(0))
		assert.Greater(t, snap.Goroutines, 0)
	}

	for i := 1; i < len(snaps); i++ {
		assert.False(t, snaps[i].Timestamp.Before(snaps[i-1].Timestamp))
	}
}

func TestSampler_StartIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := New(cfg, Handlers{}, nil)

	s.Start()
	s.Start() // second call is a no-op
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // stopping twice is safe too

	assert.NotEmpty(t, s.Snapshots())
}

func TestSampler_RingIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 5
	s := New(cfg, Handlers{}, nil)

	start := time.Now()
	for i := 0; i < 20; i++ {
		s.appendSnapshot(Snapshot{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			HeapUsed:  uint64(i) * mb,
			HeapTotal: 1000 * mb,
		})
	}

	snaps := s.Snapshots()
	require.Len(t, snaps, 5)
	// Oldest entries were dropped; the most recent survive.
	assert.Equal(t, uint64(15*mb), snaps[0].HeapUsed)
	assert.Equal(t, uint64(19*mb), snaps[4].HeapUsed)
}

func TestSampler_ForceGCRecordsEvent(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)

	var notified atomic.Int64
	s.handlers.OnGCEvent = func(GCEvent) { notified.Add(1) }

	// Allocate something collectable so the cycle has work to do.
	garbage := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		garbage = append(garbage, make([]byte, 1*mb))
	}
	garbage = nil
	_ = garbage

	ev := s.ForceGC()
	assert.False(t, ev.Timestamp.IsZero())
	assert.GreaterOrEqual(t, ev.Duration, time.Duration(0))
	assert.Greater(t, ev.HeapBefore, uint64(0))

	events := s.GCEvents()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), notified.Load())
}

func TestSampler_DetectLeakWithNarrowWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeakWindow = 3
	cfg.LeakThresholdBytes = 10 * mb
	s := New(cfg, Handlers{}, nil)

	now := time.Now()
	s.appendSnapshot(Snapshot{Timestamp: now, HeapUsed: 100 * mb, HeapTotal: 400 * mb})
	s.appendSnapshot(Snapshot{Timestamp: now.Add(time.Second), HeapUsed: 110 * mb, HeapTotal: 400 * mb})
	s.appendSnapshot(Snapshot{Timestamp: now.Add(2 * time.Second), HeapUsed: 120 * mb, HeapTotal: 400 * mb})

	require.NotNil(t, s.DetectLeak())
}

func TestSampler_PeakHeap(t *testing.T) {
	s := New(DefaultConfig(), Handlers{}, nil)
	now := time.Now()
	s.appendSnapshot(Snapshot{Timestamp: now, HeapUsed: 10 * mb})
	s.appendSnapshot(Snapshot{Timestamp: now, HeapUsed: 90 * mb})
	s.appendSnapshot(Snapshot{Timestamp: now, HeapUsed: 40 * mb})

	assert.Equal(t, uint64(90*mb), s.PeakHeap())
}
