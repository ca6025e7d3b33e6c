package shaper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/perfbench/internal/gate"
)

// Sentinel errors distinguishing invocation outcomes.
var (
	// ErrOperationTimeout marks an invocation that exceeded its configured timeout.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrValidationFailed marks an invocation whose result failed its validator.
	ErrValidationFailed = errors.New("operation result failed validation")
)

// Operation is an opaque asynchronous callable registered with a benchmark.
// The engine never inspects its internals, only its return value, error,
// and elapsed time.
type Operation struct {
	Name     string
	Weight   float64
	Timeout  time.Duration
	Invoke   func(ctx context.Context) (any, error)
	Validate func(result any) bool // optional
}

// InvocationRecord captures the outcome of one completed invocation.
// Records are emitted in completion order, not issue order.
type InvocationRecord struct {
	Operation string
	StartTime time.Time
	Duration  time.Duration
	Succeeded bool
	Err       error
}

// RecordFunc receives invocation records as they complete.
type RecordFunc func(InvocationRecord)

// RateFunc receives the instantaneous target rate as each tick is scheduled.
type RateFunc func(rps float64)

// Shaper emits a stream of operation invocations whose instantaneous rate
// approximates the configured pattern, bounded by the concurrency gate.
type Shaper struct {
	pattern     Pattern
	ops         []Operation
	totalWeight float64
	g           *gate.Gate
	rng         *rand.Rand
	logger      *zap.Logger
	onRecord    RecordFunc
	onRate      RateFunc
}

// New builds a shaper over the given operations. The operation set and
// pattern are validated up front; these are the only fatal errors.
func New(pattern Pattern, ops []Operation, g *gate.Gate, logger *zap.Logger, onRecord RecordFunc) (*Shaper, error) {
	if pattern == nil {
		return nil, errors.New("shaper: pattern is required")
	}
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errors.New("shaper: concurrency gate is required")
	}
	if len(ops) == 0 {
		return nil, errors.New("shaper: at least one operation is required")
	}
	var total float64
	for _, op := range ops {
		if op.Weight <= 0 {
			return nil, fmt.Errorf("shaper: operation %q has non-positive weight %v", op.Name, op.Weight)
		}
		if op.Invoke == nil {
			return nil, fmt.Errorf("shaper: operation %q has no invoke function", op.Name)
		}
		total += op.Weight
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Shaper{
		pattern:     pattern,
		ops:         ops,
		totalWeight: total,
		g:           g,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger,
		onRecord:    onRecord,
	}, nil
}

// SetRateFunc installs a callback observing the target rate per tick.
// Call before Run.
func (s *Shaper) SetRateFunc(fn RateFunc) { s.onRate = fn }

// Run drives invocations for the given duration. When the duration elapses
// the shaper stops issuing new work but waits for in-flight invocations,
// each bounded by its own per-operation timeout, so nothing is dropped
// from accounting. ctx cancellation is a hard stop for issuing.
func (s *Shaper) Run(ctx context.Context, duration time.Duration) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	if burst, ok := s.pattern.(*Burst); ok {
		return s.runBursts(ctx, burst, duration, &wg)
	}

	rp, ok := s.pattern.(RatePattern)
	if !ok {
		return fmt.Errorf("shaper: pattern %q is not runnable", s.pattern.Kind())
	}

	start := time.Now()
	for {
		elapsed := time.Since(start)
		if elapsed >= duration || ctx.Err() != nil {
			break
		}

		rps := rp.Rate(elapsed, duration)
		if s.onRate != nil {
			s.onRate(rps)
		}
		if rps <= 0 {
			s.sleep(ctx, 100*time.Millisecond)
			continue
		}

		batch := int(math.Ceil(math.Min(float64(s.g.Capacity()), rps)))
		for i := 0; i < batch; i++ {
			if err := s.g.Acquire(ctx); err != nil {
				return nil // issuing cancelled; in-flight work still drains
			}
			wg.Add(1)
			go func(op Operation) {
				defer wg.Done()
				s.invoke(ctx, op)
			}(s.pick())
		}

		s.sleep(ctx, time.Duration(float64(time.Second)/rps))
	}
	return nil
}

// runBursts fires fixed-size concurrent bursts separated by a rest and the
// remainder of the burst interval. Negative remainders are clamped to zero.
func (s *Shaper) runBursts(ctx context.Context, p *Burst, duration time.Duration, wg *sync.WaitGroup) error {
	start := time.Now()
	for time.Since(start) < duration && ctx.Err() == nil {
		if s.onRate != nil && p.BurstInterval > 0 {
			s.onRate(float64(p.BurstSize) / p.BurstInterval.Seconds())
		}
		burstStart := time.Now()
		for i := 0; i < p.BurstSize; i++ {
			if err := s.g.Acquire(ctx); err != nil {
				return nil
			}
			wg.Add(1)
			go func(op Operation) {
				defer wg.Done()
				s.invoke(ctx, op)
			}(s.pick())
		}

		s.sleep(ctx, p.Rest)
		if rem := p.BurstInterval - time.Since(burstStart); rem > 0 {
			s.sleep(ctx, rem)
		}
	}
	return nil
}

// pick selects an operation by weighted random draw: a uniform value in
// [0, totalWeight) is reduced by each weight in registration order until
// it drops to zero or below.
func (s *Shaper) pick() Operation {
	weights := make([]float64, len(s.ops))
	for i, op := range s.ops {
		weights[i] = op.Weight
	}
	return s.ops[WeightedIndex(s.rng, weights)]
}

// WeightedIndex draws an index with probability proportional to its weight.
func WeightedIndex(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	draw := rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// invoke runs one operation, racing it against its timeout, and emits a
// record. The gate slot is released unconditionally, so a crashing
// operation cannot starve the gate.
func (s *Shaper) invoke(ctx context.Context, op Operation) {
	defer s.g.Release()

	opCtx := ctx
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		result, err := op.Invoke(opCtx)
		done <- outcome{result: result, err: err}
	}()

	rec := InvocationRecord{Operation: op.Name, StartTime: start}
	select {
	case o := <-done:
		rec.Duration = time.Since(start)
		switch {
		case o.err != nil:
			rec.Err = o.err
		case op.Validate != nil && !op.Validate(o.result):
			rec.Err = ErrValidationFailed
		default:
			rec.Succeeded = true
		}
	case <-opCtx.Done():
		rec.Duration = time.Since(start)
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			rec.Err = fmt.Errorf("%w after %v", ErrOperationTimeout, op.Timeout)
		} else {
			rec.Err = opCtx.Err()
		}
	}

	if rec.Err != nil {
		s.logger.Debug("invocation failed",
			zap.String("operation", op.Name),
			zap.Duration("duration", rec.Duration),
			zap.Error(rec.Err))
	}
	if s.onRecord != nil {
		s.onRecord(rec)
	}
}

func (s *Shaper) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
