// Package shaper generates synthetic operation traffic following
// configurable temporal patterns.
package shaper

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Pattern describes a traffic shape. Patterns are pure configuration and
// hold no mutable state; the Shaper owns all timing decisions.
type Pattern interface {
	Kind() string
	Validate() error
}

// RatePattern is a pattern expressible as a target rate at a point in time.
// All patterns except Burst implement it.
type RatePattern interface {
	Pattern

	// Rate returns the target invocations-per-second at the given elapsed
	// time within a run of the given total duration.
	Rate(elapsed, total time.Duration) float64
}

// Constant holds a fixed rate for the whole run.
type Constant struct {
	RPS float64 `mapstructure:"rps"`
}

func (p *Constant) Kind() string { return "constant" }

func (p *Constant) Validate() error {
	if p.RPS <= 0 {
		return fmt.Errorf("constant pattern: rps must be positive, got %v", p.RPS)
	}
	return nil
}

func (p *Constant) Rate(_, _ time.Duration) float64 { return p.RPS }

// Ramp moves linearly from StartRPS to EndRPS across Steps equal
// sub-intervals of the run.
type Ramp struct {
	StartRPS float64 `mapstructure:"start_rps"`
	EndRPS   float64 `mapstructure:"end_rps"`
	Steps    int     `mapstructure:"steps"`
}

func (p *Ramp) Kind() string { return "ramp" }

func (p *Ramp) Validate() error {
	if p.StartRPS <= 0 || p.EndRPS <= 0 {
		return fmt.Errorf("ramp pattern: rates must be positive (start=%v end=%v)", p.StartRPS, p.EndRPS)
	}
	if p.Steps <= 0 {
		return fmt.Errorf("ramp pattern: steps must be positive, got %d", p.Steps)
	}
	return nil
}

func (p *Ramp) Rate(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return p.StartRPS
	}
	step := int(float64(p.Steps) * float64(elapsed) / float64(total))
	if step >= p.Steps {
		step = p.Steps - 1
	}
	if step < 0 {
		step = 0
	}
	return p.StartRPS + float64(step)*(p.EndRPS-p.StartRPS)/float64(p.Steps)
}

// Spike holds BaseRPS except during a recurring window of SpikeDuration
// starting every SpikeInterval, during which the rate is SpikeRPS.
type Spike struct {
	BaseRPS       float64       `mapstructure:"base_rps"`
	SpikeRPS      float64       `mapstructure:"spike_rps"`
	SpikeDuration time.Duration `mapstructure:"spike_duration"`
	SpikeInterval time.Duration `mapstructure:"spike_interval"`
}

func (p *Spike) Kind() string { return "spike" }

func (p *Spike) Validate() error {
	if p.BaseRPS <= 0 || p.SpikeRPS <= 0 {
		return fmt.Errorf("spike pattern: rates must be positive (base=%v spike=%v)", p.BaseRPS, p.SpikeRPS)
	}
	if p.SpikeInterval <= 0 {
		return fmt.Errorf("spike pattern: spike_interval must be positive, got %v", p.SpikeInterval)
	}
	if p.SpikeDuration <= 0 || p.SpikeDuration > p.SpikeInterval {
		return fmt.Errorf("spike pattern: spike_duration must be in (0, spike_interval], got %v", p.SpikeDuration)
	}
	return nil
}

func (p *Spike) Rate(elapsed, _ time.Duration) float64 {
	if elapsed%p.SpikeInterval < p.SpikeDuration {
		return p.SpikeRPS
	}
	return p.BaseRPS
}

// Wave oscillates sinusoidally between MinRPS and MaxRPS with the given
// wavelength. The rate is never outside [MinRPS, MaxRPS].
type Wave struct {
	MinRPS     float64       `mapstructure:"min_rps"`
	MaxRPS     float64       `mapstructure:"max_rps"`
	Wavelength time.Duration `mapstructure:"wavelength"`
}

func (p *Wave) Kind() string { return "wave" }

func (p *Wave) Validate() error {
	if p.MinRPS <= 0 {
		return fmt.Errorf("wave pattern: min_rps must be positive, got %v", p.MinRPS)
	}
	if p.MaxRPS < p.MinRPS {
		return fmt.Errorf("wave pattern: max_rps %v below min_rps %v", p.MaxRPS, p.MinRPS)
	}
	if p.Wavelength <= 0 {
		return fmt.Errorf("wave pattern: wavelength must be positive, got %v", p.Wavelength)
	}
	return nil
}

func (p *Wave) Rate(elapsed, _ time.Duration) float64 {
	phase := float64(elapsed%p.Wavelength) / float64(p.Wavelength)
	return p.MinRPS + ((math.Sin(2*math.Pi*phase)+1)/2)*(p.MaxRPS-p.MinRPS)
}

// Burst fires BurstSize invocations concurrently, rests for Rest, then
// waits out the remainder of BurstInterval before the next burst. A
// negative remainder is clamped to zero.
type Burst struct {
	BurstSize     int           `mapstructure:"burst_size"`
	BurstInterval time.Duration `mapstructure:"burst_interval"`
	Rest          time.Duration `mapstructure:"rest"`
}

func (p *Burst) Kind() string { return "burst" }

func (p *Burst) Validate() error {
	if p.BurstSize <= 0 {
		return fmt.Errorf("burst pattern: burst_size must be positive, got %d", p.BurstSize)
	}
	if p.BurstInterval <= 0 {
		return fmt.Errorf("burst pattern: burst_interval must be positive, got %v", p.BurstInterval)
	}
	if p.Rest < 0 {
		return fmt.Errorf("burst pattern: rest must not be negative, got %v", p.Rest)
	}
	return nil
}

type patternFactory func(map[string]any) (Pattern, error)

var patternFactories = map[string]patternFactory{}

// RegisterPattern makes a pattern kind buildable from configuration input.
// All built-in patterns register themselves at package load time.
func RegisterPattern(kind string, f patternFactory) {
	patternFactories[kind] = f
}

func init() {
	RegisterPattern("constant", func(params map[string]any) (Pattern, error) {
		p := &Constant{}
		return p, decodeParams(params, p)
	})
	RegisterPattern("ramp", func(params map[string]any) (Pattern, error) {
		p := &Ramp{}
		return p, decodeParams(params, p)
	})
	RegisterPattern("spike", func(params map[string]any) (Pattern, error) {
		p := &Spike{}
		return p, decodeParams(params, p)
	})
	RegisterPattern("wave", func(params map[string]any) (Pattern, error) {
		p := &Wave{}
		return p, decodeParams(params, p)
	})
	RegisterPattern("burst", func(params map[string]any) (Pattern, error) {
		p := &Burst{}
		return p, decodeParams(params, p)
	})
}

// BuildPattern constructs and validates a pattern from its kind and raw
// configuration parameters.
func BuildPattern(kind string, params map[string]any) (Pattern, error) {
	f, ok := patternFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown pattern kind: %s", kind)
	}
	p, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("building %s pattern: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			millisecondsToDurationHook,
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("can't decode pattern parameters: %w", err)
	}
	return nil
}

// millisecondsToDurationHook lets numeric config values stand in for
// durations, interpreted as milliseconds.
func millisecondsToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return data, nil
	}
}
