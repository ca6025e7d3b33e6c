// Package config loads and validates benchmark run configuration.
// Validation failures here are the only fatal errors; everything after
// a run starts is reported, not aborted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/perfbench/internal/shaper"
)

// Duration decodes from YAML strings like "30s"; bare numbers are
// interpreted as milliseconds.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int", "!!float":
		ms, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	default:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root of a perfbench YAML file.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Benchmark BenchmarkConfig `yaml:"benchmark"`
	Database  DatabaseConfig  `yaml:"database"`
}

type LoggingConfig struct {
	Env   string `yaml:"env" default:"production"`
	Level string `yaml:"level" default:"info"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the exposition endpoint
}

// BenchmarkConfig describes one named benchmark run.
type BenchmarkConfig struct {
	TestName         string            `yaml:"test_name"`
	Duration         Duration          `yaml:"duration" default:"1m"`
	WarmupIterations int               `yaml:"warmup_iterations" default:"50"`
	Cooldown         Duration          `yaml:"cooldown" default:"5s"`
	MaxConcurrency   int               `yaml:"max_concurrency" default:"10"`
	TargetRPS        float64           `yaml:"target_rps"` // 0 scores throughput against min_throughput
	Pattern          PatternConfig     `yaml:"pattern"`
	Operations       []OperationConfig `yaml:"operations"`
	Thresholds       Thresholds        `yaml:"thresholds"`
	BaselineDir      string            `yaml:"baseline_dir" default:"baselines"`
	ReportDir        string            `yaml:"report_dir" default:"reports"`
}

// PatternConfig selects a traffic pattern by kind with free-form
// parameters decoded by the pattern registry.
type PatternConfig struct {
	Type   string         `yaml:"type" default:"constant"`
	Params map[string]any `yaml:"params"`
}

// OperationConfig describes an HTTP operation in the run mix.
type OperationConfig struct {
	Name    string   `yaml:"name"`
	Weight  float64  `yaml:"weight" default:"1"`
	Method  string   `yaml:"method" default:"GET"`
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout" default:"30s"`
}

// Thresholds is the pass/fail envelope for a run. Zero values disable
// the corresponding check.
type Thresholds struct {
	MaxAvgLatencyMs float64 `yaml:"max_avg_latency_ms"`
	MaxP95LatencyMs float64 `yaml:"max_p95_latency_ms"`
	MaxP99LatencyMs float64 `yaml:"max_p99_latency_ms"`
	MaxErrorRate    float64 `yaml:"max_error_rate"`
	MinThroughput   float64 `yaml:"min_throughput"`
	MaxHeapBytes    uint64  `yaml:"max_heap_bytes"`
	MaxCPUPercent   float64 `yaml:"max_cpu_percent"`
	MaxDBLatencyMs  float64 `yaml:"max_db_latency_ms"`
}

// DatabaseConfig wires the optional database benchmark.
type DatabaseConfig struct {
	Driver               string            `yaml:"driver"` // "postgres" or "sqlite3"
	DSN                  string            `yaml:"dsn"`
	SlowQueryThresholdMs int               `yaml:"slow_query_threshold_ms" default:"100"`
	Benchmark            DBBenchmarkConfig `yaml:"benchmark"`
}

type DBBenchmarkConfig struct {
	Iterations  int               `yaml:"iterations"`
	Concurrency int               `yaml:"concurrency" default:"4"`
	TargetRPS   float64           `yaml:"target_rps"`
	Statements  []StatementConfig `yaml:"statements"`
}

type StatementConfig struct {
	Name         string  `yaml:"name"`
	Weight       float64 `yaml:"weight" default:"1"`
	SQL          string  `yaml:"sql"`
	ExpectedRows int64   `yaml:"expected_rows"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Env: "production", Level: "info"},
		Benchmark: BenchmarkConfig{
			TestName:         "default",
			Duration:         Duration(time.Minute),
			WarmupIterations: 50,
			Cooldown:         Duration(5 * time.Second),
			MaxConcurrency:   10,
			Pattern:          PatternConfig{Type: "constant", Params: map[string]any{"rps": 10}},
			BaselineDir:      "baselines",
			ReportDir:        "reports",
		},
		Database: DatabaseConfig{
			SlowQueryThresholdMs: 100,
			Benchmark:            DBBenchmarkConfig{Concurrency: 4},
		},
	}
}

// Validate checks everything that must hold before a run starts.
func (c *Config) Validate() error {
	b := &c.Benchmark
	if b.TestName == "" {
		return fmt.Errorf("benchmark: test_name is required")
	}
	if b.Duration <= 0 {
		return fmt.Errorf("benchmark: duration must be positive, got %v", b.Duration.Std())
	}
	if b.MaxConcurrency <= 0 {
		return fmt.Errorf("benchmark: max_concurrency must be positive, got %d", b.MaxConcurrency)
	}
	if b.Cooldown < 0 {
		return fmt.Errorf("benchmark: cooldown must not be negative, got %v", b.Cooldown.Std())
	}

	if _, err := c.BuildPattern(); err != nil {
		return fmt.Errorf("benchmark pattern: %w", err)
	}

	for i, op := range b.Operations {
		if op.Name == "" {
			return fmt.Errorf("benchmark: operation %d has no name", i)
		}
		if op.Weight <= 0 {
			return fmt.Errorf("benchmark: operation %q has non-positive weight %v", op.Name, op.Weight)
		}
		if op.URL == "" {
			return fmt.Errorf("benchmark: operation %q has no url", op.Name)
		}
	}

	d := &c.Database
	if d.DSN != "" {
		switch d.Driver {
		case "postgres", "sqlite3":
		default:
			return fmt.Errorf("database: unsupported driver %q", d.Driver)
		}
		for i, s := range d.Benchmark.Statements {
			if s.Name == "" {
				return fmt.Errorf("database: statement %d has no name", i)
			}
			if s.SQL == "" {
				return fmt.Errorf("database: statement %q has no sql", s.Name)
			}
			if s.Weight <= 0 {
				return fmt.Errorf("database: statement %q has non-positive weight %v", s.Name, s.Weight)
			}
		}
	}
	return nil
}

// BuildPattern constructs the configured traffic pattern.
func (c *Config) BuildPattern() (shaper.Pattern, error) {
	return shaper.BuildPattern(c.Benchmark.Pattern.Type, c.Benchmark.Pattern.Params)
}
