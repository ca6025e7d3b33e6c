package config

import (
	"os"
	"time"
)

// LoadFromEnv applies environment overrides on top of a loaded config.
// Unset variables leave the loaded values untouched.
func LoadFromEnv(cfg *Config) {
	cfg.Logging.Level = GetEnvOrDefault("PERFBENCH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Env = GetEnvOrDefault("PERFBENCH_LOG_ENV", cfg.Logging.Env)
	cfg.Metrics.Addr = GetEnvOrDefault("PERFBENCH_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Database.DSN = GetEnvOrDefault("PERFBENCH_DB_DSN", cfg.Database.DSN)
	cfg.Database.Driver = GetEnvOrDefault("PERFBENCH_DB_DRIVER", cfg.Database.Driver)
	cfg.Benchmark.TestName = GetEnvOrDefault("PERFBENCH_TEST_NAME", cfg.Benchmark.TestName)

	if dur := os.Getenv("PERFBENCH_DURATION"); dur != "" {
		if d, err := time.ParseDuration(dur); err == nil {
			cfg.Benchmark.Duration = Duration(d)
		}
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
