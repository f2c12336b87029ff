package config

import "time"

// DefaultConfig returns the built-in configuration. YAML and environment
// overrides are merged on top of it.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8917",
		Worker: &WorkerConfig{
			Command:  "claude",
			BaseArgs: []string{"--print", "--dangerously-skip-permissions"},
			Models: map[string]string{
				"default": "sonnet",
				"heavy":   "opus",
			},
			IterationTimeout: 10 * time.Minute,
			ProbeTimeout:     30 * time.Second,
			MaxAttempts:      3,
			WakeLock:         true,
		},
		Oracle: &OracleConfig{
			Command:           "claude",
			Args:              []string{"--print"},
			CronTimeout:       120 * time.Second,
			ComplexityTimeout: 30 * time.Second,
			CacheTTL:          5 * time.Minute,
			CacheMaxEntries:   100,
			MaxRetries:        2,
		},
		Logs: &LogConfig{
			MaxSizeBytes:  10 * 1024 * 1024,
			RetentionDays: 30,
		},
		Retention: DefaultRetentionConfig(),
	}
}
