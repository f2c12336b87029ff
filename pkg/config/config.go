// Package config loads and validates supervisor configuration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the fully resolved supervisor configuration.
type Config struct {
	// DataRoot is the directory holding sessions.db, logs/, progress/,
	// schedules/, audit/ and legacy_registry/.
	DataRoot string `yaml:"data_root"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Debug switches logging to debug level.
	Debug bool `yaml:"debug"`

	Worker    *WorkerConfig    `yaml:"worker"`
	Oracle    *OracleConfig    `yaml:"oracle"`
	Logs      *LogConfig       `yaml:"logs"`
	Retention *RetentionConfig `yaml:"retention"`
}

// WorkerConfig describes how worker children are spawned and retried.
type WorkerConfig struct {
	// Command is the worker executable on PATH.
	Command string `yaml:"command"`

	// BaseArgs precede the per-iteration arguments.
	BaseArgs []string `yaml:"base_args"`

	// Models maps a profile tag ("default", "heavy") to the worker's
	// model identifier.
	Models map[string]string `yaml:"models"`

	// IterationTimeout bounds one worker iteration.
	IterationTimeout time.Duration `yaml:"iteration_timeout"`

	// ProbeTimeout bounds short probe invocations.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// MaxAttempts is the per-iteration retry budget.
	MaxAttempts int `yaml:"max_attempts"`

	// WakeLock spawns a caffeinate helper alongside the worker on darwin.
	WakeLock bool `yaml:"wake_lock"`
}

// OracleConfig describes the external LLM oracle subprocess.
type OracleConfig struct {
	// Command is the oracle executable; empty disables the oracle and
	// forces the local heuristic.
	Command string `yaml:"command"`

	// Args precede the per-call request argument.
	Args []string `yaml:"args"`

	// Mock forces deterministic canned responses (also DROVER_MOCK_ORACLE).
	Mock bool `yaml:"mock"`

	CronTimeout       time.Duration `yaml:"cron_timeout"`
	ComplexityTimeout time.Duration `yaml:"complexity_timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries   int           `yaml:"cache_max_entries"`
	MaxRetries        int           `yaml:"max_retries"`
}

// LogConfig controls per-session log rotation and retention.
type LogConfig struct {
	// MaxSizeBytes triggers rotation once a log grows past it.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// RetentionDays bounds the age of rotated and orphaned logs.
	RetentionDays int `yaml:"retention_days"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Merge drover.yaml from the config path, if present
//  3. Apply environment overrides (DROVER_*)
//  4. Validate the result
func Initialize(ctx context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)

	cfg, err := load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"data_root", cfg.DataRoot,
		"listen_addr", cfg.ListenAddr,
		"worker_command", cfg.Worker.Command,
		"oracle_mock", cfg.Oracle.Mock)

	return cfg, nil
}

func load(_ context.Context, configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := mergeYAMLFile(cfg, configPath); err != nil {
			return nil, NewLoadError(filepath.Base(configPath), err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory for data root: %w", err)
		}
		cfg.DataRoot = filepath.Join(home, ".drover")
	}

	return cfg, nil
}

// applyEnvOverrides layers DROVER_* environment variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DROVER_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("DROVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DROVER_WORKER_CMD"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("DROVER_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := os.Getenv("DROVER_MOCK_ORACLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Oracle.Mock = b
		}
	}
}

func (c *Config) validate() error {
	if c.Worker.Command == "" {
		return NewValidationError("worker", "command", ErrMissingRequiredField)
	}
	if c.Worker.MaxAttempts < 1 {
		return NewValidationError("worker", "max_attempts", ErrInvalidValue)
	}
	if c.Worker.IterationTimeout <= 0 {
		return NewValidationError("worker", "iteration_timeout", ErrInvalidValue)
	}
	if c.Logs.MaxSizeBytes <= 0 {
		return NewValidationError("logs", "max_size_bytes", ErrInvalidValue)
	}
	if err := c.Retention.validate(); err != nil {
		return err
	}
	return nil
}

// Filesystem layout under the data root.

func (c *Config) DBPath() string        { return filepath.Join(c.DataRoot, "sessions.db") }
func (c *Config) LogsDir() string       { return filepath.Join(c.DataRoot, "logs") }
func (c *Config) ProgressDir() string   { return filepath.Join(c.DataRoot, "progress") }
func (c *Config) SchedulesFile() string { return filepath.Join(c.DataRoot, "schedules", "schedules.json") }
func (c *Config) AuditFile() string     { return filepath.Join(c.DataRoot, "audit", "cleanup-audit.log") }
func (c *Config) LegacyDir() string     { return filepath.Join(c.DataRoot, "legacy_registry") }

// EnsureDataRoot creates the data root and its fixed subdirectories.
func (c *Config) EnsureDataRoot() error {
	dirs := []string{
		c.DataRoot,
		c.LogsDir(),
		c.ProgressDir(),
		filepath.Dir(c.SchedulesFile()),
		filepath.Dir(c.AuditFile()),
		c.LegacyDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
