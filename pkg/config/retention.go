package config

import "time"

// RetentionConfig controls the cleanup engine's sweep behavior.
type RetentionConfig struct {
	// Per-status retention windows, in days. Running sessions are never
	// auto-deleted.
	CompletedDays int `yaml:"completed_days"`
	FailedDays    int `yaml:"failed_days"`
	ErrorDays     int `yaml:"error_days"`
	StoppedDays   int `yaml:"stopped_days"`

	// PreserveRecent keeps the N most recent sessions per status
	// regardless of age.
	PreserveRecent int `yaml:"preserve_recent"`

	// LegacyDays bounds the age of items under legacy_registry/.
	LegacyDays int `yaml:"legacy_days"`

	// CleanupInterval is how often the periodic sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CompletedDays:   7,
		FailedDays:      30,
		ErrorDays:       30,
		StoppedDays:     14,
		PreserveRecent:  10,
		LegacyDays:      7,
		CleanupInterval: 6 * time.Hour,
	}
}

// DaysFor returns the retention window for a status name, or -1 when the
// status is never auto-deleted.
func (r *RetentionConfig) DaysFor(status string) int {
	switch status {
	case "completed":
		return r.CompletedDays
	case "failed":
		return r.FailedDays
	case "error":
		return r.ErrorDays
	case "stopped":
		return r.StoppedDays
	default:
		return -1
	}
}

func (r *RetentionConfig) validate() error {
	if r.PreserveRecent < 0 {
		return NewValidationError("retention", "preserve_recent", ErrInvalidValue)
	}
	for _, days := range []int{r.CompletedDays, r.FailedDays, r.ErrorDays, r.StoppedDays, r.LegacyDays} {
		if days < 0 {
			return NewValidationError("retention", "days", ErrInvalidValue)
		}
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", ErrInvalidValue)
	}
	return nil
}
