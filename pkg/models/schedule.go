package models

// ScheduleType distinguishes one-shot from recurring schedules.
type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
)

// RunResult records the outcome of one schedule firing.
type RunResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Schedule is a stored cron job that submits supervisor work when it
// fires. Persisted as JSON in schedules.json; timestamps are epoch
// milliseconds.
type Schedule struct {
	ID              string       `json:"id"`
	NaturalLanguage string       `json:"natural_language"`
	Cron            string       `json:"cron"`
	Type            ScheduleType `json:"type"`
	Command         string       `json:"command"`
	Timezone        string       `json:"timezone"`
	Enabled         bool         `json:"enabled"`
	CreatedAt       int64        `json:"created_at"`
	LastRun         *int64       `json:"last_run,omitempty"`
	NextRun         *int64       `json:"next_run,omitempty"`
	RunCount        int          `json:"run_count"`
	LastResult      *RunResult   `json:"last_result,omitempty"`
}
