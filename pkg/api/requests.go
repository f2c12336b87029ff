package api

// SubmitSessionRequest is the body for POST /api/v1/sessions.
type SubmitSessionRequest struct {
	Task       string         `json:"task" binding:"required"`
	Iterations int            `json:"iterations"`
	Model      string         `json:"model"`
	WorkingDir string         `json:"working_dir"`
	Metadata   map[string]any `json:"metadata"`
}

// CreateScheduleRequest is the body for POST /api/v1/schedules. Schedule
// is the cadence in natural language or literal cron.
type CreateScheduleRequest struct {
	Schedule string `json:"schedule" binding:"required"`
	Command  string `json:"command" binding:"required"`
	Timezone string `json:"timezone"`
	Disabled bool   `json:"disabled"`
}

// CleanupRequest is the body for POST /api/v1/cleanup. An empty body
// means a real sweep.
type CleanupRequest struct {
	DryRun bool `json:"dry_run"`
}
