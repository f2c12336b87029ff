// Package models defines the shared domain types for the supervisor.
package models

import "time"

// SessionStatus is the lifecycle state of a supervised session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusStarting  SessionStatus = "starting"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusStopped   SessionStatus = "stopped"
	StatusError     SessionStatus = "error"
)

// IsTerminal reports whether the status is a sink state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusStarting, StatusRunning,
		StatusCompleted, StatusFailed, StatusStopped, StatusError:
		return true
	}
	return false
}

// TerminalStatuses lists the sink states in a stable order.
func TerminalStatuses() []SessionStatus {
	return []SessionStatus{StatusCompleted, StatusFailed, StatusStopped, StatusError}
}

// Worker model profiles.
const (
	ModelDefault = "default"
	ModelHeavy   = "heavy"
)

// Session iteration plan bounds.
const (
	MinIterations = 1
	MaxIterations = 20
)

// MaxTaskBytes bounds the free-form task text.
const MaxTaskBytes = 64 * 1024

// Session is the authoritative record of one background task.
// Timestamps are epoch milliseconds.
type Session struct {
	ID                  string         `gorm:"column:id;primaryKey" json:"id"`
	Task                string         `gorm:"column:task;not null" json:"task"`
	Status              SessionStatus  `gorm:"column:status;not null;index:idx_sessions_status_created" json:"status"`
	IterationsPlanned   int            `gorm:"column:iterations_planned;not null" json:"iterations_planned"`
	IterationsCompleted int            `gorm:"column:iterations_completed;not null" json:"iterations_completed"`
	Model               string         `gorm:"column:model;not null" json:"model"`
	WorkingDir          string         `gorm:"column:working_dir" json:"working_dir"`
	CreatedAt           int64          `gorm:"column:created_at;not null;index:idx_sessions_status_created" json:"created_at"`
	StartedAt           *int64         `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt         *int64         `gorm:"column:completed_at" json:"completed_at,omitempty"`
	PID                 *int           `gorm:"column:pid" json:"pid,omitempty"`
	Metadata            map[string]any `gorm:"column:metadata;serializer:json" json:"metadata,omitempty"`
	Error               string         `gorm:"column:error" json:"error,omitempty"`
	ScheduleID          string         `gorm:"column:schedule_id" json:"schedule_id,omitempty"`
}

func (Session) TableName() string {
	return "sessions"
}

// DurationS returns the session's wall-clock duration in seconds,
// using now for sessions that have not completed yet.
func (s *Session) DurationS() float64 {
	if s.StartedAt == nil {
		return 0
	}
	end := NowMs()
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	if end < *s.StartedAt {
		return 0
	}
	return float64(end-*s.StartedAt) / 1000.0
}

// TerminalAt returns the moment the session reached a sink state, falling
// back to created_at for rows that predate the completed_at column.
func (s *Session) TerminalAt() int64 {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.CreatedAt
}

// NowMs returns the current time in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// SubmitOptions carries the caller's knobs for a new session.
type SubmitOptions struct {
	// Iterations pins the plan size; 0 lets the planner decide.
	Iterations int            `json:"iterations,omitempty"`
	Model      string         `json:"model,omitempty"`
	WorkingDir string         `json:"working_dir,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
}

// SessionFilters narrows List results.
type SessionFilters struct {
	Statuses []SessionStatus `json:"statuses,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// StatusView is the externally visible snapshot of one session.
type StatusView struct {
	ID               string        `json:"id"`
	Task             string        `json:"task"`
	Status           SessionStatus `json:"status"`
	CurrentIteration int           `json:"current_iteration"`
	TotalIterations  int           `json:"total_iterations"`
	DurationS        float64       `json:"duration_s"`
	Output           string        `json:"output,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// SessionStats aggregates counts and durations across all sessions.
type SessionStats struct {
	Total          int                   `json:"total"`
	ByStatus       map[SessionStatus]int `json:"by_status"`
	AvgDurationS   float64               `json:"avg_duration_s"`
	SuccessRatePct float64               `json:"success_rate_pct"`
	TotalDurationS float64               `json:"total_duration_s"`
}
