// Package lifecycle owns the per-session state machine: creation,
// validated status transitions, the externally visible status view, and
// removal of old terminal sessions together with their files.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/logs"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/progress"
	"github.com/drover-sh/drover/pkg/store"
)

// outputTailChars bounds the log excerpt embedded in a status view.
const outputTailChars = 1000

// maxStoredOutputChars bounds the output summary persisted on the row.
const maxStoredOutputChars = 10000

// MetadataOutputKey is where the final output summary lands in the
// session's metadata bag. The row has no dedicated output column.
const MetadataOutputKey = "output"

// DefaultListLimit bounds List when the caller does not.
const DefaultListLimit = 100

// Manager drives the session state machine over the durable store.
type Manager struct {
	sessions    *store.SessionStore
	logs        *logs.Manager
	progressDir string
}

// New wires a lifecycle manager to its storage and log backends.
func New(sessions *store.SessionStore, logManager *logs.Manager, progressDir string) *Manager {
	return &Manager{
		sessions:    sessions,
		logs:        logManager,
		progressDir: progressDir,
	}
}

// Extras carries optional fields applied together with a status change.
type Extras struct {
	Error  string
	Output string
}

// transitions lists the legal moves out of each non-terminal status.
// Error is additionally reachable from anywhere; terminal statuses are
// sinks.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusCreated:  {models.StatusStarting, models.StatusStopped},
	models.StatusStarting: {models.StatusRunning, models.StatusFailed, models.StatusStopped},
	models.StatusRunning:  {models.StatusCompleted, models.StatusFailed, models.StatusStopped},
}

func canTransition(from, to models.SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == models.StatusError {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Create validates the task and persists a new session in created.
// Iterations 0 leaves the plan to the engine's planner.
func (m *Manager) Create(ctx context.Context, task string, opts models.SubmitOptions) (*models.Session, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, droverr.New(droverr.CodeInvalidState, "task must not be empty")
	}
	if len(task) > models.MaxTaskBytes {
		return nil, droverr.New(droverr.CodeInvalidState,
			"task is %d bytes, limit is %d", len(task), models.MaxTaskBytes)
	}
	if opts.Iterations != 0 &&
		(opts.Iterations < models.MinIterations || opts.Iterations > models.MaxIterations) {
		return nil, droverr.New(droverr.CodeInvalidState,
			"iterations must be between %d and %d", models.MinIterations, models.MaxIterations)
	}
	model := opts.Model
	if model == "" {
		model = models.ModelDefault
	}
	if model != models.ModelDefault && model != models.ModelHeavy {
		return nil, droverr.New(droverr.CodeInvalidState, "unknown model profile %q", model)
	}

	session := &models.Session{
		ID:                uuid.NewString(),
		Task:              task,
		Status:            models.StatusCreated,
		IterationsPlanned: opts.Iterations,
		Model:             model,
		WorkingDir:        opts.WorkingDir,
		CreatedAt:         models.NowMs(),
		Metadata:          opts.Metadata,
		ScheduleID:        opts.ScheduleID,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	slog.Info("Session created",
		"session_id", session.ID,
		"iterations", session.IterationsPlanned,
		"model", session.Model)
	return session, nil
}

// SetStatus validates and applies one state-machine move, maintaining
// the timestamps that hang off it. Setting the current status again is
// a no-op so stop and fail paths stay idempotent. The store re-checks
// terminal immutability inside its transaction, so a concurrent
// terminal write loses cleanly rather than racing.
func (m *Manager) SetStatus(ctx context.Context, id string, status models.SessionStatus, extras *Extras) (*models.Session, error) {
	if !status.Valid() {
		return nil, droverr.New(droverr.CodeInvalidState, "unknown status %q", status)
	}

	current, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	if !canTransition(current.Status, status) {
		return nil, droverr.New(droverr.CodeInvalidState,
			"cannot transition session %s from %s to %s", id, current.Status, status)
	}

	patch := store.SessionPatch{Status: &status}
	now := models.NowMs()
	if status == models.StatusRunning && current.StartedAt == nil {
		patch.StartedAt = &now
	}
	if status.IsTerminal() {
		patch.CompletedAt = &now
		patch.ClearPID = true
	}
	if extras != nil {
		if extras.Error != "" {
			patch.Error = &extras.Error
		}
		if extras.Output != "" {
			md := make(map[string]any, len(current.Metadata)+1)
			for k, v := range current.Metadata {
				md[k] = v
			}
			md[MetadataOutputKey] = tailChars(extras.Output, maxStoredOutputChars)
			patch.Metadata = md
		}
	}

	updated, err := m.sessions.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	slog.Info("Session status changed",
		"session_id", id, "from", current.Status, "to", status)
	return updated, nil
}

// Fail moves a session to failed with an error summary.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) error {
	_, err := m.SetStatus(ctx, id, models.StatusFailed, &Extras{Error: errMsg})
	return err
}

// Complete moves a session to completed, keeping a bounded output
// summary on the row.
func (m *Manager) Complete(ctx context.Context, id, output string) error {
	_, err := m.SetStatus(ctx, id, models.StatusCompleted, &Extras{Output: output})
	return err
}

// RecordPlan persists the planner's decision on the session row.
func (m *Manager) RecordPlan(ctx context.Context, id string, iterations int, model string) error {
	if iterations < models.MinIterations || iterations > models.MaxIterations {
		return droverr.New(droverr.CodeInvalidState,
			"planned iterations %d outside [%d, %d]", iterations, models.MinIterations, models.MaxIterations)
	}
	_, err := m.sessions.Update(ctx, id, store.SessionPatch{
		IterationsPlanned: &iterations,
		Model:             &model,
	})
	return err
}

// RecordPID stores the worker child's PID for the current iteration.
func (m *Manager) RecordPID(ctx context.Context, id string, pid int) error {
	_, err := m.sessions.Update(ctx, id, store.SessionPatch{PID: &pid})
	return err
}

// RecordIteration persists the highest finished iteration number.
func (m *Manager) RecordIteration(ctx context.Context, id string, completed int) error {
	_, err := m.sessions.Update(ctx, id, store.SessionPatch{IterationsCompleted: &completed})
	return err
}

// Get returns the raw session row.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.sessions.Get(ctx, id)
}

// List returns sessions newest first, filtered and bounded. Limit 0
// applies the default; a negative limit returns everything.
func (m *Manager) List(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	var (
		rows []*models.Session
		err  error
	)
	if len(filters.Statuses) > 0 {
		rows, err = m.sessions.ListByStatus(ctx, filters.Statuses...)
	} else {
		rows, err = m.sessions.ListAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	limit := filters.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// GetStatus assembles the externally visible view: row fields, the
// journal's live iteration when one exists, and a bounded tail of the
// session log.
func (m *Manager) GetStatus(ctx context.Context, id string) (*models.StatusView, error) {
	session, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &models.StatusView{
		ID:               session.ID,
		Task:             session.Task,
		Status:           session.Status,
		CurrentIteration: session.IterationsCompleted,
		TotalIterations:  session.IterationsPlanned,
		DurationS:        session.DurationS(),
		Error:            session.Error,
	}
	if snap, ok := progress.Peek(m.progressDir, id); ok && snap.CurrentIteration > view.CurrentIteration {
		view.CurrentIteration = snap.CurrentIteration
	}
	if content, err := m.logs.ReadAll(id); err == nil {
		view.Output = tailChars(content, outputTailChars)
	}
	return view, nil
}

// CleanupCompleted deletes terminal sessions older than the cutoff along
// with their logs and journals. The row goes first, so a crash mid-sweep
// can only leave an orphaned log behind, which the next sweep collects.
func (m *Manager) CleanupCompleted(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()

	rows, err := m.sessions.ListByStatus(ctx, models.TerminalStatuses()...)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, session := range rows {
		if session.TerminalAt() >= cutoff {
			continue
		}
		if err := m.sessions.Delete(ctx, session.ID); err != nil {
			return deleted, err
		}
		if _, err := m.logs.DeleteSessionLogs(session.ID); err != nil {
			slog.Warn("Session deleted but log cleanup failed",
				"session_id", session.ID, "error", err)
		}
		if err := progress.Remove(m.progressDir, session.ID); err != nil {
			slog.Warn("Session deleted but journal cleanup failed",
				"session_id", session.ID, "error", err)
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("Old terminal sessions removed",
			"count", deleted, "older_than_days", olderThanDays)
	}
	return deleted, nil
}

// Stats aggregates counts, durations and the success rate. The success
// rate counts completed against all terminal sessions.
func (m *Manager) Stats(ctx context.Context) (*models.SessionStats, error) {
	counts, err := m.sessions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.SessionStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}

	terminal := 0
	for _, status := range models.TerminalStatuses() {
		terminal += counts[status]
	}
	if terminal > 0 {
		stats.SuccessRatePct = float64(counts[models.StatusCompleted]) / float64(terminal) * 100
	}

	rows, err := m.sessions.ListByStatus(ctx, models.TerminalStatuses()...)
	if err != nil {
		return nil, err
	}
	measured := 0
	for _, session := range rows {
		if session.StartedAt == nil || session.CompletedAt == nil {
			continue
		}
		stats.TotalDurationS += session.DurationS()
		measured++
	}
	if measured > 0 {
		stats.AvgDurationS = stats.TotalDurationS / float64(measured)
	}
	return stats, nil
}

// tailChars returns the last n characters of s.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
