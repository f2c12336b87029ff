// Package progress maintains the per-session iteration journal.
//
// Each session owns one JSON journal file written through an atomic
// backup/tmp/rename protocol, so that after any crash the on-disk state
// is a valid copy of one of the last two logical states. Journal writes
// are contained: a failed save is logged, never propagated, because
// session survival is prioritized over journal completeness.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drover-sh/drover/pkg/models"
)

const backupSuffix = ".backup"

// saveRetries is the number of save attempts after the first, sleeping
// 100ms, 200ms, 400ms between them.
const saveRetries = 3

// Tracker is the single writer for one session's journal.
type Tracker struct {
	mu    sync.Mutex
	path  string
	state *models.ProgressFile
}

// JournalPath returns the journal file location for a session id.
func JournalPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+"-progress.json")
}

// New starts a fresh journal for a session. Nothing is written until the
// first mutation.
func New(dir, sessionID string, totalIterations int) *Tracker {
	if totalIterations < models.MinIterations {
		totalIterations = models.MinIterations
	}
	return &Tracker{
		path: JournalPath(dir, sessionID),
		state: &models.ProgressFile{
			SessionID:       sessionID,
			StartTime:       models.NowMs(),
			TotalIterations: totalIterations,
			Status:          string(models.StatusCreated),
			Iterations:      []models.IterationRecord{},
			Milestones:      []models.Milestone{},
			Version:         models.ProgressVersion,
			LastUpdate:      models.NowMs(),
		},
	}
}

// Load reads an existing journal. A corrupt journal falls back to the
// sibling backup; if both are unreadable a fresh journal is started with
// a warning. Errors never cross this boundary.
func Load(dir, sessionID string) *Tracker {
	path := JournalPath(dir, sessionID)

	state, err := readAndValidate(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Progress journal unreadable, trying backup",
				"session_id", sessionID, "error", err)
		}
		state, err = readAndValidate(path + backupSuffix)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Progress backup unreadable, starting fresh journal",
					"session_id", sessionID, "error", err)
			}
			return New(dir, sessionID, 0)
		}
	}

	return &Tracker{path: path, state: state}
}

// Peek reads a session's journal without creating or healing anything.
// Used by status views that must not leave files behind.
func Peek(dir, sessionID string) (*models.ProgressFile, bool) {
	path := JournalPath(dir, sessionID)
	if state, err := readAndValidate(path); err == nil {
		return state, true
	}
	if state, err := readAndValidate(path + backupSuffix); err == nil {
		return state, true
	}
	return nil, false
}

func readAndValidate(path string) (*models.ProgressFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state models.ProgressFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	if err := validate(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// validate enforces the minimum shape before a loaded journal is trusted.
func validate(state *models.ProgressFile) error {
	if state.SessionID == "" {
		return fmt.Errorf("journal missing sessionId")
	}
	if state.CurrentIteration < 0 {
		return fmt.Errorf("journal currentIteration %d is negative", state.CurrentIteration)
	}
	if state.TotalIterations <= 0 {
		return fmt.Errorf("journal totalIterations %d is not positive", state.TotalIterations)
	}
	if state.Iterations == nil {
		return fmt.Errorf("journal iterations is not an array")
	}
	if state.Milestones == nil {
		return fmt.Errorf("journal milestones is not an array")
	}
	return nil
}

// Snapshot returns a copy of the journal state for readers.
func (t *Tracker) Snapshot() models.ProgressFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := *t.state
	snap.Iterations = append([]models.IterationRecord(nil), t.state.Iterations...)
	snap.Milestones = append([]models.Milestone(nil), t.state.Milestones...)
	if t.state.Metadata != nil {
		snap.Metadata = make(map[string]any, len(t.state.Metadata))
		for k, v := range t.state.Metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}

// StartIteration appends a new running iteration entry and advances the
// current iteration pointer.
func (t *Tracker) StartIteration(n int, goal string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Iterations = append(t.state.Iterations, models.IterationRecord{
		Number:       n,
		Goal:         goal,
		Start:        models.NowMs(),
		Status:       models.IterationRunning,
		Actions:      []models.ActionRecord{},
		Achievements: []string{},
		Challenges:   []string{},
		NextSteps:    []string{},
	})
	t.state.CurrentIteration = n
	t.state.Status = string(models.StatusRunning)
	t.save()
}

// LogAction appends an action to the current iteration.
func (t *Tracker) LogAction(action, result, actionType string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.state.CurrentIterationRecord()
	if rec == nil {
		slog.Warn("Action logged before any iteration started",
			"session_id", t.state.SessionID, "action", action)
		return
	}
	rec.Actions = append(rec.Actions, models.ActionRecord{
		Timestamp: models.NowMs(),
		Type:      actionType,
		Action:    action,
		Result:    result,
		Success:   success,
	})
	t.save()
}

// AddMilestone appends a session-level milestone.
func (t *Tracker) AddMilestone(text, impact string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Milestones = append(t.state.Milestones, models.Milestone{
		Timestamp: models.NowMs(),
		Text:      text,
		Impact:    impact,
	})
	t.save()
}

// ProgressPatch coalesces a state update.
type ProgressPatch struct {
	Status           *string
	CurrentIteration *int
	TotalIterations  *int
	Metadata         map[string]any
	Error            *string
}

// UpdateProgress applies a coalesced update. When the current iteration
// jumps past the recorded entries, placeholder records are inserted so
// the journal never has gaps.
func (t *Tracker) UpdateProgress(patch ProgressPatch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if patch.TotalIterations != nil {
		t.state.TotalIterations = *patch.TotalIterations
	}
	if patch.Status != nil {
		t.state.Status = *patch.Status
	}
	if patch.Error != nil {
		t.state.Error = *patch.Error
	}
	if patch.Metadata != nil {
		if t.state.Metadata == nil {
			t.state.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.state.Metadata[k] = v
		}
	}
	if patch.CurrentIteration != nil {
		t.healGaps(*patch.CurrentIteration)
		t.state.CurrentIteration = *patch.CurrentIteration
	}
	t.save()
}

// healGaps inserts auto-created placeholders for iteration numbers the
// journal never saw.
func (t *Tracker) healGaps(current int) {
	max := 0
	for _, it := range t.state.Iterations {
		if it.Number > max {
			max = it.Number
		}
	}
	for n := max + 1; n <= current; n++ {
		status := models.IterationCompleted
		if n == current {
			status = models.IterationRunning
		}
		now := models.NowMs()
		rec := models.IterationRecord{
			Number:       n,
			Start:        now,
			Status:       status,
			Reason:       models.AutoCreatedReason,
			Actions:      []models.ActionRecord{},
			Achievements: []string{},
			Challenges:   []string{},
			NextSteps:    []string{},
		}
		if status == models.IterationCompleted {
			rec.End = &now
		}
		t.state.Iterations = append(t.state.Iterations, rec)
		slog.Debug("Auto-created placeholder iteration",
			"session_id", t.state.SessionID, "iteration", n)
	}
}

// CompleteIteration closes the current iteration.
func (t *Tracker) CompleteIteration(summary string, achievements, challenges, nextSteps []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.state.CurrentIterationRecord()
	if rec == nil {
		slog.Warn("CompleteIteration with no iteration started", "session_id", t.state.SessionID)
		return
	}
	now := models.NowMs()
	rec.End = &now
	rec.Status = models.IterationCompleted
	rec.DurationS = float64(now-rec.Start) / 1000.0
	rec.Summary = summary
	if achievements != nil {
		rec.Achievements = achievements
	}
	if challenges != nil {
		rec.Challenges = challenges
	}
	if nextSteps != nil {
		rec.NextSteps = nextSteps
	}
	t.save()
}

// FailIteration marks the current iteration failed without closing the
// session.
func (t *Tracker) FailIteration(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.state.CurrentIterationRecord()
	if rec == nil {
		return
	}
	now := models.NowMs()
	rec.End = &now
	rec.Status = models.IterationFailed
	rec.DurationS = float64(now-rec.Start) / 1000.0
	rec.Summary = reason
	t.save()
}

// CompleteSession closes the journal with a final status.
func (t *Tracker) CompleteSession(summary, finalStatus string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.OverallSummary = summary
	t.state.Status = finalStatus
	t.save()
}

// save runs the atomic write protocol:
//
//  1. copy the current file to *.backup
//  2. write the new JSON to *.tmp.<pid>.<ts>
//  3. rename the tmp file over the target
//  4. read the target back and verify sessionId and lastUpdate
//  5. remove the backup
//
// A failed verify restores the backup and retries with exponential
// backoff. Exhausted retries log at error level and return; the caller
// keeps running.
func (t *Tracker) save() {
	t.state.LastUpdate = models.NowMs()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 400 * time.Millisecond

	err := backoff.Retry(func() error {
		return t.saveOnce()
	}, backoff.WithMaxRetries(bo, saveRetries))
	if err != nil {
		slog.Error("Progress journal save failed after retries, continuing without journal update",
			"session_id", t.state.SessionID, "path", t.path, "error", err)
	}
}

func (t *Tracker) saveOnce() error {
	backupPath := t.path + backupSuffix

	// Step 1: preserve the previous state.
	hadPrevious := false
	if prev, err := os.ReadFile(t.path); err == nil {
		hadPrevious = true
		if err := os.WriteFile(backupPath, prev, 0o644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}

	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	// Step 2: full write to a unique tmp file.
	tmpPath := fmt.Sprintf("%s.tmp.%d.%d", t.path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp journal: %w", err)
	}

	// Step 3: atomic replace.
	if err := os.Rename(tmpPath, t.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename journal: %w", err)
	}

	// Step 4: verify the write landed intact.
	if err := t.verify(); err != nil {
		t.restoreBackup(backupPath, hadPrevious)
		return err
	}

	// Step 5: the backup is no longer needed.
	_ = os.Remove(backupPath)
	return nil
}

func (t *Tracker) verify() error {
	var onDisk models.ProgressFile
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("verify parse: %w", err)
	}
	if onDisk.SessionID != t.state.SessionID || onDisk.LastUpdate != t.state.LastUpdate {
		return fmt.Errorf("verify mismatch: sessionId=%q lastUpdate=%d", onDisk.SessionID, onDisk.LastUpdate)
	}
	return nil
}

func (t *Tracker) restoreBackup(backupPath string, hadPrevious bool) {
	if !hadPrevious {
		return
	}
	if data, err := os.ReadFile(backupPath); err == nil {
		_ = os.WriteFile(t.path, data, 0o644)
	}
}

// Remove deletes a session's journal and its backup.
func Remove(dir, sessionID string) error {
	path := JournalPath(dir, sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + backupSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LastActivity reports when a session's journal was last written, from
// file modification time. The second return is false when no journal
// exists.
func LastActivity(dir, sessionID string) (time.Time, bool) {
	info, err := os.Stat(JournalPath(dir, sessionID))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
