package progress

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/models"
)

func TestTracker_IterationRoundTrip(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 3)
	tr.StartIteration(1, "first pass")
	tr.LogAction("edit file", "ok", "tool", true)
	tr.LogAction("run tests", "2 failed", "tool", false)
	tr.AddMilestone("found root cause", "high")
	tr.CompleteIteration("fixed the bug", []string{"patched handler"}, []string{"flaky test"}, []string{"add regression test"})

	loaded := Load(dir, "s-1").Snapshot()
	assert.Equal(t, "s-1", loaded.SessionID)
	assert.Equal(t, 3, loaded.TotalIterations)
	assert.Equal(t, 1, loaded.CurrentIteration)
	require.Len(t, loaded.Iterations, 1)

	it := loaded.Iterations[0]
	assert.Equal(t, models.IterationCompleted, it.Status)
	assert.Equal(t, "fixed the bug", it.Summary)
	require.Len(t, it.Actions, 2)
	assert.True(t, it.Actions[0].Success)
	assert.False(t, it.Actions[1].Success)
	require.NotNil(t, it.End)
	require.Len(t, loaded.Milestones, 1)
	assert.Equal(t, "found root cause", loaded.Milestones[0].Text)
}

func TestTracker_SaveRemovesBackup(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 1)
	tr.StartIteration(1, "")
	tr.CompleteIteration("done", nil, nil, nil)

	assert.FileExists(t, JournalPath(dir, "s-1"))
	assert.NoFileExists(t, JournalPath(dir, "s-1")+backupSuffix)
}

func TestLoad_RecoversFromBackup(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 2)
	tr.StartIteration(1, "goal")

	path := JournalPath(dir, "s-1")
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	// Simulates a crash mid-save: valid backup, torn main file.
	require.NoError(t, os.WriteFile(path+backupSuffix, good, 0o644))
	require.NoError(t, os.WriteFile(path, good[:len(good)/2], 0o644))

	loaded := Load(dir, "s-1").Snapshot()
	assert.Equal(t, "s-1", loaded.SessionID)
	assert.Equal(t, 1, loaded.CurrentIteration)
	require.Len(t, loaded.Iterations, 1)
}

func TestLoad_BothCorrupt_StartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := JournalPath(dir, "s-1")

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	require.NoError(t, os.WriteFile(path+backupSuffix, []byte("also broken"), 0o644))

	loaded := Load(dir, "s-1").Snapshot()
	assert.Equal(t, "s-1", loaded.SessionID)
	assert.Empty(t, loaded.Iterations)
	assert.Equal(t, 0, loaded.CurrentIteration)
}

func TestLoad_MissingJournal_StartsFresh(t *testing.T) {
	loaded := Load(t.TempDir(), "never-seen").Snapshot()
	assert.Equal(t, "never-seen", loaded.SessionID)
	assert.Empty(t, loaded.Iterations)
}

func TestLoad_RejectsInvalidShape(t *testing.T) {
	dir := t.TempDir()
	path := JournalPath(dir, "s-1")

	// Parses fine but fails validation: zero totalIterations.
	bad := `{"sessionId":"s-1","totalIterations":0,"currentIteration":1,"iterations":[],"milestones":[],"version":"1.0"}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	loaded := Load(dir, "s-1").Snapshot()
	// Fresh journal, not the invalid one.
	assert.Equal(t, 0, loaded.CurrentIteration)
	assert.GreaterOrEqual(t, loaded.TotalIterations, 1)
}

func TestUpdateProgress_AutoHealsGaps(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 5)
	tr.StartIteration(1, "")
	tr.CompleteIteration("one", nil, nil, nil)

	four := 4
	tr.UpdateProgress(ProgressPatch{CurrentIteration: &four})

	snap := tr.Snapshot()
	require.Len(t, snap.Iterations, 4)
	assert.Equal(t, 4, snap.CurrentIteration)

	// 2 and 3 are auto-created placeholders, closed; 4 is running.
	assert.Equal(t, models.AutoCreatedReason, snap.Iterations[1].Reason)
	assert.Equal(t, models.IterationCompleted, snap.Iterations[1].Status)
	assert.Equal(t, models.AutoCreatedReason, snap.Iterations[2].Reason)
	assert.Equal(t, models.IterationRunning, snap.Iterations[3].Status)
	assert.Equal(t, models.AutoCreatedReason, snap.Iterations[3].Reason)
}

func TestUpdateProgress_MergesMetadataAndStatus(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, "s-1", 2)

	status := string(models.StatusRunning)
	total := 7
	tr.UpdateProgress(ProgressPatch{
		Status:          &status,
		TotalIterations: &total,
		Metadata:        map[string]any{"model": "heavy"},
	})
	tr.UpdateProgress(ProgressPatch{Metadata: map[string]any{"planner": "oracle"}})

	snap := tr.Snapshot()
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 7, snap.TotalIterations)
	assert.Equal(t, "heavy", snap.Metadata["model"])
	assert.Equal(t, "oracle", snap.Metadata["planner"])
}

func TestCompleteSession(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 1)
	tr.StartIteration(1, "")
	tr.CompleteIteration("ok", nil, nil, nil)
	tr.CompleteSession("all done", string(models.StatusCompleted))

	loaded := Load(dir, "s-1").Snapshot()
	assert.Equal(t, "completed", loaded.Status)
	assert.Equal(t, "all done", loaded.OverallSummary)
}

func TestRemove_Idempotent(t *testing.T) {
	dir := t.TempDir()

	tr := New(dir, "s-1", 1)
	tr.StartIteration(1, "")

	require.NoError(t, Remove(dir, "s-1"))
	require.NoError(t, Remove(dir, "s-1"))
	assert.NoFileExists(t, JournalPath(dir, "s-1"))
}

func TestLastActivity(t *testing.T) {
	dir := t.TempDir()

	_, ok := LastActivity(dir, "s-1")
	assert.False(t, ok)

	tr := New(dir, "s-1", 1)
	tr.StartIteration(1, "")

	ts, ok := LastActivity(dir, "s-1")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, 10*time.Second)
}
