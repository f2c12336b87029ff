package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/oracle"
)

type recordingExecutor struct {
	mu     sync.Mutex
	calls  []*models.Schedule
	output string
	err    error
	panics bool
	gate   chan struct{}
}

func (r *recordingExecutor) ExecuteScheduled(_ context.Context, sched *models.Schedule) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sched)
	output, err, panics, gate := r.output, r.err, r.panics, r.gate
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("executor exploded")
	}
	return output, err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestEngine(t *testing.T) (*Engine, *recordingExecutor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules", "schedules.json")
	executor := &recordingExecutor{output: "submitted"}
	eng := New(path, oracle.New(&config.OracleConfig{Mock: true}), executor)
	return eng, executor, path
}

func mustCreate(t *testing.T, eng *Engine, naturalLanguage string) *models.Schedule {
	t.Helper()
	sched, err := eng.Create(context.Background(), naturalLanguage, "submit probe", CreateOptions{Timezone: "UTC"})
	require.NoError(t, err)
	return sched
}

func TestCreatePersistsAndArms(t *testing.T) {
	eng, _, path := newTestEngine(t)

	sched := mustCreate(t, eng, "*/5 * * * *")
	assert.Equal(t, "*/5 * * * *", sched.Cron)
	assert.Equal(t, models.ScheduleRecurring, sched.Type)
	assert.True(t, sched.Enabled)
	assert.Zero(t, sched.RunCount)
	require.NotNil(t, sched.NextRun)
	assert.Greater(t, *sched.NextRun, models.NowMs())

	assert.Len(t, eng.entries, 1)

	onDisk, err := loadSchedules(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 1)
	assert.Equal(t, sched.ID, onDisk[0].ID)
	assert.Equal(t, "submit probe", onDisk[0].Command)
}

func TestCreateParsesNaturalLanguage(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	sched := mustCreate(t, eng, "every day at nine")
	assert.Equal(t, "0 9 * * *", sched.Cron)
	assert.Equal(t, models.ScheduleRecurring, sched.Type)

	once, err := eng.Create(context.Background(), "run once tomorrow morning", "submit probe", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleOnce, once.Type)
	assert.Equal(t, "Local", once.Timezone)
}

func TestCreateRejectsBadInput(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, "every day at nine", "   ", CreateOptions{})
	assert.True(t, droverr.IsInvalidState(err))

	_, err = eng.Create(ctx, "every day at nine", "submit probe", CreateOptions{Timezone: "Mars/Olympus"})
	assert.True(t, droverr.IsInvalidState(err))

	// Passes the literal-cron sniff but fails field validation.
	_, err = eng.Create(ctx, "61 * * * *", "submit probe", CreateOptions{})
	assert.True(t, droverr.IsInvalidState(err))
}

func TestFireRecordsResult(t *testing.T) {
	eng, executor, path := newTestEngine(t)
	sched := mustCreate(t, eng, "*/5 * * * *")

	eng.fire(sched.ID)

	got, err := eng.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.LastResult)
	assert.True(t, got.LastResult.Success)
	assert.Equal(t, "submitted", got.LastResult.Output)
	assert.GreaterOrEqual(t, got.LastResult.DurationMs, int64(0))
	assert.True(t, got.Enabled, "recurring schedules stay armed")
	assert.Equal(t, 1, executor.count())

	onDisk, err := loadSchedules(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 1)
	assert.Equal(t, 1, onDisk[0].RunCount)
	require.NotNil(t, onDisk[0].LastResult)
}

func TestFireFailureDoesNotDisable(t *testing.T) {
	eng, executor, _ := newTestEngine(t)
	executor.err = errors.New("store unavailable")
	sched := mustCreate(t, eng, "*/5 * * * *")

	eng.fire(sched.ID)

	got, err := eng.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastResult)
	assert.False(t, got.LastResult.Success)
	assert.Contains(t, got.LastResult.Error, "store unavailable")
	assert.True(t, got.Enabled, "failures must not disable the schedule")
}

func TestFireContainsPanics(t *testing.T) {
	eng, executor, _ := newTestEngine(t)
	executor.panics = true
	sched := mustCreate(t, eng, "*/5 * * * *")

	eng.fire(sched.ID)

	got, err := eng.Get(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastResult)
	assert.False(t, got.LastResult.Success)
	assert.Contains(t, got.LastResult.Error, "panicked")

	executor.mu.Lock()
	executor.panics = false
	executor.mu.Unlock()
	eng.fire(sched.ID)
	got, err = eng.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.True(t, got.LastResult.Success)
}

func TestOnceScheduleDisablesAfterFiring(t *testing.T) {
	eng, executor, _ := newTestEngine(t)

	sched, err := eng.Create(context.Background(), "run once tomorrow morning", "submit probe", CreateOptions{Timezone: "UTC"})
	require.NoError(t, err)
	require.Equal(t, models.ScheduleOnce, sched.Type)

	eng.fire(sched.ID)

	got, err := eng.Get(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, 1, got.RunCount)
	assert.Empty(t, eng.entries)

	// A stray fire after the once-run changes nothing.
	eng.fire(sched.ID)
	assert.Equal(t, 1, executor.count())
}

func TestFireSkipsOverlappingRuns(t *testing.T) {
	eng, executor, _ := newTestEngine(t)
	executor.gate = make(chan struct{})
	sched := mustCreate(t, eng, "*/5 * * * *")

	go eng.fire(sched.ID)
	require.Eventually(t, func() bool { return executor.count() == 1 },
		5*time.Second, 10*time.Millisecond)

	// Second occurrence lands while the first is still executing.
	eng.fire(sched.ID)
	assert.Equal(t, 1, executor.count())

	close(executor.gate)
	require.Eventually(t, func() bool {
		got, err := eng.Get(sched.ID)
		return err == nil && got.RunCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopAndDelete(t *testing.T) {
	eng, executor, path := newTestEngine(t)
	sched := mustCreate(t, eng, "*/5 * * * *")

	stopped, err := eng.Stop(sched.ID)
	require.NoError(t, err)
	assert.False(t, stopped.Enabled)
	assert.Nil(t, stopped.NextRun)
	assert.Empty(t, eng.entries)

	// Idempotent stop, and a fire on a stopped schedule is ignored.
	_, err = eng.Stop(sched.ID)
	require.NoError(t, err)
	eng.fire(sched.ID)
	assert.Zero(t, executor.count())

	_, err = eng.Stop("no-such-schedule")
	assert.True(t, droverr.IsNotFound(err))

	require.NoError(t, eng.Delete(sched.ID))
	_, err = eng.Get(sched.ID)
	assert.True(t, droverr.IsNotFound(err))
	onDisk, err := loadSchedules(path)
	require.NoError(t, err)
	assert.Empty(t, onDisk)

	require.NoError(t, eng.Delete(sched.ID), "delete is idempotent")
}

func TestListNewestFirst(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	first := mustCreate(t, eng, "*/5 * * * *")
	second := mustCreate(t, eng, "0 9 * * *")

	list := eng.List()
	require.Len(t, list, 2)
	if list[0].CreatedAt == list[1].CreatedAt {
		t.Skip("creations landed on the same millisecond")
	}
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestRestoreActivatesEnabledSchedules(t *testing.T) {
	engA, _, path := newTestEngine(t)
	enabled := mustCreate(t, engA, "*/5 * * * *")
	disabled, err := engA.Create(context.Background(), "0 9 * * *", "submit probe",
		CreateOptions{Timezone: "UTC", Disabled: true})
	require.NoError(t, err)

	engB := New(path, oracle.New(&config.OracleConfig{Mock: true}), &recordingExecutor{})
	require.NoError(t, engB.Restore())

	assert.Len(t, engB.List(), 2)
	assert.Len(t, engB.entries, 1)

	gotEnabled, err := engB.Get(enabled.ID)
	require.NoError(t, err)
	assert.True(t, gotEnabled.Enabled)
	assert.NotNil(t, gotEnabled.NextRun)

	gotDisabled, err := engB.Get(disabled.ID)
	require.NoError(t, err)
	assert.False(t, gotDisabled.Enabled)
	assert.Nil(t, gotDisabled.NextRun)
}

func TestRestoreDisablesInvalidCron(t *testing.T) {
	_, _, path := newTestEngine(t)
	now := models.NowMs()
	require.NoError(t, saveSchedules(path, []*models.Schedule{
		{ID: "ok", Cron: "*/5 * * * *", Type: models.ScheduleRecurring, Command: "submit probe",
			Timezone: "UTC", Enabled: true, CreatedAt: now},
		{ID: "mangled", Cron: "99 * * * *", Type: models.ScheduleRecurring, Command: "submit probe",
			Timezone: "UTC", Enabled: true, CreatedAt: now},
	}))

	eng := New(path, oracle.New(&config.OracleConfig{Mock: true}), &recordingExecutor{})
	require.NoError(t, eng.Restore())

	assert.Len(t, eng.entries, 1)
	got, err := eng.Get("mangled")
	require.NoError(t, err, "invalid schedules are kept, just not armed")
	assert.False(t, got.Enabled)

	onDisk, err := loadSchedules(path)
	require.NoError(t, err)
	assert.Len(t, onDisk, 2)
}

func TestWatcherPicksUpExternalEdits(t *testing.T) {
	eng, _, path := newTestEngine(t)
	require.NoError(t, eng.Start())
	defer eng.Shutdown()

	sched := mustCreate(t, eng, "*/5 * * * *")

	// Simulate another process rewriting the file.
	edited, err := loadSchedules(path)
	require.NoError(t, err)
	require.Len(t, edited, 1)
	edited[0].Command = "submit changed"
	require.NoError(t, saveSchedules(path, edited))

	require.Eventually(t, func() bool {
		got, err := eng.Get(sched.ID)
		return err == nil && got.Command == "submit changed"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCronFiresSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a real cron minute boundary")
	}
	eng, executor, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	defer eng.Shutdown()

	sched := mustCreate(t, eng, "*/1 * * * *")

	require.Eventually(t, func() bool { return executor.count() >= 1 },
		75*time.Second, 250*time.Millisecond)

	got, err := eng.Get(sched.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.RunCount, 1)
	require.NotNil(t, got.LastResult)
	assert.True(t, got.LastResult.Success)
}

func TestSaveSchedulesReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, saveSchedules(path, []*models.Schedule{{ID: "a", Cron: "* * * * *"}}))
	require.NoError(t, saveSchedules(path, []*models.Schedule{{ID: "b", Cron: "* * * * *"}}))

	loaded, err := loadSchedules(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}

func TestLoadSchedulesMissingFile(t *testing.T) {
	loaded, err := loadSchedules(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadSchedulesRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := loadSchedules(path)
	require.Error(t, err)
	assert.True(t, droverr.IsCode(err, droverr.CodeFilesystem))
}

func TestExecutorFuncAdapter(t *testing.T) {
	var got string
	fn := ExecutorFunc(func(_ context.Context, sched *models.Schedule) (string, error) {
		got = sched.Command
		return fmt.Sprintf("ran %s", sched.ID), nil
	})
	out, err := fn.ExecuteScheduled(context.Background(), &models.Schedule{ID: "s1", Command: "submit probe"})
	require.NoError(t, err)
	assert.Equal(t, "submit probe", got)
	assert.Equal(t, "ran s1", out)
}
