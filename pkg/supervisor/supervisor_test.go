package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/cleanup"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/engine"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/schedule"
)

type supEnv struct {
	cfg *config.Config
	sup *Supervisor
}

// workerScript writes an executable fake worker. The file name is
// unique per test so the process-table fingerprint never matches
// anything else on the host.
func workerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("drover-worker-%s.sh", uuid.NewString()[:8]))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, script string) *supEnv {
	t.Helper()

	cfg := &config.Config{
		DataRoot:   t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Worker: &config.WorkerConfig{
			Command:          script,
			IterationTimeout: 30 * time.Second,
			MaxAttempts:      3,
		},
		Oracle:    &config.OracleConfig{Mock: true},
		Logs:      &config.LogConfig{MaxSizeBytes: 1 << 20, RetentionDays: 30},
		Retention: config.DefaultRetentionConfig(),
	}

	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown(5 * time.Second) })

	return &supEnv{cfg: cfg, sup: sup}
}

func awaitTerminal(t *testing.T, env *supEnv, id string, within time.Duration) *models.Session {
	t.Helper()
	var session *models.Session
	require.Eventually(t, func() bool {
		s, err := env.sup.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		session = s
		return s.Status.IsTerminal()
	}, within, 25*time.Millisecond, "session %s never reached a terminal status", id)
	return session
}

func awaitRunning(t *testing.T, env *supEnv, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := env.sup.GetSession(context.Background(), id)
		return err == nil && s.Status == models.StatusRunning
	}, 10*time.Second, 25*time.Millisecond, "session %s never started running", id)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestSubmitRunsToCompletion(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, `echo "chapter drafted"`))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "draft the onboarding guide", models.SubmitOptions{Iterations: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, session.Status)

	final := awaitTerminal(t, env, session.ID, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.IterationsCompleted)

	view, err := env.sup.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Contains(t, view.Output, "chapter drafted")

	lines, err := env.sup.Tail(ctx, session.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "session completed")
}

func TestSubmitRejectsBadOptions(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))

	_, err := env.sup.Submit(context.Background(), "too ambitious", models.SubmitOptions{Iterations: 25})
	require.Error(t, err)
	assert.True(t, droverr.IsInvalidState(err))

	_, err = env.sup.Submit(context.Background(), "   ", models.SubmitOptions{})
	require.Error(t, err)
	assert.True(t, droverr.IsInvalidState(err))
}

func TestStopRunningSession(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "exec sleep 30"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "long haul", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitRunning(t, env, session.ID)

	_, err = env.sup.Stop(ctx, session.ID)
	require.NoError(t, err)

	final := awaitTerminal(t, env, session.ID, 15*time.Second)
	assert.Equal(t, models.StatusStopped, final.Status)

	again, err := env.sup.Stop(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, again.Status)
}

func TestStopParkedSessionDirectly(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	session, err := env.sup.lifecycle.Create(ctx, "parked work", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)

	stopped, err := env.sup.Stop(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	lines, err := env.sup.Tail(ctx, session.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "stopped by request")
}

func TestStopUnknownSession(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))

	_, err := env.sup.Stop(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, droverr.IsNotFound(err))
}

func TestResumeReArmsParkedSession(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo resumed"))
	ctx := context.Background()

	session, err := env.sup.lifecycle.Create(ctx, "parked work", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)

	resumed, err := env.sup.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, resumed.ID)

	final := awaitTerminal(t, env, session.ID, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestResumeStoppedSessionContinuesUnderNewID(t *testing.T) {
	count := filepath.Join(t.TempDir(), "runs")
	// Run 1 finishes an iteration, run 2 hangs so the session can be
	// stopped mid-plan, run 3 finishes the remainder.
	script := workerScript(t, fmt.Sprintf(`echo run >> %q
n=$(wc -l < %q)
if [ "$n" -eq 2 ]; then exec sleep 30; fi
echo "work $n"`, count, count))
	env := newTestSupervisor(t, script)
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "two part job", models.SubmitOptions{Iterations: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return countLines(t, count) >= 2
	}, 15*time.Second, 25*time.Millisecond, "second worker run never started")

	_, err = env.sup.Stop(ctx, session.ID)
	require.NoError(t, err)
	prior := awaitTerminal(t, env, session.ID, 15*time.Second)
	require.Equal(t, models.StatusStopped, prior.Status)
	require.Equal(t, 1, prior.IterationsCompleted)

	resumed, err := env.sup.Resume(ctx, session.ID)
	require.NoError(t, err)
	require.NotEqual(t, prior.ID, resumed.ID)
	assert.Equal(t, 1, resumed.IterationsPlanned)
	assert.Equal(t, prior.ID, resumed.Metadata[MetadataResumedFromKey])

	final := awaitTerminal(t, env, resumed.ID, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.IterationsCompleted)
}

func TestResumeFailedSessionRetriesTask(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "failed-once")
	script := workerScript(t, fmt.Sprintf(`if [ ! -f %q ]; then
  touch %q
  echo "worker authentication failed" >&2
  exit 1
fi
echo recovered`, mark, mark))
	env := newTestSupervisor(t, script)
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "flaky environment", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	prior := awaitTerminal(t, env, session.ID, 15*time.Second)
	require.Equal(t, models.StatusFailed, prior.Status)

	resumed, err := env.sup.Resume(ctx, session.ID)
	require.NoError(t, err)
	require.NotEqual(t, prior.ID, resumed.ID)
	assert.Equal(t, prior.ID, resumed.Metadata[MetadataResumedFromKey])

	final := awaitTerminal(t, env, resumed.ID, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestResumeCompletedSessionRejected(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo done"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "quick win", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitTerminal(t, env, session.ID, 15*time.Second)

	_, err = env.sup.Resume(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, droverr.IsInvalidState(err))
}

func TestResumeActiveSessionRejected(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "exec sleep 30"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "already moving", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitRunning(t, env, session.ID)

	_, err = env.sup.Resume(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, droverr.IsInvalidState(err))
}

func TestTailUnknownSession(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))

	_, err := env.sup.Tail(context.Background(), "no-such-id", 10)
	require.Error(t, err)
	assert.True(t, droverr.IsNotFound(err))
}

func TestStatsAggregates(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "count me", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitTerminal(t, env, session.ID, 15*time.Second)

	stats, err := env.sup.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions.Total)
	assert.Equal(t, 1, stats.Sessions.ByStatus[models.StatusCompleted])
	assert.Zero(t, stats.Schedules)
	assert.Len(t, stats.Breakers, 3)
}

func TestCleanupDryRun(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "short lived", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitTerminal(t, env, session.ID, 15*time.Second)

	res, err := env.sup.Cleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, cleanup.ModeDryRun, res.Mode)
	assert.Empty(t, res.Errors)

	// A fresh session is inside every retention window.
	got, err := env.sup.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = os.Stat(env.cfg.AuditFile())
	require.NoError(t, err, "dry run should still write the audit record")
}

func TestCleanupBlockedByOpenBreaker(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	boom := errors.New("disk failure")
	for i := 0; i < 10; i++ {
		_ = env.sup.Breakers().Execute(engine.BreakerFilesystem, func() error { return boom })
	}

	_, err := env.sup.Cleanup(ctx, true)
	require.Error(t, err)
	assert.True(t, droverr.IsCode(err, droverr.CodeCircuitOpen))

	require.True(t, env.sup.Breakers().Reset(engine.BreakerFilesystem))
	_, err = env.sup.Cleanup(ctx, true)
	require.NoError(t, err)
}

func TestSchedulePassthrough(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	sched, err := env.sup.CreateSchedule(ctx, "every day at nine", "review the queue",
		schedule.CreateOptions{Timezone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", sched.Cron)

	list := env.sup.ListSchedules()
	require.Len(t, list, 1)

	got, err := env.sup.GetSchedule(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, sched.ID, got.ID)

	stopped, err := env.sup.StopSchedule(sched.ID)
	require.NoError(t, err)
	assert.False(t, stopped.Enabled)

	require.NoError(t, env.sup.DeleteSchedule(sched.ID))
	_, err = env.sup.GetSchedule(sched.ID)
	assert.True(t, droverr.IsNotFound(err))
}

func TestScheduledCommandSubmitsSession(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo swept"))
	ctx := context.Background()

	sched, err := env.sup.CreateSchedule(ctx, "every day at nine", "sweep stale branches",
		schedule.CreateOptions{Timezone: "UTC"})
	require.NoError(t, err)

	out, err := env.sup.executeScheduled(ctx, sched)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "submitted session "))

	id := strings.TrimPrefix(out, "submitted session ")
	session, err := env.sup.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sweep stale branches", session.Task)
	assert.Equal(t, sched.ID, session.ScheduleID)

	final := awaitTerminal(t, env, id, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestStartRecoversLeftoverSessions(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))
	ctx := context.Background()

	// A row from a previous process whose worker is long gone.
	dead, err := env.sup.lifecycle.Create(ctx, "interrupted work", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	_, err = env.sup.lifecycle.SetStatus(ctx, dead.ID, models.StatusStarting, nil)
	require.NoError(t, err)
	_, err = env.sup.lifecycle.SetStatus(ctx, dead.ID, models.StatusRunning, nil)
	require.NoError(t, err)
	require.NoError(t, env.sup.lifecycle.RecordPID(ctx, dead.ID, 99999999))

	// And one that never launched.
	fresh, err := env.sup.lifecycle.Create(ctx, "never launched", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)

	require.NoError(t, env.sup.Start())

	got, err := env.sup.GetSession(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, engine.RestartFailureReason, got.Error)

	final := awaitTerminal(t, env, fresh.ID, 15*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestStartAndShutdownCleanSlate(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "echo ok"))

	require.NoError(t, env.sup.Start())
	env.sup.Shutdown(5 * time.Second)

	// A second shutdown is a no-op.
	env.sup.Shutdown(5 * time.Second)
}

func TestValidateReportsLiveness(t *testing.T) {
	env := newTestSupervisor(t, workerScript(t, "exec sleep 30"))
	ctx := context.Background()

	session, err := env.sup.Submit(ctx, "probe me", models.SubmitOptions{Iterations: 1})
	require.NoError(t, err)
	awaitRunning(t, env, session.ID)

	require.Eventually(t, func() bool {
		v, err := env.sup.Validate(ctx, session.ID)
		return err == nil && v.InRegistry && v.PIDAlive
	}, 10*time.Second, 50*time.Millisecond)

	_, err = env.sup.Stop(ctx, session.ID)
	require.NoError(t, err)
	awaitTerminal(t, env, session.ID, 15*time.Second)

	require.Eventually(t, func() bool {
		v, err := env.sup.Validate(ctx, session.ID)
		return err == nil && !v.InRegistry && !v.PIDAlive
	}, 10*time.Second, 50*time.Millisecond)
}
