package monitor

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/progress"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := New("claude", t.TempDir())
	m.killGrace = 100 * time.Millisecond
	return m
}

// startSleeper spawns a short-lived child and reaps it in the
// background so liveness probes see it disappear once killed.
func startSleeper(t *testing.T) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())

	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-reaped
	})
	return cmd, reaped
}

func TestMonitor_RegistryLifecycle(t *testing.T) {
	m := newTestMonitor(t)

	m.Register("sess-1", Record{PID: os.Getpid(), AuxPIDs: []int{1234}})

	rec, ok := m.Info("sess-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, []int{1234}, rec.AuxPIDs)
	assert.False(t, rec.RegisteredAt.IsZero())

	all := m.ListAll()
	require.Len(t, all, 1)

	// Re-registering replaces the entry.
	m.Register("sess-1", Record{PID: os.Getpid()})
	rec, ok = m.Info("sess-1")
	require.True(t, ok)
	assert.Empty(t, rec.AuxPIDs)

	m.Unregister("sess-1")
	_, ok = m.Info("sess-1")
	assert.False(t, ok)

	// Unregistering again is a no-op.
	m.Unregister("sess-1")
	assert.Empty(t, m.ListAll())
}

func TestIsPIDAlive(t *testing.T) {
	assert.True(t, IsPIDAlive(os.Getpid()))
	assert.False(t, IsPIDAlive(0))
	assert.False(t, IsPIDAlive(-5))
	// A pid far beyond the kernel's pid space cannot be alive.
	assert.False(t, IsPIDAlive(1<<30))
}

func TestMonitor_IsActive(t *testing.T) {
	m := newTestMonitor(t)

	assert.False(t, m.IsActive("unknown"))

	m.Register("sess-live", Record{PID: os.Getpid()})
	assert.True(t, m.IsActive("sess-live"))

	m.Register("sess-dead", Record{PID: 1 << 30})
	assert.False(t, m.IsActive("sess-dead"))
}

func TestMonitor_MatchesFingerprint(t *testing.T) {
	m := newTestMonitor(t)

	tests := []struct {
		name string
		args string
		want bool
	}{
		{"bare command", "claude --print do things", true},
		{"absolute path", "/usr/local/bin/claude --print", true},
		{"behind interpreter", "node /usr/lib/claude --print", true},
		{"name only in later args", "vim notes about claude", false},
		{"different command", "postgres -D /var/db", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.matchesFingerprint(tt.args))
		})
	}
}

func TestParseProcessTable(t *testing.T) {
	out := "  123 /usr/local/bin/claude --print\n    9 [kworker/0:1]\nnot-a-pid junk\n\n 4567 sleep 60\n"

	procs := parseProcessTable(out)
	require.Len(t, procs, 3)
	assert.Equal(t, ProcessInfo{PID: 123, Args: "/usr/local/bin/claude --print"}, procs[0])
	assert.Equal(t, ProcessInfo{PID: 9, Args: "[kworker/0:1]"}, procs[1])
	assert.Equal(t, ProcessInfo{PID: 4567, Args: "sleep 60"}, procs[2])
}

func TestMonitor_ValidateAllAngles(t *testing.T) {
	progressDir := t.TempDir()
	m := New("claude", progressDir)
	m.killGrace = 100 * time.Millisecond

	self := os.Getpid()
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return []ProcessInfo{{PID: self, Args: "claude --print build the thing"}}, nil
	}

	m.Register("sess-v", Record{PID: self})
	require.NoError(t, os.WriteFile(progress.JournalPath(progressDir, "sess-v"), []byte("{}"), 0o644))

	v := m.Validate(context.Background(), "sess-v", nil)
	assert.True(t, v.InRegistry)
	assert.True(t, v.PIDAlive)
	assert.True(t, v.RecentJournalActivity)
	assert.True(t, v.FingerprintPresent)
	assert.True(t, v.IsActive())
}

func TestMonitor_ValidateUnknownSession(t *testing.T) {
	m := newTestMonitor(t)
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return nil, nil
	}

	v := m.Validate(context.Background(), "missing", nil)
	assert.False(t, v.InRegistry)
	assert.False(t, v.PIDAlive)
	assert.False(t, v.RecentJournalActivity)
	assert.False(t, v.FingerprintPresent)
	assert.False(t, v.IsActive())
}

func TestMonitor_ValidateExplicitPIDOverridesRegistry(t *testing.T) {
	m := newTestMonitor(t)
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return nil, nil
	}

	m.Register("sess-p", Record{PID: 1 << 30})
	self := os.Getpid()
	v := m.Validate(context.Background(), "sess-p", &self)
	assert.True(t, v.InRegistry)
	assert.True(t, v.PIDAlive, "caller-provided pid should be probed instead of the stale registry pid")
}

func TestMonitor_ValidateStaleJournal(t *testing.T) {
	progressDir := t.TempDir()
	m := New("claude", progressDir)
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return nil, nil
	}

	path := progress.JournalPath(progressDir, "sess-old")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	past := time.Now().Add(-16 * time.Minute)
	require.NoError(t, os.Chtimes(path, past, past))

	v := m.Validate(context.Background(), "sess-old", nil)
	assert.False(t, v.RecentJournalActivity)
	assert.False(t, v.IsActive())
}

func TestMonitor_FindOrphans(t *testing.T) {
	m := newTestMonitor(t)

	m.Register("sess-owned", Record{PID: 2001, AuxPIDs: []int{2002}})
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return []ProcessInfo{
			{PID: 2001, Args: "claude --print owned session"},
			{PID: 2002, Args: "caffeinate -w 2001"},
			{PID: 3001, Args: "claude --print stray session"},
			{PID: 4001, Args: "postgres -D /var/db"},
			{PID: os.Getpid(), Args: "claude --print looks like us"},
		}, nil
	}

	orphans, err := m.FindOrphans(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, 3001, orphans[0].PID)

	// No registered session's pid may ever be reported as an orphan.
	for _, o := range orphans {
		for _, rec := range m.ListAll() {
			assert.NotEqual(t, rec.PID, o.PID)
		}
	}
}

func TestMonitor_KillOrphansTerminatesStrays(t *testing.T) {
	cmd, reaped := startSleeper(t)

	m := New("sleep", t.TempDir())
	m.killGrace = 100 * time.Millisecond
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return []ProcessInfo{{PID: cmd.Process.Pid, Args: "sleep 60"}}, nil
	}

	killed, err := m.KillOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("orphan survived termination")
	}
}

func TestMonitor_KillOrphansNothingToDo(t *testing.T) {
	m := newTestMonitor(t)
	m.listProcesses = func(ctx context.Context) ([]ProcessInfo, error) {
		return nil, nil
	}

	killed, err := m.KillOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, killed)
}

func TestMonitor_StopSession(t *testing.T) {
	cmd, reaped := startSleeper(t)

	m := New("sleep", t.TempDir())
	m.killGrace = 100 * time.Millisecond
	m.Register("sess-stop", Record{PID: cmd.Process.Pid, Process: cmd.Process})

	m.StopSession("sess-stop")

	_, ok := m.Info("sess-stop")
	assert.False(t, ok, "stop should unregister")

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("child survived stop")
	}

	// Stopping again is a no-op.
	m.StopSession("sess-stop")
}

func TestMonitor_StopAllRunsOnce(t *testing.T) {
	cmd, reaped := startSleeper(t)

	m := New("sleep", t.TempDir())
	m.killGrace = 100 * time.Millisecond
	m.Register("sess-a", Record{PID: cmd.Process.Pid})
	m.Register("sess-b", Record{PID: 1 << 30})

	m.StopAll()
	assert.Empty(t, m.ListAll())

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("child survived shutdown")
	}

	// A second shutdown never re-runs: entries registered afterwards
	// are left alone.
	m.Register("sess-late", Record{PID: os.Getpid()})
	m.StopAll()
	assert.Len(t, m.ListAll(), 1)
}
