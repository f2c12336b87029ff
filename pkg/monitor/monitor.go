// Package monitor tracks the child processes the supervisor currently
// owns. It is the authority on "is session X alive right now": an
// in-memory registry of PIDs plus best-effort probes of the system
// process table for workers that outlived their supervisor.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/progress"
)

// DefaultKillGrace is how long a graceful stop waits before escalating
// to SIGKILL.
const DefaultKillGrace = 5 * time.Second

// journalActivityWindow bounds how old a journal write may be while
// still counting as a liveness signal.
const journalActivityWindow = 15 * time.Minute

// Record is one supervised child.
type Record struct {
	SessionID string
	PID       int
	// AuxPIDs holds helper processes tied to the child, such as a
	// wake-lock holder. They are signalled together with the main PID.
	AuxPIDs      []int
	Process      *os.Process
	RegisteredAt time.Time
}

// Validation is the result of probing a session's liveness from four
// independent angles.
type Validation struct {
	InRegistry            bool `json:"in_registry"`
	PIDAlive              bool `json:"pid_alive"`
	RecentJournalActivity bool `json:"recent_journal_activity"`
	FingerprintPresent    bool `json:"fingerprint_present"`
}

// IsActive reports whether any probe found signs of life.
func (v Validation) IsActive() bool {
	return v.InRegistry || v.PIDAlive || v.RecentJournalActivity || v.FingerprintPresent
}

// OrphanInfo describes a worker process with no owning session in the
// registry.
type OrphanInfo struct {
	PID  int
	Args string
}

// Monitor holds the registry. All state is in memory; sessions are the
// durable record, the monitor only answers liveness questions.
type Monitor struct {
	workerCmd   string
	progressDir string
	killGrace   time.Duration

	// listProcesses is swapped out in tests.
	listProcesses func(ctx context.Context) ([]ProcessInfo, error)

	mu      sync.RWMutex
	records map[string]*Record

	stopOnce sync.Once
}

// New creates a monitor that recognizes children of workerCommand and
// reads journal activity from progressDir.
func New(workerCommand, progressDir string) *Monitor {
	return &Monitor{
		workerCmd:     filepath.Base(workerCommand),
		progressDir:   progressDir,
		killGrace:     DefaultKillGrace,
		listProcesses: listSystemProcesses,
		records:       make(map[string]*Record),
	}
}

// Register records a child for a session, replacing any previous entry.
func (m *Monitor) Register(sessionID string, rec Record) {
	rec.SessionID = sessionID
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now()
	}
	m.mu.Lock()
	m.records[sessionID] = &rec
	m.mu.Unlock()

	slog.Debug("Worker registered", "session_id", sessionID, "pid", rec.PID)
}

// Unregister drops a session's entry. Unknown ids are a no-op.
func (m *Monitor) Unregister(sessionID string) {
	m.mu.Lock()
	_, ok := m.records[sessionID]
	delete(m.records, sessionID)
	m.mu.Unlock()

	if ok {
		slog.Debug("Worker unregistered", "session_id", sessionID)
	}
}

// IsActive reports whether the session has a registered, live child.
func (m *Monitor) IsActive(sessionID string) bool {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	return ok && IsPIDAlive(rec.PID)
}

// Info returns a copy of the session's registry entry.
func (m *Monitor) Info(sessionID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.AuxPIDs = append([]int(nil), rec.AuxPIDs...)
	return out, true
}

// ListAll returns copies of every registry entry.
func (m *Monitor) ListAll() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		cp.AuxPIDs = append([]int(nil), rec.AuxPIDs...)
		out = append(out, cp)
	}
	return out
}

// Validate probes a session's liveness from all four angles. The pid
// argument overrides the registry's PID when the caller has a fresher
// observation, such as the persisted session row.
func (m *Monitor) Validate(ctx context.Context, sessionID string, pid *int) Validation {
	var v Validation

	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	v.InRegistry = ok

	probe := 0
	if pid != nil {
		probe = *pid
	} else if ok {
		probe = rec.PID
	}
	if probe > 0 {
		v.PIDAlive = IsPIDAlive(probe)
	}

	if last, ok := progress.LastActivity(m.progressDir, sessionID); ok {
		v.RecentJournalActivity = time.Since(last) < journalActivityWindow
	}

	// A live PID may have been recycled by the OS. Only count it as a
	// worker when the process table agrees.
	if probe > 0 {
		if procs, err := m.listProcesses(ctx); err == nil {
			for _, p := range procs {
				if p.PID == probe && m.matchesFingerprint(p.Args) {
					v.FingerprintPresent = true
					break
				}
			}
		}
	}
	return v
}

// FindOrphans lists worker processes that no registered session owns.
func (m *Monitor) FindOrphans(ctx context.Context) ([]OrphanInfo, error) {
	procs, err := m.listProcesses(ctx)
	if err != nil {
		return nil, err
	}

	owned := make(map[int]bool)
	m.mu.RLock()
	for _, rec := range m.records {
		owned[rec.PID] = true
		for _, aux := range rec.AuxPIDs {
			owned[aux] = true
		}
	}
	m.mu.RUnlock()

	self := os.Getpid()
	var orphans []OrphanInfo
	for _, p := range procs {
		if p.PID == self || owned[p.PID] || !m.matchesFingerprint(p.Args) {
			continue
		}
		orphans = append(orphans, OrphanInfo{PID: p.PID, Args: p.Args})
	}
	return orphans, nil
}

// KillOrphans terminates every orphaned worker, escalating to SIGKILL
// for any still alive after the grace period. Returns how many orphans
// were signalled.
func (m *Monitor) KillOrphans(ctx context.Context) (int, error) {
	orphans, err := m.FindOrphans(ctx)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	pids := make([]int, 0, len(orphans))
	for _, o := range orphans {
		slog.Warn("Terminating orphaned worker", "pid", o.PID, "args", o.Args)
		terminate(o.PID)
		pids = append(pids, o.PID)
	}

	m.awaitDeath(ctx, pids)
	for _, pid := range pids {
		if IsPIDAlive(pid) {
			slog.Warn("Orphan ignored graceful stop, force killing", "pid", pid)
			forceKill(pid)
		}
	}
	return len(orphans), nil
}

// StopSession signals the session's child and helpers to stop, arms a
// delayed force-kill for anything that ignores it, and unregisters.
// Already-dead children are fine.
func (m *Monitor) StopSession(sessionID string) {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	delete(m.records, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	pids := append([]int{rec.PID}, rec.AuxPIDs...)
	for _, pid := range pids {
		terminate(pid)
	}
	slog.Info("Stop signalled", "session_id", sessionID, "pid", rec.PID)

	grace := m.killGrace
	go func() {
		time.Sleep(grace)
		for _, pid := range pids {
			if IsPIDAlive(pid) {
				slog.Warn("Worker ignored graceful stop, force killing",
					"session_id", sessionID, "pid", pid)
				forceKill(pid)
			}
		}
	}()
}

// StopAll terminates every registered child. Runs at most once; later
// calls are no-ops so repeated shutdown paths cannot collide.
func (m *Monitor) StopAll() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		var pids []int
		count := len(m.records)
		for id, rec := range m.records {
			pids = append(pids, rec.PID)
			pids = append(pids, rec.AuxPIDs...)
			delete(m.records, id)
		}
		m.mu.Unlock()

		if count == 0 {
			return
		}
		slog.Info("Stopping all supervised workers", "count", count)

		for _, pid := range pids {
			terminate(pid)
		}
		m.awaitDeath(context.Background(), pids)
		for _, pid := range pids {
			if IsPIDAlive(pid) {
				forceKill(pid)
			}
		}
	})
}

// awaitDeath polls until every pid is gone, the grace period elapses, or
// the context is cancelled.
func (m *Monitor) awaitDeath(ctx context.Context, pids []int) {
	deadline := time.Now().Add(m.killGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, pid := range pids {
			if IsPIDAlive(pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// matchesFingerprint reports whether a process table args column looks
// like a worker invocation. The command may appear directly or behind an
// interpreter, so the first two argv slots are checked.
func (m *Monitor) matchesFingerprint(args string) bool {
	fields := splitArgs(args)
	for i, f := range fields {
		if i > 1 {
			break
		}
		if filepath.Base(f) == m.workerCmd {
			return true
		}
	}
	return false
}
