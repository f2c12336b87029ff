// Package engine drives sessions from created to a terminal state. Each
// session loop plans its iteration budget, spawns one worker child per
// iteration, streams the child's output into the session log, classifies
// failures, and retries with backoff until the plan is done, the session
// is stopped, or the retry budget runs out.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/lifecycle"
	"github.com/drover-sh/drover/pkg/logs"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/monitor"
	"github.com/drover-sh/drover/pkg/oracle"
)

// finalWriteTimeout bounds the status writes that run after a session's
// own context is already cancelled.
const finalWriteTimeout = 10 * time.Second

// RestartFailureReason marks sessions failed because their worker did not
// survive a supervisor restart.
const RestartFailureReason = "supervisor_restart"

// Engine supervises the per-session worker loops.
type Engine struct {
	worker    *config.WorkerConfig
	lifecycle *lifecycle.Manager
	logs      *logs.Manager
	monitor   *monitor.Monitor
	oracle    *oracle.Gateway
	breakers  *BreakerManager

	progressDir string

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, lm *lifecycle.Manager, logManager *logs.Manager, mon *monitor.Monitor, gateway *oracle.Gateway) *Engine {
	return &Engine{
		worker:      cfg.Worker,
		lifecycle:   lm,
		logs:        logManager,
		monitor:     mon,
		oracle:      gateway,
		breakers:    NewBreakerManager(),
		progressDir: cfg.ProgressDir(),
		active:      make(map[string]context.CancelFunc),
	}
}

// Breakers exposes the shared circuit breakers for inspection and reset.
func (e *Engine) Breakers() *BreakerManager { return e.breakers }

// Launch starts supervising a created session on its own goroutine.
func (e *Engine) Launch(ctx context.Context, sessionID string) error {
	session, err := e.lifecycle.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.StatusCreated {
		return droverr.New(droverr.CodeInvalidState,
			"session %s is %s, only created sessions launch", sessionID, session.Status)
	}
	e.start(ctx, session, false)
	return nil
}

// Resume re-arms supervision for a non-terminal session that has no
// active loop. The loop reattaches to a surviving worker when one is
// found and otherwise continues from the last recorded iteration.
// Terminal sessions cannot resume.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	session, err := e.lifecycle.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return droverr.New(droverr.CodeInvalidState,
			"session %s is %s and cannot resume", sessionID, session.Status)
	}
	if e.IsActive(sessionID) {
		return droverr.New(droverr.CodeInvalidState,
			"session %s is already supervised", sessionID)
	}
	if session.Status == models.StatusCreated {
		e.start(ctx, session, false)
		return nil
	}

	v := e.monitor.Validate(ctx, sessionID, session.PID)
	alive := v.PIDAlive && session.PID != nil
	if alive {
		e.monitor.Register(sessionID, monitor.Record{
			SessionID: sessionID,
			PID:       *session.PID,
		})
	}
	e.start(ctx, session, alive)
	return nil
}

// start registers the session's cancel hook and runs its loop. ctx is
// the supervisor's root context: stopping one session trips its own
// cancel func, shutdown cancels them all.
func (e *Engine) start(ctx context.Context, session *models.Session, reattach bool) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if _, exists := e.active[session.ID]; exists {
		e.mu.Unlock()
		cancel()
		return
	}
	e.active[session.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, session.ID)
			e.mu.Unlock()
		}()
		e.runSession(runCtx, session, reattach)
	}()
}

// Cancel trips a running session's context. The loop observes it at the
// next suspension point, terminates the child, and marks the session
// stopped. Returns false when the engine owns no loop for id.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsActive reports whether the engine currently owns a loop for id.
func (e *Engine) IsActive(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}

// ActiveCount returns the number of live session loops.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels every session loop and waits up to grace for the
// loops to mark their sessions. Children still alive afterwards are the
// monitor's problem.
func (e *Engine) Shutdown(grace time.Duration) {
	e.mu.Lock()
	n := len(e.active)
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	if n > 0 {
		slog.Info("Engine shutting down", "active_sessions", n)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Engine shutdown grace expired with session loops still winding down")
	}
}

// RecoverStartup reconciles sessions a previous supervisor left
// non-terminal. A session whose worker is gone without a trace is failed;
// one with a surviving process is re-registered with the monitor and its
// loop resumed. Created sessions that never launched are launched.
func (e *Engine) RecoverStartup(ctx context.Context) (failed, resumed int) {
	rows, err := e.lifecycle.List(ctx, models.SessionFilters{
		Statuses: []models.SessionStatus{models.StatusCreated, models.StatusStarting, models.StatusRunning},
		Limit:    -1,
	})
	if err != nil {
		slog.Error("Startup recovery scan failed", "error", err)
		return 0, 0
	}

	for _, session := range rows {
		if session.Status == models.StatusCreated {
			e.start(ctx, session, false)
			resumed++
			continue
		}

		v := e.monitor.Validate(ctx, session.ID, session.PID)
		if !v.PIDAlive && !v.FingerprintPresent {
			e.monitor.Unregister(session.ID)
			if err := e.failForRestart(ctx, session.ID); err != nil {
				slog.Error("Failed to mark dead session",
					"session_id", session.ID, "error", err)
			} else {
				failed++
			}
			continue
		}

		if session.PID != nil {
			e.monitor.Register(session.ID, monitor.Record{
				SessionID: session.ID,
				PID:       *session.PID,
			})
		}
		e.start(ctx, session, true)
		resumed++
	}

	if failed > 0 || resumed > 0 {
		slog.Info("Startup recovery finished", "failed", failed, "resumed", resumed)
	}
	return failed, resumed
}

func (e *Engine) failForRestart(ctx context.Context, id string) error {
	err := e.lifecycle.Fail(ctx, id, RestartFailureReason)
	if err == nil {
		e.logs.Append(id, "session failed: worker did not survive a supervisor restart")
	}
	return err
}
