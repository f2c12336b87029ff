// Package supervisor assembles the session components behind one
// façade. It owns construction order, startup recovery, and shutdown
// ordering; callers (the HTTP API, the CLI entrypoint) talk to the
// Supervisor and never to the components directly.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/cleanup"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/engine"
	"github.com/drover-sh/drover/pkg/lifecycle"
	"github.com/drover-sh/drover/pkg/logs"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/monitor"
	"github.com/drover-sh/drover/pkg/oracle"
	"github.com/drover-sh/drover/pkg/schedule"
	"github.com/drover-sh/drover/pkg/store"
)

// MetadataResumedFromKey links a follow-up session back to the terminal
// session it continues.
const MetadataResumedFromKey = "resumed_from"

// Supervisor wires the store, lifecycle, engine, monitor, scheduler and
// cleanup services together and exposes the session operations.
type Supervisor struct {
	cfg *config.Config

	// root is the parent context of every session loop. Request
	// contexts bound API calls; the loops they launch outlive them.
	root context.Context

	client    *store.Client
	sessions  *store.SessionStore
	logs      *logs.Manager
	lifecycle *lifecycle.Manager
	monitor   *monitor.Monitor
	oracle    *oracle.Gateway
	engine    *engine.Engine
	cleaner   *cleanup.Engine
	retention *cleanup.Service
	schedules *schedule.Engine

	shutdownOnce sync.Once
}

// New builds the full component graph. ctx must live as long as the
// supervisor: it migrates the database here and later parents every
// session loop. Nothing starts running until Start.
func New(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	if err := cfg.EnsureDataRoot(); err != nil {
		return nil, err
	}
	client, err := store.NewClient(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}

	sessions := store.NewSessionStore(client)
	logManager := logs.NewManager(cfg.LogsDir(), cfg.Logs)
	lm := lifecycle.New(sessions, logManager, cfg.ProgressDir())
	mon := monitor.New(cfg.Worker.Command, cfg.ProgressDir())
	gateway := oracle.New(cfg.Oracle)
	eng := engine.New(cfg, lm, logManager, mon, gateway)
	cleaner := cleanup.NewEngine(cfg, sessions, logManager)

	s := &Supervisor{
		cfg:       cfg,
		root:      ctx,
		client:    client,
		sessions:  sessions,
		logs:      logManager,
		lifecycle: lm,
		monitor:   mon,
		oracle:    gateway,
		engine:    eng,
		cleaner:   cleaner,
		retention: cleanup.NewService(cfg.Retention, cleaner),
	}
	s.schedules = schedule.New(cfg.SchedulesFile(), gateway, schedule.ExecutorFunc(s.executeScheduled))
	return s, nil
}

// Start brings the supervisor online: adopt workers recorded by a
// previous process, reap orphans, reconcile leftover sessions, then
// start the background services.
func (s *Supervisor) Start() error {
	ctx := s.root
	s.adoptRecordedWorkers(ctx)

	if n, err := s.monitor.KillOrphans(ctx); err != nil {
		slog.Warn("Orphan sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("Orphaned workers reaped", "count", n)
	}

	s.engine.RecoverStartup(ctx)

	s.retention.Start(ctx)
	if err := s.schedules.Start(); err != nil {
		return err
	}

	slog.Info("Supervisor started", "data_root", s.cfg.DataRoot)
	return nil
}

// adoptRecordedWorkers registers the PIDs persisted on non-terminal
// rows so the orphan sweep does not kill workers that startup recovery
// is about to reattach. Recovery re-validates each one afterwards.
func (s *Supervisor) adoptRecordedWorkers(ctx context.Context) {
	rows, err := s.lifecycle.List(ctx, models.SessionFilters{
		Statuses: []models.SessionStatus{models.StatusStarting, models.StatusRunning},
		Limit:    -1,
	})
	if err != nil {
		slog.Warn("Worker adoption scan failed", "error", err)
		return
	}
	for _, row := range rows {
		if row.PID != nil {
			s.monitor.Register(row.ID, monitor.Record{SessionID: row.ID, PID: *row.PID})
		}
	}
}

// Shutdown winds everything down in dependency order: stop scheduling
// new work, stop the session loops, kill straggling children, then
// release the file and database handles. Runs at most once.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.shutdownOnce.Do(func() {
		s.schedules.Shutdown()
		s.retention.Stop()
		s.engine.Shutdown(grace)
		s.monitor.StopAll()
		s.logs.Shutdown()
		if err := s.client.Close(); err != nil {
			slog.Warn("Database close failed", "error", err)
		}
		slog.Info("Supervisor stopped")
	})
}

// Submit creates a session and hands it to the engine. The returned
// session is the created row; planning and iteration happen on the
// engine's goroutine.
func (s *Supervisor) Submit(ctx context.Context, task string, opts models.SubmitOptions) (*models.Session, error) {
	session, err := s.lifecycle.Create(ctx, task, opts)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Launch(s.root, session.ID); err != nil {
		return session, err
	}
	return session, nil
}

// Stop requests a session stop. Terminal sessions are returned
// unchanged. When the engine owns the loop the stop is asynchronous:
// the loop observes the cancel, terminates its worker and marks the row
// stopped. Sessions nobody supervises are marked stopped directly.
func (s *Supervisor) Stop(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	if s.engine.Cancel(id) {
		return s.lifecycle.Get(ctx, id)
	}

	s.monitor.StopSession(id)
	stopped, err := s.lifecycle.SetStatus(ctx, id, models.StatusStopped, nil)
	if err != nil {
		if droverr.IsInvalidState(err) {
			// Lost the race against a loop finishing the session.
			return s.lifecycle.Get(ctx, id)
		}
		return nil, err
	}
	s.logs.Append(id, "session stopped by request")
	s.logs.CloseStream(id)
	return stopped, nil
}

// Resume puts a session back to work. Non-terminal sessions that lost
// their loop are re-armed in place. Stopped and failed sessions are
// continued under a fresh id carrying the remaining iterations, since
// terminal rows never change status again. Completed and errored
// sessions have nothing to resume.
func (s *Supervisor) Resume(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.StatusStopped, models.StatusFailed:
		return s.resumeAsNew(ctx, session)
	case models.StatusCompleted, models.StatusError:
		return nil, droverr.New(droverr.CodeInvalidState,
			"session %s is %s and cannot resume", id, session.Status)
	default:
		if err := s.engine.Resume(s.root, id); err != nil {
			return nil, err
		}
		return session, nil
	}
}

// resumeAsNew submits the unfinished remainder of a terminal session as
// a new session linked back to the original. A session that failed with
// nothing left in its plan gets a zero budget, which sends it back
// through planning.
func (s *Supervisor) resumeAsNew(ctx context.Context, prior *models.Session) (*models.Session, error) {
	remaining := prior.IterationsPlanned - prior.IterationsCompleted
	if remaining < 0 {
		remaining = 0
	}

	md := make(map[string]any, len(prior.Metadata)+1)
	for k, v := range prior.Metadata {
		md[k] = v
	}
	delete(md, lifecycle.MetadataOutputKey)
	md[MetadataResumedFromKey] = prior.ID

	session, err := s.Submit(ctx, prior.Task, models.SubmitOptions{
		Iterations: remaining,
		Model:      prior.Model,
		WorkingDir: prior.WorkingDir,
		Metadata:   md,
		ScheduleID: prior.ScheduleID,
	})
	if err != nil {
		return session, err
	}
	slog.Info("Session resumed under a new id",
		"session_id", session.ID, "resumed_from", prior.ID, "iterations", remaining)
	return session, nil
}

// Get returns the externally visible snapshot of one session.
func (s *Supervisor) Get(ctx context.Context, id string) (*models.StatusView, error) {
	return s.lifecycle.GetStatus(ctx, id)
}

// GetSession returns the raw session row.
func (s *Supervisor) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.lifecycle.Get(ctx, id)
}

// List returns sessions newest first, narrowed by the filters.
func (s *Supervisor) List(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	return s.lifecycle.List(ctx, filters)
}

// Tail returns the last n lines of a session's log.
func (s *Supervisor) Tail(ctx context.Context, id string, n int) ([]string, error) {
	if _, err := s.lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ReadTail(id, n)
}

// SearchLogs scans a session's log for pattern.
func (s *Supervisor) SearchLogs(ctx context.Context, id, pattern string, opts logs.SearchOptions) ([]logs.Match, error) {
	if _, err := s.lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.Search(id, pattern, opts)
}

// Follow streams a session's log lines to onLine until the returned
// cancel func is called.
func (s *Supervisor) Follow(ctx context.Context, id string, tailLines int, onLine func(string)) (func(), error) {
	if _, err := s.lifecycle.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.Follow(id, tailLines, onLine)
}

// Stats is the aggregate runtime view.
type Stats struct {
	Sessions    *models.SessionStats   `json:"sessions"`
	ActiveLoops int                    `json:"active_loops"`
	Schedules   int                    `json:"schedules"`
	Breakers    []engine.BreakerStatus `json:"breakers"`
}

// Stats aggregates session history with the live state of the loops,
// schedules and circuit breakers.
func (s *Supervisor) Stats(ctx context.Context) (*Stats, error) {
	sessions, err := s.lifecycle.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Sessions:    sessions,
		ActiveLoops: s.engine.ActiveCount(),
		Schedules:   len(s.schedules.List()),
		Breakers:    s.engine.Breakers().Snapshot(),
	}, nil
}

// Cleanup runs one retention sweep. The sweep is gated by the
// filesystem breaker: while storage is known bad no sweep runs.
func (s *Supervisor) Cleanup(ctx context.Context, dryRun bool) (*cleanup.Result, error) {
	var res *cleanup.Result
	err := s.engine.Breakers().Execute(engine.BreakerFilesystem, func() error {
		res = s.cleaner.Sweep(ctx, dryRun)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Breakers exposes the engine's circuit breakers.
func (s *Supervisor) Breakers() *engine.BreakerManager {
	return s.engine.Breakers()
}

// Validate probes one session's liveness.
func (s *Supervisor) Validate(ctx context.Context, id string) (monitor.Validation, error) {
	session, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return monitor.Validation{}, err
	}
	return s.monitor.Validate(ctx, id, session.PID), nil
}

// Orphans lists worker processes no session owns.
func (s *Supervisor) Orphans(ctx context.Context) ([]monitor.OrphanInfo, error) {
	return s.monitor.FindOrphans(ctx)
}

// CreateSchedule registers a command to be submitted on a cadence
// described in natural language.
func (s *Supervisor) CreateSchedule(ctx context.Context, naturalLanguage, command string, opts schedule.CreateOptions) (*models.Schedule, error) {
	return s.schedules.Create(ctx, naturalLanguage, command, opts)
}

// ListSchedules returns all schedules, newest first.
func (s *Supervisor) ListSchedules() []*models.Schedule {
	return s.schedules.List()
}

// GetSchedule returns one schedule.
func (s *Supervisor) GetSchedule(id string) (*models.Schedule, error) {
	return s.schedules.Get(id)
}

// StopSchedule disables a schedule without deleting its history.
func (s *Supervisor) StopSchedule(id string) (*models.Schedule, error) {
	return s.schedules.Stop(id)
}

// DeleteSchedule removes a schedule entirely.
func (s *Supervisor) DeleteSchedule(id string) error {
	return s.schedules.Delete(id)
}

// executeScheduled is the schedule engine's trigger target: the
// schedule's command becomes a session task.
func (s *Supervisor) executeScheduled(ctx context.Context, sched *models.Schedule) (string, error) {
	session, err := s.Submit(ctx, sched.Command, models.SubmitOptions{
		ScheduleID: sched.ID,
	})
	if err != nil {
		return "", err
	}
	return "submitted session " + session.ID, nil
}
