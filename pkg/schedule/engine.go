// Package schedule keeps stored cron jobs and fires them into the
// supervisor. Schedules are parsed from natural language through the
// oracle, persisted as one JSON file, armed on a shared cron runner in
// their own timezone, and survive restarts.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/oracle"
)

const (
	// executeTimeout bounds one schedule command run.
	executeTimeout = 5 * time.Minute

	// reloadDebounce coalesces bursts of file events into one reload.
	reloadDebounce = 500 * time.Millisecond

	shutdownGrace = 5 * time.Second
)

// Executor runs a schedule's command when it fires.
type Executor interface {
	ExecuteScheduled(ctx context.Context, schedule *models.Schedule) (output string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, schedule *models.Schedule) (string, error)

func (f ExecutorFunc) ExecuteScheduled(ctx context.Context, schedule *models.Schedule) (string, error) {
	return f(ctx, schedule)
}

// Engine owns the schedule list and its timers.
type Engine struct {
	path     string
	oracle   *oracle.Gateway
	executor Executor
	runner   *cron.Cron

	mu        sync.Mutex
	schedules map[string]*models.Schedule
	entries   map[string]cron.EntryID
	running   map[string]bool

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// New builds an engine persisting to path. Nothing is armed until Start.
func New(path string, gateway *oracle.Gateway, executor Executor) *Engine {
	return &Engine{
		path:      path,
		oracle:    gateway,
		executor:  executor,
		runner:    cron.New(),
		schedules: make(map[string]*models.Schedule),
		entries:   make(map[string]cron.EntryID),
		running:   make(map[string]bool),
	}
}

// Start restores persisted schedules, starts the cron runner, and begins
// watching the schedule file for external edits.
func (e *Engine) Start() error {
	if err := e.Restore(); err != nil {
		return err
	}
	e.runner.Start()
	if err := e.watch(); err != nil {
		slog.Warn("Schedule file watch unavailable", "error", err)
	}
	return nil
}

// Restore loads the persisted schedules, activates the enabled ones, and
// writes back refreshed next-run times.
func (e *Engine) Restore() error {
	loaded, err := loadSchedules(e.path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaceLocked(loaded)
	slog.Info("Schedules restored", "total", len(e.schedules), "active", len(e.entries))
	return e.persistLocked()
}

// Shutdown stops the watcher and the cron runner, waiting briefly for
// in-flight runs.
func (e *Engine) Shutdown() {
	if e.watcher != nil {
		_ = e.watcher.Close()
		<-e.watchDone
	}
	ctx := e.runner.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(shutdownGrace):
		slog.Warn("Schedule shutdown grace expired with runs still in flight")
	}
}

// CreateOptions carries the optional knobs for a new schedule.
type CreateOptions struct {
	// Timezone names the zone the cron fields evaluate in. Empty means
	// the supervisor's local zone.
	Timezone string
	// Disabled persists the schedule without arming its timer.
	Disabled bool
}

// Create parses a natural-language time expression into a schedule and
// arms it. Literal cron expressions pass through the oracle untouched.
func (e *Engine) Create(ctx context.Context, naturalLanguage, command string, opts CreateOptions) (*models.Schedule, error) {
	if strings.TrimSpace(command) == "" {
		return nil, droverr.New(droverr.CodeInvalidState, "schedule command must not be empty")
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "Local"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, droverr.New(droverr.CodeInvalidState, "unknown timezone %q", tz)
	}

	parsed, err := e.oracle.ParseCron(ctx, naturalLanguage, time.Now())
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeCron(parsed.Cron)
	if err != nil {
		return nil, err
	}

	sched := &models.Schedule{
		ID:              uuid.NewString(),
		NaturalLanguage: naturalLanguage,
		Cron:            normalized,
		Type:            parsed.Type,
		Command:         command,
		Timezone:        tz,
		Enabled:         !opts.Disabled,
		CreatedAt:       models.NowMs(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sched.Enabled {
		if err := e.activateLocked(sched); err != nil {
			return nil, err
		}
	}
	e.schedules[sched.ID] = sched
	e.refreshNextRunLocked(sched)
	if err := e.persistLocked(); err != nil {
		e.deactivateLocked(sched.ID)
		delete(e.schedules, sched.ID)
		return nil, err
	}

	slog.Info("Schedule created",
		"schedule_id", sched.ID,
		"cron", sched.Cron,
		"type", sched.Type,
		"timezone", tz,
		"explanation", parsed.Explanation)
	return cloneSchedule(sched), nil
}

// List returns every schedule, newest first.
func (e *Engine) List() []*models.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.Schedule, 0, len(e.schedules))
	for _, sched := range e.schedules {
		out = append(out, cloneSchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one schedule by id.
func (e *Engine) Get(id string) (*models.Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sched, ok := e.schedules[id]
	if !ok {
		return nil, droverr.New(droverr.CodeNotFound, "schedule %s not found", id)
	}
	return cloneSchedule(sched), nil
}

// Stop disables a schedule and cancels its timer. Stopping an already
// disabled schedule changes nothing.
func (e *Engine) Stop(id string) (*models.Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sched, ok := e.schedules[id]
	if !ok {
		return nil, droverr.New(droverr.CodeNotFound, "schedule %s not found", id)
	}
	if sched.Enabled {
		sched.Enabled = false
		e.deactivateLocked(id)
		e.refreshNextRunLocked(sched)
		if err := e.persistLocked(); err != nil {
			return nil, err
		}
		slog.Info("Schedule stopped", "schedule_id", id)
	}
	return cloneSchedule(sched), nil
}

// Delete removes a schedule and its timer. Deleting an unknown id is a
// no-op.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schedules[id]; !ok {
		return nil
	}
	e.deactivateLocked(id)
	delete(e.schedules, id)
	if err := e.persistLocked(); err != nil {
		return err
	}
	slog.Info("Schedule deleted", "schedule_id", id)
	return nil
}

// fire runs one schedule occurrence. A schedule never overlaps itself:
// an occurrence landing while the previous run is still executing is
// skipped.
func (e *Engine) fire(id string) {
	e.mu.Lock()
	sched, ok := e.schedules[id]
	if !ok || !sched.Enabled || e.running[id] {
		e.mu.Unlock()
		return
	}
	e.running[id] = true
	job := cloneSchedule(sched)
	e.mu.Unlock()

	slog.Info("Schedule fired", "schedule_id", id, "cron", job.Cron)
	start := time.Now()
	output, err := e.execute(job)
	elapsed := time.Since(start)

	result := &models.RunResult{Success: err == nil, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		slog.Warn("Schedule run failed", "schedule_id", id, "error", err)
	} else {
		result.Output = output
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	sched, ok = e.schedules[id]
	if !ok {
		return
	}
	now := models.NowMs()
	sched.LastRun = &now
	sched.RunCount++
	sched.LastResult = result
	if sched.Type == models.ScheduleOnce {
		sched.Enabled = false
		e.deactivateLocked(id)
	}
	e.refreshNextRunLocked(sched)
	if perr := e.persistLocked(); perr != nil {
		slog.Error("Failed to persist schedule state", "schedule_id", id, "error", perr)
	}
}

// execute runs the command through the executor with panic containment:
// a panicking command records a failed run, nothing more.
func (e *Engine) execute(job *models.Schedule) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule command panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()
	return e.executor.ExecuteScheduled(ctx, job)
}

// replaceLocked swaps in a schedule list, rebuilding every cron entry.
// Entries with an unparseable cron are kept but disabled.
func (e *Engine) replaceLocked(loaded []*models.Schedule) {
	for id, entry := range e.entries {
		e.runner.Remove(entry)
		delete(e.entries, id)
	}
	e.schedules = make(map[string]*models.Schedule, len(loaded))

	for _, sched := range loaded {
		if sched.ID == "" {
			slog.Warn("Skipping schedule without an id")
			continue
		}
		if normalized, err := NormalizeCron(sched.Cron); err != nil {
			slog.Warn("Disabling schedule with invalid cron",
				"schedule_id", sched.ID, "cron", sched.Cron, "error", err)
			sched.Enabled = false
		} else {
			sched.Cron = normalized
		}
		e.schedules[sched.ID] = sched
		if sched.Enabled {
			if err := e.activateLocked(sched); err != nil {
				slog.Warn("Could not activate schedule",
					"schedule_id", sched.ID, "error", err)
				sched.Enabled = false
			}
		}
		e.refreshNextRunLocked(sched)
	}
}

func (e *Engine) activateLocked(sched *models.Schedule) error {
	spec := sched.Cron
	if sched.Timezone != "" {
		spec = "CRON_TZ=" + sched.Timezone + " " + sched.Cron
	}
	id := sched.ID
	entry, err := e.runner.AddFunc(spec, func() { e.fire(id) })
	if err != nil {
		return droverr.Wrap(droverr.CodeInvalidState, err, "register cron %q", sched.Cron)
	}
	if prior, ok := e.entries[id]; ok {
		e.runner.Remove(prior)
	}
	e.entries[id] = entry
	return nil
}

func (e *Engine) deactivateLocked(id string) {
	if entry, ok := e.entries[id]; ok {
		e.runner.Remove(entry)
		delete(e.entries, id)
	}
}

func (e *Engine) refreshNextRunLocked(sched *models.Schedule) {
	if !sched.Enabled {
		sched.NextRun = nil
		return
	}
	next, err := nextRun(sched.Cron, sched.Timezone, time.Now())
	if err != nil {
		sched.NextRun = nil
		return
	}
	sched.NextRun = &next
}

func (e *Engine) persistLocked() error {
	list := make([]*models.Schedule, 0, len(e.schedules))
	for _, sched := range e.schedules {
		list = append(list, sched)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
	return saveSchedules(e.path, list)
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	cp := *s
	if s.LastRun != nil {
		v := *s.LastRun
		cp.LastRun = &v
	}
	if s.NextRun != nil {
		v := *s.NextRun
		cp.NextRun = &v
	}
	if s.LastResult != nil {
		r := *s.LastResult
		cp.LastResult = &r
	}
	return &cp
}

// watch points an fsnotify watcher at the schedule directory. The file
// itself cannot be watched: every save replaces it by rename.
func (e *Engine) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(e.path)); err != nil {
		_ = w.Close()
		return err
	}
	e.watcher = w
	e.watchDone = make(chan struct{})
	go e.watchLoop()
	return nil
}

// watchLoop reloads the schedule file when something rewrites it. Our own
// saves come through here too; reloading them is harmless because the
// reload reads back exactly what was written.
func (e *Engine) watchLoop() {
	defer close(e.watchDone)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(e.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Schedule watcher error", "error", err)
		case <-pending:
			pending = nil
			e.reload()
		}
	}
}

func (e *Engine) reload() {
	loaded, err := loadSchedules(e.path)
	if err != nil {
		slog.Warn("Schedule reload failed", "error", err)
		return
	}
	e.mu.Lock()
	e.replaceLocked(loaded)
	total, active := len(e.schedules), len(e.entries)
	e.mu.Unlock()
	slog.Info("Schedules reloaded", "total", total, "active", active)
}
