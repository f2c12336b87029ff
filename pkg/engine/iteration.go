package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/lifecycle"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/monitor"
	"github.com/drover-sh/drover/pkg/progress"
)

const (
	// maxRetryDelay caps the per-attempt backoff.
	maxRetryDelay = 10 * time.Second

	// circuitProbeDelay paces iteration starts while a circuit is open.
	circuitProbeDelay = time.Second

	// maxScanLine bounds one log line read off a worker pipe.
	maxScanLine = 1024 * 1024

	// stderrTailLines is how much stderr is kept for exit classification.
	stderrTailLines = 40
)

type sessionRun struct {
	id         string
	task       string
	model      string
	workingDir string
	total      int
}

type loopResult struct {
	status  models.SessionStatus
	errMsg  string
	summary string
}

type iterationResult struct {
	err        error
	usageLimit bool
	resetDelay time.Duration
}

// runSession owns one session from launch to its terminal status.
func (e *Engine) runSession(ctx context.Context, session *models.Session, reattach bool) {
	id := session.ID
	defer e.monitor.Unregister(id)

	if reattach {
		e.awaitAdoptedWorker(ctx, id, session.PID)
	}
	if ctx.Err() != nil {
		e.finish(nil, id, loopResult{status: models.StatusStopped})
		return
	}

	// Plan. An explicit iteration count skips the oracle.
	total := session.IterationsPlanned
	model := session.Model
	if total == 0 {
		plan := e.oracle.AnalyzeComplexity(ctx, session.Task)
		total = plan.Iterations
		if model == models.ModelDefault && plan.Model == models.ModelHeavy {
			model = models.ModelHeavy
		}
		if err := e.lifecycle.RecordPlan(ctx, id, total, model); err != nil {
			e.finish(nil, id, loopResult{status: models.StatusError, errMsg: "recording plan: " + err.Error()})
			return
		}
		e.logs.Append(id, fmt.Sprintf("plan: %d iterations on the %s model (%s, via %s)",
			total, model, plan.Complexity, plan.Source))
	}

	if session.Status == models.StatusCreated {
		if _, err := e.lifecycle.SetStatus(ctx, id, models.StatusStarting, nil); err != nil {
			slog.Error("Failed to mark session starting", "session_id", id, "error", err)
			return
		}
	}

	// The log stream and journal open through the filesystem breaker so
	// storage trouble trips once for every session.
	var tracker *progress.Tracker
	fsErr := e.breakers.Execute(BreakerFilesystem, func() error {
		if _, err := e.logs.OpenStream(id); err != nil {
			return err
		}
		if _, ok := progress.Peek(e.progressDir, id); ok {
			tracker = progress.Load(e.progressDir, id)
			tracker.UpdateProgress(progress.ProgressPatch{TotalIterations: &total})
		} else {
			tracker = progress.New(e.progressDir, id, total)
		}
		return nil
	})
	if fsErr != nil {
		e.finish(nil, id, loopResult{status: models.StatusError, errMsg: "session storage unavailable: " + fsErr.Error()})
		return
	}
	tracker.UpdateProgress(progress.ProgressPatch{Metadata: map[string]any{"model": model}})

	if _, err := e.lifecycle.SetStatus(ctx, id, models.StatusRunning, nil); err != nil {
		slog.Error("Failed to mark session running", "session_id", id, "error", err)
		e.finish(tracker, id, loopResult{status: models.StatusError, errMsg: err.Error()})
		return
	}

	run := &sessionRun{
		id:         id,
		task:       session.Task,
		model:      model,
		workingDir: session.WorkingDir,
		total:      total,
	}
	outcome := e.iterate(ctx, run, tracker, session.IterationsCompleted+1)
	e.finish(tracker, id, outcome)
}

// awaitAdoptedWorker watches a child inherited from a previous supervisor
// until it exits. Its pipes went down with the old process, so all we can
// do is wait and let the journal say where to pick up.
func (e *Engine) awaitAdoptedWorker(ctx context.Context, id string, pid *int) {
	if pid == nil || !monitor.IsPIDAlive(*pid) {
		return
	}
	e.logs.Append(id, fmt.Sprintf("reattached to surviving worker pid %d", *pid))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !monitor.IsPIDAlive(*pid) {
				e.logs.Append(id, fmt.Sprintf("surviving worker pid %d exited", *pid))
				return
			}
		}
	}
}

// iterate walks the remaining iterations. Every path out of the loop is a
// terminal status.
func (e *Engine) iterate(ctx context.Context, run *sessionRun, tracker *progress.Tracker, startAt int) loopResult {
	if startAt < 1 {
		startAt = 1
	}
	for n := startAt; n <= run.total; n++ {
		tracker.StartIteration(n, fmt.Sprintf("iteration %d of %d", n, run.total))
		e.logs.Append(run.id, fmt.Sprintf("--- iteration %d/%d ---", n, run.total))

		if stop := e.runWithRetries(ctx, run, tracker, n); stop != nil {
			return *stop
		}

		tracker.CompleteIteration(fmt.Sprintf("iteration %d finished", n), nil, nil, nil)
		if err := e.lifecycle.RecordIteration(ctx, run.id, n); err != nil {
			slog.Warn("Failed to persist iteration count",
				"session_id", run.id, "iteration", n, "error", err)
		}
	}
	return loopResult{
		status:  models.StatusCompleted,
		summary: fmt.Sprintf("completed %d iterations", run.total),
	}
}

// runWithRetries drives one iteration to success. nil means the
// iteration finished; a non-nil result ends the session. Usage-limit
// waits and open circuits have their own clocks and do not consume the
// attempt budget.
func (e *Engine) runWithRetries(ctx context.Context, run *sessionRun, tracker *progress.Tracker, n int) *loopResult {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return &loopResult{status: models.StatusStopped}
		}
		attempt++

		res := e.runIteration(ctx, run, tracker, n)
		switch {
		case res.err == nil:
			return nil

		case droverr.IsCancelled(res.err) || ctx.Err() != nil:
			return &loopResult{status: models.StatusStopped}

		case res.usageLimit:
			attempt--
			e.logs.Append(run.id, fmt.Sprintf("usage limit hit, waiting %s for reset", res.resetDelay))
			tracker.LogAction("wait for usage limit reset", res.resetDelay.String(), "recovery", true)
			if !sleepCtx(ctx, res.resetDelay) {
				return &loopResult{status: models.StatusStopped}
			}

		case droverr.IsCode(res.err, droverr.CodeCircuitOpen):
			// The session survives an open circuit; it just cannot start
			// a new child until the breaker lets one through.
			attempt--
			if !sleepCtx(ctx, circuitProbeDelay) {
				return &loopResult{status: models.StatusStopped}
			}

		case !droverr.IsRetryable(res.err):
			tracker.FailIteration(res.err.Error())
			return &loopResult{status: models.StatusFailed, errMsg: res.err.Error()}

		default:
			if attempt >= e.worker.MaxAttempts {
				msg := fmt.Sprintf("iteration %d failed after %d attempts: %v", n, attempt, res.err)
				tracker.FailIteration(msg)
				return &loopResult{status: models.StatusFailed, errMsg: msg}
			}
			delay := retryDelay(attempt)
			e.logs.Append(run.id, fmt.Sprintf("attempt %d/%d failed (%v), retrying in %s",
				attempt, e.worker.MaxAttempts, res.err, delay))
			tracker.LogAction("retry", res.err.Error(), "recovery", false)
			if !sleepCtx(ctx, delay) {
				return &loopResult{status: models.StatusStopped}
			}
		}
	}
}

// runIteration spawns and supervises one worker child.
func (e *Engine) runIteration(ctx context.Context, run *sessionRun, tracker *progress.Tracker, n int) iterationResult {
	iterCtx, cancel := context.WithTimeout(ctx, e.worker.IterationTimeout)
	defer cancel()

	prompt := iterationPrompt(run, tracker.Snapshot(), n)

	var child *worker
	err := e.breakers.Execute(BreakerSpawn, func() error {
		var spawnErr error
		child, spawnErr = e.spawnWorker(iterCtx, run, prompt)
		return spawnErr
	})
	if err != nil {
		return iterationResult{err: err}
	}

	rec := monitor.Record{SessionID: run.id, PID: child.pid, Process: child.cmd.Process}
	if aux := e.spawnWakeLock(child.pid); aux > 0 {
		rec.AuxPIDs = []int{aux}
	}
	e.monitor.Register(run.id, rec)
	if err := e.lifecycle.RecordPID(ctx, run.id, child.pid); err != nil {
		slog.Warn("Failed to record worker pid", "session_id", run.id, "error", err)
	}

	// A usage-limit fingerprint kills the child through the iteration
	// context.
	scan := &limitScanner{onMatch: cancel}

	var res iterationResult
	werr := e.breakers.Execute(BreakerWorker, func() error {
		res = e.superviseChild(iterCtx, ctx, run, child, scan)
		return res.err
	})
	if res.err == nil && werr != nil {
		res = iterationResult{err: werr}
	}
	return res
}

// superviseChild streams the child's pipes into the session log and
// classifies how the child went down. WaitDelay closes straggling pipes,
// so a grandchild holding stderr open cannot wedge the loop.
func (e *Engine) superviseChild(iterCtx, parent context.Context, run *sessionRun, child *worker, scan *limitScanner) iterationResult {
	var g errgroup.Group
	g.Go(func() error {
		e.pump(run.id, child.stdout, nil)
		return nil
	})
	g.Go(func() error {
		e.pump(run.id, child.stderr, scan)
		return nil
	})

	werr := child.cmd.Wait()
	_ = g.Wait()

	// A usage-limit fingerprint dominates: the child was killed on the
	// match, so its exit status is noise.
	if line, ok := scan.limitLine(); ok {
		code := exitCode(werr)
		if code == 0 {
			code = 1
		}
		return iterationResult{
			err:        droverr.ClassifyWorkerExit(code, line),
			usageLimit: true,
			resetDelay: droverr.ParseResetDelay(line),
		}
	}
	if parent.Err() != nil {
		return iterationResult{err: droverr.Wrap(droverr.CodeCancelled, parent.Err(), "session cancelled")}
	}
	if errors.Is(iterCtx.Err(), context.DeadlineExceeded) {
		return iterationResult{err: droverr.New(droverr.CodeTimeout,
			"iteration timed out after %s", e.worker.IterationTimeout)}
	}
	// ErrWaitDelay means the child exited cleanly but something it spawned
	// still held the pipes. The iteration itself succeeded.
	if werr == nil || errors.Is(werr, exec.ErrWaitDelay) {
		return iterationResult{}
	}
	return iterationResult{err: droverr.ClassifyWorkerExit(exitCode(werr), scan.tailText())}
}

type worker struct {
	cmd    *exec.Cmd
	pid    int
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// spawnWorker builds and starts one worker child. The prompt goes in on
// stdin; cancellation sends SIGTERM and escalates to SIGKILL after the
// kill grace.
func (e *Engine) spawnWorker(ctx context.Context, run *sessionRun, prompt string) (*worker, error) {
	args := append([]string{}, e.worker.BaseArgs...)
	if modelID := e.worker.Models[run.model]; modelID != "" {
		args = append(args, "--model", modelID)
	}

	cmd := exec.CommandContext(ctx, e.worker.Command, args...)
	if run.workingDir != "" {
		cmd.Dir = run.workingDir
	}
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = monitor.DefaultKillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, droverr.Wrap(droverr.CodeWorkerSpawnFailed, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, droverr.Wrap(droverr.CodeWorkerSpawnFailed, err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, droverr.Wrap(droverr.CodeWorkerSpawnFailed, err, "spawn worker %q", e.worker.Command)
	}
	return &worker{cmd: cmd, pid: cmd.Process.Pid, stdout: stdout, stderr: stderr}, nil
}

// spawnWakeLock keeps the machine awake while the worker runs. The
// helper watches the worker PID and exits on its own.
func (e *Engine) spawnWakeLock(pid int) int {
	if !e.worker.WakeLock || runtime.GOOS != "darwin" {
		return 0
	}
	aux := exec.Command("caffeinate", "-w", strconv.Itoa(pid))
	if err := aux.Start(); err != nil {
		slog.Warn("Failed to start wake-lock helper", "error", err)
		return 0
	}
	go func() { _ = aux.Wait() }()
	return aux.Process.Pid
}

// pump copies one child pipe into the session log line by line. Appends
// never block: the log manager drops under pressure rather than stalling
// the child.
func (e *Engine) pump(id string, r io.Reader, scan *limitScanner) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	for sc.Scan() {
		line := sc.Text()
		e.logs.Append(id, line)
		if scan != nil {
			scan.observe(line)
		}
	}
}

// limitScanner watches stderr for usage-limit fingerprints and keeps a
// bounded tail for exit classification.
type limitScanner struct {
	mu      sync.Mutex
	tail    []string
	matched string
	onMatch func()
}

func (s *limitScanner) observe(line string) {
	var fire func()
	s.mu.Lock()
	s.tail = append(s.tail, line)
	if len(s.tail) > stderrTailLines {
		s.tail = s.tail[1:]
	}
	if s.matched == "" && droverr.HasUsageLimitFingerprint(line) {
		s.matched = line
		fire = s.onMatch
	}
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (s *limitScanner) limitLine() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched, s.matched != ""
}

func (s *limitScanner) tailText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.tail, "\n")
}

// finish applies the loop's terminal decision. It runs on a fresh bounded
// context: the session's own context is usually already cancelled here.
func (e *Engine) finish(tracker *progress.Tracker, id string, outcome loopResult) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	switch outcome.status {
	case models.StatusCompleted:
		if tracker != nil {
			tracker.CompleteSession(outcome.summary, "completed")
		}
		if err := e.lifecycle.Complete(ctx, id, outcome.summary); err != nil {
			slog.Error("Failed to mark session completed", "session_id", id, "error", err)
		}
		e.logs.Append(id, "session completed: "+outcome.summary)

	case models.StatusStopped:
		if tracker != nil {
			tracker.CompleteSession("stopped by request", "stopped")
		}
		if _, err := e.lifecycle.SetStatus(ctx, id, models.StatusStopped, nil); err != nil {
			slog.Error("Failed to mark session stopped", "session_id", id, "error", err)
		}
		e.logs.Append(id, "session stopped")

	case models.StatusFailed:
		if tracker != nil {
			tracker.CompleteSession(outcome.errMsg, "failed")
		}
		if err := e.lifecycle.Fail(ctx, id, outcome.errMsg); err != nil {
			slog.Error("Failed to mark session failed", "session_id", id, "error", err)
		}
		e.logs.Append(id, "session failed: "+outcome.errMsg)

	case models.StatusError:
		if tracker != nil {
			tracker.CompleteSession(outcome.errMsg, "error")
		}
		if _, err := e.lifecycle.SetStatus(ctx, id, models.StatusError, &lifecycle.Extras{Error: outcome.errMsg}); err != nil {
			slog.Error("Failed to mark session errored", "session_id", id, "error", err)
		}
		e.logs.Append(id, "session error: "+outcome.errMsg)
	}

	e.logs.CloseStream(id)
}

// iterationPrompt frames one worker invocation: the task, where the
// session stands, and what the previous iteration left behind.
func iterationPrompt(run *sessionRun, snap models.ProgressFile, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d of %d.\n\nTask:\n%s\n", n, run.total, run.task)

	if prev := previousIteration(snap, n); prev != nil {
		if prev.Summary != "" {
			fmt.Fprintf(&b, "\nPrevious iteration: %s\n", prev.Summary)
		}
		if len(prev.NextSteps) > 0 {
			b.WriteString("Planned next steps:\n")
			for _, step := range prev.NextSteps {
				fmt.Fprintf(&b, "- %s\n", step)
			}
		}
	}

	b.WriteString("\nContinue the work. Finish what the plan still needs, then stop.")
	return b.String()
}

func previousIteration(snap models.ProgressFile, n int) *models.IterationRecord {
	for i := range snap.Iterations {
		if snap.Iterations[i].Number == n-1 {
			return &snap.Iterations[i]
		}
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// retryDelay doubles from one second per attempt, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 4 {
		return maxRetryDelay
	}
	d := time.Second << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// sleepCtx waits for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
