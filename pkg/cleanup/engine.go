package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/logs"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/progress"
	"github.com/drover-sh/drover/pkg/store"
)

// Sweep modes as they appear in the audit trail.
const (
	ModeExecute = "execute"
	ModeDryRun  = "dry-run"
)

// Result summarizes one sweep. Errors are collected rather than aborting
// the sweep; a partially failed sweep still audits what it did.
type Result struct {
	Mode       string   `json:"mode"`
	Scanned    int      `json:"scanned"`
	Deleted    int      `json:"deleted"`
	Preserved  int      `json:"preserved"`
	SpaceSaved int64    `json:"space_saved"`
	Deletions  []string `json:"deletions"`
	Errors     []string `json:"errors"`
}

func (r *Result) addError(msg string) {
	slog.Warn("Cleanup error", "error", msg)
	r.Errors = append(r.Errors, msg)
}

// Engine performs the retention sweep across the store, the log
// directory, the journal directory, and the legacy registry.
type Engine struct {
	retention   *config.RetentionConfig
	sessions    *store.SessionStore
	logs        *logs.Manager
	progressDir string
	legacyDir   string
	auditFile   string
}

// NewEngine wires a sweep engine to its targets.
func NewEngine(cfg *config.Config, sessions *store.SessionStore, logManager *logs.Manager) *Engine {
	return &Engine{
		retention:   cfg.Retention,
		sessions:    sessions,
		logs:        logManager,
		progressDir: cfg.ProgressDir(),
		legacyDir:   cfg.LegacyDir(),
		auditFile:   cfg.AuditFile(),
	}
}

// Sweep runs the phases in order: database retention, orphaned files,
// legacy directory, audit record. Dry-run walks every phase and writes
// the audit record without deleting anything. Running a sweep twice
// under the same policy deletes nothing the second time.
func (e *Engine) Sweep(ctx context.Context, dryRun bool) *Result {
	res := &Result{Mode: ModeExecute}
	if dryRun {
		res.Mode = ModeDryRun
	}

	e.sweepSessions(ctx, dryRun, res)
	e.sweepOrphanedFiles(ctx, dryRun, res)
	e.sweepLegacy(dryRun, res)

	if err := e.appendAudit(res); err != nil {
		slog.Warn("Cleanup audit append failed", "error", err)
	}

	slog.Info("Cleanup sweep finished",
		"mode", res.Mode,
		"scanned", res.Scanned,
		"deleted", res.Deleted,
		"preserved", res.Preserved,
		"errors", len(res.Errors),
		"space_saved", res.SpaceSaved)
	return res
}

// sweepSessions applies per-status retention. Within each bucket the N
// most recent sessions survive regardless of age; running sessions are
// never considered.
func (e *Engine) sweepSessions(ctx context.Context, dryRun bool, res *Result) {
	for _, status := range models.TerminalStatuses() {
		days := e.retention.DaysFor(string(status))
		if days < 0 {
			continue
		}

		rows, err := e.sessions.ListByStatus(ctx, status)
		if err != nil {
			res.addError(fmt.Sprintf("list %s sessions: %v", status, err))
			continue
		}
		res.Scanned += len(rows)

		sort.Slice(rows, func(i, j int) bool {
			return rows[i].TerminalAt() > rows[j].TerminalAt()
		})

		cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
		for i, session := range rows {
			if i < e.retention.PreserveRecent || session.TerminalAt() >= cutoff {
				res.Preserved++
				continue
			}
			e.deleteSession(ctx, dryRun, session, res)
		}
	}
}

// deleteSession removes one session. Row first, then files, so a crash
// mid-delete leaves only orphaned files for the next sweep's phase two.
func (e *Engine) deleteSession(ctx context.Context, dryRun bool, session *models.Session, res *Result) {
	if dryRun {
		res.Deleted++
		res.SpaceSaved += e.logs.SessionLogSize(session.ID)
		res.Deletions = append(res.Deletions, "session:"+session.ID)
		return
	}

	if err := e.sessions.Delete(ctx, session.ID); err != nil {
		res.addError(fmt.Sprintf("delete session %s: %v", session.ID, err))
		return
	}
	reclaimed, err := e.logs.DeleteSessionLogs(session.ID)
	if err != nil {
		res.addError(fmt.Sprintf("delete logs for %s: %v", session.ID, err))
	}
	if err := progress.Remove(e.progressDir, session.ID); err != nil {
		res.addError(fmt.Sprintf("delete journal for %s: %v", session.ID, err))
	}

	res.Deleted++
	res.SpaceSaved += reclaimed
	res.Deletions = append(res.Deletions, "session:"+session.ID)
}

// sweepOrphanedFiles deletes logs and journals whose session id no
// longer exists in the store. Files of live sessions are never touched.
func (e *Engine) sweepOrphanedFiles(ctx context.Context, dryRun bool, res *Result) {
	ids, err := e.logs.SessionIDs()
	if err != nil {
		res.addError("enumerate logs: " + err.Error())
	} else {
		for _, id := range ids {
			if !e.sessionAbsent(ctx, id, res) {
				continue
			}
			if dryRun {
				res.Deleted++
				res.SpaceSaved += e.logs.SessionLogSize(id)
				res.Deletions = append(res.Deletions, "log:"+id)
				continue
			}
			reclaimed, err := e.logs.DeleteSessionLogs(id)
			if err != nil {
				res.addError(fmt.Sprintf("delete orphan log %s: %v", id, err))
				continue
			}
			res.Deleted++
			res.SpaceSaved += reclaimed
			res.Deletions = append(res.Deletions, "log:"+id)
		}
	}

	for _, id := range e.journalIDs(res) {
		if !e.sessionAbsent(ctx, id, res) {
			continue
		}
		if dryRun {
			res.Deleted++
			res.Deletions = append(res.Deletions, "journal:"+id)
			continue
		}
		if err := progress.Remove(e.progressDir, id); err != nil {
			res.addError(fmt.Sprintf("delete orphan journal %s: %v", id, err))
			continue
		}
		res.Deleted++
		res.Deletions = append(res.Deletions, "journal:"+id)
	}
}

// sessionAbsent reports whether a session id has no row. Store failures
// count as present so uncertainty never deletes files.
func (e *Engine) sessionAbsent(ctx context.Context, id string, res *Result) bool {
	_, err := e.sessions.Get(ctx, id)
	if err == nil {
		return false
	}
	if !droverr.IsNotFound(err) {
		res.addError(fmt.Sprintf("lookup session %s: %v", id, err))
		return false
	}
	return true
}

// journalIDs lists session ids that still have a journal or a backup.
func (e *Engine) journalIDs(res *Result) []string {
	entries, err := os.ReadDir(e.progressDir)
	if err != nil {
		if !os.IsNotExist(err) {
			res.addError("enumerate journals: " + err.Error())
		}
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".backup")
		id, ok := strings.CutSuffix(name, "-progress.json")
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// sweepLegacy removes entries older than the legacy retention from the
// legacy registry directory. Best effort; a missing directory is fine.
func (e *Engine) sweepLegacy(dryRun bool, res *Result) {
	entries, err := os.ReadDir(e.legacyDir)
	if err != nil {
		if !os.IsNotExist(err) {
			res.addError("read legacy dir: " + err.Error())
		}
		return
	}

	cutoff := time.Now().AddDate(0, 0, -e.retention.LegacyDays)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(e.legacyDir, entry.Name())
		size := entrySize(path, info)
		if dryRun {
			res.Deleted++
			res.SpaceSaved += size
			res.Deletions = append(res.Deletions, "legacy:"+entry.Name())
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			res.addError(fmt.Sprintf("remove legacy entry %s: %v", entry.Name(), err))
			continue
		}
		res.Deleted++
		res.SpaceSaved += size
		res.Deletions = append(res.Deletions, "legacy:"+entry.Name())
	}
}

// entrySize measures a file directly and a directory by walking it.
func entrySize(path string, info fs.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

type auditStats struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	Preserved  int   `json:"preserved"`
	Errors     int   `json:"errors"`
	SpaceSaved int64 `json:"spaceSaved"`
}

type auditRecord struct {
	Timestamp string     `json:"timestamp"`
	Operation string     `json:"operation"`
	Mode      string     `json:"mode"`
	Stats     auditStats `json:"stats"`
	Deletions []string   `json:"deletions"`
	Errors    []string   `json:"errors"`
}

// appendAudit writes one JSON line per sweep, dry-run included.
func (e *Engine) appendAudit(res *Result) error {
	if err := os.MkdirAll(filepath.Dir(e.auditFile), 0o755); err != nil {
		return err
	}

	record := auditRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: "cleanup",
		Mode:      res.Mode,
		Stats: auditStats{
			Scanned:    res.Scanned,
			Deleted:    res.Deleted,
			Preserved:  res.Preserved,
			Errors:     len(res.Errors),
			SpaceSaved: res.SpaceSaved,
		},
		Deletions: append([]string{}, res.Deletions...),
		Errors:    append([]string{}, res.Errors...),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(e.auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
