package logs

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/droverr"
)

// FileStats describes one session's active log file.
type FileStats struct {
	Size      int64     `json:"size"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
	LineCount int       `json:"line_count"`
}

// Stats returns size, timestamps and line count for the active log.
// Created falls back to the modification time when the stream open time
// is unknown.
func (m *Manager) Stats(sessionID string) (*FileStats, error) {
	path := m.Path(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, droverr.New(droverr.CodeNotFound, "no log for session %s", sessionID)
		}
		return nil, droverr.ClassifyFilesystem("stat log", err)
	}

	created := info.ModTime()
	m.mu.Lock()
	if opened, ok := m.openedAt[sessionID]; ok {
		created = opened
	}
	m.mu.Unlock()

	lines, err := countLines(path)
	if err != nil {
		return nil, err
	}

	return &FileStats{
		Size:      info.Size(),
		Created:   created,
		Modified:  info.ModTime(),
		LineCount: lines,
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, droverr.ClassifyFilesystem("open log for count", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// Rotate forces a size check on the session's stream, rotating when the
// active file exceeds the bound. Returns whether a rotation happened.
func (m *Manager) Rotate(sessionID string) (bool, error) {
	info, err := os.Stat(m.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, droverr.ClassifyFilesystem("stat log for rotation", err)
	}
	if info.Size() <= m.maxSize {
		return false, nil
	}

	// Rotation must go through the stream's writer so the rename holds
	// the only write handle.
	s, err := m.OpenStream(sessionID)
	if err != nil {
		return false, err
	}
	s.requestRotate()
	return true, nil
}

// DeleteSessionLogs removes the active log and any rotated companions
// for a session. Returns the bytes reclaimed.
func (m *Manager) DeleteSessionLogs(sessionID string) (int64, error) {
	m.CloseStream(sessionID)

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, droverr.ClassifyFilesystem("read log dir", err)
	}

	prefix := sessionID + ".log"
	var reclaimed int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name != prefix && !strings.HasPrefix(name, prefix+".") {
			continue
		}
		path := filepath.Join(m.dir, name)
		if info, err := entry.Info(); err == nil {
			reclaimed += info.Size()
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return reclaimed, droverr.ClassifyFilesystem("delete log "+name, err)
		}
	}
	return reclaimed, nil
}

// SessionLogSize sums the bytes of a session's active and rotated log
// files without touching them.
func (m *Manager) SessionLogSize(sessionID string) int64 {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0
	}

	prefix := sessionID + ".log"
	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (name != prefix && !strings.HasPrefix(name, prefix+".")) {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// SessionIDs lists the session ids that have an active log file.
func (m *Manager) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, droverr.ClassifyFilesystem("read log dir", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".log"))
	}
	return ids, nil
}

// CleanupOlderThan deletes log files whose modification time is older
// than the retention boundary. Returns files deleted and bytes
// reclaimed.
func (m *Manager) CleanupOlderThan(days int) (int, int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, 0, droverr.ClassifyFilesystem("read log dir", err)
	}

	deleted := 0
	var reclaimed int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Log cleanup could not delete file", "path", path, "error", err)
			continue
		}
		deleted++
		reclaimed += info.Size()
	}
	return deleted, reclaimed, nil
}

// compressFile gzips a rotated log and removes the original.
func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		slog.Warn("Log compression open failed", "path", path, "error", err)
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		slog.Warn("Log compression create failed", "path", path, "error", err)
		return
	}

	gw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gw, src)
	closeErr := gw.Close()
	if err := dst.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path + ".gz")
		slog.Warn("Log compression failed", "path", path,
			"error", fmt.Sprintf("copy=%v close=%v", copyErr, closeErr))
		return
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("Could not remove rotated log after compression", "path", path, "error", err)
	}
}
