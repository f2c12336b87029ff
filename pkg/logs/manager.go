// Package logs owns the per-session log files: append streams, tail,
// follow, search, rotation and retention.
package logs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
)

// appendBufferSize bounds the queue between a worker's output and the
// log file. Overflow drops lines with a warning instead of blocking the
// child.
const appendBufferSize = 1024

// Manager coordinates one writer per session log and any number of
// readers.
type Manager struct {
	dir     string
	maxSize int64

	mu          sync.Mutex
	streams     map[string]*Stream
	subscribers map[string][]chan string
	openedAt    map[string]time.Time
}

// NewManager creates a log manager rooted at dir.
func NewManager(dir string, cfg *config.LogConfig) *Manager {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Could not create log directory", "dir", dir, "error", err)
	}
	return &Manager{
		dir:         dir,
		maxSize:     cfg.MaxSizeBytes,
		streams:     make(map[string]*Stream),
		subscribers: make(map[string][]chan string),
		openedAt:    make(map[string]time.Time),
	}
}

// Path returns the active log file for a session id.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".log")
}

// OpenStream returns the append handle for a session, creating the file
// with a banner when it does not exist yet. Repeated opens share one
// stream.
func (m *Manager) OpenStream(sessionID string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[sessionID]; ok {
		return s, nil
	}

	path := m.Path(sessionID)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, droverr.ClassifyFilesystem("open log "+path, err)
	}

	s := &Stream{
		manager:   m,
		sessionID: sessionID,
		path:      path,
		file:      f,
		lines:     make(chan string, appendBufferSize),
		done:      make(chan struct{}),
	}
	if info, err := f.Stat(); err == nil {
		s.size = info.Size()
	}
	go s.writeLoop()

	if isNew {
		banner := fmt.Sprintf("==== session %s started at %s ====",
			sessionID, time.Now().UTC().Format(time.RFC3339))
		s.enqueue(banner)
	}

	m.streams[sessionID] = s
	m.openedAt[sessionID] = time.Now()
	return s, nil
}

// Append writes timestamped lines for a session, opening the stream on
// demand. It fails open: a broken log never blocks or kills the worker.
func (m *Manager) Append(sessionID, text string) {
	s, err := m.OpenStream(sessionID)
	if err != nil {
		slog.Warn("Log append dropped, stream unavailable",
			"session_id", sessionID, "error", err)
		return
	}
	s.Append(text)
}

// CloseStream flushes and closes a session's append handle.
func (m *Manager) CloseStream(sessionID string) {
	m.mu.Lock()
	s, ok := m.streams[sessionID]
	if ok {
		delete(m.streams, sessionID)
		delete(m.openedAt, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// Shutdown closes every open stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for id, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, id)
		delete(m.openedAt, id)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// publish fans a written line out to any followers, dropping when a
// follower is slow.
func (m *Manager) publish(sessionID, line string) {
	m.mu.Lock()
	subs := m.subscribers[sessionID]
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Stream serializes writes to one session's log file.
type Stream struct {
	manager   *Manager
	sessionID string
	path      string

	lines chan string
	done  chan struct{}

	closeOnce sync.Once

	// fmu guards file and size; rotation holds it only for the
	// close/rename/reopen window.
	fmu  sync.Mutex
	file *os.File
	size int64
}

// Append timestamps the text and queues it for the writer. Multi-line
// input is stamped per line.
func (s *Stream) Append(text string) {
	stamp := time.Now().Format("15:04:05")
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		s.enqueue(fmt.Sprintf("[%s] %s", stamp, line))
	}
}

func (s *Stream) enqueue(line string) {
	select {
	case s.lines <- line:
	default:
		slog.Warn("Log buffer full, dropping line", "session_id", s.sessionID)
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		close(s.lines)
		<-s.done
	})
}

// writeLoop is the single writer for the log file. It drains the queue,
// publishes lines to followers, and rotates when the size bound is
// crossed.
func (s *Stream) writeLoop() {
	defer close(s.done)

	for line := range s.lines {
		s.fmu.Lock()
		n, err := s.file.WriteString(line + "\n")
		if err == nil {
			s.size += int64(n)
			if s.size > s.manager.maxSize {
				s.rotateLocked()
			}
		}
		s.fmu.Unlock()

		if err != nil {
			slog.Warn("Log write failed, dropping line",
				"session_id", s.sessionID, "error", err)
			continue
		}
		s.manager.publish(s.sessionID, line)
	}

	s.fmu.Lock()
	if err := s.file.Close(); err != nil {
		slog.Warn("Log close failed", "session_id", s.sessionID, "error", err)
	}
	s.fmu.Unlock()
}

// requestRotate rotates immediately when the active file is over the
// size bound.
func (s *Stream) requestRotate() {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.size > s.manager.maxSize {
		s.rotateLocked()
	}
}

// rotateLocked renames the active file to <file>.<epoch_ms>, compresses
// it in the background, and continues on a fresh file. Callers hold fmu.
func (s *Stream) rotateLocked() {
	rotated := fmt.Sprintf("%s.%d", s.path, time.Now().UnixMilli())
	for seq := 1; rotatedNameTaken(rotated); seq++ {
		rotated = fmt.Sprintf("%s.%d.%d", s.path, time.Now().UnixMilli(), seq)
	}

	if err := s.file.Close(); err != nil {
		slog.Warn("Log rotation close failed", "session_id", s.sessionID, "error", err)
	}
	if err := os.Rename(s.path, rotated); err != nil {
		slog.Warn("Log rotation rename failed", "session_id", s.sessionID, "error", err)
	} else {
		go compressFile(rotated)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("Log rotation reopen failed, session log lost",
			"session_id", s.sessionID, "error", err)
		f, _ = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	s.file = f
	s.size = 0

	slog.Info("Log rotated", "session_id", s.sessionID, "rotated", filepath.Base(rotated))
}

// rotatedNameTaken reports whether a rotated name or its compressed twin
// already exists. Two rotations inside one millisecond must not collide.
func rotatedNameTaken(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + ".gz")
	return err == nil
}

// ReadAll returns the entire active log.
func (m *Manager) ReadAll(sessionID string) (string, error) {
	data, err := os.ReadFile(m.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", droverr.New(droverr.CodeNotFound, "no log for session %s", sessionID)
		}
		return "", droverr.ClassifyFilesystem("read log", err)
	}
	return string(data), nil
}

// ReadTail returns the last n lines of the active log.
func (m *Manager) ReadTail(sessionID string, n int) ([]string, error) {
	content, err := m.ReadAll(sessionID)
	if err != nil {
		return nil, err
	}
	return lastLines(content, n), nil
}

func lastLines(content string, n int) []string {
	if content == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Follow emits the existing tail, then streams subsequent appends to
// onLine until the returned cancel function is called. onLine runs on
// the follower's goroutine, never the writer's.
func (m *Manager) Follow(sessionID string, tailLines int, onLine func(string)) (func(), error) {
	tail, err := m.ReadTail(sessionID, tailLines)
	if err != nil && !droverr.IsNotFound(err) {
		return nil, err
	}

	ch := make(chan string, 256)
	m.mu.Lock()
	m.subscribers[sessionID] = append(m.subscribers[sessionID], ch)
	m.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for _, line := range tail {
			onLine(line)
		}
		for {
			select {
			case <-stop:
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				onLine(line)
			}
		}
	}()

	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(stop)
			m.mu.Lock()
			subs := m.subscribers[sessionID]
			for i, c := range subs {
				if c == ch {
					m.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(m.subscribers[sessionID]) == 0 {
				delete(m.subscribers, sessionID)
			}
			m.mu.Unlock()
		})
	}
	return cancel, nil
}
