package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log manages one JSONL file per session under a data directory.
// Appends for a session are serialized; readers may race with appends and
// tolerate a truncated final line.
type Log struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the log rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Log{dir: dir, logger: logger, locks: map[string]*sync.Mutex{}}, nil
}

// Dir returns the root directory of the log.
func (l *Log) Dir() string { return l.dir }

func sanitizeID(sessionID string) string {
	s := strings.ReplaceAll(sessionID, "/", "-")
	return strings.ReplaceAll(s, "\\", "-")
}

// Path returns the active JSONL file for a session.
func (l *Log) Path(sessionID string) string {
	return filepath.Join(l.dir, sanitizeID(sessionID)+".jsonl")
}

func (l *Log) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Append writes one event to the session log, durable before returning.
// The first append to a session writes a session_init header line.
func (l *Log) Append(sessionID string, event Event) error {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := l.Path(sessionID)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	if fresh {
		if err := writeLine(f, NewSessionInitEvent(sessionID)); err != nil {
			return err
		}
	}
	if err := writeLine(f, event); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session log: %w", err)
	}
	return nil
}

func writeLine(f *os.File, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Replay calls fn for each event in the session log, skipping the
// session_init header. Unparseable lines (including a line truncated by a
// concurrent append) are skipped. fn returning false stops the replay.
func (l *Log) Replay(sessionID string, fn func(Event) bool) error {
	f, err := os.Open(l.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			l.logger.Warn("skipping unparseable event line", "session_id", sessionID, "error", err)
			continue
		}
		if ev.Type == TypeSessionInit {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	return scanner.Err()
}

// Events returns the full event slice for a session, header excluded.
func (l *Log) Events(sessionID string) ([]Event, error) {
	var out []Event
	err := l.Replay(sessionID, func(ev Event) bool {
		out = append(out, ev)
		return true
	})
	return out, err
}

// Size returns the byte size of the active session file, 0 when absent.
func (l *Log) Size(sessionID string) (int64, error) {
	info, err := os.Stat(l.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether a session log file is present.
func (l *Log) Exists(sessionID string) bool {
	_, err := os.Stat(l.Path(sessionID))
	return err == nil
}

// ListSessions enumerates session ids from the directory contents.
func (l *Log) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

// Metadata reports basic file facts about a session log.
type Metadata struct {
	SessionID string
	SizeBytes int64
	Modified  string
	CreatedAt string
}

// SessionMetadata reads size, mtime and the header timestamp for a session.
func (l *Log) SessionMetadata(sessionID string) (*Metadata, error) {
	path := l.Path(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		SessionID: sessionID,
		SizeBytes: info.Size(),
		Modified:  info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}

	f, err := os.Open(path)
	if err != nil {
		return meta, nil
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
			meta.CreatedAt = ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return meta, nil
}
