package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Cache persists one JSON blob per session next to its event log.
// Saves are atomic (write temp, rename). The agent loop is the only writer
// for a session, enforced upstream by the run queue.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// NewCache creates the cache rooted at dir.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Cache{dir: dir, logger: logger}, nil
}

func (c *Cache) path(sessionID string) string {
	safe := strings.ReplaceAll(sessionID, "/", "-")
	safe = strings.ReplaceAll(safe, "\\", "-")
	return filepath.Join(c.dir, safe+".state.json")
}

// Load returns the cached state or nil when no cache exists. A corrupt blob
// is treated as a miss so the caller can rebuild.
func (c *Cache) Load(sessionID string) (*SessionState, error) {
	data, err := os.ReadFile(c.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state cache: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("corrupt state cache, treating as miss", "session_id", sessionID, "error", err)
		return nil, nil
	}
	return &st, nil
}

// Save writes the state atomically and stamps UpdatedAt.
func (c *Cache) Save(st *SessionState) error {
	st.UpdatedAt = Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	path := c.path(st.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// GetOrCreate loads the state or materializes a fresh empty one on miss.
func (c *Cache) GetOrCreate(sessionID string) (*SessionState, error) {
	st, err := c.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	now := Now()
	st = &SessionState{
		SessionID:   sessionID,
		RecentTurns: []MessageTurn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Exists reports whether a cache file is present for the session.
func (c *Cache) Exists(sessionID string) bool {
	_, err := os.Stat(c.path(sessionID))
	return err == nil
}

// Delete removes a cache file; missing files are not an error.
func (c *Cache) Delete(sessionID string) error {
	err := os.Remove(c.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
