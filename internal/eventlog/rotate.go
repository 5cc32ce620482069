package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveRecord describes one rotated log file in archives/index.json.
type ArchiveRecord struct {
	SessionID   string `json:"session_id"`
	Path        string `json:"path"`
	RotatedAtMS int64  `json:"rotated_at_ms"`
	Bytes       int64  `json:"bytes"`
}

type archiveIndex struct {
	Archives []ArchiveRecord `json:"archives"`
}

func (l *Log) archivesDir() string {
	return filepath.Join(l.dir, "archives")
}

func (l *Log) indexPath() string {
	return filepath.Join(l.archivesDir(), "index.json")
}

func (l *Log) loadIndex() archiveIndex {
	var idx archiveIndex
	data, err := os.ReadFile(l.indexPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return archiveIndex{}
	}
	return idx
}

func (l *Log) saveIndex(idx archiveIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.indexPath(), data, 0o644)
}

// Rotate moves the active session file into the archive directory when it
// exceeds maxBytes and starts a fresh empty file. Events are moved whole,
// never rewritten. Returns the record when a rotation happened.
func (l *Log) Rotate(sessionID string, maxBytes int64) (*ArchiveRecord, error) {
	if maxBytes <= 0 {
		return nil, nil
	}

	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := l.Path(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Size() < maxBytes {
		return nil, nil
	}

	if err := os.MkdirAll(l.archivesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create archives dir: %w", err)
	}

	now := time.Now()
	dst := filepath.Join(l.archivesDir(), fmt.Sprintf("events_%s_%s.jsonl", sanitizeID(sessionID), now.Format("20060102_150405")))
	if err := os.Rename(path, dst); err != nil {
		return nil, fmt.Errorf("rotate session log: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("recreate session log: %w", err)
	}

	rec := ArchiveRecord{
		SessionID:   sessionID,
		Path:        dst,
		RotatedAtMS: now.UnixMilli(),
		Bytes:       info.Size(),
	}
	idx := l.loadIndex()
	idx.Archives = append(idx.Archives, rec)
	if err := l.saveIndex(idx); err != nil {
		l.logger.Warn("failed to update archive index", "error", err)
	}

	l.logger.Info("rotated session log", "session_id", sessionID, "bytes", rec.Bytes, "archive", dst)
	return &rec, nil
}

// PruneStats summarizes a pruning pass.
type PruneStats struct {
	Removed int
	Kept    int
}

// Prune deletes archived files older than keepDays or beyond keepMaxFiles
// (newest kept first), then rebuilds the index from the directory.
func (l *Log) Prune(keepDays, keepMaxFiles int) (PruneStats, error) {
	var stats PruneStats

	entries, err := os.ReadDir(l.archivesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}

	type archived struct {
		path  string
		mtime time.Time
		size  int64
	}
	var files []archived
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, archived{
			path:  filepath.Join(l.archivesDir(), e.Name()),
			mtime: info.ModTime(),
			size:  info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })

	var cutoff time.Time
	if keepDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -keepDays)
	}

	var kept []archived
	for _, f := range files {
		if !cutoff.IsZero() && f.mtime.Before(cutoff) {
			if err := os.Remove(f.path); err == nil {
				stats.Removed++
			} else {
				kept = append(kept, f)
			}
			continue
		}
		kept = append(kept, f)
	}

	if keepMaxFiles > 0 && len(kept) > keepMaxFiles {
		for _, f := range kept[keepMaxFiles:] {
			if err := os.Remove(f.path); err == nil {
				stats.Removed++
			}
		}
		kept = kept[:keepMaxFiles]
	}
	stats.Kept = len(kept)

	idx := archiveIndex{}
	for _, f := range kept {
		name := filepath.Base(f.path)
		sid := strings.TrimSuffix(strings.TrimPrefix(name, "events_"), ".jsonl")
		if i := strings.LastIndex(sid, "_"); i > 0 {
			if j := strings.LastIndex(sid[:i], "_"); j > 0 {
				sid = sid[:j]
			}
		}
		idx.Archives = append(idx.Archives, ArchiveRecord{
			SessionID:   sid,
			Path:        f.path,
			RotatedAtMS: f.mtime.UnixMilli(),
			Bytes:       f.size,
		})
	}
	if stats.Removed > 0 || len(idx.Archives) > 0 {
		if err := l.saveIndex(idx); err != nil {
			l.logger.Warn("failed to rebuild archive index", "error", err)
		}
	}
	return stats, nil
}
