package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Embedder turns text into a dense vector. Implementations may fail; callers
// fall back to a zero vector so the item is still durable and searchable
// lexically until a backfill pass re-embeds it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Storage owns the durable memory tier: JSONL shards by calendar day plus
// the lexical and vector indexes derived from them.
type Storage struct {
	factsDir string
	lexical  *LexicalIndex
	vectors  *VectorIndex
	embedder Embedder
	logger   *slog.Logger

	mu sync.Mutex // serializes JSONL appends
}

// NewStorage wires the three memory stores together.
func NewStorage(factsDir string, lexical *LexicalIndex, vectors *VectorIndex, embedder Embedder, logger *slog.Logger) (*Storage, error) {
	if err := os.MkdirAll(factsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create facts dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		factsDir: factsDir,
		lexical:  lexical,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger,
	}, nil
}

func (s *Storage) dayPath(ts time.Time) string {
	return filepath.Join(s.factsDir, ts.UTC().Format("2006-01-02")+".jsonl")
}

// SaveMemory persists one item: JSONL first, then an embedding (zero-vector
// fallback when the embedder fails or is absent), then both indexes. The JSONL line never
// carries the embedding; the vector index is its home.
func (s *Storage) SaveMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		return fmt.Errorf("save memory: missing id")
	}
	if !ValidType(m.Type) {
		return fmt.Errorf("save memory: unknown type %q", m.Type)
	}
	now := time.Now().UTC()
	if m.Timestamp == "" {
		m.Timestamp = now.Format(time.RFC3339)
	}

	embedding := m.Embedding
	line := *m
	line.Embedding = nil
	if err := s.appendLine(&line, now); err != nil {
		return err
	}

	if len(embedding) == 0 {
		if s.embedder == nil {
			embedding = make([]float32, s.vectors.dim)
		} else {
			vec, err := s.embedder.Embed(ctx, m.SearchText())
			if err != nil {
				s.logger.Warn("embedding failed, storing zero vector",
					"memory_id", m.ID, "error", err)
				vec = make([]float32, s.embedder.Dimension())
			}
			embedding = vec
		}
	}

	if err := s.lexical.Index(m); err != nil {
		return fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	if err := s.vectors.Store(m.ID, embedding); err != nil {
		return fmt.Errorf("store vector %s: %w", m.ID, err)
	}
	return nil
}

func (s *Storage) appendLine(m *Memory, ts time.Time) error {
	data, err := m.MarshalLine()
	if err != nil {
		return fmt.Errorf("encode memory %s: %w", m.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.dayPath(ts), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open facts shard: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append memory %s: %w", m.ID, err)
	}
	return f.Sync()
}

// LoadByID scans the JSONL shards for one memory. Linear in the total item
// count; callers only resolve the id set of a retrieval result.
func (s *Storage) LoadByID(id string) (*Memory, error) {
	got, err := s.LoadByIDs([]string{id})
	if err != nil {
		return nil, err
	}
	if m, ok := got[id]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("memory %s not found", id)
}

// LoadByIDs resolves a set of ids in one pass over the shards. Missing ids
// are simply absent from the result. Later lines win when an id repeats.
func (s *Storage) LoadByIDs(ids []string) (map[string]*Memory, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]*Memory, len(ids))

	shards, err := s.shardPaths()
	if err != nil {
		return nil, err
	}
	for _, path := range shards {
		if err := s.scanShard(path, func(m *Memory) {
			if want[m.ID] {
				out[m.ID] = m
			}
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// All returns every stored memory, oldest shard first. Used by reindexing
// and by tests.
func (s *Storage) All() ([]*Memory, error) {
	shards, err := s.shardPaths()
	if err != nil {
		return nil, err
	}
	var out []*Memory
	for _, path := range shards {
		if err := s.scanShard(path, func(m *Memory) {
			out = append(out, m)
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Storage) shardPaths() ([]string, error) {
	entries, err := os.ReadDir(s.factsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list facts dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(s.factsDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Storage) scanShard(path string, fn func(*Memory)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open facts shard: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := UnmarshalLine([]byte(line))
		if err != nil {
			s.logger.Warn("skipping unparseable memory line", "path", path, "error", err)
			continue
		}
		fn(m)
	}
	return sc.Err()
}

// BackfillEmbeddings re-embeds up to limit items whose stored vector is all
// zeros. Runs from the supervisor; each failure is logged and skipped so one
// bad item cannot stall the rest.
func (s *Storage) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	ids := s.vectors.ZeroRows(limit)
	if len(ids) == 0 {
		return 0, nil
	}
	items, err := s.LoadByIDs(ids)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		m, ok := items[id]
		if !ok {
			s.logger.Warn("zero-vector row has no JSONL record", "memory_id", id)
			continue
		}
		vec, err := s.embedder.Embed(ctx, m.SearchText())
		if err != nil {
			s.logger.Warn("backfill embedding failed", "memory_id", id, "error", err)
			continue
		}
		if err := s.vectors.Update(id, vec); err != nil {
			s.logger.Warn("backfill vector update failed", "memory_id", id, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
