package memory

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// VectorIndex is a process-wide in-memory matrix of embeddings with an
// aligned id list. Rows append under a write lock; searches scan under a
// read lock. Persisted as facts.npy plus metadata.json.
type VectorIndex struct {
	dir string
	dim int

	mu   sync.RWMutex
	rows []float32 // len = count*dim
	ids  []string
}

type vectorMetadata struct {
	MemoryIDs []string `json:"memory_ids"`
	Count     int      `json:"count"`
}

// NewVectorIndex loads (or initializes) the vector index under dir.
func NewVectorIndex(dir string, dim int) (*VectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector index: dimension must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vectors dir: %w", err)
	}
	v := &VectorIndex{dir: dir, dim: dim}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VectorIndex) matrixPath() string   { return filepath.Join(v.dir, "facts.npy") }
func (v *VectorIndex) metadataPath() string { return filepath.Join(v.dir, "metadata.json") }

func (v *VectorIndex) load() error {
	if _, err := os.Stat(v.matrixPath()); os.IsNotExist(err) {
		return nil
	}
	rows, cols, data, err := readNPY(v.matrixPath())
	if err != nil {
		return fmt.Errorf("load vector matrix: %w", err)
	}
	if rows > 0 && cols != v.dim {
		return fmt.Errorf("vector matrix dimension %d, configured %d", cols, v.dim)
	}

	var meta vectorMetadata
	if err := readJSONFile(v.metadataPath(), &meta); err != nil {
		return fmt.Errorf("load vector metadata: %w", err)
	}
	if len(meta.MemoryIDs) != rows {
		return fmt.Errorf("vector metadata lists %d ids for %d rows", len(meta.MemoryIDs), rows)
	}
	v.rows = data
	v.ids = meta.MemoryIDs
	return nil
}

func (v *VectorIndex) persistLocked() error {
	count := len(v.ids)
	if err := writeNPY(v.matrixPath(), count, v.dim, v.rows); err != nil {
		return err
	}
	return writeJSONFile(v.metadataPath(), vectorMetadata{MemoryIDs: v.ids, Count: count})
}

// Count returns the number of indexed vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ids)
}

// Store appends one embedding row and persists the matrix and id list.
func (v *VectorIndex) Store(memoryID string, embedding []float32) error {
	if len(embedding) != v.dim {
		return fmt.Errorf("embedding dimension %d, index wants %d", len(embedding), v.dim)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = append(v.rows, embedding...)
	v.ids = append(v.ids, memoryID)
	return v.persistLocked()
}

// Update replaces the row for an existing id; used by the embedding backfill.
func (v *VectorIndex) Update(memoryID string, embedding []float32) error {
	if len(embedding) != v.dim {
		return fmt.Errorf("embedding dimension %d, index wants %d", len(embedding), v.dim)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, id := range v.ids {
		if id == memoryID {
			copy(v.rows[i*v.dim:(i+1)*v.dim], embedding)
			return v.persistLocked()
		}
	}
	return fmt.Errorf("vector index has no row for %s", memoryID)
}

// ZeroRows returns ids whose stored vector is all zeros (embedding fallback
// rows awaiting backfill), up to limit.
func (v *VectorIndex) ZeroRows(limit int) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	for i, id := range v.ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		zero := true
		for _, x := range v.rows[i*v.dim : (i+1)*v.dim] {
			if x != 0 {
				zero = false
				break
			}
		}
		if zero {
			out = append(out, id)
		}
	}
	return out
}

// Search returns the top-limit ids by cosine similarity to the query. When
// scanLimit is positive only the newest scanLimit rows are scanned, bounding
// query cost on large stores. A cold index returns an empty list.
func (v *VectorIndex) Search(query []float32, limit, scanLimit int) []Scored {
	v.mu.RLock()
	defer v.mu.RUnlock()
	count := len(v.ids)
	ids := v.ids
	rows := v.rows

	if count == 0 || len(query) != v.dim {
		return nil
	}

	start := 0
	if scanLimit > 0 && count > scanLimit {
		start = count - scanLimit
	}

	qnorm := norm(query)
	scores := make([]Scored, 0, count-start)
	for i := start; i < count; i++ {
		row := rows[i*v.dim : (i+1)*v.dim]
		var dot float64
		for j, q := range query {
			dot += float64(q) * float64(row[j])
		}
		sim := dot / (qnorm*norm(row) + 1e-10)
		scores = append(scores, Scored{MemoryID: ids[i], Score: sim})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
