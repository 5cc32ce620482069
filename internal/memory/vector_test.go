package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPYRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.npy")
	data := []float32{1, 2, 3, 4, 5, 6}

	require.NoError(t, writeNPY(path, 2, 3, data))

	rows, cols, got, err := readNPY(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, data, got)
}

func TestNPYEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.npy")
	require.NoError(t, writeNPY(path, 0, 4, nil))

	rows, cols, got, err := readNPY(path)
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
	assert.Equal(t, 4, cols)
	assert.Empty(t, got)
}

func TestVectorIndexStoreAndSearch(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewVectorIndex(dir, 3)
	require.NoError(t, err)

	require.NoError(t, idx.Store("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Store("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Store("c", []float32{0.9, 0.1, 0}))

	hits := idx.Search([]float32{1, 0, 0}, 2, 0)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].MemoryID)
	assert.Equal(t, "c", hits[1].MemoryID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestVectorIndexScanLimitKeepsNewestRows(t *testing.T) {
	idx, err := NewVectorIndex(t.TempDir(), 3)
	require.NoError(t, err)

	// "old" is the best match but falls outside the scan window.
	require.NoError(t, idx.Store("old", []float32{1, 0, 0}))
	require.NoError(t, idx.Store("mid", []float32{0.5, 0.5, 0}))
	require.NoError(t, idx.Store("new", []float32{0, 1, 0}))

	hits := idx.Search([]float32{1, 0, 0}, 5, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "mid", hits[0].MemoryID)
	assert.Equal(t, "new", hits[1].MemoryID)
}

func TestVectorIndexColdStart(t *testing.T) {
	idx, err := NewVectorIndex(t.TempDir(), 3)
	require.NoError(t, err)
	assert.Empty(t, idx.Search([]float32{1, 0, 0}, 5, 0))
}

func TestVectorIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewVectorIndex(dir, 2)
	require.NoError(t, err)
	require.NoError(t, idx.Store("a", []float32{1, 0}))
	require.NoError(t, idx.Store("b", []float32{0, 1}))

	reloaded, err := NewVectorIndex(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Count())

	hits := reloaded.Search([]float32{0, 1}, 1, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].MemoryID)
}

func TestVectorIndexDimensionMismatch(t *testing.T) {
	idx, err := NewVectorIndex(t.TempDir(), 3)
	require.NoError(t, err)
	assert.Error(t, idx.Store("a", []float32{1, 0}))
}

func TestVectorIndexZeroRowsAndUpdate(t *testing.T) {
	idx, err := NewVectorIndex(t.TempDir(), 2)
	require.NoError(t, err)
	require.NoError(t, idx.Store("a", []float32{0, 0}))
	require.NoError(t, idx.Store("b", []float32{1, 0}))
	require.NoError(t, idx.Store("c", []float32{0, 0}))

	assert.Equal(t, []string{"a", "c"}, idx.ZeroRows(0))
	assert.Equal(t, []string{"a"}, idx.ZeroRows(1))

	require.NoError(t, idx.Update("a", []float32{0, 1}))
	assert.Equal(t, []string{"c"}, idx.ZeroRows(0))

	hits := idx.Search([]float32{0, 1}, 1, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].MemoryID)
}
