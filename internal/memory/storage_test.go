package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps known texts to fixed vectors and can be told to fail.
type stubEmbedder struct {
	dim     int
	vectors map[string][]float32
	fail    bool
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	if s.fail {
		return nil, fmt.Errorf("embedding service down")
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, s.dim)
	v[0] = 1
	return v, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func newTestStorage(t *testing.T, emb *stubEmbedder) *Storage {
	t.Helper()
	dir := t.TempDir()
	lex, err := NewLexicalIndex(filepath.Join(dir, "facts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { lex.Close() })
	vec, err := NewVectorIndex(filepath.Join(dir, "vectors"), emb.dim)
	require.NoError(t, err)
	st, err := NewStorage(filepath.Join(dir, "facts"), lex, vec, emb, nil)
	require.NoError(t, err)
	return st
}

// newTestStorageNoEmbedder builds a storage running without an embedder, the
// shape serve uses when embeddings are disabled in config.
func newTestStorageNoEmbedder(t *testing.T, dim int) *Storage {
	t.Helper()
	dir := t.TempDir()
	lex, err := NewLexicalIndex(filepath.Join(dir, "facts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { lex.Close() })
	vec, err := NewVectorIndex(filepath.Join(dir, "vectors"), dim)
	require.NoError(t, err)
	st, err := NewStorage(filepath.Join(dir, "facts"), lex, vec, nil, nil)
	require.NoError(t, err)
	return st
}

func TestSaveMemoryAndLoadByID(t *testing.T) {
	emb := &stubEmbedder{dim: 3}
	st := newTestStorage(t, emb)

	m := &Memory{
		ID:         "mem_s1_1_0",
		SessionID:  "s1",
		Type:       TypeFact,
		Content:    "user works in UTC+2",
		Importance: 7,
		Tags:       []string{"timezone"},
	}
	require.NoError(t, st.SaveMemory(context.Background(), m))

	got, err := st.LoadByID("mem_s1_1_0")
	require.NoError(t, err)
	assert.Equal(t, "user works in UTC+2", got.Content)
	assert.Equal(t, TypeFact, got.Type)
	assert.NotEmpty(t, got.Timestamp)
	// Embeddings live in the vector index, not the JSONL shard.
	assert.Nil(t, got.Embedding)
	assert.Equal(t, 1, st.vectors.Count())
}

func TestSaveMemoryRejectsInvalid(t *testing.T) {
	st := newTestStorage(t, &stubEmbedder{dim: 3})
	assert.Error(t, st.SaveMemory(context.Background(), &Memory{Type: TypeFact, Content: "x"}))
	assert.Error(t, st.SaveMemory(context.Background(), &Memory{ID: "m1", Type: "vibe", Content: "x"}))
}

func TestSaveMemoryZeroVectorFallback(t *testing.T) {
	emb := &stubEmbedder{dim: 3, fail: true}
	st := newTestStorage(t, emb)

	m := &Memory{ID: "m1", Type: TypeFact, Content: "still durable without embedding"}
	require.NoError(t, st.SaveMemory(context.Background(), m))

	assert.Equal(t, []string{"m1"}, st.vectors.ZeroRows(0))
	// Lexical retrieval still works for the fallback row.
	hits := st.lexical.Search("durable", 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestSaveMemoryWithoutEmbedder(t *testing.T) {
	st := newTestStorageNoEmbedder(t, 3)

	m := &Memory{ID: "m1", Type: TypeFact, Content: "still durable without embedder"}
	require.NoError(t, st.SaveMemory(context.Background(), m))

	assert.Equal(t, []string{"m1"}, st.vectors.ZeroRows(0))
	hits := st.lexical.Search("durable", 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)

	// Backfill has nothing to run against and says so quietly.
	done, err := st.BackfillEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, done)
}

func TestLoadByIDsAcrossShards(t *testing.T) {
	st := newTestStorage(t, &stubEmbedder{dim: 3})
	for i := 0; i < 4; i++ {
		m := &Memory{ID: fmt.Sprintf("m%d", i), Type: TypeFact, Content: fmt.Sprintf("fact %d", i)}
		require.NoError(t, st.SaveMemory(context.Background(), m))
	}

	got, err := st.LoadByIDs([]string{"m1", "m3", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "fact 1", got["m1"].Content)
	assert.Equal(t, "fact 3", got["m3"].Content)
}

func TestBackfillEmbeddings(t *testing.T) {
	emb := &stubEmbedder{dim: 3, fail: true}
	st := newTestStorage(t, emb)

	require.NoError(t, st.SaveMemory(context.Background(), &Memory{ID: "m1", Type: TypeFact, Content: "first fact here"}))
	require.NoError(t, st.SaveMemory(context.Background(), &Memory{ID: "m2", Type: TypeFact, Content: "second fact here"}))
	require.Len(t, st.vectors.ZeroRows(0), 2)

	emb.fail = false
	done, err := st.BackfillEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Empty(t, st.vectors.ZeroRows(0))
}

func TestMemoryLineRoundTrip(t *testing.T) {
	m := &Memory{
		ID:             "m1",
		SessionID:      "s1",
		Type:           TypeDecision,
		Content:        "use cosine similarity",
		Importance:     8,
		Tags:           []string{"search"},
		SourceMessages: []string{"u1", "a1"},
		Supersedes:     "m0",
	}
	line, err := m.MarshalLine()
	require.NoError(t, err)

	got, err := UnmarshalLine(line)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = UnmarshalLine([]byte(`{"no_id": true}`))
	assert.Error(t, err)
}
