package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return l
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Append("s1", NewMessageEvent("m1", "user", "hello", nil, "", "")))
	require.NoError(t, l.Append("s1", NewMessageEvent("m2", "assistant", "hi", nil, "", "")))

	data, err := os.ReadFile(l.Path("s1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"type":"session_init"`)
	assert.Contains(t, lines[1], `"hello"`)
}

func TestReplaySkipsHeaderAndBadLines(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("s1", NewMessageEvent("m1", "user", "a", nil, "", "")))
	require.NoError(t, l.Append("s1", NewMessageEvent("m2", "assistant", "b", nil, "", "")))

	// Simulate a line truncated by a concurrent append.
	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Events("s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeMessage, events[0].Type)
	assert.Equal(t, "a", events[0].Data["content"])
	assert.Equal(t, "b", events[1].Data["content"])
}

func TestReplayMissingSessionIsEmpty(t *testing.T) {
	l := newTestLog(t)
	events, err := l.Events("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSanitizedSessionIDs(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("a/b\\c", NewMessageEvent("m1", "user", "x", nil, "", "")))
	assert.Equal(t, filepath.Join(l.Dir(), "a-b-c.jsonl"), l.Path("a/b\\c"))
}

func TestSizeAndList(t *testing.T) {
	l := newTestLog(t)
	size, err := l.Size("s1")
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, l.Append("s1", NewMessageEvent("m1", "user", "x", nil, "", "")))
	require.NoError(t, l.Append("s2", NewMessageEvent("m2", "user", "y", nil, "", "")))

	size, err = l.Size("s1")
	require.NoError(t, err)
	assert.Positive(t, size)

	ids, err := l.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestRotateAndPrune(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append("s1", NewMessageEvent("m1", "user", strings.Repeat("x", 512), nil, "", "")))

	rec, err := l.Rotate("s1", 100)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.SessionID)
	assert.FileExists(t, rec.Path)

	// Active file is fresh and empty; next append re-writes the header.
	size, err := l.Size("s1")
	require.NoError(t, err)
	assert.Zero(t, size)

	// Below threshold: no rotation.
	rec2, err := l.Rotate("s1", 100)
	require.NoError(t, err)
	assert.Nil(t, rec2)

	idx := l.loadIndex()
	require.Len(t, idx.Archives, 1)

	stats, err := l.Prune(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Kept)

	stats, err = l.Prune(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Kept)
	assert.Zero(t, stats.Removed)
}

func TestEventRoundTrip(t *testing.T) {
	ev := NewToolResultEvent("tr1", "tc1", map[string]any{"content": "done"}, true)
	l := newTestLog(t)
	require.NoError(t, l.Append("s1", ev))

	events, err := l.Events("s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypeToolResult, events[0].Type)
	assert.Equal(t, "tc1", events[0].Data["tool_call_id"])
	assert.Equal(t, true, events[0].Data["ok"])
	assert.False(t, events[0].Timestamp.IsZero())
}
