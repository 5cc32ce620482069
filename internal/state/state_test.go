package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
)

func TestCacheLoadMissReturnsNil(t *testing.T) {
	c, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)

	st, err := c.Load("absent")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestCacheGetOrCreateThenSaveRoundTrip(t *testing.T) {
	c, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)

	st, err := c.GetOrCreate("s1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "s1", st.SessionID)
	assert.Empty(t, st.RecentTurns)

	st.AppendTurn(MessageTurn{
		UserMessage:        "what is the plan",
		AssistantMessage:   "ship it",
		UserMessageID:      "m1",
		AssistantMessageID: "m2",
		Timestamp:          Now(),
	})
	st.RollingSummary.ActiveTopics = []string{"planning"}
	st.TokenCount = EstimateStateTokens(st.RollingSummary, st.RecentTurns)
	require.NoError(t, c.Save(st))

	loaded, err := c.Load("s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 2, loaded.MessageCount)
	require.Len(t, loaded.RecentTurns, 1)
	assert.Equal(t, "ship it", loaded.RecentTurns[0].AssistantMessage)
	assert.Equal(t, []string{"planning"}, loaded.RollingSummary.ActiveTopics)
}

func TestRollingSummaryClamp(t *testing.T) {
	s := RollingSummary{
		ActiveTopics:  []string{"a", "b", "c", "d", "e", "f", "g"},
		OpenQuestions: []string{"1", "2", "3", "4", "5", "6"},
	}
	s.Clamp()
	assert.Len(t, s.ActiveTopics, MaxActiveTopics)
	assert.Len(t, s.OpenQuestions, MaxOpenQuestions)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("one two three"))
	assert.Equal(t, 13, EstimateTokens("a b c d e f g h i j"))
}

func TestRebuildMatchesLiveState(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.New(dir, nil)
	require.NoError(t, err)

	require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("u1", "user", "hello", nil, "", "")))
	require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("a1", "assistant", "hi there", nil, "", "")))
	require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("u2", "user", "and now", nil, "", "")))
	require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("a2", "assistant", "more", nil, "", "")))

	st, err := Rebuild(log, "s1", 30)
	require.NoError(t, err)
	assert.Equal(t, 4, st.MessageCount)
	require.Len(t, st.RecentTurns, 2)
	assert.Equal(t, "hello", st.RecentTurns[0].UserMessage)
	assert.Equal(t, "a2", st.RecentTurns[1].AssistantMessageID)
}

func TestRebuildAppliesCompactionSummaryAndCap(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.New(dir, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("u", "user", "q", nil, "", "")))
		require.NoError(t, log.Append("s1", eventlog.NewMessageEvent("a", "assistant", "r", nil, "", "")))
	}
	summary := RollingSummary{UserProfile: "builder", ActiveTopics: []string{"go"}}
	require.NoError(t, log.Append("s1", eventlog.NewCompactionEvent(summary.ToMap(), 2)))

	st, err := Rebuild(log, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, 10, st.MessageCount)
	assert.Len(t, st.RecentTurns, 3)
	assert.Equal(t, "builder", st.RollingSummary.UserProfile)
	assert.NotEmpty(t, st.LastCompaction)
	assert.Positive(t, st.TokenCount)
}
