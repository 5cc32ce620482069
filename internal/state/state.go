// Package state holds the derived per-session materialization: a rolling
// structured summary plus the most recent verbatim turns. The event log stays
// authoritative; this cache is the fast path and can be rebuilt by replay.
package state

import (
	"strings"
	"time"
)

// Limits on summary list sizes; the fixed shape keeps successive
// summarizations mergeable instead of free-form rewrites.
const (
	MaxActiveTopics  = 5
	MaxDecisions     = 10
	MaxOpenQuestions = 5
)

// RollingSummary is the structured summary of turns older than RecentTurns.
type RollingSummary struct {
	UserProfile   string   `json:"user_profile"`
	ActiveTopics  []string `json:"active_topics"`
	Decisions     []string `json:"decisions"`
	OpenQuestions []string `json:"open_questions"`
	ToolContext   string   `json:"tool_context"`
}

// IsEmpty reports whether the summary carries any content worth injecting.
func (s RollingSummary) IsEmpty() bool {
	return s.UserProfile == "" && len(s.ActiveTopics) == 0 && len(s.Decisions) == 0 &&
		len(s.OpenQuestions) == 0 && s.ToolContext == ""
}

// Clamp enforces the list caps in place.
func (s *RollingSummary) Clamp() {
	if len(s.ActiveTopics) > MaxActiveTopics {
		s.ActiveTopics = s.ActiveTopics[:MaxActiveTopics]
	}
	if len(s.Decisions) > MaxDecisions {
		s.Decisions = s.Decisions[:MaxDecisions]
	}
	if len(s.OpenQuestions) > MaxOpenQuestions {
		s.OpenQuestions = s.OpenQuestions[:MaxOpenQuestions]
	}
}

// Text formats the summary for prompt injection.
func (s RollingSummary) Text() string {
	var lines []string
	if s.UserProfile != "" {
		lines = append(lines, "User profile: "+s.UserProfile)
	}
	if len(s.ActiveTopics) > 0 {
		lines = append(lines, "Active topics: "+strings.Join(s.ActiveTopics, ", "))
	}
	if len(s.Decisions) > 0 {
		lines = append(lines, "Key decisions:")
		for _, d := range s.Decisions {
			lines = append(lines, "  * "+d)
		}
	}
	if len(s.OpenQuestions) > 0 {
		lines = append(lines, "Open questions: "+strings.Join(s.OpenQuestions, ", "))
	}
	if s.ToolContext != "" {
		lines = append(lines, "Tool context: "+s.ToolContext)
	}
	return strings.Join(lines, "\n")
}

// ToMap renders the summary for embedding into a compaction event payload.
func (s RollingSummary) ToMap() map[string]any {
	topics := make([]any, len(s.ActiveTopics))
	for i, t := range s.ActiveTopics {
		topics[i] = t
	}
	decisions := make([]any, len(s.Decisions))
	for i, d := range s.Decisions {
		decisions[i] = d
	}
	questions := make([]any, len(s.OpenQuestions))
	for i, q := range s.OpenQuestions {
		questions[i] = q
	}
	return map[string]any{
		"user_profile":   s.UserProfile,
		"active_topics":  topics,
		"decisions":      decisions,
		"open_questions": questions,
		"tool_context":   s.ToolContext,
	}
}

// MessageTurn is one committed user-assistant pair, with any tool activity
// that happened in between.
type MessageTurn struct {
	UserMessage        string           `json:"user_message"`
	AssistantMessage   string           `json:"assistant_message"`
	Timestamp          string           `json:"timestamp"`
	UserMessageID      string           `json:"user_message_id"`
	AssistantMessageID string           `json:"assistant_message_id"`
	ToolCalls          []map[string]any `json:"tool_calls,omitempty"`
	ToolResults        []map[string]any `json:"tool_results,omitempty"`
}

// SessionState is the cached materialization for one session.
type SessionState struct {
	SessionID      string         `json:"session_id"`
	RollingSummary RollingSummary `json:"rolling_summary"`
	RecentTurns    []MessageTurn  `json:"recent_turns"`
	TokenCount     int            `json:"token_count"`
	MessageCount   int            `json:"message_count"`
	LastCompaction string         `json:"last_compaction,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// AppendTurn commits a completed turn and bumps the message counter.
func (s *SessionState) AppendTurn(turn MessageTurn) {
	s.RecentTurns = append(s.RecentTurns, turn)
	s.MessageCount += 2
}

// EstimateTokens approximates token usage as words x 1.3. Cheap on purpose;
// compaction only needs a trend, not an exact count.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}

// EstimateStateTokens recomputes the estimate from the summary and the
// remaining turns.
func EstimateStateTokens(summary RollingSummary, turns []MessageTurn) int {
	total := EstimateTokens(summary.Text())
	for _, t := range turns {
		total += EstimateTokens(t.UserMessage) + EstimateTokens(t.AssistantMessage)
	}
	return total
}

// Now renders the timestamp format used throughout the state files.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
