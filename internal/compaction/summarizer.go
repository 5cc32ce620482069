// Package compaction keeps long sessions inside the model context window by
// folding older turns into a structured rolling summary and extracting
// durable facts into long-term memory.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/state"
)

// Summarizer folds conversation turns into the structured rolling summary.
type Summarizer struct {
	llm    memory.LLM
	logger *slog.Logger
}

// NewSummarizer builds a summarizer over llm.
func NewSummarizer(llm memory.LLM, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{llm: llm, logger: logger}
}

const summarySystemPrompt = `You are a conversation summarization system. Generate structured, mergeable summaries of conversations.

Your summaries should be:
1. Stable: use consistent format and categories
2. Cumulative: build on previous summaries, don't just summarize new turns
3. Actionable: focus on information that will be useful in future conversations
4. Concise: each bullet clear and self-contained

Return a JSON object with this structure:
{
  "user_profile": "name, timezone, preferences, working style",
  "active_topics": ["current discussion themes, 3-5 items"],
  "decisions": ["important choices made: what and why"],
  "open_questions": ["topics to follow up on"],
  "tool_context": "important context about tools, files, directories in play"
}`

// Summarize produces an updated summary that integrates turns into previous.
// On any failure the previous summary is returned unchanged, so compaction
// never loses information it already had.
func (s *Summarizer) Summarize(ctx context.Context, turns []state.MessageTurn, previous state.RollingSummary) state.RollingSummary {
	var conversation strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&conversation, "User: %s\n\nAssistant: %s\n\n", turn.UserMessage, turn.AssistantMessage)
	}

	var instructions string
	if previous.IsEmpty() {
		instructions = "Create an initial summary of this conversation.\nFocus on lasting information worth remembering."
	} else {
		instructions = fmt.Sprintf(`## Previous Summary
%s

Update the summary by integrating new information from the conversation below.
- Keep important info from the previous summary
- Add new facts, topics, decisions from the new conversation
- Remove outdated or resolved items
- Keep it concise and well-organized`, previous.Text())
	}

	prompt := fmt.Sprintf("%s\n\n## Conversation to Summarize\n%s\nGenerate the updated structured summary as JSON.", instructions, conversation.String())

	raw, err := s.llm.CompleteJSON(ctx, summarySystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("summarization failed, keeping previous summary", "error", err)
		return previous
	}
	var next state.RollingSummary
	if err := json.Unmarshal([]byte(raw), &next); err != nil {
		s.logger.Warn("summarization returned bad JSON, keeping previous summary", "error", err)
		return previous
	}
	next.Clamp()
	return next
}
