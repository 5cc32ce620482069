package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Extractor pulls durable memories out of a conversation turn with an LLM.
// Extraction is always best-effort: any failure yields an empty result and a
// logged error, never an aborted caller.
type Extractor struct {
	llm           LLM
	minImportance int
	logger        *slog.Logger
}

// NewExtractor builds an extractor. minImportance defaults to 6.
func NewExtractor(llm LLM, minImportance int, logger *slog.Logger) *Extractor {
	if minImportance <= 0 {
		minImportance = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: llm, minImportance: minImportance, logger: logger}
}

const extractionSystemPrompt = `You are a memory extraction system. Your job is to identify and extract important information from conversations that should be remembered long-term.

Extract the following types of information:
- facts: new information learned about the user, their projects, or the world
- preferences: likes, dislikes, working style
- decisions: choices made, approaches selected, directions taken
- questions: open questions or topics to follow up on
- project: project-specific context, goals, requirements

For each memory: write clear, self-contained content; add context about when or why it matters; rate importance 1-10; add tags; if it replaces earlier information, set supersedes to that memory's id.

Only extract truly important information, not casual chat or temporary details.

Return a JSON object:
{"memories": [{"type": "fact|preference|decision|question|project", "content": "...", "context": "...", "importance": 8, "tags": ["..."], "supersedes": "optional_memory_id"}]}`

type extractedItem struct {
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Context    string   `json:"context"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
	Supersedes string   `json:"supersedes"`
}

type extractionResponse struct {
	Memories []extractedItem `json:"memories"`
}

// ExtractFromTurn extracts memories worth keeping from one user/assistant
// exchange. Messages too short to carry durable information skip the LLM
// call entirely.
func (e *Extractor) ExtractFromTurn(ctx context.Context, userMsg, assistantMsg, sessionID, userMessageID, assistantMessageID string) []*Memory {
	if len(strings.TrimSpace(userMsg)) < 8 || len(strings.TrimSpace(assistantMsg)) < 16 {
		return nil
	}

	userPrompt := fmt.Sprintf("Extract durable memories from this exchange.\n\nUSER:\n%s\n\nASSISTANT:\n%s\n", userMsg, assistantMsg)
	raw, err := e.llm.CompleteJSON(ctx, extractionSystemPrompt, userPrompt)
	if err != nil {
		e.logger.Error("memory extraction failed", "session_id", sessionID, "error", err)
		return nil
	}
	var resp extractionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		e.logger.Error("memory extraction returned bad JSON", "session_id", sessionID, "error", err)
		return nil
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339)
	var out []*Memory
	for i, item := range resp.Memories {
		t := Type(strings.TrimSpace(item.Type))
		content := strings.TrimSpace(item.Content)
		if !ValidType(t) || content == "" {
			continue
		}
		if item.Importance < e.minImportance {
			continue
		}
		out = append(out, &Memory{
			ID:             fmt.Sprintf("mem_%s_%d_%d", sessionID, now.Unix(), i),
			Timestamp:      timestamp,
			SessionID:      sessionID,
			Type:           t,
			Content:        content,
			Context:        strings.TrimSpace(item.Context),
			Importance:     item.Importance,
			Tags:           item.Tags,
			SourceMessages: []string{userMessageID, assistantMessageID},
			Supersedes:     strings.TrimSpace(item.Supersedes),
		})
	}
	return out
}
