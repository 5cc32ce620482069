package agent

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// ChatMessage is one entry of the transcript sent to the model.
// Role is one of "system", "user", "assistant", "tool".
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on tool messages
	Name       string // tool name on tool messages
}

// ToolCall is a fully accumulated tool invocation request from the model.
// Arguments is raw JSON assembled from streamed fragments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage is the token accounting snapshot from a model response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one unit of a streaming completion. Text deltas arrive
// first; completed tool calls and usage arrive on the final chunks. Err
// terminates the stream.
type StreamChunk struct {
	Token     string
	ToolCalls []ToolCall
	Usage     *Usage
	Err       error
	Done      bool
}

// LLMProvider is the model surface the agent loop depends on. StreamChat
// streams a tool-capable chat completion; Complete and CompleteJSON serve
// the memory and compaction layers with cheap one-shot calls.
//
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	StreamChat(ctx context.Context, messages []ChatMessage, tools []openai.Tool) (<-chan StreamChunk, error)
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}
