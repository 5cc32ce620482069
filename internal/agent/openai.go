package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements LLMProvider on the chat-completions API.
// StreamChat uses the configured chat model; Complete and CompleteJSON use
// the cheaper utility model.
type OpenAIProvider struct {
	client       *openai.Client
	chatModel    string
	utilityModel string
}

var _ LLMProvider = (*OpenAIProvider)(nil)

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	ChatModel    string // defaults to gpt-4o
	UtilityModel string // defaults to gpt-4o-mini
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider: API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o"
	}
	if cfg.UtilityModel == "" {
		cfg.UtilityModel = "gpt-4o-mini"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		chatModel:    cfg.ChatModel,
		utilityModel: cfg.UtilityModel,
	}, nil
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// StreamChat starts a streaming completion and returns its chunk channel.
// The channel is closed after the Done (or error) chunk.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []ChatMessage, tools []openai.Tool) (<-chan StreamChunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.chatModel,
		Messages: toOpenAIMessages(messages),
		Tools:    tools,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
		Stream: true,
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start chat stream: %w", err)
	}

	chunks := make(chan StreamChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts the wire stream into StreamChunks, accumulating
// tool-call fragments by index until the stream ends.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	partials := map[int]*ToolCall{}
	maxIndex := -1
	var usage *Usage

	flushCalls := func() []ToolCall {
		var out []ToolCall
		for i := 0; i <= maxIndex; i++ {
			if tc := partials[i]; tc != nil && tc.ID != "" && tc.Name != "" {
				out = append(out, *tc)
			}
		}
		return out
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- StreamChunk{ToolCalls: flushCalls(), Usage: usage, Done: true}
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			chunks <- StreamChunk{Err: err, Done: true}
			return
		}
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			select {
			case chunks <- StreamChunk{Token: delta.Content}:
			case <-ctx.Done():
				chunks <- StreamChunk{Err: ctx.Err(), Done: true}
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if index > maxIndex {
				maxIndex = index
			}
			if partials[index] == nil {
				partials[index] = &ToolCall{}
			}
			if tc.ID != "" {
				partials[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				partials[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partials[index].Arguments += tc.Function.Arguments
			}
		}
	}
}

// Complete runs a one-shot plain-text completion on the utility model.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.utilityModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON runs a one-shot completion in JSON mode.
func (p *OpenAIProvider) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.utilityModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("json completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("json completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
