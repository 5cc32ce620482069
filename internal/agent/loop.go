// Package agent implements the streaming tool-calling run loop: prompt
// assembly from session state and memory, model streaming, policy-gated tool
// execution, and transcript persistence.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/compaction"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/permission"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/protocol"
	"github.com/SimonBear03/agent-blob/internal/state"
	"github.com/SimonBear03/agent-blob/internal/tools"
)

// EventSink receives run events for broadcast to the session's clients.
type EventSink interface {
	Emit(event protocol.EventType, payload map[string]any)
}

// RunInput describes one enqueued agent request.
type RunInput struct {
	RunID     string
	SessionID string
	ConnID    string // originating connection; answers permission asks
	Message   string
	Sink      EventSink
}

// Config tunes the run loop.
type Config struct {
	SystemPrompt  string
	ContextWindow int
	MaxRounds     int // model round cap per run
	MemoryTopK    int
	PromptTurns   int // verbatim turns included in the prompt
	PolicyPath    string
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful personal assistant with durable memory and tools."
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 128000
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 5
	}
	if c.PromptTurns <= 0 {
		c.PromptTurns = 20
	}
	return c
}

// Runtime executes runs. One Runtime serves every session; per-session
// sequencing is the queue's job.
type Runtime struct {
	cfg       Config
	provider  LLMProvider
	registry  *tools.Registry
	policy    *policy.Policy
	bridge    *permission.Bridge
	log       *eventlog.Log
	cache     *state.Cache
	search    *memory.Search
	extractor *memory.Extractor
	memStore  *memory.Storage
	compactor *compaction.Compactor
	logger    *slog.Logger
}

// NewRuntime wires the run loop. search, extractor, memStore and compactor
// may be nil; the corresponding steps become no-ops.
func NewRuntime(cfg Config, provider LLMProvider, registry *tools.Registry, pol *policy.Policy, bridge *permission.Bridge, log *eventlog.Log, cache *state.Cache, search *memory.Search, extractor *memory.Extractor, memStore *memory.Storage, compactor *compaction.Compactor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		registry:  registry,
		policy:    pol,
		bridge:    bridge,
		log:       log,
		cache:     cache,
		search:    search,
		extractor: extractor,
		memStore:  memStore,
		compactor: compactor,
		logger:    logger,
	}
}

// Run executes one request end to end. All failures are reported through the
// sink and the event log; Run never panics the worker.
func (r *Runtime) Run(ctx context.Context, in RunInput) {
	logger := r.logger.With("run_id", in.RunID, "session_id", in.SessionID)

	userMsgID := uuid.NewString()
	if err := r.log.Append(in.SessionID, eventlog.NewMessageEvent(userMsgID, "user", in.Message, nil, "", "")); err != nil {
		r.failRun(in, fmt.Errorf("append user message: %w", err))
		return
	}
	in.Sink.Emit(protocol.EventMessage, map[string]any{
		"id":      userMsgID,
		"role":    "user",
		"content": in.Message,
	})

	r.emitStatus(in, protocol.StatusRetrievingMemory)
	st, err := r.cache.GetOrCreate(in.SessionID)
	if err != nil {
		r.failRun(in, fmt.Errorf("load session state: %w", err))
		return
	}
	var memories []*memory.Memory
	if r.search != nil {
		memories, err = r.search.Search(ctx, in.Message, r.cfg.MemoryTopK)
		if err != nil {
			logger.Warn("memory retrieval failed, continuing without", "error", err)
			memories = nil
		}
	}

	if r.compactor != nil && r.compactor.ShouldCompact(st, r.cfg.ContextWindow) {
		r.emitStatus(in, protocol.StatusCompacting)
		st, err = r.compactor.Compact(ctx, st)
		if err != nil {
			r.failRun(in, fmt.Errorf("compaction: %w", err))
			return
		}
		r.emitStatus(in, protocol.StatusReady)
	}

	transcript := r.assemblePrompt(st, memories, in.Message)

	var (
		text        strings.Builder
		usage       Usage
		turnCalls   []map[string]any
		turnResults []map[string]any
	)

	r.emitStatus(in, protocol.StatusThinking)
	for round := 1; ; round++ {
		calls, cancelled, err := r.streamRound(ctx, in, transcript, &text, &usage)
		if cancelled {
			r.finishCancelled(in, text.String())
			return
		}
		if err != nil {
			r.failRun(in, err)
			return
		}
		if len(calls) == 0 {
			break
		}
		if round >= r.cfg.MaxRounds {
			logger.Warn("tool round cap reached, finalizing with partial answer", "rounds", round)
			in.Sink.Emit(protocol.EventRunLog, map[string]any{
				"run_id":  in.RunID,
				"level":   "warning",
				"message": fmt.Sprintf("tool round cap (%d) reached", r.cfg.MaxRounds),
			})
			break
		}

		r.emitStatus(in, protocol.StatusExecutingTools)
		transcript = append(transcript, ChatMessage{Role: "assistant", Content: text.String(), ToolCalls: calls})

		for _, call := range calls {
			result, ok := r.executeToolCall(ctx, in, call)
			if ctx.Err() != nil {
				r.finishCancelled(in, text.String())
				return
			}
			turnCalls = append(turnCalls, map[string]any{
				"id": call.ID, "name": call.Name, "arguments": call.Arguments,
			})
			turnResults = append(turnResults, map[string]any{
				"tool_call_id": call.ID, "result": result, "ok": ok,
			})
			resultJSON, merr := json.Marshal(result)
			if merr != nil {
				resultJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(result)))
			}
			transcript = append(transcript, ChatMessage{
				Role:       "tool",
				Content:    string(resultJSON),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	r.finalize(in, st, userMsgID, text.String(), usage, turnCalls, turnResults)
}

// streamRound runs one model round, emitting token events as deltas arrive.
// It returns the completed tool calls (if any) and whether the run was
// cancelled mid-stream.
func (r *Runtime) streamRound(ctx context.Context, in RunInput, transcript []ChatMessage, text *strings.Builder, usage *Usage) ([]ToolCall, bool, error) {
	chunks, err := r.provider.StreamChat(ctx, transcript, r.registry.Manifest())
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("model stream: %w", err)
	}

	first := true
	var calls []ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("model stream: %w", chunk.Err)
		}
		if first && (chunk.Token != "" || chunk.Done) {
			r.emitStatus(in, protocol.StatusStreaming)
			first = false
		}
		if chunk.Token != "" {
			text.WriteString(chunk.Token)
			in.Sink.Emit(protocol.EventToken, map[string]any{
				"run_id": in.RunID,
				"text":   chunk.Token,
			})
		}
		if chunk.Usage != nil {
			usage.PromptTokens += chunk.Usage.PromptTokens
			usage.CompletionTokens += chunk.Usage.CompletionTokens
			usage.TotalTokens += chunk.Usage.TotalTokens
		}
		if chunk.Done {
			calls = chunk.ToolCalls
		}
	}
	if ctx.Err() != nil {
		return nil, true, nil
	}
	return calls, false, nil
}

// executeToolCall runs one tool call through validation, policy, permission,
// and execution. Every outcome produces a tool_result; failures are folded
// into the result rather than surfaced as run errors.
func (r *Runtime) executeToolCall(ctx context.Context, in RunInput, call ToolCall) (any, bool) {
	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			args = map[string]any{}
		}
	}

	r.emitToolCall(in, call, args)

	def, err := r.registry.Get(call.Name)
	if err != nil {
		return r.emitToolResult(in, call, map[string]any{
			"ok": false, "error": protocol.CodeUnknownTool, "detail": err.Error(),
		})
	}
	if err := def.Validate(args); err != nil {
		code := protocol.CodeToolError
		var argsErr *tools.ArgsError
		if errors.As(err, &argsErr) && argsErr.Code == "missing_args" {
			code = protocol.CodeMissingArgs
		}
		return r.emitToolResult(in, call, map[string]any{
			"ok": false, "error": code, "detail": err.Error(),
		})
	}

	capability := def.EffectiveCapability(args)
	decision := r.policy.Check(capability)
	switch decision.Action {
	case policy.Deny:
		return r.emitToolResult(in, call, map[string]any{
			"ok": false, "error": protocol.CodePermissionDenied,
			"detail": fmt.Sprintf("denied by policy (%s)", decision.Matched),
		})
	case policy.Ask:
		r.emitStatus(in, protocol.StatusWaitingPermission)
		req := permission.NewRequest(in.RunID, in.SessionID, capability,
			tools.PreviewFor(def, args),
			fmt.Sprintf("model requested %s", call.Name))
		in.Sink.Emit(protocol.EventPermissionRequest, map[string]any{
			"request_id": req.ID,
			"run_id":     req.RunID,
			"capability": req.Capability,
			"preview":    req.Preview,
			"reason":     req.Reason,
		})
		d := r.bridge.Ask(ctx, req, in.ConnID)
		if d.Remember && d.Reason == "user" {
			action := policy.Deny
			if d.Allow {
				action = policy.Allow
			}
			if err := policy.PersistDecision(r.cfg.PolicyPath, capability, action); err != nil {
				r.logger.Warn("persisting permission decision failed", "capability", capability, "error", err)
			}
		}
		if !d.Allow {
			code := protocol.CodePermissionDenied
			switch d.Reason {
			case "timeout":
				code = protocol.CodeTimeout
			case "cancelled":
				code = protocol.CodeCancelled
			}
			return r.emitToolResult(in, call, map[string]any{
				"ok": false, "error": code, "reason": d.Reason,
			})
		}
	}

	if ctx.Err() != nil {
		return r.emitToolResult(in, call, map[string]any{
			"ok": false, "error": protocol.CodeCancelled, "reason": "cancelled",
		})
	}
	out, err := def.Executor(ctx, args)
	if err != nil {
		code := protocol.CodeToolError
		if ctx.Err() != nil {
			code = protocol.CodeCancelled
		}
		return r.emitToolResult(in, call, map[string]any{
			"ok": false, "error": code, "detail": err.Error(),
		})
	}
	return r.emitToolResult(in, call, out)
}

func (r *Runtime) emitToolCall(in RunInput, call ToolCall, args map[string]any) {
	if err := r.log.Append(in.SessionID, eventlog.NewToolCallEvent(call.ID, call.Name, args)); err != nil {
		r.logger.Warn("logging tool call failed", "run_id", in.RunID, "error", err)
	}
	in.Sink.Emit(protocol.EventToolCall, map[string]any{
		"run_id":       in.RunID,
		"tool_call_id": call.ID,
		"name":         call.Name,
		"arguments":    args,
	})
}

func (r *Runtime) emitToolResult(in RunInput, call ToolCall, result any) (any, bool) {
	ok := true
	if m, isMap := result.(map[string]any); isMap {
		if v, has := m["ok"].(bool); has {
			ok = v
		}
	}
	resultID := uuid.NewString()
	if err := r.log.Append(in.SessionID, eventlog.NewToolResultEvent(resultID, call.ID, result, ok)); err != nil {
		r.logger.Warn("logging tool result failed", "run_id", in.RunID, "error", err)
	}
	in.Sink.Emit(protocol.EventToolResult, map[string]any{
		"run_id":       in.RunID,
		"tool_call_id": call.ID,
		"result":       result,
		"ok":           ok,
	})
	return result, ok
}

// finalize commits the turn and closes out the run.
func (r *Runtime) finalize(in RunInput, st *state.SessionState, userMsgID, answer string, usage Usage, turnCalls, turnResults []map[string]any) {
	assistantMsgID := uuid.NewString()
	if err := r.log.Append(in.SessionID, eventlog.NewMessageEvent(assistantMsgID, "assistant", answer, turnCalls, "", "")); err != nil {
		r.failRun(in, fmt.Errorf("append assistant message: %w", err))
		return
	}
	in.Sink.Emit(protocol.EventMessage, map[string]any{
		"id":      assistantMsgID,
		"role":    "assistant",
		"content": answer,
	})

	turn := state.MessageTurn{
		UserMessage:        in.Message,
		AssistantMessage:   answer,
		Timestamp:          state.Now(),
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsgID,
		ToolCalls:          turnCalls,
		ToolResults:        turnResults,
	}
	st.AppendTurn(turn)
	st.TokenCount = state.EstimateStateTokens(st.RollingSummary, st.RecentTurns)
	if err := r.cache.Save(st); err != nil {
		r.failRun(in, fmt.Errorf("save session state: %w", err))
		return
	}

	if r.extractor != nil && r.memStore != nil {
		go r.extractTurn(in.SessionID, turn)
	}

	in.Sink.Emit(protocol.EventFinal, map[string]any{
		"run_id":     in.RunID,
		"message_id": assistantMsgID,
		"content":    answer,
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

// extractTurn is the detached post-run memory extraction. It never blocks
// the run that spawned it.
func (r *Runtime) extractTurn(sessionID string, turn state.MessageTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	mems := r.extractor.ExtractFromTurn(ctx, turn.UserMessage, turn.AssistantMessage,
		sessionID, turn.UserMessageID, turn.AssistantMessageID)
	for _, m := range mems {
		if err := r.memStore.SaveMemory(ctx, m); err != nil {
			r.logger.Warn("saving extracted memory failed", "memory_id", m.ID, "error", err)
		}
	}
}

// finishCancelled preserves any partial output in the log and emits the
// single cancelled event. Nothing else is emitted afterwards.
func (r *Runtime) finishCancelled(in RunInput, partial string) {
	if partial != "" {
		ev := eventlog.NewMessageEvent(uuid.NewString(), "assistant", partial, nil, "", "")
		if err := r.log.Append(in.SessionID, ev); err != nil {
			r.logger.Warn("logging partial output failed", "run_id", in.RunID, "error", err)
		}
	}
	in.Sink.Emit(protocol.EventCancelled, map[string]any{"run_id": in.RunID})
}

func (r *Runtime) failRun(in RunInput, err error) {
	r.logger.Error("run failed", "run_id", in.RunID, "session_id", in.SessionID, "error", err)
	if logErr := r.log.Append(in.SessionID, eventlog.NewRunErrorEvent(in.RunID, err.Error())); logErr != nil {
		r.logger.Error("logging run error failed", "run_id", in.RunID, "error", logErr)
	}
	in.Sink.Emit(protocol.EventError, map[string]any{
		"run_id":  in.RunID,
		"code":    protocol.CodeRunError,
		"message": err.Error(),
	})
}

func (r *Runtime) emitStatus(in RunInput, status protocol.RunStatus) {
	in.Sink.Emit(protocol.EventStatus, map[string]any{
		"run_id": in.RunID,
		"status": string(status),
	})
}

// assemblePrompt builds the model transcript: system prompt, rolling-summary
// block, memory block, the most recent verbatim turns, then the new message.
func (r *Runtime) assemblePrompt(st *state.SessionState, memories []*memory.Memory, userMessage string) []ChatMessage {
	transcript := []ChatMessage{{Role: "system", Content: r.cfg.SystemPrompt}}

	if !st.RollingSummary.IsEmpty() {
		transcript = append(transcript, ChatMessage{
			Role:    "system",
			Content: "Conversation summary so far:\n" + st.RollingSummary.Text(),
		})
	}
	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString("Relevant long-term memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s", m.Type, m.Content)
			if m.Context != "" {
				fmt.Fprintf(&b, " (%s)", m.Context)
			}
			b.WriteString("\n")
		}
		transcript = append(transcript, ChatMessage{Role: "system", Content: b.String()})
	}

	turns := st.RecentTurns
	if len(turns) > r.cfg.PromptTurns {
		turns = turns[len(turns)-r.cfg.PromptTurns:]
	}
	for _, t := range turns {
		transcript = append(transcript,
			ChatMessage{Role: "user", Content: t.UserMessage},
			ChatMessage{Role: "assistant", Content: t.AssistantMessage},
		)
	}
	return append(transcript, ChatMessage{Role: "user", Content: userMessage})
}
