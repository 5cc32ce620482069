// Package eventlog implements the per-session append-only JSONL event log.
// The log is the authoritative record for a session; everything else
// (state cache, memory) is derived from it.
package eventlog

import (
	"encoding/json"
	"time"
)

// Event kinds written to the log.
const (
	TypeSessionInit = "session_init"
	TypeMessage     = "message"
	TypeToolCall    = "tool_call"
	TypeToolResult  = "tool_result"
	TypeCompaction  = "compaction"
	TypeRunError    = "run_error"
)

// Event is one line of the session log: a tagged record with a flat payload.
// On disk the payload keys sit beside type and timestamp in a single JSON
// object, which keeps the log greppable.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

// MarshalJSON flattens Data into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["type"] = e.Type
	obj["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(obj)
}

// UnmarshalJSON splits type and timestamp back out of the flat object.
func (e *Event) UnmarshalJSON(data []byte) error {
	obj := map[string]any{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if t, ok := obj["type"].(string); ok {
		e.Type = t
	}
	if ts, ok := obj["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(obj, "type")
	delete(obj, "timestamp")
	e.Data = obj
	return nil
}

func newEvent(typ string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: typ, Timestamp: time.Now().UTC(), Data: data}
}

// NewSessionInitEvent is the header line written on first append.
func NewSessionInitEvent(sessionID string) Event {
	return newEvent(TypeSessionInit, map[string]any{"id": sessionID, "version": 1})
}

// NewMessageEvent records a transcript message. toolCalls, toolCallID and name
// are optional and only set for the roles that carry them.
func NewMessageEvent(messageID, role, content string, toolCalls []map[string]any, toolCallID, name string) Event {
	data := map[string]any{"id": messageID, "role": role, "content": content}
	if len(toolCalls) > 0 {
		data["tool_calls"] = toolCalls
	}
	if toolCallID != "" {
		data["tool_call_id"] = toolCallID
	}
	if name != "" {
		data["name"] = name
	}
	return newEvent(TypeMessage, data)
}

// NewToolCallEvent records the model requesting a tool execution.
func NewToolCallEvent(toolCallID, name string, arguments map[string]any) Event {
	return newEvent(TypeToolCall, map[string]any{
		"id":        toolCallID,
		"name":      name,
		"arguments": arguments,
	})
}

// NewToolResultEvent records the outcome of a tool execution.
func NewToolResultEvent(resultID, toolCallID string, result any, ok bool) Event {
	return newEvent(TypeToolResult, map[string]any{
		"id":           resultID,
		"tool_call_id": toolCallID,
		"result":       result,
		"ok":           ok,
	})
}

// NewCompactionEvent records a compaction with the refreshed summary.
func NewCompactionEvent(summary map[string]any, factsExtracted int) Event {
	return newEvent(TypeCompaction, map[string]any{
		"summary":         summary,
		"facts_extracted": factsExtracted,
	})
}

// NewRunErrorEvent records an agent loop failure.
func NewRunErrorEvent(runID, message string) Event {
	return newEvent(TypeRunError, map[string]any{"run_id": runID, "error": message})
}
