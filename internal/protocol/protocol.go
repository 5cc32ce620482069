// Package protocol defines the JSON frame codec spoken between the gateway and
// its clients. Three frame kinds travel over a single duplex connection:
// requests (client -> gateway), responses (gateway -> client, one per request),
// and events (gateway -> client, server initiated).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the supported protocol version. Clients must send it in the
// connect handshake; anything else is a protocol error.
const Version = "1"

// Method identifies a request method.
type Method string

const (
	MethodConnect           Method = "connect"
	MethodAgent             Method = "agent"
	MethodAgentCancel       Method = "agent.cancel"
	MethodSessionsList      Method = "sessions.list"
	MethodSessionsNew       Method = "sessions.new"
	MethodSessionsSwitch    Method = "sessions.switch"
	MethodSessionsHistory   Method = "sessions.history"
	MethodStatus            Method = "status"
	MethodPermissionRespond Method = "permission.respond"
)

// SupportedMethods lists every method the gateway dispatches, in the order
// advertised in the connect response.
var SupportedMethods = []Method{
	MethodAgent,
	MethodAgentCancel,
	MethodSessionsList,
	MethodSessionsNew,
	MethodSessionsSwitch,
	MethodSessionsHistory,
	MethodStatus,
	MethodPermissionRespond,
}

// EventType identifies a server-initiated event kind.
type EventType string

const (
	EventSessionChanged    EventType = "session_changed"
	EventMessage           EventType = "message"
	EventQueued            EventType = "queued"
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventStatus            EventType = "status"
	EventFinal             EventType = "final"
	EventCancelled         EventType = "cancelled"
	EventError             EventType = "error"
	EventPermissionRequest EventType = "permission.request"
	EventRunLog            EventType = "run.log"
)

// RunStatus values carried by status events.
type RunStatus string

const (
	StatusRetrievingMemory  RunStatus = "retrieving_memory"
	StatusCompacting        RunStatus = "compacting"
	StatusReady             RunStatus = "ready"
	StatusThinking          RunStatus = "thinking"
	StatusStreaming         RunStatus = "streaming"
	StatusExecutingTools    RunStatus = "executing_tools"
	StatusWaitingPermission RunStatus = "waiting_permission"
	StatusDone              RunStatus = "done"
)

// Error codes surfaced to clients. ProtocolError is always fatal to the
// connection; the rest leave it open.
const (
	CodeProtocolError    = "protocol_error"
	CodeUnknownMethod    = "unknown_method"
	CodeInvalidParams    = "invalid_params"
	CodeSessionNotFound  = "session_not_found"
	CodeRunError         = "run_error"
	CodeToolError        = "tool_error"
	CodePermissionDenied = "permission_denied"
	CodeCancelled        = "cancelled"
	CodeTimeout          = "timeout"
	CodeUnknownTool      = "unknown_tool"
	CodeMissingArgs      = "missing_args"
)

// Frame is the wire representation shared by all three frame kinds,
// discriminated by Type ("req", "res", "event").
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  Method          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   EventType       `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Error is the structured error attached to failing responses and error events.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrMalformedFrame reports an inbound frame that is not a valid request.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeRequest parses raw bytes into a request frame, enforcing the required
// fields. The caller handles protocol_error semantics (close the connection).
func DecodeRequest(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type != "req" {
		return nil, fmt.Errorf("%w: frame type %q, want \"req\"", ErrMalformedFrame, f.Type)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("%w: missing request id", ErrMalformedFrame)
	}
	if f.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedFrame)
	}
	return &f, nil
}

// NewResponse builds a success response for a request id.
func NewResponse(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: "res", ID: id, OK: &ok, Payload: payload}
}

// NewErrorResponse builds a failing response for a request id.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{Type: "res", ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an event frame. Seq is assigned per connection at send time.
func NewEvent(event EventType, payload any) *Frame {
	return &Frame{Type: "event", Event: event, Payload: payload}
}
