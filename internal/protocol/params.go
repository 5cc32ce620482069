package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectParams is the first frame every client must send.
type ConnectParams struct {
	Version           string `json:"version"`
	ClientType        string `json:"clientType"`
	SessionPreference string `json:"sessionPreference,omitempty"`
	HistoryLimit      *int   `json:"historyLimit,omitempty"`
}

// AgentParams carries a user message. The gateway tracks which session the
// client is viewing, so no session id travels here.
type AgentParams struct {
	Message string `json:"message"`
}

// AgentCancelParams identifies the run to cancel.
type AgentCancelParams struct {
	RunID string `json:"runId"`
}

// SessionsListParams paginates the session list.
type SessionsListParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// SessionsSwitchParams targets an existing session.
type SessionsSwitchParams struct {
	SessionID string `json:"sessionId"`
}

// SessionsHistoryParams pages through a session transcript.
type SessionsHistoryParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// StatusParams optionally targets a session other than the current one.
type StatusParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// PermissionRespondParams resolves a pending permission request.
type PermissionRespondParams struct {
	RequestID  string `json:"requestId"`
	Decision   string `json:"decision"`
	Remember   bool   `json:"remember,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// ParseParams decodes request params into dst, tolerating absent params.
func ParseParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// ValidateConnect checks the handshake params. Violations are protocol errors.
func ValidateConnect(p *ConnectParams) error {
	if p.Version != Version {
		return fmt.Errorf("unsupported protocol version %q, supported: %s", p.Version, Version)
	}
	if strings.TrimSpace(p.ClientType) == "" {
		return fmt.Errorf("clientType is required")
	}
	switch p.SessionPreference {
	case "", "auto", "new", "continue":
	default:
		return fmt.Errorf("invalid sessionPreference %q", p.SessionPreference)
	}
	return nil
}

// ValidateAgent rejects empty messages before a run is created.
func ValidateAgent(p *AgentParams) error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("message must not be empty")
	}
	return nil
}

// ValidatePermissionRespond checks decision values.
func ValidatePermissionRespond(p *PermissionRespondParams) error {
	if p.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	switch p.Decision {
	case "allow", "deny":
		return nil
	default:
		return fmt.Errorf("invalid decision %q, want allow or deny", p.Decision)
	}
}
