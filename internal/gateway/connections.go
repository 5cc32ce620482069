// Package gateway is the client-facing surface: the websocket server, the
// per-session connection manager with fan-out, slash commands, and the
// background supervisor.
package gateway

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/SimonBear03/agent-blob/internal/protocol"
)

// Conn is the transport a client record wraps. The websocket session
// implements it; tests substitute an in-memory recorder.
type Conn interface {
	// SendFrame delivers one frame to the client. Seq assignment happens
	// inside the implementation, per connection.
	SendFrame(frame *protocol.Frame) error
	// ID is stable for the connection's lifetime.
	ID() string
}

// Client is one attached socket. Owned exclusively by the ConnectionManager;
// the connection is the unique key.
type Client struct {
	Conn         Conn
	ClientType   string
	SessionID    string
	HistoryLimit int

	// pagination state for the /sessions command
	sessionsPage  int
	sessionsQuery string
	lastListing   []string // session ids shown by the last /sessions, for bare-number switching
}

var defaultHistoryLimits = map[string]int{
	"tui":      20,
	"cli":      20,
	"web":      20,
	"telegram": 4,
}

var clientIcons = map[string]string{
	"web":      "🖥️",
	"cli":      "📱",
	"tui":      "📟",
	"telegram": "💬",
}

// HistoryLimitFor resolves the default history window for a client type.
func HistoryLimitFor(clientType string) int {
	if n, ok := defaultHistoryLimits[clientType]; ok {
		return n
	}
	return 20
}

// ConnectionManager tracks which clients watch which session and fans events
// out with per-client view rewriting.
type ConnectionManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]*Client
	byConn   map[string]*Client // keyed by Conn.ID()
}

func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		logger:   logger,
		sessions: map[string][]*Client{},
		byConn:   map[string]*Client{},
	}
}

// Add registers a new client on a session.
func (cm *ConnectionManager) Add(conn Conn, clientType, sessionID string, historyLimit int) *Client {
	if historyLimit <= 0 {
		historyLimit = HistoryLimitFor(clientType)
	}
	client := &Client{
		Conn:         conn,
		ClientType:   clientType,
		SessionID:    sessionID,
		HistoryLimit: historyLimit,
		sessionsPage: 1,
	}
	cm.mu.Lock()
	cm.sessions[sessionID] = append(cm.sessions[sessionID], client)
	cm.byConn[conn.ID()] = client
	cm.mu.Unlock()
	cm.logger.Info("client connected", "client_type", clientType, "session_id", sessionID)
	return client
}

// Remove drops a client. Safe to call for unknown connections.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	client, ok := cm.byConn[connID]
	if ok {
		delete(cm.byConn, connID)
		cm.detachLocked(client)
	}
	cm.mu.Unlock()
	if ok {
		cm.logger.Info("client disconnected", "client_type", client.ClientType, "session_id", client.SessionID)
	}
}

// detachLocked removes client from its session list. Caller holds cm.mu.
func (cm *ConnectionManager) detachLocked(client *Client) {
	list := cm.sessions[client.SessionID]
	for i, c := range list {
		if c == client {
			cm.sessions[client.SessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(cm.sessions[client.SessionID]) == 0 {
		delete(cm.sessions, client.SessionID)
	}
}

// Get returns the client record for a connection id, or nil.
func (cm *ConnectionManager) Get(connID string) *Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.byConn[connID]
}

// SessionOf returns the session a connection is attached to.
func (cm *ConnectionManager) SessionOf(connID string) (string, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.byConn[connID]; ok {
		return c.SessionID, true
	}
	return "", false
}

// Switch moves a client to another session. Subsequent broadcasts use the
// new target; the move is atomic from the client's point of view.
func (cm *ConnectionManager) Switch(connID, newSessionID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	client, ok := cm.byConn[connID]
	if !ok {
		return false
	}
	cm.detachLocked(client)
	client.SessionID = newSessionID
	cm.sessions[newSessionID] = append(cm.sessions[newSessionID], client)
	return true
}

// SessionsState reads the client's /sessions pagination state.
func (cm *ConnectionManager) SessionsState(connID string) (page int, query string, listing []string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.byConn[connID]; ok {
		return c.sessionsPage, c.sessionsQuery, c.lastListing
	}
	return 1, "", nil
}

// SetSessionsState stores the client's /sessions pagination state.
func (cm *ConnectionManager) SetSessionsState(connID string, page int, query string, listing []string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.byConn[connID]; ok {
		c.sessionsPage = page
		c.sessionsQuery = query
		c.lastListing = listing
	}
}

// Broadcast fans an event out to every client attached to sessionID,
// rewriting user message payloads per client type. senderConnID identifies
// the originating connection ("" for server-originated events). A send
// failure removes that client and never affects the others.
func (cm *ConnectionManager) Broadcast(sessionID string, event protocol.EventType, payload map[string]any, senderConnID string) {
	cm.mu.Lock()
	clients := make([]*Client, len(cm.sessions[sessionID]))
	copy(clients, cm.sessions[sessionID])
	var senderType string
	if sender, ok := cm.byConn[senderConnID]; ok {
		senderType = sender.ClientType
	}
	cm.mu.Unlock()

	var failed []string
	for _, client := range clients {
		view := rewriteForClient(event, payload, client, senderConnID, senderType)
		if err := client.Conn.SendFrame(protocol.NewEvent(event, view)); err != nil {
			cm.logger.Warn("send to client failed, removing", "client_type", client.ClientType, "error", err)
			failed = append(failed, client.Conn.ID())
		}
	}
	for _, id := range failed {
		cm.Remove(id)
	}
}

// BroadcastAll sends a server-originated event to every attached client,
// regardless of session. Used by the supervisor.
func (cm *ConnectionManager) BroadcastAll(event protocol.EventType, payload map[string]any) {
	cm.mu.Lock()
	sessionIDs := make([]string, 0, len(cm.sessions))
	for sid := range cm.sessions {
		sessionIDs = append(sessionIDs, sid)
	}
	cm.mu.Unlock()
	for _, sid := range sessionIDs {
		cm.Broadcast(sid, event, payload, "")
	}
}

// SendTo delivers an event to one connection only.
func (cm *ConnectionManager) SendTo(connID string, event protocol.EventType, payload map[string]any) {
	cm.mu.Lock()
	client, ok := cm.byConn[connID]
	cm.mu.Unlock()
	if !ok {
		return
	}
	if err := client.Conn.SendFrame(protocol.NewEvent(event, payload)); err != nil {
		cm.logger.Warn("send to client failed, removing", "client_type", client.ClientType, "error", err)
		cm.Remove(connID)
	}
}

// rewriteForClient applies the per-client view transformation: user messages
// gain a fromSelf flag, except telegram clients which get the sender prefix
// spliced into the content instead. All other events pass through unchanged.
func rewriteForClient(event protocol.EventType, payload map[string]any, client *Client, senderConnID, senderType string) map[string]any {
	if event != protocol.EventMessage {
		return payload
	}
	role, _ := payload["role"].(string)
	if role != "user" {
		return payload
	}

	view := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		view[k] = v
	}
	isSender := senderConnID != "" && client.Conn.ID() == senderConnID

	if client.ClientType == "telegram" {
		if !isSender && senderType != "" {
			icon, ok := clientIcons[senderType]
			if !ok {
				icon = "📨"
			}
			content, _ := payload["content"].(string)
			view["content"] = icon + " [From " + titleCase(senderType) + "] " + content
		}
		return view
	}
	view["fromSelf"] = isSender
	return view
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Stats summarizes the connection table for the status method.
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	details := make(map[string]any, len(cm.sessions))
	for sid, clients := range cm.sessions {
		details[sid] = len(clients)
	}
	return map[string]any{
		"totalConnections": len(cm.byConn),
		"activeSessions":   len(cm.sessions),
		"sessionDetails":   details,
	}
}
