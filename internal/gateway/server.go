package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimonBear03/agent-blob/internal/agent"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/permission"
	"github.com/SimonBear03/agent-blob/internal/protocol"
	"github.com/SimonBear03/agent-blob/internal/queue"
	"github.com/SimonBear03/agent-blob/internal/state"
)

const (
	gatewayVersion = "0.2.0"

	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 15 * time.Second
)

// RunStatus tracks one run's lifecycle for the status method and the
// supervisor's stale-run reaping.
type runRecord struct {
	RunID     string
	SessionID string
	Status    string // enqueued, running, done, cancelled, failed
	UpdatedAt time.Time
}

// Server accepts websocket connections, performs the connect handshake, and
// routes framed requests to handlers.
type Server struct {
	Addr          string
	ModelName     string
	ContextWindow int

	logger   *slog.Logger
	conns    *ConnectionManager
	log      *eventlog.Log
	cache    *state.Cache
	runtime  *agent.Runtime
	queue    *queue.Manager
	bridge   *permission.Bridge
	upgrader websocket.Upgrader

	runsMu sync.Mutex
	runs   map[string]*runRecord

	httpSrv *http.Server
}

// NewServer wires the frontend. runtime drives runs; queue sequences them.
func NewServer(addr, modelName string, contextWindow int, log *eventlog.Log, cache *state.Cache, runtime *agent.Runtime, q *queue.Manager, bridge *permission.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:          addr,
		ModelName:     modelName,
		ContextWindow: contextWindow,
		logger:        logger,
		conns:         NewConnectionManager(logger),
		log:           log,
		cache:         cache,
		runtime:       runtime,
		queue:         q,
		bridge:        bridge,
		runs:          map[string]*runRecord{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connections exposes the connection manager (used by the supervisor).
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ListenAndServe blocks serving /ws until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpSrv = &http.Server{Addr: s.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"version":     gatewayVersion,
		"connections": s.conns.Stats(),
	})
}

// wsSession is one accepted socket: a read loop dispatching frames and a
// write loop draining the send channel. Events get a per-connection seq.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool
	seq       atomic.Int64
	closeOnce sync.Once
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ws := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	go ws.writeLoop()
	ws.readLoop()
	ws.close()
}

// ID implements Conn.
func (ws *wsSession) ID() string { return ws.id }

// SendFrame implements Conn. Event frames get the next seq value; the frame
// is marshalled here so slow clients only block on their own buffer.
func (ws *wsSession) SendFrame(frame *protocol.Frame) error {
	if frame.Type == "event" {
		seq := ws.seq.Add(1)
		frame.Seq = &seq
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case ws.send <- data:
		return nil
	case <-ws.ctx.Done():
		return fmt.Errorf("connection closed")
	}
}

func (ws *wsSession) close() {
	ws.closeOnce.Do(func() {
		ws.cancel()
		ws.server.conns.Remove(ws.id)
		ws.server.bridge.ResolveClientGone(ws.id)
		_ = ws.conn.Close()
	})
}

func (ws *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			return
		case data := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.close()
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.close()
				return
			}
		}
	}
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeRequest(data)
		if err != nil {
			// malformed frames are protocol errors: respond and close
			id := ""
			if frame != nil {
				id = frame.ID
			}
			_ = ws.SendFrame(protocol.NewErrorResponse(id, protocol.CodeProtocolError, err.Error()))
			return
		}

		if !ws.connected.Load() {
			if err := ws.handleConnect(frame); err != nil {
				_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeProtocolError, err.Error()))
				return
			}
			continue
		}
		ws.server.dispatch(ws, frame)
	}
}

// handleConnect validates the handshake frame, assigns a session, registers
// the client, and sends the connect response plus the initial session_changed
// and welcome events. Any returned error is fatal to the connection.
func (ws *wsSession) handleConnect(frame *protocol.Frame) error {
	if frame.Method != protocol.MethodConnect {
		return fmt.Errorf("first frame must be a connect request, got %q", frame.Method)
	}
	var params protocol.ConnectParams
	if err := protocol.ParseParams(frame.Params, &params); err != nil {
		return fmt.Errorf("invalid connect params: %v", err)
	}
	if err := protocol.ValidateConnect(&params); err != nil {
		return err
	}

	sessionID, welcome := ws.server.resolveSession(params.SessionPreference)

	historyLimit := 0
	if params.HistoryLimit != nil {
		historyLimit = *params.HistoryLimit
	}
	ws.server.conns.Add(ws, params.ClientType, sessionID, historyLimit)
	ws.connected.Store(true)

	methods := make([]string, 0, len(protocol.SupportedMethods))
	for _, m := range protocol.SupportedMethods {
		methods = append(methods, string(m))
	}
	if err := ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{
		"gatewayVersion":   gatewayVersion,
		"supportedMethods": methods,
	})); err != nil {
		return err
	}

	ws.server.sendSessionChanged(ws.id, sessionID, "")
	ws.server.conns.SendTo(ws.id, protocol.EventMessage, map[string]any{
		"id":      uuid.NewString(),
		"role":    "system",
		"content": welcome,
	})
	return nil
}

// resolveSession picks the session for a new connection. The preference is
// validated upstream: "new" starts fresh, anything else continues the most
// recent session when one exists.
func (s *Server) resolveSession(preference string) (string, string) {
	if preference == "new" {
		return uuid.NewString(), "✓ Started a new conversation."
	}
	latest, ok := s.latestSession()
	if !ok {
		return uuid.NewString(), "👋 Welcome! This is your first conversation."
	}
	return latest, "👋 Welcome back. Continuing your most recent conversation."
}

// latestSession returns the most recently modified session log.
func (s *Server) latestSession() (string, bool) {
	ids, err := s.log.ListSessions()
	if err != nil || len(ids) == 0 {
		return "", false
	}
	type entry struct {
		id       string
		modified string
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		meta, err := s.log.SessionMetadata(id)
		if err != nil {
			continue
		}
		entries = append(entries, entry{id: id, modified: meta.Modified})
	}
	if len(entries) == 0 {
		return "", false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modified > entries[j].modified })
	return entries[0].id, true
}

// sessionMessages loads the last limit message events from a session log.
func (s *Server) sessionMessages(sessionID string, limit int) ([]map[string]any, int) {
	var all []map[string]any
	_ = s.log.Replay(sessionID, func(ev eventlog.Event) bool {
		if ev.Type == eventlog.TypeMessage {
			all = append(all, map[string]any{
				"id":        ev.Data["id"],
				"role":      ev.Data["role"],
				"content":   ev.Data["content"],
				"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		return true
	})
	total := len(all)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, total
}

// sendSessionChanged emits the session_changed event to one connection,
// carrying metadata, recent messages and stats. note is an optional system
// line shown with the switch.
func (s *Server) sendSessionChanged(connID, sessionID, note string) {
	client := s.conns.Get(connID)
	limit := 20
	if client != nil {
		limit = client.HistoryLimit
	}
	messages, total := s.sessionMessages(sessionID, limit)

	tokensUsed := 0
	for _, m := range messages {
		if content, ok := m["content"].(string); ok {
			tokensUsed += len(content)
		}
	}
	tokensUsed /= 4

	var createdAt string
	if meta, err := s.log.SessionMetadata(sessionID); err == nil {
		createdAt = meta.CreatedAt
	}

	payload := map[string]any{
		"sessionId": sessionID,
		"createdAt": createdAt,
		"messages":  messages,
		"stats": map[string]any{
			"messageCount": total,
			"modelName":    s.ModelName,
			"tokensUsed":   tokensUsed,
			"tokensLimit":  s.ContextWindow,
		},
	}
	if note != "" {
		payload["message"] = note
	}
	s.conns.SendTo(connID, protocol.EventSessionChanged, payload)
}

// run tracking for status and the supervisor

func (s *Server) trackRun(runID, sessionID, status string) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if rec, ok := s.runs[runID]; ok {
		rec.Status = status
		rec.UpdatedAt = time.Now()
		return
	}
	s.runs[runID] = &runRecord{RunID: runID, SessionID: sessionID, Status: status, UpdatedAt: time.Now()}
}

func (s *Server) runStats() map[string]any {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	counts := map[string]int{}
	for _, rec := range s.runs {
		counts[rec.Status]++
	}
	return map[string]any{
		"total":    len(s.runs),
		"byStatus": counts,
	}
}

// reapStaleRuns marks running runs whose last update is older than window as
// done, and drops terminal records older than retention. Returns the number
// reaped.
func (s *Server) reapStaleRuns(window, retention time.Duration) int {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	now := time.Now()
	reaped := 0
	for id, rec := range s.runs {
		switch rec.Status {
		case "running", "enqueued":
			if now.Sub(rec.UpdatedAt) > window {
				rec.Status = "done"
				rec.UpdatedAt = now
				reaped++
				s.logger.Warn("reaped stale run", "run_id", rec.RunID, "session_id", rec.SessionID)
			}
		default:
			if now.Sub(rec.UpdatedAt) > retention {
				delete(s.runs, id)
			}
		}
	}
	return reaped
}
