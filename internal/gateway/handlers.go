package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/agent"
	"github.com/SimonBear03/agent-blob/internal/protocol"
	"github.com/SimonBear03/agent-blob/internal/queue"
)

// runSink fans a run's events out to the session the run was enqueued on and
// keeps the run record current.
type runSink struct {
	server       *Server
	runID        string
	sessionID    string
	senderConnID string
}

func (rs *runSink) Emit(event protocol.EventType, payload map[string]any) {
	switch event {
	case protocol.EventFinal:
		rs.server.trackRun(rs.runID, rs.sessionID, "done")
	case protocol.EventCancelled:
		rs.server.trackRun(rs.runID, rs.sessionID, "cancelled")
	case protocol.EventError:
		rs.server.trackRun(rs.runID, rs.sessionID, "failed")
	default:
		rs.server.trackRun(rs.runID, rs.sessionID, "running")
	}
	rs.server.conns.Broadcast(rs.sessionID, event, payload, rs.senderConnID)
}

// dispatch routes one request frame. Handler panics become failing responses
// with the same id; the connection stays open.
func (s *Server) dispatch(ws *wsSession, frame *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", frame.Method, "panic", r)
			_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeRunError, fmt.Sprint(r)))
		}
	}()

	sessionID, ok := s.conns.SessionOf(ws.id)
	if !ok {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeProtocolError, "connection not registered"))
		return
	}

	switch frame.Method {
	case protocol.MethodAgent:
		s.handleAgent(ws, frame, sessionID)
	case protocol.MethodAgentCancel:
		s.handleAgentCancel(ws, frame)
	case protocol.MethodSessionsList:
		s.handleSessionsList(ws, frame)
	case protocol.MethodSessionsNew:
		s.handleSessionsNew(ws, frame)
	case protocol.MethodSessionsSwitch:
		s.handleSessionsSwitch(ws, frame)
	case protocol.MethodSessionsHistory:
		s.handleSessionsHistory(ws, frame, sessionID)
	case protocol.MethodStatus:
		s.handleStatus(ws, frame, sessionID)
	case protocol.MethodPermissionRespond:
		s.handlePermissionRespond(ws, frame)
	case protocol.MethodConnect:
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeProtocolError, "already connected"))
	default:
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeUnknownMethod, fmt.Sprintf("unknown method %q", frame.Method)))
	}
}

func (s *Server) handleAgent(ws *wsSession, frame *protocol.Frame, sessionID string) {
	var params protocol.AgentParams
	if err := protocol.ParseParams(frame.Params, &params); err != nil {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, err.Error()))
		return
	}
	if err := protocol.ValidateAgent(&params); err != nil {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, err.Error()))
		return
	}
	message := strings.TrimSpace(params.Message)

	// slash commands never reach the agent loop
	if strings.HasPrefix(message, "/") {
		s.handleCommand(ws, sessionID, message)
		_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"handled": "command"}))
		return
	}
	// a bare number right after /sessions switches to that entry
	if sid, ok := s.resolveListingNumber(ws.id, message); ok {
		s.switchClient(ws, sid)
		_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"handled": "switch", "sessionId": sid}))
		return
	}

	runID := "run_" + uuid.NewString()
	sink := &runSink{server: s, runID: runID, sessionID: sessionID, senderConnID: ws.id}
	s.trackRun(runID, sessionID, "enqueued")

	// The run must not emit before the response frame is queued on the
	// sender's socket; resSent gates the worker.
	resSent := make(chan struct{})
	position := s.queue.Enqueue(queue.Run{
		ID:        runID,
		SessionID: sessionID,
		Execute: func(ctx context.Context) {
			<-resSent
			s.trackRun(runID, sessionID, "running")
			s.runtime.Run(ctx, agent.RunInput{
				RunID:     runID,
				SessionID: sessionID,
				ConnID:    ws.id,
				Message:   message,
				Sink:      sink,
			})
		},
	})

	status := "accepted"
	if position > 1 {
		status = "queued"
	}
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{
		"runId":    runID,
		"status":   status,
		"position": position,
	}))
	close(resSent)
	if position > 1 {
		s.conns.Broadcast(sessionID, protocol.EventQueued, map[string]any{
			"runId":    runID,
			"position": position,
		}, ws.id)
	}
}

func (s *Server) handleAgentCancel(ws *wsSession, frame *protocol.Frame) {
	var params protocol.AgentCancelParams
	if err := protocol.ParseParams(frame.Params, &params); err != nil || params.RunID == "" {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, "runId is required"))
		return
	}
	cancelled := s.queue.Cancel(params.RunID)
	if cancelled {
		s.trackRun(params.RunID, "", "cancelled")
	}
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"cancelled": cancelled}))
}

// sessionSummaries lists sessions newest first with basic stats.
func (s *Server) sessionSummaries() []map[string]any {
	ids, err := s.log.ListSessions()
	if err != nil {
		return nil
	}
	summaries := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		meta, err := s.log.SessionMetadata(id)
		if err != nil {
			continue
		}
		entry := map[string]any{
			"id":        id,
			"createdAt": meta.CreatedAt,
			"updatedAt": meta.Modified,
			"sizeBytes": meta.SizeBytes,
		}
		if st, err := s.cache.Load(id); err == nil && st != nil {
			entry["messageCount"] = st.MessageCount
		}
		summaries = append(summaries, entry)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["updatedAt"].(string) > summaries[j]["updatedAt"].(string)
	})
	return summaries
}

func (s *Server) handleSessionsList(ws *wsSession, frame *protocol.Frame) {
	var params protocol.SessionsListParams
	_ = protocol.ParseParams(frame.Params, &params)
	summaries := s.sessionSummaries()
	total := len(summaries)
	if params.Offset > 0 {
		if params.Offset >= len(summaries) {
			summaries = nil
		} else {
			summaries = summaries[params.Offset:]
		}
	}
	if params.Limit > 0 && len(summaries) > params.Limit {
		summaries = summaries[:params.Limit]
	}
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{
		"sessions": summaries,
		"total":    total,
	}))
}

func (s *Server) handleSessionsNew(ws *wsSession, frame *protocol.Frame) {
	newID := uuid.NewString()
	s.switchClient(ws, newID)
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"sessionId": newID}))
}

func (s *Server) handleSessionsSwitch(ws *wsSession, frame *protocol.Frame) {
	var params protocol.SessionsSwitchParams
	if err := protocol.ParseParams(frame.Params, &params); err != nil || params.SessionID == "" {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, "sessionId is required"))
		return
	}
	if !s.log.Exists(params.SessionID) {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeSessionNotFound, fmt.Sprintf("session not found: %s", params.SessionID)))
		return
	}
	s.switchClient(ws, params.SessionID)
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"sessionId": params.SessionID}))
}

// switchClient moves the connection to sessionID and notifies it.
func (s *Server) switchClient(ws *wsSession, sessionID string) {
	s.conns.Switch(ws.id, sessionID)
	s.sendSessionChanged(ws.id, sessionID, "")
}

func (s *Server) handleSessionsHistory(ws *wsSession, frame *protocol.Frame, sessionID string) {
	var params protocol.SessionsHistoryParams
	_ = protocol.ParseParams(frame.Params, &params)
	if params.SessionID != "" {
		if !s.log.Exists(params.SessionID) {
			_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeSessionNotFound, fmt.Sprintf("session not found: %s", params.SessionID)))
			return
		}
		sessionID = params.SessionID
	}
	limit := params.Limit
	if limit <= 0 {
		if client := s.conns.Get(ws.id); client != nil {
			limit = client.HistoryLimit
		} else {
			limit = 20
		}
	}
	messages, total := s.sessionMessages(sessionID, limit)
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{
		"sessionId": sessionID,
		"messages":  messages,
		"total":     total,
	}))
}

func (s *Server) handleStatus(ws *wsSession, frame *protocol.Frame, sessionID string) {
	var params protocol.StatusParams
	_ = protocol.ParseParams(frame.Params, &params)
	if params.SessionID != "" && s.log.Exists(params.SessionID) {
		sessionID = params.SessionID
	}
	messageCount := 0
	tokenCount := 0
	if st, err := s.cache.Load(sessionID); err == nil && st != nil {
		messageCount = st.MessageCount
		tokenCount = st.TokenCount
	}
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{
		"session": map[string]any{
			"id":            sessionID,
			"messageCount":  messageCount,
			"tokensUsed":    tokenCount,
			"modelName":     s.ModelName,
			"contextWindow": s.ContextWindow,
		},
		"queue": map[string]any{
			"depth": s.queue.Depth(sessionID),
		},
		"runs":        s.runStats(),
		"connections": s.conns.Stats(),
	}))
}

func (s *Server) handlePermissionRespond(ws *wsSession, frame *protocol.Frame) {
	var params protocol.PermissionRespondParams
	if err := protocol.ParseParams(frame.Params, &params); err != nil {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, err.Error()))
		return
	}
	if err := protocol.ValidatePermissionRespond(&params); err != nil {
		_ = ws.SendFrame(protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidParams, err.Error()))
		return
	}
	resolved := s.bridge.Resolve(params.RequestID, params.Decision == "allow", params.Remember)
	_ = ws.SendFrame(protocol.NewResponse(frame.ID, map[string]any{"resolved": resolved}))
}

// timeAgo renders a compact relative timestamp for session listings.
func timeAgo(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
