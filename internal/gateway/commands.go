package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/protocol"
)

const sessionsPerPage = 9

const helpText = `**Available Commands:**

**Session Management:**
• /new - Create a new conversation
• /sessions - List sessions, then type a number to switch
• /sessions 2 or /sessions page 2 - Show page 2
• /sessions next / /sessions prev - Navigate pages
• /sessions search <keyword> - Search sessions
• /switch <number> - Switch to a listed session
• /history [n] - Show the last n messages
• /status - Show current session info
• /help - Show this help message

**Tip:** After /sessions, just type a number to switch.`

// handleCommand processes a slash command. Commands run in the frontend and
// answer with system message events; they never reach the agent loop.
func (s *Server) handleCommand(ws *wsSession, sessionID, command string) {
	parts := strings.Fields(command)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help":
		s.commandReply(sessionID, helpText)
	case "/new":
		newID := uuid.NewString()
		s.conns.Switch(ws.id, newID)
		s.sendSessionChanged(ws.id, newID, "✓ Created new conversation")
	case "/sessions":
		s.commandSessions(ws, sessionID, args)
	case "/switch":
		s.commandSwitch(ws, sessionID, args)
	case "/history":
		count := 20
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				count = n
			}
		}
		s.commandHistory(sessionID, count)
	case "/status":
		s.commandStatus(sessionID)
	default:
		s.commandReply(sessionID, fmt.Sprintf("Unknown command: %s\n\nType /help for available commands.", cmd))
	}
}

// commandReply broadcasts a system message to the session.
func (s *Server) commandReply(sessionID, content string) {
	s.conns.Broadcast(sessionID, protocol.EventMessage, map[string]any{
		"id":      uuid.NewString(),
		"role":    "system",
		"content": content,
	}, "")
}

// commandSessions lists sessions with pagination and search, and remembers
// the listing so a bare number switches to the shown entry.
func (s *Server) commandSessions(ws *wsSession, sessionID string, args []string) {
	page := 1
	query := ""
	lastPage, lastQuery, _ := s.conns.SessionsState(ws.id)

	if len(args) > 0 {
		head := strings.ToLower(args[0])
		switch {
		case head == "next":
			page = lastPage + 1
			query = lastQuery
		case head == "prev":
			page = lastPage - 1
			if page < 1 {
				page = 1
			}
			query = lastQuery
		case head == "page" && len(args) > 1:
			if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
				page = n
			}
		case head == "search":
			if len(args) < 2 {
				s.commandReply(sessionID, "Usage: /sessions search <keyword>")
				return
			}
			query = strings.Join(args[1:], " ")
		default:
			if n, err := strconv.Atoi(head); err == nil && n > 0 {
				page = n
			} else {
				s.commandReply(sessionID, "Usage: /sessions | /sessions 2 | /sessions page 2 | /sessions next | /sessions prev | /sessions search <keyword>")
				return
			}
		}
	}

	summaries := s.sessionSummaries()
	header := "📋 **Recent Sessions:**"
	if query != "" {
		q := strings.ToLower(query)
		filtered := summaries[:0:0]
		for _, entry := range summaries {
			id, _ := entry["id"].(string)
			if strings.Contains(strings.ToLower(id), q) {
				filtered = append(filtered, entry)
			}
		}
		summaries = filtered
		header = fmt.Sprintf("📋 **Sessions matching:** %s", query)
	}

	total := len(summaries)
	totalPages := (total + sessionsPerPage - 1) / sessionsPerPage
	if totalPages < 1 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}
	offset := (page - 1) * sessionsPerPage

	pageEntries := summaries[min(offset, total):min(offset+sessionsPerPage, total)]
	if len(pageEntries) == 0 {
		s.commandReply(sessionID, header+"\n\nNo sessions found. This is your first conversation!")
		return
	}

	lines := []string{header, fmt.Sprintf("\nPage %d/%d • %d total\n", page, totalPages, total)}
	listing := make([]string, 0, len(pageEntries))
	for i, entry := range pageEntries {
		id, _ := entry["id"].(string)
		updated, _ := entry["updatedAt"].(string)
		marker := ""
		if id == sessionID {
			marker = " ← current"
		}
		lines = append(lines, fmt.Sprintf("%d. **%s** • %s%s", offset+i+1, shortID(id), timeAgo(updated), marker))
		listing = append(listing, id)
	}
	lines = append(lines, "\nType a number to switch (e.g., just 2 for session #2)")
	lines = append(lines, "Use /sessions next or /sessions prev to navigate pages.")

	s.conns.SetSessionsState(ws.id, page, query, listing)
	s.commandReply(sessionID, strings.Join(lines, "\n"))
}

// resolveListingNumber maps a bare-number message to a session shown by the
// client's last /sessions listing.
func (s *Server) resolveListingNumber(connID, message string) (string, bool) {
	n, err := strconv.Atoi(message)
	if err != nil || n < 1 {
		return "", false
	}
	page, _, listing := s.conns.SessionsState(connID)
	if len(listing) == 0 {
		return "", false
	}
	idx := n - 1 - (page-1)*sessionsPerPage
	if idx < 0 || idx >= len(listing) {
		return "", false
	}
	return listing[idx], true
}

func (s *Server) commandSwitch(ws *wsSession, sessionID string, args []string) {
	if len(args) == 0 {
		s.commandReply(sessionID, "Usage: /switch <number> or type a number after /sessions")
		return
	}
	target := args[0]
	if sid, ok := s.resolveListingNumber(ws.id, target); ok {
		s.switchClient(ws, sid)
		return
	}
	if n, err := strconv.Atoi(target); err == nil {
		summaries := s.sessionSummaries()
		if n >= 1 && n <= len(summaries) {
			sid, _ := summaries[n-1]["id"].(string)
			s.switchClient(ws, sid)
			return
		}
		s.commandReply(sessionID, fmt.Sprintf("❌ Invalid session number: %s\n\nUse /sessions to see available sessions.", target))
		return
	}
	if s.log.Exists(target) {
		s.switchClient(ws, target)
		return
	}
	s.commandReply(sessionID, fmt.Sprintf("❌ Session not found: %s", target))
}

func (s *Server) commandHistory(sessionID string, count int) {
	messages, total := s.sessionMessages(sessionID, count)
	if len(messages) == 0 {
		s.commandReply(sessionID, "📜 No messages in this session yet.")
		return
	}
	lines := []string{fmt.Sprintf("📜 **Last %d of %d messages:**\n", len(messages), total)}
	for _, m := range messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if len(content) > 200 {
			content = content[:200] + "…"
		}
		lines = append(lines, fmt.Sprintf("**%s:** %s", titleCase(role), content))
	}
	s.commandReply(sessionID, strings.Join(lines, "\n"))
}

func (s *Server) commandStatus(sessionID string) {
	messageCount := 0
	if st, err := s.cache.Load(sessionID); err == nil && st != nil {
		messageCount = st.MessageCount
	}
	s.commandReply(sessionID, fmt.Sprintf(`📊 **Session Status:**

**Session ID:** %s
**Messages:** %d
**Model:** %s
**Context limit:** %d

Use /sessions to see all conversations.`, shortID(sessionID), messageCount, s.ModelName, s.ContextWindow))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "…"
	}
	return id
}
