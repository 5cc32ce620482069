package state

import (
	"encoding/json"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
)

// Rebuild reconstructs session state by replaying the event log. Used when
// the cache blob is missing or corrupt; the result matches the live cache in
// message count and the recent-turn tail (modulo a turn still in flight).
func Rebuild(log *eventlog.Log, sessionID string, keepRecentTurns int) (*SessionState, error) {
	now := Now()
	st := &SessionState{
		SessionID:   sessionID,
		RecentTurns: []MessageTurn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var pendingUser *MessageTurn
	first := true
	err := log.Replay(sessionID, func(ev eventlog.Event) bool {
		if first {
			st.CreatedAt = ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
			first = false
		}
		switch ev.Type {
		case eventlog.TypeMessage:
			role, _ := ev.Data["role"].(string)
			content, _ := ev.Data["content"].(string)
			id, _ := ev.Data["id"].(string)
			switch role {
			case "user":
				st.MessageCount++
				pendingUser = &MessageTurn{
					UserMessage:   content,
					UserMessageID: id,
					Timestamp:     ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
				}
			case "assistant":
				st.MessageCount++
				if pendingUser != nil {
					pendingUser.AssistantMessage = content
					pendingUser.AssistantMessageID = id
					st.RecentTurns = append(st.RecentTurns, *pendingUser)
					pendingUser = nil
				}
			}
		case eventlog.TypeCompaction:
			if summary, ok := ev.Data["summary"].(map[string]any); ok {
				st.RollingSummary = summaryFromMap(summary)
			}
			st.LastCompaction = ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if keepRecentTurns > 0 && len(st.RecentTurns) > keepRecentTurns {
		st.RecentTurns = st.RecentTurns[len(st.RecentTurns)-keepRecentTurns:]
	}
	st.TokenCount = EstimateStateTokens(st.RollingSummary, st.RecentTurns)
	return st, nil
}

func summaryFromMap(m map[string]any) RollingSummary {
	// Round-trip through JSON so number/interface shapes from the log
	// normalize into the struct fields.
	var s RollingSummary
	if data, err := json.Marshal(m); err == nil {
		_ = json.Unmarshal(data, &s)
	}
	s.Clamp()
	return s
}
