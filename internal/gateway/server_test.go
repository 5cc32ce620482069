package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/agent"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/permission"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/protocol"
	"github.com/SimonBear03/agent-blob/internal/queue"
	"github.com/SimonBear03/agent-blob/internal/state"
	"github.com/SimonBear03/agent-blob/internal/tools"
)

// wordProvider streams each word of its reply as one token.
type wordProvider struct {
	reply string
}

func (p *wordProvider) StreamChat(ctx context.Context, _ []agent.ChatMessage, _ []openai.Tool) (<-chan agent.StreamChunk, error) {
	ch := make(chan agent.StreamChunk)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(p.reply, " ") {
			ch <- agent.StreamChunk{Token: word}
		}
		ch <- agent.StreamChunk{Done: true}
	}()
	return ch, nil
}

func (p *wordProvider) Complete(context.Context, string) (string, error) { return "", nil }

func (p *wordProvider) CompleteJSON(context.Context, string, string) (string, error) {
	return "{}", nil
}

type serverEnv struct {
	server *Server
	http   *httptest.Server
	queue  *queue.Manager
}

func newServerEnv(t *testing.T, provider agent.LLMProvider) *serverEnv {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.New(dir, nil)
	require.NoError(t, err)
	cache, err := state.NewCache(dir, nil)
	require.NoError(t, err)

	bridge := permission.NewBridge(time.Second, nil)
	runtime := agent.NewRuntime(
		agent.Config{PolicyPath: dir + "/agent_blob.json"},
		provider, tools.NewRegistry(), policy.Default(), bridge,
		log, cache, nil, nil, nil, nil, nil,
	)
	q := queue.NewManager(nil)
	t.Cleanup(q.Shutdown)

	srv := NewServer("127.0.0.1:0", "gpt-4o", 128000, log, cache, runtime, q, bridge, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &serverEnv{server: srv, http: ts, queue: q}
}

func (e *serverEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params map[string]any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	frame := map[string]any{"type": "req", "id": id, "method": method, "params": json.RawMessage(raw)}
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return &frame
}

// connect performs the handshake and drains the initial session_changed and
// welcome events.
func connect(t *testing.T, conn *websocket.Conn, clientType string) {
	t.Helper()
	sendReq(t, conn, "c1", "connect", map[string]any{
		"version": "1", "clientType": clientType, "sessionPreference": "new",
	})
	res := readFrame(t, conn)
	require.Equal(t, "res", res.Type)
	require.NotNil(t, res.OK)
	require.True(t, *res.OK)

	changed := readFrame(t, conn)
	require.Equal(t, protocol.EventSessionChanged, changed.Event)
	welcome := readFrame(t, conn)
	require.Equal(t, protocol.EventMessage, welcome.Event)
}

func TestHandshakeHappyPath(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hi"})
	conn := env.dial(t)

	sendReq(t, conn, "c1", "connect", map[string]any{
		"version": "1", "clientType": "cli", "sessionPreference": "new",
	})
	res := readFrame(t, conn)
	require.Equal(t, "res", res.Type)
	assert.Equal(t, "c1", res.ID)
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)
	payload := res.Payload.(map[string]any)
	assert.Equal(t, gatewayVersion, payload["gatewayVersion"])
	assert.Contains(t, payload["supportedMethods"], "agent")

	changed := readFrame(t, conn)
	assert.Equal(t, protocol.EventSessionChanged, changed.Event)
	require.NotNil(t, changed.Seq)
	changedPayload := changed.Payload.(map[string]any)
	assert.NotEmpty(t, changedPayload["sessionId"])
	stats := changedPayload["stats"].(map[string]any)
	assert.Equal(t, "gpt-4o", stats["modelName"])

	welcome := readFrame(t, conn)
	assert.Equal(t, protocol.EventMessage, welcome.Event)
	require.NotNil(t, welcome.Seq)
	assert.Greater(t, *welcome.Seq, *changed.Seq)
}

func TestHandshakeRejectsWrongFirstMethod(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hi"})
	conn := env.dial(t)

	sendReq(t, conn, "r1", "status", map[string]any{})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeProtocolError, res.Error.Code)

	// connection is closed after a protocol error
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var discard protocol.Frame
	assert.Error(t, conn.ReadJSON(&discard))
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hi"})
	conn := env.dial(t)

	sendReq(t, conn, "c1", "connect", map[string]any{"version": "9", "clientType": "cli"})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeProtocolError, res.Error.Code)
}

func TestHandshakeRejectsMissingClientType(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hi"})
	conn := env.dial(t)

	sendReq(t, conn, "c1", "connect", map[string]any{"version": "1"})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeProtocolError, res.Error.Code)
	assert.Contains(t, res.Error.Message, "clientType")
}

func TestHandshakeRejectsBadSessionPreference(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hi"})
	conn := env.dial(t)

	sendReq(t, conn, "c1", "connect", map[string]any{
		"version": "1", "clientType": "cli", "sessionPreference": "latest",
	})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeProtocolError, res.Error.Code)
	assert.Contains(t, res.Error.Message, "sessionPreference")
}

func TestAgentRunOverWebsocket(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hello there"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "agent", map[string]any{"message": "Say hi."})

	var (
		gotRes    bool
		statuses  []string
		tokens    []string
		finalSeen bool
		lastSeq   int64
	)
	for !finalSeen {
		frame := readFrame(t, conn)
		switch frame.Type {
		case "res":
			require.Equal(t, "r1", frame.ID)
			require.True(t, *frame.OK)
			payload := frame.Payload.(map[string]any)
			assert.Equal(t, "accepted", payload["status"])
			assert.NotEmpty(t, payload["runId"])
			gotRes = true
		case "event":
			require.NotNil(t, frame.Seq)
			assert.Greater(t, *frame.Seq, lastSeq)
			lastSeq = *frame.Seq
			payload, _ := frame.Payload.(map[string]any)
			switch frame.Event {
			case protocol.EventStatus:
				statuses = append(statuses, payload["status"].(string))
			case protocol.EventToken:
				tokens = append(tokens, payload["text"].(string))
			case protocol.EventFinal:
				assert.Equal(t, "hello there", payload["content"])
				finalSeen = true
			}
		}
	}

	assert.True(t, gotRes)
	assert.Equal(t, []string{"retrieving_memory", "thinking", "streaming"}, statuses)
	assert.Equal(t, "hello there", strings.Join(tokens, ""))
}

func TestAgentResponsePrecedesRunEvents(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "hello"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "agent", map[string]any{"message": "Say hi."})

	first := readFrame(t, conn)
	require.Equal(t, "res", first.Type)
	assert.Equal(t, "r1", first.ID)

	for {
		frame := readFrame(t, conn)
		require.Equal(t, "event", frame.Type)
		if frame.Event == protocol.EventFinal {
			break
		}
	}
}

func TestSessionsHistoryExplicitSessionNotFound(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "sessions.history", map[string]any{"sessionId": "no-such-session"})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeSessionNotFound, res.Error.Code)
}

func TestAgentRejectsEmptyMessage(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "agent", map[string]any{"message": "   "})
	res := readFrame(t, conn)
	require.Equal(t, "res", res.Type)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeInvalidParams, res.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "bogus.method", map[string]any{})
	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeUnknownMethod, res.Error.Code)
}

func TestSessionsNewAndSwitch(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "sessions.new", map[string]any{})
	// session_changed for the switch arrives alongside the response
	var newID string
	for newID == "" {
		frame := readFrame(t, conn)
		if frame.Type == "res" {
			require.True(t, *frame.OK)
			newID = frame.Payload.(map[string]any)["sessionId"].(string)
		}
	}

	sendReq(t, conn, "r2", "sessions.switch", map[string]any{"sessionId": "does-not-exist"})
	for {
		frame := readFrame(t, conn)
		if frame.Type == "res" && frame.ID == "r2" {
			require.NotNil(t, frame.OK)
			assert.False(t, *frame.OK)
			assert.Equal(t, protocol.CodeSessionNotFound, frame.Error.Code)
			break
		}
	}
}

func TestStatusMethod(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	conn := env.dial(t)
	connect(t, conn, "cli")

	sendReq(t, conn, "r1", "status", map[string]any{})
	for {
		frame := readFrame(t, conn)
		if frame.Type == "res" && frame.ID == "r1" {
			require.True(t, *frame.OK)
			payload := frame.Payload.(map[string]any)
			session := payload["session"].(map[string]any)
			assert.Equal(t, "gpt-4o", session["modelName"])
			assert.NotNil(t, payload["connections"])
			break
		}
	}
}

func TestReapStaleRuns(t *testing.T) {
	env := newServerEnv(t, &wordProvider{reply: "x"})
	s := env.server

	s.trackRun("run-old", "s1", "running")
	s.runsMu.Lock()
	s.runs["run-old"].UpdatedAt = time.Now().Add(-time.Hour)
	s.runsMu.Unlock()
	s.trackRun("run-fresh", "s1", "running")

	reaped := s.reapStaleRuns(30*time.Minute, 6*time.Hour)
	assert.Equal(t, 1, reaped)

	s.runsMu.Lock()
	assert.Equal(t, "done", s.runs["run-old"].Status)
	assert.Equal(t, "running", s.runs["run-fresh"].Status)
	s.runsMu.Unlock()
}

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		delta time.Duration
		want  string
	}{
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{30 * time.Hour, "yesterday"},
		{96 * time.Hour, "4d ago"},
	}
	for _, tc := range cases {
		got := timeAgo(now.Add(-tc.delta).Format(time.RFC3339))
		assert.Equal(t, tc.want, got, "delta %s", tc.delta)
	}
	assert.Equal(t, "unknown", timeAgo("garbage"))
}
