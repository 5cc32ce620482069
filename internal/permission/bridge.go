// Package permission bridges ask-gated tool calls to a human decision. The
// agent loop suspends on a request; a client answers it over the same
// connection; silence or disconnection resolves to deny.
package permission

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request describes what the agent wants to do and why.
type Request struct {
	ID         string    `json:"request_id"`
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	Capability string    `json:"capability"`
	Preview    string    `json:"preview"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Decision is the resolved answer. Reason distinguishes a user's answer
// ("user") from the synthesized denials ("timeout", "client_gone",
// "cancelled").
type Decision struct {
	Allow    bool
	Reason   string
	Remember bool
}

type pending struct {
	req    Request
	connID string
	ch     chan Decision
}

// Bridge holds in-flight permission requests keyed by request id.
type Bridge struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewBridge builds a bridge; timeout defaults to five minutes.
func NewBridge(timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{timeout: timeout, logger: logger, pending: map[string]*pending{}}
}

// NewRequest allocates a request with a fresh id.
func NewRequest(runID, sessionID, capability, preview, reason string) Request {
	return Request{
		ID:         uuid.NewString(),
		RunID:      runID,
		SessionID:  sessionID,
		Capability: capability,
		Preview:    preview,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
}

// Ask registers req and blocks until a decision arrives, the deadline
// passes, or ctx is cancelled. connID names the connection expected to
// answer, so its disconnection can resolve the request.
func (b *Bridge) Ask(ctx context.Context, req Request, connID string) Decision {
	p := &pending{req: req, connID: connID, ch: make(chan Decision, 1)}
	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case d := <-p.ch:
		return d
	case <-timer.C:
		b.logger.Warn("permission request timed out",
			"request_id", req.ID, "capability", req.Capability)
		return Decision{Allow: false, Reason: "timeout"}
	case <-ctx.Done():
		return Decision{Allow: false, Reason: "cancelled"}
	}
}

// Resolve answers a pending request. Returns false when the id is unknown
// (already resolved, timed out, or never existed).
func (b *Bridge) Resolve(requestID string, allow bool, remember bool) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- Decision{Allow: allow, Reason: "user", Remember: remember}
	return true
}

// ResolveClientGone denies every request waiting on connID.
func (b *Bridge) ResolveClientGone(connID string) {
	b.mu.Lock()
	var gone []*pending
	for id, p := range b.pending {
		if p.connID == connID {
			gone = append(gone, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()
	for _, p := range gone {
		b.logger.Info("denying permission request, client disconnected",
			"request_id", p.req.ID, "capability", p.req.Capability)
		p.ch <- Decision{Allow: false, Reason: "client_gone"}
	}
}

// Pending snapshots the outstanding requests, oldest first.
func (b *Bridge) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
