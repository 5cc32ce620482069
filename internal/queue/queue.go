// Package queue serializes runs per session: one FIFO per session id, at
// most one run in flight, parallelism only across sessions.
package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Run is one enqueued unit of work. Execute receives a context that is
// cancelled when the run is cancelled or the manager shuts down.
type Run struct {
	ID        string
	SessionID string
	Execute   func(ctx context.Context)
}

type queuedRun struct {
	run    Run
	cancel context.CancelFunc // set once the run starts
}

type sessionQueue struct {
	waiting  []*queuedRun
	inFlight *queuedRun
	running  bool
}

// Manager owns the per-session queues.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager builds an empty queue manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:   logger,
		sessions: map[string]*sessionQueue{},
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Enqueue adds run to its session's FIFO and returns the 1-indexed position.
// Position 1 means the run starts immediately; anything higher is waiting
// behind earlier runs.
func (m *Manager) Enqueue(run Run) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sq, ok := m.sessions[run.SessionID]
	if !ok {
		sq = &sessionQueue{}
		m.sessions[run.SessionID] = sq
	}
	qr := &queuedRun{run: run}
	sq.waiting = append(sq.waiting, qr)

	position := len(sq.waiting)
	if sq.inFlight != nil {
		position++
	}
	if !sq.running {
		sq.running = true
		m.wg.Add(1)
		go m.drain(run.SessionID, sq)
	}
	return position
}

func (m *Manager) drain(sessionID string, sq *sessionQueue) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(sq.waiting) == 0 || m.baseCtx.Err() != nil {
			sq.running = false
			m.mu.Unlock()
			return
		}
		qr := sq.waiting[0]
		sq.waiting = sq.waiting[1:]
		ctx, cancel := context.WithCancel(m.baseCtx)
		qr.cancel = cancel
		sq.inFlight = qr
		m.mu.Unlock()

		qr.run.Execute(ctx)
		cancel()

		m.mu.Lock()
		sq.inFlight = nil
		m.mu.Unlock()
	}
}

// Cancel removes a waiting run (returns true) or signals the in-flight run's
// context (returns true). Unknown run ids return false.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sq := range m.sessions {
		for i, qr := range sq.waiting {
			if qr.run.ID == runID {
				sq.waiting = append(sq.waiting[:i], sq.waiting[i+1:]...)
				return true
			}
		}
		if sq.inFlight != nil && sq.inFlight.run.ID == runID {
			sq.inFlight.cancel()
			return true
		}
	}
	return false
}

// Depth reports how many runs are queued or in flight for a session.
func (m *Manager) Depth(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(sq.waiting)
	if sq.inFlight != nil {
		n++
	}
	return n
}

// Shutdown cancels every in-flight run and waits for the workers to exit.
func (m *Manager) Shutdown() {
	m.stop()
	m.mu.Lock()
	for _, sq := range m.sessions {
		if sq.inFlight != nil {
			sq.inFlight.cancel()
		}
		sq.waiting = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
