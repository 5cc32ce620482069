package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePositions(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	release := make(chan struct{})
	started := make(chan string, 3)
	makeRun := func(id string) Run {
		return Run{ID: id, SessionID: "s1", Execute: func(ctx context.Context) {
			started <- id
			<-release
		}}
	}

	assert.Equal(t, 1, m.Enqueue(makeRun("r1")))
	<-started // r1 is in flight before the next enqueues
	assert.Equal(t, 2, m.Enqueue(makeRun("r2")))
	assert.Equal(t, 3, m.Enqueue(makeRun("r3")))
	assert.Equal(t, 3, m.Depth("s1"))
	close(release)
}

func TestFIFOWithinSession(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	for _, id := range []string{"r1", "r2", "r3"} {
		id := id
		m.Enqueue(Run{ID: id, SessionID: "s1", Execute: func(ctx context.Context) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			done <- struct{}{}
		}})
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1", "r2", "r3"}, order)
}

func TestSessionsRunInParallel(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	block := make(chan struct{})
	m.Enqueue(Run{ID: "slow", SessionID: "s1", Execute: func(ctx context.Context) {
		<-block
	}})

	ran := make(chan struct{})
	m.Enqueue(Run{ID: "fast", SessionID: "s2", Execute: func(ctx context.Context) {
		close(ran)
	}})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("s2 run blocked behind s1")
	}
	close(block)
}

func TestCancelWaitingRun(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	block := make(chan struct{})
	executed := make(chan string, 2)
	m.Enqueue(Run{ID: "r1", SessionID: "s1", Execute: func(ctx context.Context) {
		<-block
		executed <- "r1"
	}})
	m.Enqueue(Run{ID: "r2", SessionID: "s1", Execute: func(ctx context.Context) {
		executed <- "r2"
	}})

	assert.True(t, m.Cancel("r2"))
	close(block)

	assert.Equal(t, "r1", <-executed)
	select {
	case got := <-executed:
		t.Fatalf("cancelled run executed: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelInFlightRun(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()

	cancelled := make(chan struct{})
	started := make(chan struct{})
	m.Enqueue(Run{ID: "r1", SessionID: "s1", Execute: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}})
	<-started

	require.True(t, m.Cancel("r1"))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight run did not observe cancellation")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	m := NewManager(nil)
	defer m.Shutdown()
	assert.False(t, m.Cancel("ghost"))
}
