package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskResolvedByUser(t *testing.T) {
	b := NewBridge(time.Minute, nil)
	req := NewRequest("run1", "s1", "shell.run", "$ ls", "model requested shell_run")

	done := make(chan Decision, 1)
	go func() {
		done <- b.Ask(context.Background(), req, "conn1")
	}()

	require.Eventually(t, func() bool {
		return b.Resolve(req.ID, true, true)
	}, time.Second, 5*time.Millisecond)

	d := <-done
	assert.True(t, d.Allow)
	assert.Equal(t, "user", d.Reason)
	assert.True(t, d.Remember)
}

func TestAskTimeout(t *testing.T) {
	b := NewBridge(20*time.Millisecond, nil)
	req := NewRequest("run1", "s1", "shell.run", "", "")

	d := b.Ask(context.Background(), req, "conn1")
	assert.False(t, d.Allow)
	assert.Equal(t, "timeout", d.Reason)

	// The request is gone once resolved.
	assert.False(t, b.Resolve(req.ID, true, false))
}

func TestAskCancelled(t *testing.T) {
	b := NewBridge(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Decision, 1)
	go func() {
		done <- b.Ask(ctx, NewRequest("run1", "s1", "shell.run", "", ""), "conn1")
	}()
	cancel()

	d := <-done
	assert.False(t, d.Allow)
	assert.Equal(t, "cancelled", d.Reason)
}

func TestResolveClientGone(t *testing.T) {
	b := NewBridge(time.Minute, nil)

	gone := make(chan Decision, 1)
	stays := make(chan Decision, 1)
	reqGone := NewRequest("run1", "s1", "shell.run", "", "")
	reqStays := NewRequest("run2", "s2", "filesystem.write", "", "")
	go func() { gone <- b.Ask(context.Background(), reqGone, "conn1") }()
	go func() { stays <- b.Ask(context.Background(), reqStays, "conn2") }()

	require.Eventually(t, func() bool { return len(b.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	b.ResolveClientGone("conn1")

	d := <-gone
	assert.False(t, d.Allow)
	assert.Equal(t, "client_gone", d.Reason)

	// conn2's request is still answerable.
	require.True(t, b.Resolve(reqStays.ID, true, false))
	assert.True(t, (<-stays).Allow)
}

func TestResolveUnknownID(t *testing.T) {
	b := NewBridge(time.Minute, nil)
	assert.False(t, b.Resolve("nope", true, false))
}

func TestPendingOrdering(t *testing.T) {
	b := NewBridge(time.Minute, nil)
	first := NewRequest("run1", "s1", "a.b", "", "")
	second := NewRequest("run2", "s1", "c.d", "", "")
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	go b.Ask(context.Background(), second, "conn1")
	go b.Ask(context.Background(), first, "conn1")

	require.Eventually(t, func() bool { return len(b.Pending()) == 2 }, time.Second, 5*time.Millisecond)
	pending := b.Pending()
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}
