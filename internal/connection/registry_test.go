package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavehub/pkg/logging"
)

func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry()
	c := newTestConn(newFakeSocket())

	require.True(t, reg.Add(c))
	got, ok := reg.Get("1", c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, reg.CountApp("1"))

	reg.Remove(c)
	_, ok = reg.Get("1", c.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, reg.CountApp("1"))

	// repeated remove is a no-op
	reg.Remove(c)
}

func TestRegistryConnectionLimit(t *testing.T) {
	reg := NewRegistry()
	app := testApp()
	app.MaxConnections = 2

	a := New(app, "", newFakeSocket(), logging.NewLogger())
	b := New(app, "", newFakeSocket(), logging.NewLogger())
	c := New(app, "", newFakeSocket(), logging.NewLogger())

	assert.True(t, reg.Add(a))
	assert.True(t, reg.Add(b))
	assert.False(t, reg.Add(c), "third connection must be rejected")
	assert.Equal(t, 2, reg.CountApp(app.ID))
}

func TestRegistrySnapshots(t *testing.T) {
	reg := NewRegistry()
	a := newTestConn(newFakeSocket())
	b := newTestConn(newFakeSocket())
	require.True(t, reg.Add(a))
	require.True(t, reg.Add(b))

	assert.Len(t, reg.All(), 2)
	assert.Len(t, reg.AppConns("1"), 2)
	assert.Empty(t, reg.AppConns("missing"))
}

func TestSweeperPingsInactive(t *testing.T) {
	reg := NewRegistry()
	sock := newFakeSocket()
	c := newTestConn(sock)
	c.lastSeenAt.Store(time.Now().Unix() - 60)
	require.True(t, reg.Add(c))
	go c.WritePump()
	defer c.Terminate()

	s := NewSweeper(reg, func(*Conn) {}, logging.NewLogger())
	s.sweep()

	require.Eventually(t, func() bool { return len(sock.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"event":"pusher:ping"}`, string(sock.frames()[0]))
	assert.False(t, c.IsStale(), "a just-pinged connection is inside its grace window")
	assert.False(t, c.IsInactive())
}

func TestSweeperPrunesStale(t *testing.T) {
	reg := NewRegistry()
	c := newTestConn(newFakeSocket())
	c.lastSeenAt.Store(time.Now().Unix() - 60)
	c.MarkPinged()
	c.pingedAt.Store(time.Now().Unix() - 60)
	require.True(t, reg.Add(c))

	var pruned *Conn
	s := NewSweeper(reg, func(victim *Conn) { pruned = victim }, logging.NewLogger())
	s.sweep()

	assert.Same(t, c, pruned)
}

func TestSweeperDoesNotPruneBeforePongGraceExpires(t *testing.T) {
	reg := NewRegistry()
	sock := newFakeSocket()
	c := newTestConn(sock)
	c.lastSeenAt.Store(time.Now().Unix() - 60)
	require.True(t, reg.Add(c))
	go c.WritePump()
	defer c.Terminate()

	var pruned *Conn
	s := NewSweeper(reg, func(victim *Conn) { pruned = victim }, logging.NewLogger())

	// first pass pings; immediate repeat passes must not prune while the
	// client still has its ping interval to answer
	s.sweep()
	s.sweep()
	s.sweep()
	assert.Nil(t, pruned)

	// the pong arrives mid-window and revives the connection
	c.Touch()
	s.sweep()
	assert.Nil(t, pruned)
	assert.True(t, c.IsActive())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry()
	s := NewSweeper(reg, func(*Conn) {}, logging.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
