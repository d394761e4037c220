// Package connection wraps a single WebSocket in a liveness state machine
// and a bounded outbound queue. A connection is Active while frames keep
// arriving, Inactive once the ping interval elapses without traffic, and
// Stale when a ping has gone unanswered for a full ping interval.
package connection

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wavehub/internal/apps"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
)

const (
	writeWait = 10 * time.Second

	// outbound queue high-water mark; a subscriber that cannot drain this
	// many frames is terminated rather than allowed to stall broadcasts
	sendQueueSize = 256

	// protocol violations tolerated before the connection is dropped
	maxViolations = 3
)

// Socket is the transport under a connection. *websocket.Conn satisfies it;
// tests substitute an in-memory fake.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live client connection.
type Conn struct {
	App    *apps.App
	Origin string

	socket Socket
	logger logging.Logger

	idOnce sync.Once
	id     string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	lastSeenAt        atomic.Int64
	pingedAt          atomic.Int64
	hasBeenPinged     atomic.Bool
	usesControlFrames atomic.Bool
	violations        atomic.Int32
}

// New wraps a socket for the given app. The connection starts Active.
func New(app *apps.App, origin string, socket Socket, logger logging.Logger) *Conn {
	c := &Conn{
		App:    app,
		Origin: origin,
		socket: socket,
		logger: logger,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.lastSeenAt.Store(time.Now().Unix())
	return c
}

// ID returns the socket id, generated lazily and cached. The format is two
// decimal integers joined by a dot, as Pusher clients expect.
func (c *Conn) ID() string {
	c.idOnce.Do(func() {
		c.id = fmt.Sprintf("%d.%d", rand.Int63n(1_000_000_000)+1, rand.Int63n(1_000_000_000)+1)
	})
	return c.id
}

// Touch marks the connection active and clears the ping flag. Called on
// every inbound frame, including pongs.
func (c *Conn) Touch() {
	c.lastSeenAt.Store(time.Now().Unix())
	c.hasBeenPinged.Store(false)
}

// MarkPinged records that a ping has been sent and not yet answered. The
// client has until a full ping interval after this moment to answer.
func (c *Conn) MarkPinged() {
	c.pingedAt.Store(time.Now().Unix())
	c.hasBeenPinged.Store(true)
}

// UseControlFrames records that the client answers WebSocket control pings,
// so liveness probes can use them instead of pusher:ping text frames.
func (c *Conn) UseControlFrames() {
	c.usesControlFrames.Store(true)
}

func (c *Conn) IsActive() bool {
	return time.Now().Unix() < c.lastSeenAt.Load()+int64(c.App.PingInterval/time.Second)
}

func (c *Conn) IsInactive() bool {
	return !c.IsActive() && !c.hasBeenPinged.Load()
}

// IsStale reports that a ping went unanswered for a full ping interval.
// A freshly pinged connection is neither Inactive nor Stale while its pong
// grace window is open.
func (c *Conn) IsStale() bool {
	if c.IsActive() || !c.hasBeenPinged.Load() {
		return false
	}
	return time.Now().Unix() >= c.pingedAt.Load()+int64(c.App.PingInterval/time.Second)
}

// RecordViolation counts a protocol violation and reports whether the
// connection has exhausted its allowance.
func (c *Conn) RecordViolation() bool {
	return c.violations.Add(1) >= maxViolations
}

// Send enqueues raw bytes for the write pump. A full queue means the client
// is not draining; the connection is terminated rather than blocking the
// broadcaster. Sending on a closed connection is a no-op.
func (c *Conn) Send(data []byte) {
	select {
	case <-c.done:
		c.logger.WithField("socket_id", c.id).Debug("Send on closed connection dropped")
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.logger.WithField("socket_id", c.ID()).Warn("Send queue full, terminating slow client")
		c.Terminate()
	}
}

// SendFrame encodes and enqueues a protocol frame.
func (c *Conn) SendFrame(f protocol.Frame) {
	raw, err := f.Encode()
	if err != nil {
		c.logger.WithError(err).WithField("event", f.Event).Error("Failed to encode frame")
		return
	}
	c.Send(raw)
}

// Ping probes the client: a control frame when the client has shown it
// answers them, a pusher:ping text frame otherwise. Marks the connection
// as pinged either way.
func (c *Conn) Ping() {
	c.MarkPinged()
	if c.usesControlFrames.Load() {
		if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			c.logger.WithError(err).WithField("socket_id", c.ID()).Debug("Control ping failed")
		}
		return
	}
	c.SendFrame(protocol.Frame{Event: protocol.EventPing})
}

// Terminate closes the underlying socket. Idempotent.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.socket.Close(); err != nil {
			c.logger.WithError(err).WithField("socket_id", c.id).Debug("Socket close failed")
		}
	})
}

// Done is closed when the connection has been terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads frames sequentially and hands each to handle. It returns
// when the socket closes. Frame processing for one connection is serial;
// no two inbound events from the same socket run concurrently.
func (c *Conn) ReadPump(handle func(raw []byte)) {
	defer c.Terminate()

	c.socket.SetReadLimit(c.App.MaxMessageSize)
	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("socket_id", c.ID()).Debug("Read failed")
			}
			return
		}
		c.Touch()
		handle(raw)
	}
}

// WritePump drains the send queue onto the socket. It returns when the
// connection terminates.
func (c *Conn) WritePump() {
	defer c.Terminate()

	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.WithError(err).WithField("socket_id", c.ID()).Debug("Write failed")
				return
			}
		}
	}
}
