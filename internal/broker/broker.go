// Package broker ties the subsystems together: it accepts WebSocket
// clients, tears connections down across every channel they joined, sinks
// incoming bus messages and drives graceful shutdown.
package broker

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wavehub/internal/apps"
	"wavehub/internal/bus"
	"wavehub/internal/channel"
	"wavehub/internal/connection"
	"wavehub/internal/dispatch"
	"wavehub/internal/events"
	"wavehub/internal/metrics"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
)

// TerminatePublisher is the bus side of terminate_connections. Nil when
// scaling is disabled.
type TerminatePublisher interface {
	PublishTerminateUser(appID, userID string)
}

type Broker struct {
	Apps       *apps.Registry
	Conns      *connection.Registry
	Channels   *channel.Manager
	Dispatcher *dispatch.Dispatcher
	Events     *events.Handler

	terminator TerminatePublisher
	metrics    *metrics.Metrics
	logger     logging.Logger

	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(appReg *apps.Registry, conns *connection.Registry, channels *channel.Manager, dispatcher *dispatch.Dispatcher, eventHandler *events.Handler, terminator TerminatePublisher, m *metrics.Metrics, logger logging.Logger) *Broker {
	return &Broker{
		Apps:       appReg,
		Conns:      conns,
		Channels:   channels,
		Dispatcher: dispatcher,
		Events:     eventHandler,
		terminator: terminator,
		metrics:    m,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy is per-app, enforced after the upgrade
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS handles the /app/{appKey} endpoint. The socket is upgraded first
// so rejections arrive as pusher:error frames the client library can
// surface, then the app, origin and connection-limit checks run before the
// handshake.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request, appKey string) {
	sock, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	origin := r.Header.Get("Origin")

	app, ok := b.Apps.ByKey(appKey)
	if !ok {
		b.rejectSocket(sock, protocol.CodeApplicationNotFound, "Application not found")
		return
	}
	if b.draining.Load() {
		b.rejectSocket(sock, protocol.CodeShuttingDown, "Server shutting down")
		return
	}
	if !app.OriginAllowed(origin) {
		b.rejectSocket(sock, protocol.CodeOriginNotAllowed, "Origin not allowed")
		return
	}

	conn := connection.New(app, origin, sock, b.logger)
	sock.SetPongHandler(func(string) error {
		conn.Touch()
		conn.UseControlFrames()
		return nil
	})

	if !b.Conns.Add(conn) {
		b.rejectSocket(sock, protocol.CodeConnectionLimit, "Connection limit reached")
		return
	}
	b.metrics.ConnOpened(app.ID)
	b.logger.WithFields(logging.Fields{
		"socket_id": conn.ID(),
		"app_id":    app.ID,
		"origin":    origin,
	}).Info("Client connected")

	go conn.WritePump()
	b.Events.HandleOpen(conn)

	go func() {
		conn.ReadPump(func(raw []byte) {
			b.Events.HandleMessage(conn, raw)
		})
		b.Teardown(conn)
	}()
}

// rejectSocket sends one error frame and closes. Used before a connection
// is admitted, so it writes to the socket directly.
func (b *Broker) rejectSocket(sock connection.Socket, code int, message string) {
	if raw, err := protocol.ErrorFrame(code, message).Encode(); err == nil {
		_ = sock.WriteMessage(websocket.TextMessage, raw)
	}
	_ = sock.Close()
}

// Teardown releases every reference a connection holds: channel memberships
// (emitting member_removed where due), the registry entry and the socket.
// Idempotent.
func (b *Broker) Teardown(conn *connection.Conn) {
	b.Channels.App(conn.App).UnsubscribeAll(conn)
	if _, ok := b.Conns.Get(conn.App.ID, conn.ID()); ok {
		b.Conns.Remove(conn)
		b.metrics.ConnClosed(conn.App.ID)
		b.logger.WithFields(logging.Fields{
			"socket_id": conn.ID(),
			"app_id":    conn.App.ID,
		}).Info("Client disconnected")
	}
	conn.Terminate()
}

// TerminateUser closes every local connection whose presence subscription
// carries the user id, then tells peer nodes to do the same.
func (b *Broker) TerminateUser(app *apps.App, userID string) {
	b.terminateUserLocal(app, userID)
	if b.terminator != nil {
		b.terminator.PublishTerminateUser(app.ID, userID)
	}
}

func (b *Broker) terminateUserLocal(app *apps.App, userID string) {
	victims := make(map[string]*connection.Conn)
	for _, ch := range b.Channels.App(app).All() {
		if !ch.IsPresence() {
			continue
		}
		for _, sub := range ch.Subscriptions() {
			if sub.UserID == userID {
				victims[sub.Conn.ID()] = sub.Conn
			}
		}
	}
	for _, conn := range victims {
		b.logger.WithFields(logging.Fields{
			"socket_id": conn.ID(),
			"app_id":    app.ID,
			"user_id":   userID,
		}).Info("Terminating user connection")
		b.Teardown(conn)
	}
}

// HandleEvent implements bus.Handler: a peer's broadcast lands here and is
// fanned out locally only, never re-published.
func (b *Broker) HandleEvent(appID string, ev dispatch.Event) {
	app, ok := b.Apps.ByID(appID)
	if !ok {
		b.logger.WithField("app_id", appID).Debug("Bus event for unknown app dropped")
		return
	}
	b.Dispatcher.DispatchLocal(app, ev)
}

// HandleTerminateUser implements bus.Handler.
func (b *Broker) HandleTerminateUser(appID, userID string) {
	app, ok := b.Apps.ByID(appID)
	if !ok {
		return
	}
	b.terminateUserLocal(app, userID)
}

// LocalMetrics implements bus.Handler: this node's contribution to a
// cluster-wide metrics query.
func (b *Broker) LocalMetrics(q bus.MetricsQuery) bus.MetricsData {
	data := bus.MetricsData{Connections: b.Conns.CountApp(q.AppID)}
	if len(q.Channels) == 0 {
		return data
	}

	app, ok := b.Apps.ByID(q.AppID)
	if !ok {
		return bus.MetricsData{}
	}
	reg := b.Channels.App(app)
	data.Channels = make(map[string]bus.ChannelCounts, len(q.Channels))
	for _, name := range q.Channels {
		ch, ok := reg.Find(name)
		if !ok {
			continue
		}
		data.Channels[name] = bus.ChannelCounts{
			SubscriptionCount: ch.SubscriptionCount(),
			UserCount:         ch.UserCount(),
		}
	}
	return data
}

// Shutdown rejects new sockets, notifies every client with 4200, flushes
// memberships and closes the sockets. The bus subscriber is stopped by the
// caller cancelling its context afterwards.
func (b *Broker) Shutdown(ctx context.Context) {
	b.draining.Store(true)

	conns := b.Conns.All()
	b.logger.WithField("connections", len(conns)).Info("Draining client connections")

	notice := protocol.ErrorFrame(protocol.CodeShuttingDown, "Server shutting down")
	for _, conn := range conns {
		conn.SendFrame(notice)
	}

	// let the write pumps flush the notice before the sockets go away
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}

	for _, conn := range conns {
		b.Teardown(conn)
	}
}
