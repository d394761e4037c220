// Package events implements the inbound Pusher protocol: it decodes client
// frames, enforces channel authorization and owns the reply ordering around
// subscription acknowledgements.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"wavehub/internal/channel"
	"wavehub/internal/connection"
	"wavehub/internal/dispatch"
	"wavehub/internal/metrics"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
)

type Handler struct {
	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     logging.Logger
}

func NewHandler(channels *channel.Manager, dispatcher *dispatch.Dispatcher, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{
		channels:   channels,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// HandleOpen completes the handshake on a new socket.
func (h *Handler) HandleOpen(conn *connection.Conn) {
	conn.SendFrame(protocol.MustFrame(protocol.EventConnectionEstablished, "", protocol.ConnectionEstablishedData{
		SocketID:        conn.ID(),
		ActivityTimeout: int(conn.App.ActivityTimeout / time.Second),
	}))
	h.metrics.MessageSent(conn.App.ID)
}

// HandleMessage processes one inbound frame. Frames for a single connection
// arrive serially from its read pump.
func (h *Handler) HandleMessage(conn *connection.Conn, raw []byte) {
	h.metrics.MessageReceived(conn.App.ID)

	msg, err := protocol.Decode(raw)
	if err != nil {
		h.violation(conn, err)
		return
	}

	if protocol.IsClientEvent(msg.Event) {
		h.handleClientEvent(conn, msg)
		return
	}

	switch protocol.ShortName(msg.Event) {
	case "subscribe":
		h.handleSubscribe(conn, msg)
	case "unsubscribe":
		h.handleUnsubscribe(conn, msg)
	case "ping":
		conn.SendFrame(protocol.Frame{Event: protocol.EventPong})
		h.metrics.MessageSent(conn.App.ID)
	case "pong":
		// read pump already touched the connection
	default:
		h.logger.WithFields(logging.Fields{
			"socket_id": conn.ID(),
			"event":     msg.Event,
		}).Debug("Unknown event")
		conn.SendFrame(protocol.ErrorFrame(protocol.CodeUnknownEvent, "Unknown event"))
		h.metrics.MessageSent(conn.App.ID)
	}
}

func (h *Handler) handleSubscribe(conn *connection.Conn, msg protocol.Message) {
	payload, err := protocol.DecodeSubscribe(msg.Data)
	if err != nil {
		h.violation(conn, err)
		return
	}

	ch, res, err := h.channels.App(conn.App).Subscribe(conn, payload)
	switch {
	case errors.Is(err, channel.ErrUnauthorized):
		conn.SendFrame(protocol.ErrorFrame(protocol.CodeUnauthorized, "Connection unauthorized"))
		h.metrics.MessageSent(conn.App.ID)
		return
	case err != nil:
		h.violation(conn, err)
		return
	}

	// the acknowledgement must be enqueued before any member_added fan-out
	conn.SendFrame(protocol.Frame{
		Event:   protocol.EventSubscriptionSucceeded,
		Channel: ch.Name(),
		Data:    ch.Data(),
	})
	h.metrics.MessageSent(conn.App.ID)

	if ch.IsCache() {
		if cached, ok := ch.CachedPayload(); ok {
			conn.Send(cached)
		} else {
			conn.SendFrame(protocol.Frame{Event: protocol.EventCacheMiss, Channel: ch.Name()})
		}
		h.metrics.MessageSent(conn.App.ID)
	}

	if res.UserWasNew {
		member, err := json.Marshal(memberAddedData{UserID: res.UserID, UserInfo: res.UserInfo})
		if err != nil {
			h.logger.WithError(err).WithField("channel", ch.Name()).Error("Failed to encode member_added payload")
			return
		}
		ch.BroadcastInternally(protocol.EventMemberAdded, string(member), conn)
	}
}

type memberAddedData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info"`
}

func (h *Handler) handleUnsubscribe(conn *connection.Conn, msg protocol.Message) {
	payload, err := protocol.DecodeSubscribe(msg.Data)
	if err != nil {
		h.violation(conn, err)
		return
	}
	h.channels.App(conn.App).Unsubscribe(conn, payload.Channel)
}

// handleClientEvent fans a client-* event out to the other subscribers of a
// private or presence channel. Events on other channel kinds are dropped
// silently.
func (h *Handler) handleClientEvent(conn *connection.Conn, msg protocol.Message) {
	if msg.Channel == "" || !validClientEventData(msg.Data) {
		h.violation(conn, errors.New("client event requires channel and object, array or string data"))
		return
	}
	if !channel.Classify(msg.Channel).RequiresAuth {
		h.logger.WithFields(logging.Fields{
			"socket_id": conn.ID(),
			"channel":   msg.Channel,
			"event":     msg.Event,
		}).Debug("Client event on non-private channel dropped")
		return
	}

	h.dispatcher.Dispatch(conn.App, dispatch.Event{
		Name:     msg.Event,
		Channel:  msg.Channel,
		Data:     protocol.DataString(msg.Data),
		SocketID: conn.ID(),
	})
}

// validClientEventData accepts only a JSON object, array or string. Numbers,
// booleans and null are rejected.
func validClientEventData(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[', '"':
			return true
		default:
			return false
		}
	}
	return false
}

// violation answers a malformed frame with 4007 and terminates the
// connection once its allowance is spent.
func (h *Handler) violation(conn *connection.Conn, err error) {
	h.logger.WithError(err).WithField("socket_id", conn.ID()).Debug("Protocol violation")
	conn.SendFrame(protocol.ErrorFrame(protocol.CodeInvalidPayload, "Invalid payload"))
	h.metrics.MessageSent(conn.App.ID)
	if conn.RecordViolation() {
		h.logger.WithField("socket_id", conn.ID()).Info("Terminating connection after repeated protocol violations")
		conn.Terminate()
	}
}
