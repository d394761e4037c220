// Package protocol defines the Pusher wire format: event names, error codes
// and the frame envelope. Outbound frames always carry data as a JSON-encoded
// string, even when the logical payload is an object, for wire compatibility
// with Pusher client libraries.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Events the broker emits or consumes.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventCacheMiss             = "pusher:cache_miss"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	ClientEventPrefix = "client-"
	pusherPrefix      = "pusher:"
)

// Close / error codes.
const (
	CodeApplicationNotFound = 4001
	CodeOriginNotAllowed    = 4003
	CodeConnectionLimit     = 4004
	CodeInvalidPayload      = 4007
	CodeUnauthorized        = 4009
	CodeShuttingDown        = 4200
	CodeUnknownEvent        = 4301
)

// Frame is the canonical outbound envelope.
type Frame struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data,omitempty"`
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// NewFrame builds a frame whose data field is the JSON encoding of payload.
// A nil payload yields a frame with no data field.
func NewFrame(event, channel string, payload any) (Frame, error) {
	f := Frame{Event: event, Channel: channel}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = string(raw)
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
func MustFrame(event, channel string, payload any) Frame {
	f, err := NewFrame(event, channel, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// ErrorData is the payload of a pusher:error frame.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame builds a pusher:error frame for the given code and message.
func ErrorFrame(code int, message string) Frame {
	return MustFrame(EventError, "", ErrorData{Code: code, Message: message})
}

// ConnectionEstablishedData is the payload of the handshake frame.
type ConnectionEstablishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// Message is an inbound client frame. Data may arrive as an object, an
// array, or a JSON-encoded string; it is kept raw until the handler knows
// which event it belongs to.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw inbound frame. An empty event name is a protocol
// violation.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("decode frame: missing event")
	}
	return msg, nil
}

// IsClientEvent reports whether the event name denotes a client event.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// ShortName strips the pusher: prefix for dispatch. pusher_internal: events
// and client events pass through unchanged.
func ShortName(event string) string {
	return strings.TrimPrefix(event, pusherPrefix)
}

// SubscribePayload is the decoded data of a pusher:subscribe message.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// DecodeSubscribe parses the data field of a subscribe or unsubscribe
// message. The data may itself be double-encoded as a JSON string.
// channel_data, when present, must be valid JSON.
func DecodeSubscribe(data json.RawMessage) (SubscribePayload, error) {
	raw, err := normalize(data)
	if err != nil {
		return SubscribePayload{}, err
	}
	var p SubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubscribePayload{}, fmt.Errorf("decode subscribe payload: %w", err)
	}
	if p.Channel == "" {
		return SubscribePayload{}, fmt.Errorf("decode subscribe payload: missing channel")
	}
	if p.ChannelData != "" && !json.Valid([]byte(p.ChannelData)) {
		return SubscribePayload{}, fmt.Errorf("decode subscribe payload: channel_data is not valid JSON")
	}
	return p, nil
}

// DataString renders an inbound data field as the string that goes on the
// wire when the event is re-broadcast. A JSON string value is unwrapped once;
// objects and arrays are passed through verbatim.
func DataString(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return string(data)
}

// normalize resolves a possibly double-encoded JSON value to its inner form.
func normalize(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode payload: missing data")
	}
	if data[0] != '"' {
		return data, nil
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return json.RawMessage(inner), nil
}
