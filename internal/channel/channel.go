// Package channel implements the channel taxonomy: public, private and
// presence channels plus their cache variants. A channel owns its
// subscriptions; the per-app Manager owns its channels.
package channel

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"wavehub/internal/apps"
	"wavehub/internal/auth"
	"wavehub/internal/connection"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
)

var (
	ErrUnauthorized = errors.New("subscription unauthorized")
	ErrInvalidData  = errors.New("invalid channel data")
)

// Kind describes the capabilities a channel name selects.
type Kind struct {
	Type         string
	RequiresAuth bool
	Cached       bool
	Presence     bool
}

// Classify maps a channel name onto its variant. Prefixes are evaluated in
// order; first match wins.
func Classify(name string) Kind {
	switch {
	case strings.HasPrefix(name, "private-cache-"):
		return Kind{Type: "private-cache", RequiresAuth: true, Cached: true}
	case strings.HasPrefix(name, "presence-cache-"):
		return Kind{Type: "presence-cache", RequiresAuth: true, Cached: true, Presence: true}
	case strings.HasPrefix(name, "cache-") || name == "cache":
		return Kind{Type: "cache", Cached: true}
	case strings.HasPrefix(name, "private-"):
		return Kind{Type: "private", RequiresAuth: true}
	case strings.HasPrefix(name, "presence-"):
		return Kind{Type: "presence", RequiresAuth: true, Presence: true}
	default:
		return Kind{Type: "public"}
	}
}

// Channel is one named group of subscribers within an app.
type Channel struct {
	name   string
	app    *apps.App
	kind   Kind
	store  *Store
	logger logging.Logger

	cacheMu sync.RWMutex
	cached  []byte
}

func New(name string, app *apps.App, logger logging.Logger) *Channel {
	return &Channel{
		name:   name,
		app:    app,
		kind:   Classify(name),
		store:  NewStore(),
		logger: logger,
	}
}

func (c *Channel) Name() string       { return c.name }
func (c *Channel) AppID() string      { return c.app.ID }
func (c *Channel) Kind() Kind         { return c.kind }
func (c *Channel) IsPresence() bool   { return c.kind.Presence }
func (c *Channel) IsCache() bool      { return c.kind.Cached }
func (c *Channel) RequiresAuth() bool { return c.kind.RequiresAuth }

// SubscribeResult tells the caller what membership change happened, so the
// subscription acknowledgement can be sent before any member_added fan-out.
type SubscribeResult struct {
	UserWasNew bool
	UserID     string
	UserInfo   json.RawMessage
}

type presenceData struct {
	UserID string `json:"user_id"`
}

// Subscribe verifies authorization, parses presence data and records the
// membership. It does not send any frames; the event handler owns reply
// ordering.
func (c *Channel) Subscribe(conn *connection.Conn, authString, channelData string) (SubscribeResult, error) {
	if c.kind.RequiresAuth {
		if !auth.VerifyChannelAuth(c.app, authString, conn.ID(), c.name, channelData) {
			return SubscribeResult{}, ErrUnauthorized
		}
	}

	sub := &Subscription{Conn: conn}
	if c.kind.Presence {
		var pd presenceData
		if channelData == "" || json.Unmarshal([]byte(channelData), &pd) != nil || pd.UserID == "" {
			return SubscribeResult{}, ErrInvalidData
		}
		sub.UserID = pd.UserID
		var full struct {
			UserInfo json.RawMessage `json:"user_info"`
		}
		_ = json.Unmarshal([]byte(channelData), &full)
		sub.UserInfo = full.UserInfo
	}

	userWasNew := c.store.Add(sub)
	return SubscribeResult{UserWasNew: userWasNew, UserID: sub.UserID, UserInfo: sub.UserInfo}, nil
}

// Unsubscribe removes a connection's membership. When the departing
// subscription was a presence user's last, member_removed is broadcast
// internally to the remaining subscribers. It reports whether the channel
// is now empty. Repeated unsubscribes are no-ops.
func (c *Channel) Unsubscribe(conn *connection.Conn) (empty bool) {
	sub, userRemains := c.store.Remove(conn.ID())
	if sub == nil {
		return c.store.IsEmpty()
	}
	if c.kind.Presence && sub.UserID != "" && !userRemains {
		c.BroadcastInternally(protocol.EventMemberRemoved, mustJSON(map[string]string{"user_id": sub.UserID}), nil)
	}
	return c.store.IsEmpty()
}

// Broadcast serializes the frame once and fans out to every subscriber
// except the given one. On cache channels the encoded frame is retained as
// the cached payload.
func (c *Channel) Broadcast(event, data string, except *connection.Conn) {
	raw := c.fanOut(event, data, except)
	if c.kind.Cached && raw != nil {
		c.cacheMu.Lock()
		c.cached = raw
		c.cacheMu.Unlock()
	}
}

// BroadcastInternally is the same fan-out but never touches the cache.
// Every pusher_internal:* event goes through here.
func (c *Channel) BroadcastInternally(event, data string, except *connection.Conn) {
	c.fanOut(event, data, except)
}

func (c *Channel) fanOut(event, data string, except *connection.Conn) []byte {
	raw, err := protocol.Frame{Event: event, Channel: c.name, Data: data}.Encode()
	if err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"channel": c.name,
			"event":   event,
		}).Error("Failed to encode broadcast frame")
		return nil
	}

	for _, sub := range c.store.All() {
		if except != nil && sub.Conn.ID() == except.ID() {
			continue
		}
		sub.Conn.Send(raw)
	}
	return raw
}

// Data returns the subscription_succeeded payload: "{}" for plain channels,
// the presence map for presence channels. A presence channel holding any
// anonymous subscription is an invariant violation; it yields an empty view
// and is logged.
func (c *Channel) Data() string {
	if !c.kind.Presence {
		return "{}"
	}

	subs := c.store.All()
	hash := make(map[string]json.RawMessage, len(subs))
	for _, sub := range subs {
		if sub.UserID == "" {
			c.logger.WithFields(logging.Fields{
				"channel": c.name,
				"app_id":  c.app.ID,
			}).Error("Presence channel has subscription without user_id")
			return mustJSON(map[string]any{"presence": map[string]any{
				"count": 0, "ids": []string{}, "hash": map[string]any{},
			}})
		}
		info := sub.UserInfo
		if info == nil {
			info = json.RawMessage("null")
		}
		hash[sub.UserID] = info
	}

	ids := make([]string, 0, len(hash))
	for id := range hash {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return mustJSON(map[string]any{"presence": map[string]any{
		"count": len(ids),
		"ids":   ids,
		"hash":  hash,
	}})
}

// CachedPayload returns the retained frame bytes of the last external
// broadcast on a cache channel.
func (c *Channel) CachedPayload() ([]byte, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.cached, c.cached != nil
}

func (c *Channel) HasCachedPayload() bool {
	_, ok := c.CachedPayload()
	return ok
}

// SubscriptionCount returns the number of subscribed sockets.
func (c *Channel) SubscriptionCount() int {
	return c.store.Len()
}

// UserCount returns the number of distinct presence users.
func (c *Channel) UserCount() int {
	return len(c.UserIDs())
}

// UserIDs returns the distinct presence user ids, sorted.
func (c *Channel) UserIDs() []string {
	seen := make(map[string]struct{})
	for _, sub := range c.store.All() {
		if sub.UserID != "" {
			seen[sub.UserID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSocket reports whether a socket is subscribed.
func (c *Channel) HasSocket(socketID string) bool {
	_, ok := c.store.Find(socketID)
	return ok
}

// Subscriptions returns a snapshot of the channel's membership.
func (c *Channel) Subscriptions() []*Subscription {
	return c.store.All()
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
