// Package bus bridges the broker to its peers over a single Redis pub/sub
// channel. Every published envelope carries the node's origin UUID so a
// node ignores its own messages.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"wavehub/internal/dispatch"
	"wavehub/internal/metrics"
	"wavehub/pkg/logging"
)

const (
	// events queued while the bus is down; beyond this the oldest are dropped
	pendingCapacity = 10_000

	reconnectRetry = time.Second

	// how long a metrics query waits for peer replies
	metricsDeadline = 500 * time.Millisecond
)

// Envelope message types.
const (
	TypeEvent          = "event"
	TypeTerminateUser  = "terminate_user"
	TypeMetricsRequest = "metrics_request"
	TypeMetricsReply   = "metrics_reply"
)

// Envelope is the wire format on the bus channel.
type Envelope struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	AppID  string          `json:"app_id,omitempty"`
	Event  *dispatch.Event `json:"event,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Token  string          `json:"token,omitempty"`
	Query  *MetricsQuery   `json:"query,omitempty"`
	Data   *MetricsData    `json:"data,omitempty"`
}

// MetricsQuery asks peers for their local counts.
type MetricsQuery struct {
	AppID    string   `json:"app_id"`
	Channels []string `json:"channels,omitempty"`
}

// ChannelCounts is one channel's contribution to a metrics reply.
type ChannelCounts struct {
	SubscriptionCount int `json:"subscription_count"`
	UserCount         int `json:"user_count"`
}

// MetricsData is a node's answer to a metrics query.
type MetricsData struct {
	Connections int                      `json:"connections"`
	Channels    map[string]ChannelCounts `json:"channels,omitempty"`
}

// Merge folds another node's counts into this one.
func (d *MetricsData) Merge(other MetricsData) {
	d.Connections += other.Connections
	for name, counts := range other.Channels {
		if d.Channels == nil {
			d.Channels = make(map[string]ChannelCounts)
		}
		c := d.Channels[name]
		c.SubscriptionCount += counts.SubscriptionCount
		c.UserCount += counts.UserCount
		d.Channels[name] = c
	}
}

// Handler is the broker-side sink for incoming bus messages.
type Handler interface {
	HandleEvent(appID string, ev dispatch.Event)
	HandleTerminateUser(appID, userID string)
	LocalMetrics(q MetricsQuery) MetricsData
}

// Bridge owns the Redis subscription and the outbound publish path.
type Bridge struct {
	client    goredis.UniversalClient
	channel   string
	origin    string
	handler   Handler
	metrics   *metrics.Metrics
	logger    logging.Logger
	reconnect time.Duration

	healthy atomic.Bool

	pendingMu sync.Mutex
	pending   [][]byte

	queriesMu sync.Mutex
	queries   map[string]chan MetricsData
}

// New builds a bridge. reconnectTimeout bounds how long the bridge keeps
// retrying a lost subscription before giving up fatally.
func New(client goredis.UniversalClient, channel string, handler Handler, m *metrics.Metrics, logger logging.Logger, reconnectTimeout time.Duration) *Bridge {
	if reconnectTimeout <= 0 {
		reconnectTimeout = 60 * time.Second
	}
	return &Bridge{
		client:    client,
		channel:   channel,
		origin:    uuid.New().String(),
		handler:   handler,
		metrics:   m,
		logger:    logger,
		reconnect: reconnectTimeout,
		queries:   make(map[string]chan MetricsData),
	}
}

// Origin returns the node UUID stamped on outbound envelopes.
func (b *Bridge) Origin() string { return b.origin }

// SetHandler installs the message sink. The broker and the bridge reference
// each other, so the sink is attached after construction, before Run.
func (b *Bridge) SetHandler(h Handler) { b.handler = h }

// Healthy reports whether the subscription is currently established.
func (b *Bridge) Healthy() bool { return b.healthy.Load() }

// Run subscribes and processes bus messages until ctx is cancelled. A lost
// subscription is retried every second; when it stays down past the
// reconnect timeout, Run returns an error and the broker must exit.
func (b *Bridge) Run(ctx context.Context) error {
	downSince := time.Time{}

	for {
		established, err := b.consume(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		b.healthy.Store(false)
		if established || downSince.IsZero() {
			downSince = time.Now()
		}
		if time.Since(downSince) >= b.reconnect {
			return fmt.Errorf("bus unreachable for %s: %w", b.reconnect, err)
		}
		b.logger.WithError(err).Warn("Bus subscription lost, retrying")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectRetry):
		}
	}
}

// consume holds one subscription until it fails or ctx is cancelled. It
// reports whether the subscription was established, so the reconnect window
// restarts after every successful period.
func (b *Bridge) consume(ctx context.Context) (bool, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// confirm the subscription before reporting healthy
	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.healthy.Store(true)
	b.flushPending(ctx)
	b.logger.WithField("channel", b.channel).Info("Bus subscription established")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription channel closed")
			}
			b.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.WithError(err).Warn("Malformed bus message dropped")
		b.metrics.BusDropped("malformed")
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.metrics.BusReceived(env.Type)

	switch env.Type {
	case TypeEvent:
		if env.Event == nil {
			b.metrics.BusDropped("malformed")
			return
		}
		b.handler.HandleEvent(env.AppID, *env.Event)
	case TypeTerminateUser:
		b.handler.HandleTerminateUser(env.AppID, env.UserID)
	case TypeMetricsRequest:
		if env.Query == nil {
			b.metrics.BusDropped("malformed")
			return
		}
		data := b.handler.LocalMetrics(*env.Query)
		b.publish(ctx, Envelope{Type: TypeMetricsReply, Token: env.Token, Data: &data})
	case TypeMetricsReply:
		b.deliverReply(env)
	default:
		b.logger.WithField("type", env.Type).Debug("Unknown bus message type dropped")
		b.metrics.BusDropped("unknown_type")
	}
}

// PublishEvent implements dispatch.Publisher.
func (b *Bridge) PublishEvent(appID string, ev dispatch.Event) {
	b.publish(context.Background(), Envelope{Type: TypeEvent, AppID: appID, Event: &ev})
}

// PublishTerminateUser tells peers to close the user's connections too.
func (b *Bridge) PublishTerminateUser(appID, userID string) {
	b.publish(context.Background(), Envelope{Type: TypeTerminateUser, AppID: appID, UserID: userID})
}

func (b *Bridge) publish(ctx context.Context, env Envelope) {
	env.Origin = b.origin
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode bus envelope")
		return
	}

	if !b.healthy.Load() {
		b.enqueue(raw)
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.WithError(err).Warn("Bus publish failed, queueing")
		b.enqueue(raw)
		return
	}
	b.metrics.BusSent(env.Type)
}

func (b *Bridge) enqueue(raw []byte) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if len(b.pending) >= pendingCapacity {
		b.pending = b.pending[1:]
		b.logger.Warn("Bus queue full, dropping oldest event")
		b.metrics.BusDropped("queue_full")
	}
	b.pending = append(b.pending, raw)
}

func (b *Bridge) flushPending(ctx context.Context) {
	b.pendingMu.Lock()
	queued := b.pending
	b.pending = nil
	b.pendingMu.Unlock()

	for _, raw := range queued {
		if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
			b.logger.WithError(err).Warn("Flush publish failed, re-queueing")
			b.enqueue(raw)
			return
		}
	}
	if len(queued) > 0 {
		b.logger.WithField("count", len(queued)).Info("Flushed queued bus events")
	}
}

// QueryRemote publishes a metrics request and aggregates peer replies until
// the deadline. Peers that do not answer in time simply contribute nothing;
// the shortfall is logged.
func (b *Bridge) QueryRemote(ctx context.Context, q MetricsQuery) MetricsData {
	token := uuid.New().String()
	replies := make(chan MetricsData, 64)

	b.queriesMu.Lock()
	b.queries[token] = replies
	b.queriesMu.Unlock()
	defer func() {
		b.queriesMu.Lock()
		delete(b.queries, token)
		b.queriesMu.Unlock()
	}()

	b.publish(ctx, Envelope{Type: TypeMetricsRequest, Token: token, Query: &q})

	var total MetricsData
	deadline := time.After(metricsDeadline)
	for {
		select {
		case <-ctx.Done():
			return total
		case <-deadline:
			b.logger.WithField("token", token).Debug("Metrics aggregation deadline reached")
			return total
		case reply := <-replies:
			total.Merge(reply)
		}
	}
}

func (b *Bridge) deliverReply(env Envelope) {
	if env.Data == nil {
		return
	}
	b.queriesMu.Lock()
	replies, ok := b.queries[env.Token]
	b.queriesMu.Unlock()
	if !ok {
		return
	}
	select {
	case replies <- *env.Data:
	default:
	}
}
