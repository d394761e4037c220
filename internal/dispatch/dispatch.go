// Package dispatch fans events out to local channel subscribers and, when
// scaling is enabled, onto the pub/sub bus for peer nodes.
package dispatch

import (
	"wavehub/internal/apps"
	"wavehub/internal/channel"
	"wavehub/internal/connection"
	"wavehub/pkg/logging"
)

// Event is a broadcast request, from the admin API, a client event, or a
// peer node via the bus.
type Event struct {
	Name     string   `json:"name"`
	Data     string   `json:"data"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	SocketID string   `json:"socket_id,omitempty"`
}

// ChannelList normalizes the single-channel and multi-channel forms.
func (e Event) ChannelList() []string {
	if len(e.Channels) > 0 {
		return e.Channels
	}
	if e.Channel != "" {
		return []string{e.Channel}
	}
	return nil
}

// Publisher forwards an event to peer nodes. The bus bridge implements it.
type Publisher interface {
	PublishEvent(appID string, ev Event)
}

// Dispatcher routes events to local subscribers and the bus.
type Dispatcher struct {
	channels  *channel.Manager
	conns     *connection.Registry
	publisher Publisher
	logger    logging.Logger
}

// New builds a dispatcher. publisher may be nil when scaling is disabled.
func New(channels *channel.Manager, conns *connection.Registry, publisher Publisher, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		channels:  channels,
		conns:     conns,
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch broadcasts locally and publishes to the bus. The socket named by
// ev.SocketID is excluded from the local fan-out; peers apply the same
// exclusion against their own connections.
func (d *Dispatcher) Dispatch(app *apps.App, ev Event) {
	d.DispatchLocal(app, ev)
	if d.publisher != nil {
		d.publisher.PublishEvent(app.ID, ev)
	}
}

// DispatchLocal broadcasts only on this node. The incoming bus handler uses
// it to avoid publish loops.
func (d *Dispatcher) DispatchLocal(app *apps.App, ev Event) {
	var except *connection.Conn
	if ev.SocketID != "" {
		if c, ok := d.conns.Get(app.ID, ev.SocketID); ok {
			except = c
		}
	}

	reg := d.channels.App(app)
	for _, name := range ev.ChannelList() {
		ch, ok := reg.Find(name)
		if !ok {
			continue
		}
		ch.Broadcast(ev.Name, ev.Data, except)
	}
}
