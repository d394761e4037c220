package channel

import (
	"sync"

	"wavehub/internal/apps"
	"wavehub/internal/connection"
	"wavehub/internal/protocol"
	"wavehub/pkg/logging"
)

// Hooks observe channel lifecycle for metrics.
type Hooks struct {
	Created func(*Channel)
	Removed func(*Channel)
}

// Registry is the per-app channel index. Subscribe and unsubscribe run
// under the registry lock so an empty channel is never left behind and a
// channel is never resolved while being torn down.
type Registry struct {
	app    *apps.App
	logger logging.Logger
	hooks  Hooks

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry(app *apps.App, logger logging.Logger, hooks Hooks) *Registry {
	return &Registry{
		app:      app,
		logger:   logger,
		hooks:    hooks,
		channels: make(map[string]*Channel),
	}
}

// Subscribe finds or creates the named channel and records the membership.
// A failed subscribe never leaves a newly created empty channel behind.
func (r *Registry) Subscribe(conn *connection.Conn, p protocol.SubscribePayload) (*Channel, SubscribeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, existed := r.channels[p.Channel]
	if !existed {
		ch = New(p.Channel, r.app, r.logger)
	}

	res, err := ch.Subscribe(conn, p.Auth, p.ChannelData)
	if err != nil {
		return nil, SubscribeResult{}, err
	}

	if !existed {
		r.channels[p.Channel] = ch
		if r.hooks.Created != nil {
			r.hooks.Created(ch)
		}
	}
	return ch, res, nil
}

// Unsubscribe removes the connection from the named channel, dropping the
// channel once empty. Unknown channels and repeated calls are no-ops.
func (r *Registry) Unsubscribe(conn *connection.Conn, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(conn, name)
}

// UnsubscribeAll removes the connection from every channel it is subscribed
// to. Used on connection close and during shutdown.
func (r *Registry) UnsubscribeAll(conn *connection.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, ch := range r.channels {
		if ch.HasSocket(conn.ID()) {
			r.unsubscribeLocked(conn, name)
		}
	}
}

func (r *Registry) unsubscribeLocked(conn *connection.Conn, name string) {
	ch, ok := r.channels[name]
	if !ok {
		return
	}
	if ch.Unsubscribe(conn) {
		delete(r.channels, name)
		if r.hooks.Removed != nil {
			r.hooks.Removed(ch)
		}
	}
}

// Find resolves a live channel by name.
func (r *Registry) Find(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// All returns a snapshot of the app's live channels.
func (r *Registry) All() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Manager owns one Registry per application.
type Manager struct {
	logger logging.Logger
	hooks  Hooks

	mu         sync.Mutex
	registries map[string]*Registry
}

func NewManager(logger logging.Logger, hooks Hooks) *Manager {
	return &Manager{
		logger:     logger,
		hooks:      hooks,
		registries: make(map[string]*Registry),
	}
}

// App returns the channel registry for an application, creating it on first
// use.
func (m *Manager) App(app *apps.App) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registries[app.ID]
	if !ok {
		reg = NewRegistry(app, m.logger, m.hooks)
		m.registries[app.ID] = reg
	}
	return reg
}
