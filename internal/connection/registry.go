package connection

import "sync"

// Registry is the node-wide index of live connections, keyed by app id and
// socket id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]*Conn)}
}

// Add registers a connection. It reports false when the app's connection
// limit is already reached, in which case the connection is not added.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byApp := r.conns[c.App.ID]
	if c.App.MaxConnections > 0 && len(byApp) >= c.App.MaxConnections {
		return false
	}
	if byApp == nil {
		byApp = make(map[string]*Conn)
		r.conns[c.App.ID] = byApp
	}
	byApp[c.ID()] = c
	return true
}

// Remove drops a connection from the index. Idempotent.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if byApp, ok := r.conns[c.App.ID]; ok {
		delete(byApp, c.ID())
		if len(byApp) == 0 {
			delete(r.conns, c.App.ID)
		}
	}
}

// Get looks up a connection by app and socket id.
func (r *Registry) Get(appID, socketID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[appID][socketID]
	return c, ok
}

// CountApp returns the number of live connections for one app.
func (r *Registry) CountApp(appID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[appID])
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0)
	for _, byApp := range r.conns {
		for _, c := range byApp {
			out = append(out, c)
		}
	}
	return out
}

// AppConns returns a snapshot of one app's connections.
func (r *Registry) AppConns(appID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byApp := r.conns[appID]
	out := make([]*Conn, 0, len(byApp))
	for _, c := range byApp {
		out = append(out, c)
	}
	return out
}
