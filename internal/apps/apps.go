package apps

import (
	"fmt"
	"time"

	"wavehub/pkg/config"
)

const (
	DefaultPingInterval    = 30 * time.Second
	DefaultActivityTimeout = 30 * time.Second
	DefaultMaxMessageSize  = 10 * 1024
)

// App is an immutable application descriptor. It is the authentication realm
// for both WebSocket clients (by Key) and admin API callers (by ID + Secret).
type App struct {
	ID              string
	Key             string
	Secret          string
	AllowedOrigins  []string
	PingInterval    time.Duration
	ActivityTimeout time.Duration
	MaxMessageSize  int64
	// MaxConnections limits concurrent sockets; 0 means unlimited
	MaxConnections int
}

// FromConfig builds an App from a config entry, applying defaults.
func FromConfig(c config.AppConfig) *App {
	app := &App{
		ID:              c.AppID,
		Key:             c.Key,
		Secret:          c.Secret,
		AllowedOrigins:  c.AllowedOrigins,
		PingInterval:    DefaultPingInterval,
		ActivityTimeout: DefaultActivityTimeout,
		MaxMessageSize:  DefaultMaxMessageSize,
		MaxConnections:  c.MaxConnections,
	}
	if c.PingInterval > 0 {
		app.PingInterval = time.Duration(c.PingInterval) * time.Second
	}
	if c.ActivityTimeout > 0 {
		app.ActivityTimeout = time.Duration(c.ActivityTimeout) * time.Second
	}
	if c.MaxMessageSize > 0 {
		app.MaxMessageSize = int64(c.MaxMessageSize)
	}
	return app
}

// OriginAllowed reports whether the given Origin header value may connect.
// An empty allow-list or a "*" entry admits every origin.
func (a *App) OriginAllowed(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Registry indexes applications by both id and key.
type Registry struct {
	byID  map[string]*App
	byKey map[string]*App
}

// NewRegistry builds a registry from config entries. Duplicate ids or keys
// are a configuration error.
func NewRegistry(entries []config.AppConfig) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]*App, len(entries)),
		byKey: make(map[string]*App, len(entries)),
	}
	for _, entry := range entries {
		if entry.AppID == "" || entry.Key == "" || entry.Secret == "" {
			return nil, fmt.Errorf("app entry requires app_id, key and secret")
		}
		app := FromConfig(entry)
		if _, dup := r.byID[app.ID]; dup {
			return nil, fmt.Errorf("duplicate app_id %q", app.ID)
		}
		if _, dup := r.byKey[app.Key]; dup {
			return nil, fmt.Errorf("duplicate app key %q", app.Key)
		}
		r.byID[app.ID] = app
		r.byKey[app.Key] = app
	}
	return r, nil
}

// ByID looks up an application by its id.
func (r *Registry) ByID(id string) (*App, bool) {
	app, ok := r.byID[id]
	return app, ok
}

// ByKey looks up an application by its public key.
func (r *Registry) ByKey(key string) (*App, bool) {
	app, ok := r.byKey[key]
	return app, ok
}

// All returns every registered application.
func (r *Registry) All() []*App {
	out := make([]*App, 0, len(r.byID))
	for _, app := range r.byID {
		out = append(out, app)
	}
	return out
}
