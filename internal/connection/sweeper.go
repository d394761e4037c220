package connection

import (
	"context"
	"time"

	"wavehub/pkg/logging"
)

// Sweeper runs the periodic liveness pass: Inactive connections get pinged,
// Stale connections are handed to onStale for teardown. Scanning every
// second honors each app's own ping interval without per-app timers.
type Sweeper struct {
	registry *Registry
	onStale  func(*Conn)
	logger   logging.Logger
	interval time.Duration
}

func NewSweeper(registry *Registry, onStale func(*Conn), logger logging.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		onStale:  onStale,
		logger:   logger,
		interval: time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	for _, c := range s.registry.All() {
		switch {
		case c.IsStale():
			s.logger.WithFields(logging.Fields{
				"socket_id": c.ID(),
				"app_id":    c.App.ID,
			}).Info("Pruning stale connection")
			s.onStale(c)
		case c.IsInactive():
			c.Ping()
		}
	}
}
