package channel

import (
	"encoding/json"
	"sync"

	"wavehub/internal/connection"
)

// Subscription binds one connection to one channel, carrying the presence
// data supplied at subscribe time.
type Subscription struct {
	Conn     *connection.Conn
	UserID   string
	UserInfo json.RawMessage
}

// Store is the per-channel subscription map, keyed by socket id. Presence
// newness and departure checks run under the same lock as the mutation so
// that concurrent subscribes of one user cannot both observe the user as
// new.
type Store struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewStore() *Store {
	return &Store{subs: make(map[string]*Subscription)}
}

// Add inserts a subscription and reports whether its user id was not yet
// represented on the channel. Anonymous subscriptions always report false.
// Re-subscribing an existing socket overwrites its record; a user already
// present through any record, the replaced one included, is not new.
func (s *Store) Add(sub *Subscription) (userWasNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.UserID != "" {
		userWasNew = true
		for _, existing := range s.subs {
			if existing.UserID == sub.UserID {
				userWasNew = false
				break
			}
		}
	}
	s.subs[sub.Conn.ID()] = sub
	return userWasNew
}

// Remove deletes the subscription for a socket id. It returns the removed
// record and whether its user id is still represented by another
// subscription. A miss returns (nil, false).
func (s *Store) Remove(socketID string) (removed *Subscription, userRemains bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[socketID]
	if !ok {
		return nil, false
	}
	delete(s.subs, socketID)

	if sub.UserID != "" {
		for _, remaining := range s.subs {
			if remaining.UserID == sub.UserID {
				userRemains = true
				break
			}
		}
	}
	return sub, userRemains
}

// Find returns the subscription for a socket id.
func (s *Store) Find(socketID string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[socketID]
	return sub, ok
}

// All returns a snapshot of the subscriptions.
func (s *Store) All() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Flush drops every subscription and returns what was held.
func (s *Store) Flush() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.subs = make(map[string]*Subscription)
	return out
}
