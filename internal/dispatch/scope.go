package dispatch

import (
	"sync"

	"github.com/eventdesk/livesync/internal/protocol"
)

// Scope groups the subscriptions of one consumer so they can be released
// together when the consumer goes away.
type Scope struct {
	d *Dispatcher

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Scope returns a new, empty subscription scope on d.
func (d *Dispatcher) Scope() *Scope {
	return &Scope{d: d}
}

// Subscribe registers h on the underlying dispatcher and records the handle.
// After Close it does nothing and returns nil.
func (s *Scope) Subscribe(topic protocol.Topic, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	sub := s.d.Subscribe(topic, h)
	s.subs = append(s.subs, sub)
	return sub
}

// Close unsubscribes every handler registered through s. It is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		s.d.Unsubscribe(sub)
	}
}
