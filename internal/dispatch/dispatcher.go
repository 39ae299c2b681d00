// Package dispatch routes decoded channel envelopes to the handlers that
// subscribed to their topic.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives envelopes for one topic. A returned error is logged and
// otherwise ignored.
type Handler func(protocol.Envelope) error

// Subscription is the handle returned by Subscribe. Pass it to Unsubscribe
// to stop receiving envelopes.
type Subscription struct {
	Topic protocol.Topic
	ID    uuid.UUID
}

type entry struct {
	id      uuid.UUID
	handler Handler
}

// Dispatcher demultiplexes envelopes by topic.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Topic][]entry
	logger   zerolog.Logger
}

// New creates an empty dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Topic][]entry),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Subscribe registers h for topic. Handlers of the same topic run in the
// order they subscribed.
func (d *Dispatcher) Subscribe(topic protocol.Topic, h Handler) *Subscription {
	sub := &Subscription{Topic: topic, ID: uuid.New()}

	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], entry{id: sub.ID, handler: h})
	d.mu.Unlock()

	return sub
}

// Unsubscribe removes the handler behind sub. It reports whether the
// subscription was still registered.
func (d *Dispatcher) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[sub.Topic]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		// Copy so a Dispatch iterating the old slice is unaffected.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, sub.Topic)
		} else {
			d.handlers[sub.Topic] = next
		}
		return true
	}
	return false
}

// Dispatch calls every handler subscribed to env.Topic, synchronously and in
// subscription order. A failing or panicking handler does not stop the
// others.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	d.mu.RLock()
	list := d.handlers[env.Topic]
	d.mu.RUnlock()

	for _, e := range list {
		if err := d.invoke(e, env); err != nil {
			d.logger.Error().
				Err(err).
				Str("topic", string(env.Topic)).
				Str("handler", e.id.String()).
				Msg("handler failed")
		}
	}
}

// HandlerCount returns the number of handlers currently subscribed to topic.
func (d *Dispatcher) HandlerCount(topic protocol.Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic])
}

func (d *Dispatcher) invoke(e entry, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.handler(env)
}
