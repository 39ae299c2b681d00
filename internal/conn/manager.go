// Package conn keeps one authenticated push channel open to the platform.
//
// The Manager runs the connection state machine:
//
//	Disconnected --Connect--> Connecting --open--> Authenticating --ack--> Connected
//	Connecting|Authenticating --error--> Reconnecting(attempt+1, delay*factor)
//	Connected --close--> Reconnecting(1, base)
//	Reconnecting --timer--> Connecting
//	any --Disconnect--> Disconnected
//
// Transport failures never escape the manager; they only show up as state
// transitions. The credential is re-read on every attempt, and a login or
// logout forces a fresh cycle so the next handshake uses it.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/eventdesk/livesync/internal/session"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send when no transport is open.
var ErrNotConnected = errors.New("not connected")

// Transport is one open channel connection. Send may be called concurrently
// with Receive.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Credentials is the read side of the session store.
type Credentials interface {
	Identity() (session.Identity, error)
	Subscribe(session.Observer) (cancel func())
}

// Sink receives every decoded inbound envelope. The dispatcher implements it.
type Sink interface {
	Dispatch(protocol.Envelope)
}

// Watcher observes state transitions, in order.
type Watcher func(State)

// Option configures a Manager.
type Option func(*Manager)

func WithBackoff(b Backoff) Option { return func(m *Manager) { m.backoff = b.withDefaults() } }

func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "connection").Logger() }
}

// Manager owns the process-wide channel. Create it once and share it; it is
// not tied to any consumer's lifetime.
type Manager struct {
	dialer  Dialer
	creds   Credentials
	sink    Sink
	clock   Clock
	backoff Backoff
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	epoch     uint64
	transport Transport
	timer     Timer
	cancelRun context.CancelFunc
	pending   []State
	watchers  map[int]Watcher
	nextWatch int

	deliverMu sync.Mutex
	unsubCred func()
}

// New wires a manager to its collaborators. It starts Disconnected.
func New(dialer Dialer, creds Credentials, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		creds:    creds,
		sink:     sink,
		clock:    systemClock{},
		backoff:  DefaultBackoff,
		logger:   zerolog.Nop(),
		watchers: make(map[int]Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubCred = creds.Subscribe(m.credentialChanged)
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch registers w for every subsequent transition and returns a function
// that removes it. w must not block.
func (m *Manager) Watch(w Watcher) (cancel func()) {
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = w
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Connect starts connecting if the manager is Disconnected and is a no-op
// otherwise.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state.Phase == Disconnected {
		m.startLocked(0, 0)
	}
	m.mu.Unlock()
	m.emit()
}

// Disconnect closes the channel and cancels any pending retry. Once it
// returns no further frame is dispatched, except one whose dispatch was
// already under way.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t := m.stopLocked()
	m.mu.Unlock()
	m.emit()
	closeTransport(t)
}

// Close disconnects and detaches from the credential store.
func (m *Manager) Close() {
	m.Disconnect()
	if m.unsubCred != nil {
		m.unsubCred()
	}
}

// Send writes msg on the open channel.
func (m *Manager) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	t, epoch := m.transport, m.epoch
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.Send(data); err != nil {
		m.fail(epoch, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// credentialChanged forces a new cycle so the next handshake announces the
// new identity. Nothing happens while Disconnected.
func (m *Manager) credentialChanged(string) {
	m.mu.Lock()
	var old Transport
	if m.state.Phase != Disconnected {
		m.logger.Info().Msg("credential changed, reconnecting")
		old = m.stopLocked()
		m.startLocked(0, 0)
	}
	m.mu.Unlock()
	m.emit()
	closeTransport(old)
}

// startLocked enters Connecting and launches an attempt. Caller holds m.mu.
func (m *Manager) startLocked(attempt int, delay time.Duration) {
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRun = cancel
	m.setLocked(State{Phase: Connecting, Attempt: attempt, Delay: delay})
	go m.run(ctx, epoch)
}

// stopLocked tears everything down and enters Disconnected. It returns the
// detached transport, which the caller closes after releasing m.mu; closing
// may wait behind an in-progress write.
func (m *Manager) stopLocked() Transport {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
	t := m.transport
	m.transport = nil
	if m.state.Phase != Disconnected {
		m.setLocked(State{Phase: Disconnected})
	}
	return t
}

func closeTransport(t Transport) {
	if t != nil {
		t.Close()
	}
}

func (m *Manager) run(ctx context.Context, epoch uint64) {
	t, err := m.dialer.Dial(ctx)
	if err != nil {
		m.fail(epoch, err)
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.transport = t
	m.setLocked(State{Phase: Authenticating, Attempt: m.state.Attempt, Delay: m.state.Delay})
	m.mu.Unlock()
	m.emit()

	if ident, err := m.creds.Identity(); err != nil {
		m.logger.Debug().Err(err).Msg("no usable identity, continuing unauthenticated")
		m.markConnected(epoch)
	} else {
		data, err := protocol.Encode(protocol.Authenticate{UserID: ident.UserID})
		if err == nil {
			err = t.Send(data)
		}
		if err != nil {
			m.fail(epoch, fmt.Errorf("authenticate: %w", err))
			return
		}
	}

	m.readLoop(t, epoch)
}

func (m *Manager) readLoop(t Transport, epoch uint64) {
	for {
		data, err := t.Receive()
		if err != nil {
			m.fail(epoch, err)
			return
		}
		if !m.markConnected(epoch) {
			return
		}

		env, err := protocol.Decode(data, m.clock.Now())
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		if env.Topic == protocol.TopicAuthenticated {
			continue
		}
		if !m.current(epoch) {
			return
		}
		m.sink.Dispatch(env)
	}
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

// markConnected completes the handshake on the first sign of life. It
// reports false when epoch is no longer current.
func (m *Manager) markConnected(epoch uint64) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	if m.state.Phase == Authenticating {
		m.setLocked(State{Phase: Connected})
	}
	m.mu.Unlock()
	m.emit()
	return true
}

// fail moves a live attempt to Reconnecting and arms the retry timer.
// Failures from superseded attempts are ignored.
func (m *Manager) fail(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}

	// A new epoch so a second report of the same failure is ignored.
	m.epoch++
	retryEpoch := m.epoch
	next := m.backoff.after(m.state)
	m.logger.Warn().Err(err).Int("attempt", next.Attempt).Dur("delay", next.Delay).Msg("transport failed")
	m.setLocked(next)
	m.timer = m.clock.AfterFunc(next.Delay, func() { m.retry(retryEpoch) })
	m.mu.Unlock()
	m.emit()
	closeTransport(t)
}

func (m *Manager) retry(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state.Phase != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.startLocked(m.state.Attempt, m.state.Delay)
	m.mu.Unlock()
	m.emit()
}

// setLocked records a transition for delivery. Caller holds m.mu.
func (m *Manager) setLocked(s State) {
	m.state = s
	m.pending = append(m.pending, s)
	m.logger.Info().Str("state", s.String()).Msg("connection state")
}

// emit delivers queued transitions outside m.mu. Whichever goroutine holds
// deliverMu drains the queue, so watchers see transitions in order and may
// call back into the manager.
func (m *Manager) emit() {
	for {
		if !m.deliverMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			ws := m.watcherList()
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, s := range batch {
				for _, w := range ws {
					w(s)
				}
			}
		}
		m.deliverMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

// watcherList returns watchers in registration order. Caller holds m.mu.
func (m *Manager) watcherList() []Watcher {
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Watcher, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.watchers[id])
	}
	return out
}
