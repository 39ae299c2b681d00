package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/eventdesk/livesync/internal/session"
)

var errTransportClosed = errors.New("transport closed")

// manualClock fires timers only when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// active returns timers that have neither fired nor been stopped.
func (c *manualClock) active() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest active timer and returns its delay.
func (c *manualClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	active := c.active()
	if len(active) == 0 {
		t.Fatal("no active timer to fire")
	}
	tm := active[0]
	c.mu.Lock()
	tm.fired = true
	c.mu.Unlock()
	tm.f()
	return tm.delay
}

// hookClock runs a one-shot hook inside the next Now call, which the read
// loop makes between reading a frame and dispatching it.
type hookClock struct {
	manualClock
	hookMu sync.Mutex
	hook   func()
}

func (c *hookClock) onNextNow(f func()) {
	c.hookMu.Lock()
	c.hook = f
	c.hookMu.Unlock()
}

func (c *hookClock) Now() time.Time {
	c.hookMu.Lock()
	f := c.hook
	c.hook = nil
	c.hookMu.Unlock()
	if f != nil {
		f()
	}
	return c.manualClock.Now()
}

// fakeTransport is an in-memory channel end. When hold is set, Close
// blocks until it is closed, like a close frame queued behind a write.
type fakeTransport struct {
	inbox  chan []byte
	sent   chan []byte
	closed chan struct{}
	hold   chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case d := <-f.inbox:
		return d, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	if f.hold != nil {
		<-f.hold
	}
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(t *testing.T, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	f.inbox <- data
}

// fakeDialer hands out fresh transports, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	failing bool
	dials   int
	hold    chan struct{}
	opened  chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	failing, hold := d.failing, d.hold
	d.mu.Unlock()
	if failing {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	t.hold = hold
	d.opened <- t
	return t, nil
}

// holdClose makes transports dialed from now on block in Close until
// release is closed.
func (d *fakeDialer) holdClose(release chan struct{}) {
	d.mu.Lock()
	d.hold = release
	d.mu.Unlock()
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.opened:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transport dialed")
		return nil
	}
}

// fakeCreds changes identity without notifying, to model a credential read
// lazily on the next attempt.
type fakeCreds struct {
	mu   sync.Mutex
	user string
}

func (c *fakeCreds) Identity() (session.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == "" {
		return session.Identity{}, session.ErrNoCredential
	}
	return session.Identity{UserID: c.user}, nil
}

func (c *fakeCreds) Subscribe(session.Observer) func() { return func() {} }

func (c *fakeCreds) set(user string) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

type sinkFunc func(protocol.Envelope)

func (f sinkFunc) Dispatch(env protocol.Envelope) { f(env) }

// stateLog records transitions from a manager.
type stateLog chan State

func watch(m *Manager) stateLog {
	ch := make(stateLog, 128)
	m.Watch(func(s State) { ch <- s })
	return ch
}

func (l stateLog) next(t *testing.T) State {
	t.Helper()
	select {
	case s := <-l:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state transition")
		return State{}
	}
}

func (l stateLog) expect(t *testing.T, want ...Phase) []State {
	t.Helper()
	var got []State
	for _, p := range want {
		s := l.next(t)
		if s.Phase != p {
			t.Fatalf("transition %d: got %s, want %s", len(got), s, p)
		}
		got = append(got, s)
	}
	return got
}

func (l stateLog) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-l:
		t.Fatalf("unexpected transition %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func readFrame(t *testing.T, tr *fakeTransport) protocol.Envelope {
	t.Helper()
	select {
	case data := <-tr.sent:
		env, err := protocol.Decode(data, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return protocol.Envelope{}
	}
}
