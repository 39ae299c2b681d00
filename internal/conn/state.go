package conn

import (
	"fmt"
	"time"
)

// Phase is the coarse connection status.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is the connection state machine's current value. Attempt and Delay
// are set while Reconnecting (the retry about to happen and how long until
// it does) and carried into the Connecting state that retry enters. A fresh
// Connect starts at attempt 0.
type State struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
}

func (s State) String() string {
	switch s.Phase {
	case Reconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.Delay)
	case Connecting:
		if s.Attempt > 0 {
			return fmt.Sprintf("connecting(attempt=%d)", s.Attempt)
		}
	}
	return s.Phase.String()
}

// Backoff configures the delay between reconnect attempts.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff doubles from one second up to thirty.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, Factor: 2}

// after returns the Reconnecting state that follows a failure in prev.
// Losing an established connection starts the sequence over; a failure
// while still connecting continues it.
func (b Backoff) after(prev State) State {
	if prev.Phase == Connected || prev.Attempt == 0 {
		return State{Phase: Reconnecting, Attempt: 1, Delay: b.clamp(b.Base)}
	}
	next := time.Duration(float64(prev.Delay) * b.Factor)
	return State{Phase: Reconnecting, Attempt: prev.Attempt + 1, Delay: b.clamp(next)}
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	if d < 0 {
		return b.Max
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoff.Factor
	}
	return b
}
