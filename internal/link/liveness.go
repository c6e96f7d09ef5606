package link

import (
	"fmt"
	"sync"
)

// State is a channel's liveness.
type State int32

const (
	Alive State = iota
	Suspected
	Broken
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspected:
		return "suspected"
	case Broken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// isHeartbeatTransition reports whether a heartbeat tick or inbound traffic
// may move a channel from one state to the other. Break and Reset are the
// only other ways to change state.
func isHeartbeatTransition(from, to State) bool {
	switch from {
	case Alive:
		return to == Suspected
	case Suspected:
		return to == Alive || to == Broken
	default:
		return false
	}
}

// Liveness tracks whether the peer is still answering on one channel.
//
// Every heartbeat period calls Tick. A period with inbound traffic keeps the
// channel Alive. The first silent period asks for a probe, the second moves
// to Suspected and probes again, the third moves to Broken.
type Liveness struct {
	mu     sync.Mutex
	state  State
	missed int
	seen   bool
}

func NewLiveness() *Liveness {
	return &Liveness{}
}

func (l *Liveness) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Observe records inbound traffic. A Broken channel stays Broken.
func (l *Liveness) Observe() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Broken {
		return l.state, false
	}
	l.seen = true
	l.missed = 0
	return l.moveLocked(Alive)
}

// Tick advances one heartbeat period and reports whether a probe should be
// sent, along with the resulting state.
func (l *Liveness) Tick() (probe bool, state State, changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Broken {
		return false, Broken, false
	}
	if l.seen {
		l.seen = false
		return false, l.state, false
	}
	l.missed++
	switch {
	case l.missed == 1:
		return true, l.state, false
	case l.state == Alive:
		state, changed = l.moveLocked(Suspected)
		return true, state, changed
	default:
		state, changed = l.moveLocked(Broken)
		return false, state, changed
	}
}

func (l *Liveness) moveLocked(to State) (State, bool) {
	if l.state == to {
		return to, false
	}
	if !isHeartbeatTransition(l.state, to) {
		return l.state, false
	}
	l.state = to
	return to, true
}

// Break marks the channel Broken after an explicit read or write failure.
// It reports whether the state changed.
func (l *Liveness) Break() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Broken {
		return false
	}
	l.state = Broken
	return true
}

// Reset returns the channel to Alive after a completed reconnection.
func (l *Liveness) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Alive
	l.missed = 0
	l.seen = false
}
