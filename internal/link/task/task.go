// Package task correlates outbound requests with the response packets that
// complete them.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/linkmux/internal/protocol"
	"github.com/danmuck/linkmux/internal/protocol/packet"
)

var ErrInvalidExpected = errors.New("task: expected response count must be positive")

// Task waits for a fixed number of response packets. A Task built with
// NewSet is a task set: it completes on its Nth response.
type Task struct {
	mu        sync.Mutex
	id        uint32
	expected  int
	responses []*packet.Packet
	err       error
	finished  bool
	done      chan struct{}
}

// New returns a task expecting a single response.
func New() *Task {
	return &Task{expected: 1, done: make(chan struct{})}
}

// NewSet returns a task expecting n responses.
func NewSet(n int) (*Task, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidExpected, n)
	}
	return &Task{expected: n, done: make(chan struct{})}, nil
}

func (t *Task) ID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) Expected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected
}

// SetExpected changes the response count. It must be called before the
// request is dispatched.
func (t *Task) SetExpected(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidExpected, n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected = n
	return nil
}

// PutResponseData records p and reports whether it completed the task. It
// returns true exactly once; packets arriving after completion or failure
// are dropped.
func (t *Task) PutResponseData(p *packet.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.responses = append(t.responses, p)
	if len(t.responses) < t.expected {
		return false
	}
	t.finished = true
	close(t.done)
	return true
}

// Fail completes the task with err unless it already finished.
func (t *Task) Fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.err = err
	t.finished = true
	close(t.done)
	return true
}

// Done is closed once the task completes or fails.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Responses returns a copy of the packets collected so far, in arrival order.
func (t *Task) Responses() []*packet.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*packet.Packet(nil), t.responses...)
}

// Wait blocks until the task finishes or ctx ends. A context deadline fails
// the task with ErrTaskTimeout.
func (t *Task) Wait(ctx context.Context) ([]*packet.Packet, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %w", protocol.ErrTaskTimeout, cause)
		}
		t.Fail(cause)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return append([]*packet.Packet(nil), t.responses...), nil
}

func (t *Task) setID(id uint32) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}
