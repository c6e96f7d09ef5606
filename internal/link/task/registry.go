package task

import (
	"sync"

	"github.com/danmuck/linkmux/internal/observability"
	"github.com/danmuck/linkmux/internal/protocol/packet"
)

// Registry stores pending tasks by correlation id. Every registered task
// leaves the registry exactly once: on completion, failure, or Remove.
type Registry struct {
	mu     sync.Mutex
	next   uint32
	tasks  map[uint32]*Task
	closed error
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[uint32]*Task),
	}
}

// Register assigns t an id when it has none and stores it. It must be called
// before the request carrying the id is written. After Close, Register fails
// t with the close error and returns it.
func (r *Registry) Register(t *Task) (uint32, error) {
	r.mu.Lock()
	if r.closed != nil {
		err := r.closed
		r.mu.Unlock()
		t.Fail(err)
		return 0, err
	}
	id := t.ID()
	if id == 0 {
		id = r.allocLocked()
		t.setID(id)
	}
	r.tasks[id] = t
	r.mu.Unlock()
	observability.AddPendingTasks(1)
	return id, nil
}

func (r *Registry) allocLocked() uint32 {
	for {
		r.next++
		if r.next == 0 {
			continue
		}
		if _, busy := r.tasks[r.next]; !busy {
			return r.next
		}
	}
}

// Deliver hands p to the task it answers. It reports whether a pending task
// accepted the packet; the task is removed once complete.
func (r *Registry) Deliver(p *packet.Packet) bool {
	if p.TaskID == 0 {
		return false
	}
	r.mu.Lock()
	t, ok := r.tasks[p.TaskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-t.Done():
		r.remove(p.TaskID, t)
		return false
	default:
	}
	if t.PutResponseData(p) {
		r.remove(p.TaskID, t)
	}
	return true
}

// Remove drops the task with id, returning it if it was still pending.
func (r *Registry) Remove(id uint32) (*Task, bool) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		observability.AddPendingTasks(-1)
	}
	return t, ok
}

func (r *Registry) remove(id uint32, t *Task) {
	r.mu.Lock()
	cur, ok := r.tasks[id]
	if ok && cur == t {
		delete(r.tasks, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		observability.AddPendingTasks(-1)
	}
}

// Fail fails and removes one task.
func (r *Registry) Fail(id uint32, err error) bool {
	t, ok := r.Remove(id)
	if !ok {
		return false
	}
	return t.Fail(err)
}

// FailAll fails and removes every pending task, returning how many were
// released.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	pending := r.tasks
	r.tasks = make(map[uint32]*Task)
	r.mu.Unlock()
	if len(pending) > 0 {
		observability.AddPendingTasks(-len(pending))
	}
	for _, t := range pending {
		t.Fail(err)
	}
	return len(pending)
}

// Close fails every pending task and rejects later registrations with err.
func (r *Registry) Close(err error) int {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = err
	}
	r.mu.Unlock()
	return r.FailAll(err)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
