// Package bufpool hands each worker its own fixed-size scratch buffer pair
// for cipher staging. Handles are owned by exactly one worker and are never
// shared, so the hot transform path takes no locks.
package bufpool

import (
	"sync/atomic"

	"github.com/danmuck/linkmux/internal/observability"
)

// Capacity is the size of each scratch buffer and bounds the body chunk size.
const Capacity = 32 << 10

// Buffers is the source/destination pair one worker stages cipher input
// and output in.
type Buffers struct {
	Src []byte
	Dst []byte
}

// Reset clears both buffers without reallocating them.
func (b *Buffers) Reset() {
	clear(b.Src)
	clear(b.Dst)
}

// Stats reports pool usage.
type Stats struct {
	Handles  int64
	Pairs    int64
	Acquires int64
}

// Pool creates worker handles with a common capacity.
type Pool struct {
	capacity int

	handles  atomic.Int64
	pairs    atomic.Int64
	acquires atomic.Int64
}

// New returns a pool whose pairs hold capacity bytes per buffer.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Pool{capacity: capacity}
}

var defaultPool = New(Capacity)

// Default returns the process-wide pool.
func Default() *Pool {
	return defaultPool
}

func (p *Pool) Capacity() int {
	return p.capacity
}

// NewHandle returns a handle for one worker. The pair is allocated on the
// first Acquire and reused for the handle's lifetime.
func (p *Pool) NewHandle() *Handle {
	p.handles.Add(1)
	return &Handle{pool: p}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Handles:  p.handles.Load(),
		Pairs:    p.pairs.Load(),
		Acquires: p.acquires.Load(),
	}
}

// Handle is one worker's buffer pair.
type Handle struct {
	pool *Pool
	bufs *Buffers
}

// Acquire returns the handle's pair, cleared.
func (h *Handle) Acquire() *Buffers {
	h.pool.acquires.Add(1)
	if h.bufs == nil {
		h.bufs = &Buffers{
			Src: make([]byte, h.pool.capacity),
			Dst: make([]byte, h.pool.capacity),
		}
		h.pool.pairs.Add(1)
		observability.AddBufferPairs(1)
		return h.bufs
	}
	h.bufs.Reset()
	return h.bufs
}

// Release drops the pair so the worker's memory can be reclaimed.
func (h *Handle) Release() {
	if h.bufs == nil {
		return
	}
	h.bufs = nil
	h.pool.pairs.Add(-1)
	observability.AddBufferPairs(-1)
}
