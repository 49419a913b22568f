package sessions

import (
	"sync"
	"sync/atomic"

	"github.com/ggoodman/sportstream-go/frame"
)

// DefaultOutboxSize is the per-session outbound frame bound.
const DefaultOutboxSize = 256

// Outbox is a bounded FIFO ring of outbound frames. Push never blocks: when
// the ring is full the oldest frame is discarded and Dropped is incremented.
type Outbox struct {
	mu    sync.Mutex
	buf   []*frame.Frame
	head  int
	n     int
	wake  chan struct{}
	count atomic.Uint64
}

// NewOutbox returns an empty outbox holding at most size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{buf: make([]*frame.Frame, size), wake: make(chan struct{}, 1)}
}

// Push appends f. It returns false when an older frame had to be dropped.
func (o *Outbox) Push(f *frame.Frame) bool {
	o.mu.Lock()
	ok := true
	if o.n == len(o.buf) {
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.n--
		o.count.Add(1)
		ok = false
	}
	o.buf[(o.head+o.n)%len(o.buf)] = f
	o.n++
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return ok
}

// Drain removes and returns every queued frame in FIFO order.
func (o *Outbox) Drain() []*frame.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == 0 {
		return nil
	}
	out := make([]*frame.Frame, o.n)
	for i := range out {
		idx := (o.head + i) % len(o.buf)
		out[i] = o.buf[idx]
		o.buf[idx] = nil
	}
	o.head, o.n = 0, 0
	return out
}

// Wake is signalled after every Push. A single signal may cover many frames.
func (o *Outbox) Wake() <-chan struct{} { return o.wake }

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Cap returns the outbox bound.
func (o *Outbox) Cap() int { return len(o.buf) }

// Dropped returns how many frames have been discarded on overflow.
func (o *Outbox) Dropped() uint64 { return o.count.Load() }
