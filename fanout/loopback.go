package fanout

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("fanout: bus closed")

const loopbackBuffer = 256

type loopSub struct {
	ch   chan []byte
	gone chan struct{}
}

// Loopback is an in-process Bus. Messages are encoded and decoded on the way
// through so subscribers never share memory with the publisher.
type Loopback struct {
	mu     sync.Mutex
	subs   map[*loopSub]struct{}
	closed bool
	done   chan struct{}
}

// NewLoopback creates an empty bus.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[*loopSub]struct{}), done: make(chan struct{})}
}

func (l *Loopback) Publish(ctx context.Context, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for s := range l.subs {
		select {
		case s.ch <- b:
		case <-s.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *Loopback) Subscribe(ctx context.Context, h Handler) error {
	s := &loopSub{ch: make(chan []byte, loopbackBuffer), gone: make(chan struct{})}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	defer func() {
		// Release any publisher blocked on s before taking the lock.
		close(s.gone)
		l.mu.Lock()
		delete(l.subs, s)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		case b := <-s.ch:
			m, err := Decode(b)
			if err != nil {
				return err
			}
			if err := h(ctx, m); err != nil {
				return err
			}
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (l *Loopback) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

var _ Bus = (*Loopback)(nil)
