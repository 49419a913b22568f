// Package fanouttest is a conformance suite for fanout.Bus implementations.
package fanouttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/fanout"
)

// Factory returns a bus for a single subtest. Buses returned for the same
// subtest must be connected to each other, as if run by separate processes.
type Factory func(t *testing.T) (a, b fanout.Bus)

// Run runs the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishReachesOtherProcess", func(t *testing.T) { testCrossProcess(t, factory) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrder(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("CancelStopsSubscription", func(t *testing.T) { testCancel(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	msgs []fanout.Message
	cond chan struct{}
}

func newCollector() *collector { return &collector{cond: make(chan struct{}, 1024)} }

func (c *collector) handle(ctx context.Context, m fanout.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.cond <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []fanout.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]fanout.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		have := len(c.msgs)
		c.mu.Unlock()
		select {
		case <-c.cond:
		case <-deadline:
			t.Fatalf("want %d messages got %d", n, have)
		}
	}
}

func subscribe(t *testing.T, bus fanout.Bus, h fanout.Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, h) }()
	// Pub/Sub backends drop messages published before the subscription lands.
	time.Sleep(100 * time.Millisecond)
	t.Cleanup(cancel)
	return cancel, done
}

func message(origin, channel string, n int) fanout.Message {
	payload, _ := json.Marshal(map[string]int{"n": n})
	return fanout.Message{
		Origin:      origin,
		Channel:     channel,
		Type:        "event",
		Payload:     payload,
		PublishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testCrossProcess(t *testing.T, factory Factory) {
	a, b := factory(t)
	got := newCollector()
	subscribe(t, b, got.handle)

	want := message("proc-a", "pressure.g1", 1)
	if err := a.Publish(context.Background(), want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := got.wait(t, 1)[0]
	if m.Origin != want.Origin || m.Channel != want.Channel || m.Type != want.Type {
		t.Fatalf("want %+v got %+v", want, m)
	}
	if string(m.Payload) != string(want.Payload) {
		t.Fatalf("want payload %s got %s", want.Payload, m.Payload)
	}
	if !m.PublishedAt.Equal(want.PublishedAt) {
		t.Fatalf("want publishedAt %v got %v", want.PublishedAt, m.PublishedAt)
	}
}

func testOrder(t *testing.T, factory Factory) {
	a, b := factory(t)
	got := newCollector()
	subscribe(t, b, got.handle)

	const n = 50
	for i := 0; i < n; i++ {
		if err := a.Publish(context.Background(), message("proc-a", "game.nfl.g1", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i, m := range got.wait(t, n) {
		var body struct{ N int }
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.N != i {
			t.Fatalf("message %d arrived out of order (n=%d)", i, body.N)
		}
	}
}

func testHandlerError(t *testing.T, factory Factory) {
	a, b := factory(t)
	stop := errors.New("stop")
	_, done := subscribe(t, b, func(ctx context.Context, m fanout.Message) error { return stop })

	if err := a.Publish(context.Background(), message("proc-a", "pressure.g1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, stop) {
			t.Fatalf("want %v got %v", stop, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}

func testCancel(t *testing.T, factory Factory) {
	_, b := factory(t)
	cancel, done := subscribe(t, b, func(ctx context.Context, m fanout.Message) error { return nil })
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}
