package sessions

import (
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
)

func TestOutbox_DropOldest(t *testing.T) {
	o := NewOutbox(256)
	for i := 1; i <= 300; i++ {
		o.Push(frame.Event("pressure.g1", uint64(i), nil))
		if o.Len() > o.Cap() {
			t.Fatalf("outbox exceeded its bound at push %d", i)
		}
	}
	if want, got := uint64(44), o.Dropped(); want != got {
		t.Fatalf("want %d dropped got %d", want, got)
	}
	frames := o.Drain()
	if want, got := 256, len(frames); want != got {
		t.Fatalf("want %d frames got %d", want, got)
	}
	if want, got := uint64(45), frames[0].Seq; want != got {
		t.Fatalf("want oldest surviving seq %d got %d", want, got)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq != frames[i-1].Seq+1 {
			t.Fatalf("out of order at %d", i)
		}
	}
	if o.Len() != 0 {
		t.Fatalf("drain should empty the outbox")
	}
}

func TestOutbox_PushNeverBlocks(t *testing.T) {
	o := NewOutbox(4)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			o.Push(frame.Pong(""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("push blocked on a full outbox")
	}
	select {
	case <-o.Wake():
	default:
		t.Fatalf("want wake signal after push")
	}
}
