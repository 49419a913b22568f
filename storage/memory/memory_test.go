package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/storage"
	"github.com/ggoodman/sportstream-go/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	s, err := New(10, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	_ = s.Set(ctx, "short", []byte("x"), storage.WithTTL(time.Second))
	_ = s.Set(ctx, "long", []byte("y"), storage.WithTTL(time.Hour))
	_ = s.Set(ctx, "forever", []byte("z"))

	now = now.Add(2 * time.Second)
	if want, got := 1, s.Sweep(); want != got {
		t.Fatalf("want %d swept got %d", want, got)
	}
	if want, got := 2, s.Len(); want != got {
		t.Fatalf("want %d items left got %d", want, got)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("a"))
	_ = s.Set(ctx, "b", []byte("b"))
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatalf("a missing")
	}
	_ = s.Set(ctx, "c", []byte("c"))
	if item, _ := s.Get(ctx, "b"); item != nil {
		t.Fatalf("want b evicted")
	}
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatalf("want a kept after recent use")
	}
}
