// Package storagetest is a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/storage"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) storage.Storage

// Run runs the suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("SaveContact", func(t *testing.T) { testSaveContact(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatalf("want item got nil")
	}
	if want, got := "v", string(item.Data); want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if item.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set")
	}
	if item.ExpiresAt != nil {
		t.Fatalf("want no expiry got %v", item.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("want nil got %+v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ttl := 150 * time.Millisecond
	if err := s.Set(ctx, "ttl", []byte("x"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("want live item got %v (%v)", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatalf("want expiry to be recorded")
	}
	time.Sleep(ttl + 100*time.Millisecond)
	item, err = s.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("want expired item to be gone")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("a"), storage.WithNamespace("a")); err != nil {
		t.Fatalf("set: %v", err)
	}
	for ns, want := range map[string]string{"": "global", "a": "a"} {
		item, err := s.Get(ctx, "k", storage.WithNamespace(ns))
		if err != nil || item == nil {
			t.Fatalf("namespace %q: %v (%v)", ns, item, err)
		}
		if got := string(item.Data); got != want {
			t.Fatalf("namespace %q: want %q got %q", ns, want, got)
		}
	}
	if item, _ := s.Get(ctx, "k", storage.WithNamespace("b")); item != nil {
		t.Fatalf("namespaces are not isolated")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "k1", []byte("1"))
	_ = s.Set(ctx, "k2", []byte("2"))
	if err := s.Delete(ctx, storage.WithKey("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item, _ := s.Get(ctx, "k1"); item != nil {
		t.Fatalf("k1 survived delete")
	}
	if item, _ := s.Get(ctx, "k2"); item == nil {
		t.Fatalf("k2 removed by single-key delete")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k), storage.WithNamespace("gone")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	_ = s.Set(ctx, "a", []byte("kept"), storage.WithNamespace("kept"))
	if err := s.Delete(ctx, storage.WithNamespace("gone")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if item, _ := s.Get(ctx, k, storage.WithNamespace("gone")); item != nil {
			t.Fatalf("%s survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithNamespace("kept")); item == nil {
		t.Fatalf("namespace delete leaked into another namespace")
	}
}

func testSaveContact(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	now := time.Now()
	id, err := storage.SaveContact(ctx, s, storage.Contact{Name: " Ada ", Email: "ada@example.com", Message: "hello"}, now)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	item, err := s.Get(ctx, id, storage.WithNamespace(storage.ContactNamespace))
	if err != nil || item == nil {
		t.Fatalf("stored contact missing: %v", err)
	}
	if item.ExpiresAt == nil || item.ExpiresAt.Sub(item.CreatedAt) != storage.ContactRetention {
		t.Fatalf("want %v retention got %v", storage.ContactRetention, item.ExpiresAt)
	}
	var c storage.Contact
	if err := json.Unmarshal(item.Data, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Name != "Ada" || c.ID != id {
		t.Fatalf("unexpected stored contact %+v", c)
	}

	_, err = storage.SaveContact(ctx, s, storage.Contact{Name: "x", Email: "nope", Message: "m"}, now)
	if !errors.Is(err, frame.ErrInvalidFrame) {
		t.Fatalf("want InvalidFrame got %v", err)
	}
}
