// Package memory is an in-process storage.Storage backed by a bounded LRU.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/sportstream-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage keeps items in a fixed-size LRU. The least recently used item is
// evicted when it is full.
type Storage struct {
	items *lru.Cache[string, *storage.Item]
	now   func() time.Time
}

// Option configures Storage.
type Option func(*Storage)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option { return func(s *Storage) { s.now = now } }

// New creates a Storage holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Storage, error) {
	items, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s := &Storage{items: items, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := storage.NamespaceKey(o.Namespace, key)
	item, ok := s.items.Get(k)
	if !ok {
		return nil, nil
	}
	if item.Expired(s.now()) {
		s.items.Remove(k)
		return nil, nil
	}
	cp := *item
	cp.Data = append([]byte(nil), item.Data...)
	return &cp, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	now := s.now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.items.Add(storage.NamespaceKey(o.Namespace, key), item)
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		s.items.Remove(storage.NamespaceKey(o.Namespace, *o.Key))
		return nil
	}
	// LRU has no prefix iteration; namespace deletes are rare.
	prefix := storage.NamespaceKey(o.Namespace, "")
	for _, k := range s.items.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.items.Remove(k)
		}
	}
	return nil
}

// Sweep drops expired items and returns how many were removed.
func (s *Storage) Sweep() int {
	now := s.now()
	n := 0
	for _, k := range s.items.Keys() {
		if item, ok := s.items.Peek(k); ok && item.Expired(now) {
			s.items.Remove(k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Storage) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep()
		}
	}
}

// Len reports the number of stored items, expired ones included.
func (s *Storage) Len() int { return s.items.Len() }

func (s *Storage) Close() error {
	s.items.Purge()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
