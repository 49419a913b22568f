// Package redis is a storage.Storage backed by Redis. Expiry is delegated to
// Redis key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/sportstream-go/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "sportstream:storage:"

// Config configures the Redis store.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// Storage implements storage.Storage on Redis strings.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis store. The client is required.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix, now: time.Now}, nil
}

func (s *Storage) key(ns, key string) string {
	return s.keyPrefix + storage.NamespaceKey(ns, key)
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := s.key(o.Namespace, key)
	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	var it storedItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	item := &storage.Item{Data: it.Data, CreatedAt: it.CreatedAt, ExpiresAt: it.ExpiresAt}
	if item.Expired(s.now()) {
		s.client.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	k := s.key(o.Namespace, key)
	now := s.now()
	it := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		it.ExpiresAt = &exp
		ttl = *o.TTL
	}
	b, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := s.client.Set(ctx, k, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		return nil
	}

	pattern := s.key(o.Namespace, "*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete namespace %q: %w", o.Namespace, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks connectivity for health reporting.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) Close() error {
	return s.client.Close()
}

var _ storage.Storage = (*Storage)(nil)
