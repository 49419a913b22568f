// Package cache implements the origin cache: a bounded, TTL-aware LRU in front
// of upstream reads that collapses concurrent misses for the same fingerprint
// into a single fetch.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// TTL classes for cached reads.
const (
	TTLTeams     = 300 * time.Second
	TTLLiveGame  = 60 * time.Second
	TTLPressure  = 5 * time.Second
	MaxNegative  = 2 * time.Second
	DefaultSize  = 50000
	defaultSweep = 30 * time.Second
)

// Value is an immutable cached response. Callers must not modify Body.
type Value struct {
	Body        []byte
	ContentType string
	ETag        string
	StoredAt    time.Time
	ExpiresAt   time.Time
}

// FetchFunc produces a fresh value on a miss. The context it receives is
// detached from any single caller and bounded by the cache's fetch timeout.
type FetchFunc func(ctx context.Context) (Value, error)

type entry struct {
	val       Value
	err       error
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries      int    `json:"entries"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Fetches      uint64 `json:"fetches"`
	NegativeHits uint64 `json:"negativeHits"`
	Evictions    uint64 `json:"evictions"`
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, *entry]
	group   singleflight.Group
	log     *slog.Logger
	now     func() time.Time

	negativeTTL   time.Duration
	fetchTimeout  time.Duration
	sweepInterval time.Duration

	hits, misses, fetches, negHits, evictions atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used by the cache.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithNegativeTTL sets how long a failed fetch suppresses new fetches. Values
// above MaxNegative are clamped.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.negativeTTL = min(max(d, 0), MaxNegative)
	}
}

// WithFetchTimeout bounds every fetch regardless of caller deadlines.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithSweepInterval sets how often Run removes expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// New creates a cache holding at most size entries.
func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{
		log:           slog.Default(),
		now:           time.Now,
		negativeTTL:   time.Second,
		fetchTimeout:  15 * time.Second,
		sweepInterval: defaultSweep,
	}
	for _, opt := range opts {
		opt(c)
	}
	l, err := lru.NewWithEvict[string, *entry](size, func(string, *entry) { c.evictions.Add(1) })
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	c.entries = l
	return c, nil
}

// LookupOrFetch returns the unexpired value for fingerprint, joins an
// in-flight fetch for it, or starts one. All callers joined to one fetch see
// the same value or the same error. A caller whose ctx ends first receives
// Timeout while the fetch continues for the others.
func (c *Cache) LookupOrFetch(ctx context.Context, fingerprint string, ttl time.Duration, fetch FetchFunc) (Value, error) {
	if v, err, ok := c.lookup(fingerprint); ok {
		return v, err
	}
	c.misses.Add(1)

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		// A flight that finished between our lookup and DoChan already stored a result.
		if e, ok := c.peekFresh(fingerprint); ok {
			return e.val, e.err
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		c.fetches.Add(1)
		v, err := fetch(fctx)
		now := c.now()
		if err != nil {
			err = frame.FromContext(err)
			if c.negativeTTL > 0 {
				c.entries.Add(fingerprint, &entry{err: err, expiresAt: now.Add(c.negativeTTL)})
			} else {
				c.entries.Remove(fingerprint)
			}
			c.log.DebugContext(ctx, "cache.fetch.fail", slog.String("fp", fingerprint), slog.String("err", err.Error()))
			return Value{}, err
		}
		return c.store(fingerprint, v, ttl, now), nil
	})
	return wait(ctx, ch)
}

// Refresh fetches fingerprint even when a fresh value is cached. A
// successful fetch replaces the entry. A failed one leaves whatever was
// cached in place and is reported only to the caller.
func (c *Cache) Refresh(ctx context.Context, fingerprint string, ttl time.Duration, fetch FetchFunc) (Value, error) {
	ch := c.group.DoChan(refreshKey+fingerprint, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		c.fetches.Add(1)
		v, err := fetch(fctx)
		if err != nil {
			err = frame.FromContext(err)
			c.log.DebugContext(ctx, "cache.refresh.fail", slog.String("fp", fingerprint), slog.String("err", err.Error()))
			return Value{}, err
		}
		return c.store(fingerprint, v, ttl, c.now()), nil
	})
	return wait(ctx, ch)
}

// refreshKey keeps refresh flights apart from lookups, which may return a
// cached value instead of fetching.
const refreshKey = "refresh\x00"

func (c *Cache) store(fingerprint string, v Value, ttl time.Duration, now time.Time) Value {
	if v.ETag == "" {
		v.ETag = ETag(v.Body)
	}
	v.StoredAt = now
	v.ExpiresAt = now.Add(ttl)
	c.entries.Add(fingerprint, &entry{val: v, expiresAt: v.ExpiresAt})
	return v
}

func wait(ctx context.Context, ch <-chan singleflight.Result) (Value, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return Value{}, res.Err
		}
		return res.Val.(Value), nil
	case <-ctx.Done():
		return Value{}, frame.FromContext(ctx.Err())
	}
}

// Get returns an unexpired successful value without fetching.
func (c *Cache) Get(fingerprint string) (Value, bool) {
	e, ok := c.peekFresh(fingerprint)
	if !ok || e.err != nil {
		return Value{}, false
	}
	return e.val, true
}

func (c *Cache) lookup(fp string) (Value, error, bool) {
	e, ok := c.entries.Get(fp)
	if !ok {
		return Value{}, nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(fp)
		return Value{}, nil, false
	}
	if e.err != nil {
		c.negHits.Add(1)
		return Value{}, e.err, true
	}
	c.hits.Add(1)
	return e.val, nil, true
}

func (c *Cache) peekFresh(fp string) (*entry, bool) {
	e, ok := c.entries.Peek(fp)
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

// Sweep removes every expired entry and reports how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	n := 0
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && !now.Before(e.expiresAt) {
			c.entries.Remove(k)
			n++
		}
	}
	return n
}

// Run sweeps expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.log.DebugContext(ctx, "cache.sweep", slog.Int("removed", n))
			}
		}
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:      c.entries.Len(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Fetches:      c.fetches.Load(),
		NegativeHits: c.negHits.Load(),
		Evictions:    c.evictions.Load(),
	}
}

// ETag computes a strong entity tag for body.
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
