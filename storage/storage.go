// Package storage is the key/value collaborator the gateway hands
// write-mostly data to, such as contact form submissions. The gateway core
// never depends on reading it back.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key/value store with optional expiry.
type Storage interface {
	// Get returns the item stored under key, or nil when it does not exist or
	// has expired. An error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is given, otherwise every key
	// in the namespace.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil never expires
}

// Expired reports whether the item has expired at now.
func (it *Item) Expired(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the parsed form of a list of Option.
type Options struct {
	Namespace string // empty means the global namespace
	Key       *string
	TTL       *time.Duration
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets an expiry on Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned for option combinations a backend cannot serve.
var ErrInvalidOptions = errors.New("storage: invalid option combination")

// NamespaceKey renders the backend-independent key layout shared by the
// implementations.
func NamespaceKey(ns, key string) string {
	if ns == "" {
		ns = "global"
	}
	return ns + ":" + key
}
