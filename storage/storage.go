// Package storage defines the key-value store behind the result cache. Items
// live in a per-method namespace or in the global namespace.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is implemented by every cache backend.
type Storage interface {
	// Get retrieves data for a key within the given namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns an error only for storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key is specified via WithKey, the whole namespace is removed.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend's resources.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options collects the settings of one storage operation.
type Options struct {
	Method string         // namespace; empty means global
	Key    *string        // for Delete
	TTL    *time.Duration // for Set
}

// Apply builds Options from opts.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMethod scopes the operation to the namespace of one RPC method.
func WithMethod(method string) Option {
	return func(o *Options) {
		o.Method = method
	}
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data. Non-positive values mean no
// expiration.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = &ttl
		}
	}
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")
