// Package memory provides an in-memory storage.Storage backed by
// github.com/hashicorp/golang-lru/v2, with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/rpc-gateway-go/storage"
)

const cleanupInterval = time.Minute

// Storage implements storage.Storage in memory. The least recently used item
// is evicted once maxItems is reached.
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a store holding at most maxItems items.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		stop:  make(chan struct{}),
	}

	go s.cleanupExpired()

	return s, nil
}

// Get retrieves data for a key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Method, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores data for a key within the given namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Method, key)

	now := time.Now()
	item := &storage.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

// Delete removes one key, or the whole namespace when no key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Method, *options.Key))
		return nil
	}

	prefix := namespacePrefix(options.Method)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of stored items, expired ones included.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Len()
}

// Close drops every item and stops the background cleanup.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.cache.Purge()
		s.mu.Unlock()
	})
	return nil
}

func buildKey(method, key string) string {
	return namespacePrefix(method) + key
}

func namespacePrefix(method string) string {
	if method == "" {
		return "global:"
	}
	return "method:" + method + ":"
}

// cleanupExpired periodically removes expired items until Close.
func (s *Storage) cleanupExpired() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
