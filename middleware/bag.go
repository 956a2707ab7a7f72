package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentracing/opentracing-go"
)

// Bag carries typed values alongside one inbound call. The gateway creates a
// fresh Bag per call; stages read and write it through typed keys.
type Bag struct {
	mu     sync.RWMutex
	values map[any]any
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{values: make(map[any]any)}
}

// Key identifies a value of type T. Keys compare by identity, so two keys
// created with the same name are distinct.
type Key[T any] struct {
	name string
}

// NewKey creates a key for values of type T.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string { return k.name }

// Set stores v under k.
func Set[T any](b *Bag, k *Key[T], v T) {
	b.mu.Lock()
	b.values[k] = v
	b.mu.Unlock()
}

// Get returns the value stored under k. A nil bag holds nothing.
func Get[T any](b *Bag, k *Key[T]) (T, bool) {
	var zero T
	if b == nil {
		return zero, false
	}
	b.mu.RLock()
	v, ok := b.values[k]
	b.mu.RUnlock()
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Delete removes the value stored under k.
func Delete[T any](b *Bag, k *Key[T]) {
	b.mu.Lock()
	delete(b.values, k)
	b.mu.Unlock()
}

// Keys written by the gateway and by the built-in stages.
var (
	// HeadersKey holds the inbound HTTP request headers.
	HeadersKey = NewKey[http.Header]("headers")
	// RemoteAddrKey holds the client's network address.
	RemoteAddrKey = NewKey[string]("remote_addr")
	// RequestIDKey holds the gateway-assigned request id.
	RequestIDKey = NewKey[string]("request_id")
	// CacheBypassKey is true when the client sent Cache-Control: no-cache.
	CacheBypassKey = NewKey[bool]("cache_bypass")
	// ClaimsKey holds the verified bearer token claims.
	ClaimsKey = NewKey[jwt.MapClaims]("claims")
	// SpanKey holds the span opened by the logging stage.
	SpanKey = NewKey[opentracing.Span]("span")
)

// BearerToken returns the token of an "Authorization: Bearer" header, if any.
func BearerToken(b *Bag) string {
	h, ok := Get(b, HeadersKey)
	if !ok {
		return ""
	}
	v := h.Get("Authorization")
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(v[7:])
}
