// Package extensions holds the shared components that middleware builders draw
// on when a chain is assembled. A nil field means the component is not
// configured; builders that need it decline to participate.
package extensions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentracing/opentracing-go"

	"github.com/ggoodman/rpc-gateway-go/client"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/storage"
)

// Upstream is the subset of *client.Client the upstream stages call.
type Upstream interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Subscribe(ctx context.Context, method string, params json.RawMessage, unsubscribeMethod string) (*client.Subscription, error)
}

// Head reports the latest known block number.
type Head interface {
	Latest() (uint64, bool)
}

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (jwt.MapClaims, error)
}

// Registry is built once at startup and shared by every chain.
type Registry struct {
	Client   Upstream
	Cache    storage.Storage
	CacheTTL time.Duration
	Head     Head
	Tracer   opentracing.Tracer
	Auth     Verifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Logger returns the registry logger or the default logger.
func (r *Registry) Logger() *slog.Logger {
	if r == nil || r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
