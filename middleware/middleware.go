// Package middleware assembles per-method stage chains. Every exposed method
// and subscription gets its own chain, built once at startup from an ordered
// list of builders. Each stage may short-circuit, transform the request
// before calling the rest of the chain, or transform the result after.
package middleware

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/ggoodman/rpc-gateway-go/extensions"
)

// Stage names. The order of the built-in builders is fixed; configuration can
// only narrow the set.
const (
	StageAuth         = "auth"
	StageValidate     = "validate"
	StageInjectParams = "inject_params"
	StageBlockTag     = "block_tag"
	StageCache        = "cache"
	StageDelay        = "delay"
	StageLogging      = "logging"
	StageResponse     = "response"
	StageUpstream     = "upstream"
)

// Next invokes the remainder of a chain.
type Next[Req, Res any] func(ctx context.Context, req Req, bag *Bag) (Res, error)

// Middleware is one stage of a chain.
type Middleware[Req, Res any] interface {
	Call(ctx context.Context, req Req, bag *Bag, next Next[Req, Res]) (Res, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc[Req, Res any] func(ctx context.Context, req Req, bag *Bag, next Next[Req, Res]) (Res, error)

// Call implements Middleware.
func (f MiddlewareFunc[Req, Res]) Call(ctx context.Context, req Req, bag *Bag, next Next[Req, Res]) (Res, error) {
	return f(ctx, req, bag, next)
}

// Builder produces a stage for one method from its configuration. Build
// returns (nil, nil) when the stage does not apply to the method.
type Builder[Req, Res, Cfg any] interface {
	Name() string
	Build(cfg Cfg, reg *extensions.Registry) (Middleware[Req, Res], error)
}

type builderFunc[Req, Res, Cfg any] struct {
	name  string
	build func(Cfg, *extensions.Registry) (Middleware[Req, Res], error)
}

func (b builderFunc[Req, Res, Cfg]) Name() string { return b.name }

func (b builderFunc[Req, Res, Cfg]) Build(cfg Cfg, reg *extensions.Registry) (Middleware[Req, Res], error) {
	return b.build(cfg, reg)
}

// NewBuilder returns a Builder backed by build.
func NewBuilder[Req, Res, Cfg any](name string, build func(Cfg, *extensions.Registry) (Middleware[Req, Res], error)) Builder[Req, Res, Cfg] {
	return builderFunc[Req, Res, Cfg]{name: name, build: build}
}

// Select keeps the builders named in enabled, preserving their order. An
// empty list keeps everything. The upstream builder is always kept.
func Select[Req, Res, Cfg any](builders []Builder[Req, Res, Cfg], enabled []string) []Builder[Req, Res, Cfg] {
	if len(enabled) == 0 {
		return builders
	}
	out := make([]Builder[Req, Res, Cfg], 0, len(builders))
	for _, b := range builders {
		if b.Name() == StageUpstream || slices.Contains(enabled, b.Name()) {
			out = append(out, b)
		}
	}
	return out
}

// CallRequest is a method call travelling down a chain. Method is the
// upstream method name, even when the client used an alias.
type CallRequest struct {
	Method string
	Params json.RawMessage
}

// SubscriptionRequest is a subscribe call travelling down a chain.
type SubscriptionRequest struct {
	Subscribe    string
	Unsubscribe  string
	Notification string
	Params       json.RawMessage
}

// Stream is the value sequence produced by a subscription chain.
// *client.Subscription implements it.
type Stream interface {
	ID() string
	Next(ctx context.Context) (json.RawMessage, error)
	Unsubscribe(ctx context.Context) error
	Err() error
}

// RawParams returns the request params.
func (r CallRequest) RawParams() json.RawMessage { return r.Params }

// WithParams returns a copy of r carrying p.
func (r CallRequest) WithParams(p json.RawMessage) CallRequest {
	r.Params = p
	return r
}

// RawParams returns the request params.
func (r SubscriptionRequest) RawParams() json.RawMessage { return r.Params }

// WithParams returns a copy of r carrying p.
func (r SubscriptionRequest) WithParams(p json.RawMessage) SubscriptionRequest {
	r.Params = p
	return r
}

// ParamsCarrier is implemented by request types whose params stages may
// rewrite.
type ParamsCarrier[R any] interface {
	RawParams() json.RawMessage
	WithParams(json.RawMessage) R
}
