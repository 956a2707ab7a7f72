// Package stages holds the stage implementations shared by method and
// subscription chains.
package stages

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/internal/params"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

// Auth rejects calls without a valid bearer token and records the verified
// claims in the bag.
func Auth[Req, Res any](v extensions.Verifier, log *slog.Logger) middleware.Middleware[Req, Res] {
	return middleware.MiddlewareFunc[Req, Res](func(ctx context.Context, req Req, bag *middleware.Bag, next middleware.Next[Req, Res]) (Res, error) {
		claims, err := v.Verify(ctx, middleware.BearerToken(bag))
		if err != nil {
			log.DebugContext(ctx, "auth.reject", slog.String("err", err.Error()))
			var zero Res
			return zero, jsonrpc.NewError(jsonrpc.ErrorCodeUnauthorized, "unauthorized", nil)
		}
		middleware.Set(bag, middleware.ClaimsKey, claims)
		return next(ctx, req, bag)
	})
}

// Validate rejects calls whose params do not match set.
func Validate[Req middleware.ParamsCarrier[Req], Res any](set *params.Set) middleware.Middleware[Req, Res] {
	return middleware.MiddlewareFunc[Req, Res](func(ctx context.Context, req Req, bag *middleware.Bag, next middleware.Next[Req, Res]) (Res, error) {
		if err := set.Validate(req.RawParams()); err != nil {
			var zero Res
			return zero, err
		}
		return next(ctx, req, bag)
	})
}

// Inject pads missing optional params with their configured defaults.
func Inject[Req middleware.ParamsCarrier[Req], Res any](set *params.Set) middleware.Middleware[Req, Res] {
	return middleware.MiddlewareFunc[Req, Res](func(ctx context.Context, req Req, bag *middleware.Bag, next middleware.Next[Req, Res]) (Res, error) {
		p, err := set.Inject(req.RawParams())
		if err != nil {
			var zero Res
			return zero, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error())
		}
		return next(ctx, req.WithParams(p), bag)
	})
}

// StartSpan opens a server span for operation, continuing a trace propagated
// in the inbound headers when present. The span is stored in the bag and in
// the returned context. A nil tracer or a panic inside the tracer yields a nil
// span so the call itself proceeds.
func StartSpan(ctx context.Context, tracer opentracing.Tracer, bag *middleware.Bag, operation string, log *slog.Logger) (out context.Context, span opentracing.Span) {
	if tracer == nil {
		return ctx, nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "tracing.panic", slog.Any("panic", r))
			out, span = ctx, nil
		}
	}()

	opts := []opentracing.StartSpanOption{ext.SpanKindRPCServer}
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	} else if h, ok := middleware.Get(bag, middleware.HeadersKey); ok {
		sc, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(h))
		if err == nil {
			opts = append(opts, ext.RPCServerOption(sc))
		} else if !errors.Is(err, opentracing.ErrSpanContextNotFound) {
			log.DebugContext(ctx, "tracing.extract.fail", slog.String("err", err.Error()))
		}
	}
	span = tracer.StartSpan(operation, opts...)
	if id, ok := middleware.Get(bag, middleware.RequestIDKey); ok {
		span.SetTag("request.id", id)
	}
	middleware.Set(bag, middleware.SpanKey, span)
	return opentracing.ContextWithSpan(ctx, span), span
}

// FinishSpan records err on span and finishes it. Panics are logged and
// swallowed.
func FinishSpan(ctx context.Context, span opentracing.Span, err error, log *slog.Logger) {
	if span == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "tracing.panic", slog.Any("panic", r))
		}
	}()
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("event", "error", "message", err.Error())
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			span.SetTag("rpc.error_code", int(rpcErr.Code))
		}
	}
	span.Finish()
}
