// Package subscriptions provides the stage builders for subscription chains.
// A subscription chain runs once per subscribe call and yields the upstream
// value stream; pushes are not routed through the stages.
package subscriptions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
	"github.com/ggoodman/rpc-gateway-go/internal/params"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/middleware/methods"
	"github.com/ggoodman/rpc-gateway-go/middleware/stages"
)

type (
	// Builder builds one stage of a subscription chain.
	Builder = middleware.Builder[middleware.SubscriptionRequest, middleware.Stream, *config.SubscriptionConfig]

	stage = middleware.Middleware[middleware.SubscriptionRequest, middleware.Stream]
	next  = middleware.Next[middleware.SubscriptionRequest, middleware.Stream]
)

// Builders returns every built-in builder in chain order.
func Builders() []Builder {
	return []Builder{
		middleware.NewBuilder(middleware.StageAuth, buildAuth),
		middleware.NewBuilder(middleware.StageValidate, buildValidate),
		middleware.NewBuilder(middleware.StageInjectParams, buildInject),
		middleware.NewBuilder(middleware.StageLogging, buildLogging),
		middleware.NewBuilder(middleware.StageUpstream, buildUpstream),
	}
}

// Build assembles the chain for one subscription from the enabled builders.
func Build(field string, cfg *config.SubscriptionConfig, enabled []string, reg *extensions.Registry) (*middleware.SubscriptionChain, error) {
	return middleware.Build(field, cfg, middleware.Select(Builders(), enabled), reg)
}

func buildAuth(cfg *config.SubscriptionConfig, reg *extensions.Registry) (stage, error) {
	if reg == nil || reg.Auth == nil || cfg.Public {
		return nil, nil
	}
	return stages.Auth[middleware.SubscriptionRequest, middleware.Stream](reg.Auth, reg.Logger()), nil
}

func buildValidate(cfg *config.SubscriptionConfig, _ *extensions.Registry) (stage, error) {
	if len(cfg.Params) == 0 {
		return nil, nil
	}
	set, err := params.Compile(cfg.Params)
	if err != nil {
		return nil, err
	}
	return stages.Validate[middleware.SubscriptionRequest, middleware.Stream](set), nil
}

func buildInject(cfg *config.SubscriptionConfig, _ *extensions.Registry) (stage, error) {
	set, err := params.Compile(cfg.Params)
	if err != nil {
		return nil, err
	}
	if !set.HasDefaults() {
		return nil, nil
	}
	return stages.Inject[middleware.SubscriptionRequest, middleware.Stream](set), nil
}

func buildLogging(_ *config.SubscriptionConfig, reg *extensions.Registry) (stage, error) {
	var tracer opentracing.Tracer
	if reg != nil {
		tracer = reg.Tracer
	}
	log := reg.Logger()
	return middleware.MiddlewareFunc[middleware.SubscriptionRequest, middleware.Stream](
		func(ctx context.Context, req middleware.SubscriptionRequest, bag *middleware.Bag, next next) (middleware.Stream, error) {
			ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Subscribe, Type: "subscription"})
			ctx, span := stages.StartSpan(ctx, tracer, bag, req.Subscribe, log)

			start := time.Now()
			s, err := next(ctx, req, bag)
			stages.FinishSpan(ctx, span, err, log)
			if err != nil {
				log.InfoContext(ctx, "rpc.subscribe.fail", slog.Duration("duration", time.Since(start)), slog.String("err", err.Error()))
				return nil, err
			}
			log.DebugContext(ctx, "rpc.subscribe.ok", slog.Duration("duration", time.Since(start)), slog.String("subscription", s.ID()))
			return s, nil
		}), nil
}

func buildUpstream(_ *config.SubscriptionConfig, reg *extensions.Registry) (stage, error) {
	if reg == nil || reg.Client == nil {
		return nil, errors.New("no upstream client configured")
	}
	up := reg.Client
	return middleware.MiddlewareFunc[middleware.SubscriptionRequest, middleware.Stream](
		func(ctx context.Context, req middleware.SubscriptionRequest, _ *middleware.Bag, _ next) (middleware.Stream, error) {
			sub, err := up.Subscribe(ctx, req.Subscribe, req.Params, req.Unsubscribe)
			if err != nil {
				return nil, methods.UpstreamError(err)
			}
			return sub, nil
		}), nil
}
