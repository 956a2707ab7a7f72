package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/middleware/stages"
)

func buildLogging(cfg *config.MethodConfig, reg *extensions.Registry) (stage, error) {
	var tracer opentracing.Tracer
	if reg != nil {
		tracer = reg.Tracer
	}
	log := reg.Logger()
	return stageFunc(func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "request"})
		ctx, span := stages.StartSpan(ctx, tracer, bag, req.Method, log)

		start := time.Now()
		res, err := next(ctx, req, bag)
		elapsed := time.Since(start)

		stages.FinishSpan(ctx, span, err, log)
		if err != nil {
			log.InfoContext(ctx, "rpc.call.fail", slog.Duration("duration", elapsed), slog.String("err", err.Error()))
		} else {
			log.DebugContext(ctx, "rpc.call.ok", slog.Duration("duration", elapsed), slog.Int("result_bytes", len(res)))
		}
		return res, err
	}), nil
}
