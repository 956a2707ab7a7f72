package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

func buildDelay(cfg *config.MethodConfig, _ *extensions.Registry) (stage, error) {
	if cfg.Delay <= 0 {
		return nil, nil
	}
	d := cfg.Delay
	return stageFunc(func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return next(ctx, req, bag)
	}), nil
}
