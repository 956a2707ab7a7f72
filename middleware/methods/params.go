package methods

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/params"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/middleware/stages"
)

func buildValidate(cfg *config.MethodConfig, _ *extensions.Registry) (stage, error) {
	if len(cfg.Params) == 0 {
		return nil, nil
	}
	set, err := params.Compile(cfg.Params)
	if err != nil {
		return nil, err
	}
	return stages.Validate[middleware.CallRequest, json.RawMessage](set), nil
}

func buildInject(cfg *config.MethodConfig, _ *extensions.Registry) (stage, error) {
	set, err := params.Compile(cfg.Params)
	if err != nil {
		return nil, err
	}
	if !set.HasDefaults() {
		return nil, nil
	}
	return stages.Inject[middleware.CallRequest, json.RawMessage](set), nil
}

func buildBlockTag(cfg *config.MethodConfig, reg *extensions.Registry) (stage, error) {
	if reg == nil || reg.Head == nil {
		return nil, nil
	}
	set, err := params.Compile(cfg.Params)
	if err != nil {
		return nil, err
	}
	if set.BlockTagIndex() < 0 {
		return nil, nil
	}
	head := reg.Head
	return stageFunc(func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
		n, ok := head.Latest()
		if !ok {
			return next(ctx, req, bag)
		}
		p, err := set.PinBlock(req.Params, n)
		if err != nil {
			return next(ctx, req, bag)
		}
		return next(ctx, req.WithParams(p), bag)
	}), nil
}
