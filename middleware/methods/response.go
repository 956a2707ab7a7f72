package methods

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

func buildResponse(cfg *config.MethodConfig, _ *extensions.Registry) (stage, error) {
	rc := cfg.Response
	if rc == nil {
		return nil, nil
	}
	switch {
	case rc.Replace != nil:
		fixed, err := json.Marshal(rc.Replace)
		if err != nil {
			return nil, fmt.Errorf("replace: %w", err)
		}
		return stageFunc(func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
			if _, err := next(ctx, req, bag); err != nil {
				return nil, err
			}
			return fixed, nil
		}), nil
	case rc.Field != "":
		field := rc.Field
		return stageFunc(func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
			res, err := next(ctx, req, bag)
			if err != nil {
				return nil, err
			}
			return extractField(res, field), nil
		}), nil
	}
	return nil, nil
}

// extractField returns the named member of an object result, or null when it
// is absent. Non-object results pass through unchanged.
func extractField(res json.RawMessage, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(res, &obj); err != nil || obj == nil {
		return res
	}
	if v, ok := obj[field]; ok {
		return v
	}
	return json.RawMessage("null")
}
