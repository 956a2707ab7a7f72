package methods

import (
	"encoding/json"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/middleware/stages"
)

func buildAuth(cfg *config.MethodConfig, reg *extensions.Registry) (stage, error) {
	if reg == nil || reg.Auth == nil || cfg.Public {
		return nil, nil
	}
	return stages.Auth[middleware.CallRequest, json.RawMessage](reg.Auth, reg.Logger()), nil
}
