// Package methods provides the stage builders for method call chains.
package methods

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

type (
	// Builder builds one stage of a method chain.
	Builder = middleware.Builder[middleware.CallRequest, json.RawMessage, *config.MethodConfig]

	stage = middleware.Middleware[middleware.CallRequest, json.RawMessage]
	next  = middleware.Next[middleware.CallRequest, json.RawMessage]
)

// Builders returns every built-in builder in chain order.
func Builders() []Builder {
	return []Builder{
		newBuilder(middleware.StageAuth, buildAuth),
		newBuilder(middleware.StageValidate, buildValidate),
		newBuilder(middleware.StageInjectParams, buildInject),
		newBuilder(middleware.StageBlockTag, buildBlockTag),
		newBuilder(middleware.StageCache, buildCache),
		newBuilder(middleware.StageDelay, buildDelay),
		newBuilder(middleware.StageLogging, buildLogging),
		newBuilder(middleware.StageResponse, buildResponse),
		newBuilder(middleware.StageUpstream, buildUpstream),
	}
}

// Build assembles the chain for one method from the enabled builders.
func Build(field string, cfg *config.MethodConfig, enabled []string, reg *extensions.Registry) (*middleware.CallChain, error) {
	return middleware.Build(field, cfg, middleware.Select(Builders(), enabled), reg)
}

func newBuilder(name string, build func(*config.MethodConfig, *extensions.Registry) (stage, error)) Builder {
	return middleware.NewBuilder(name, build)
}

func stageFunc(f func(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error)) stage {
	return middleware.MiddlewareFunc[middleware.CallRequest, json.RawMessage](f)
}
