package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ggoodman/rpc-gateway-go/client"
	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

var errNoUpstream = errors.New("no upstream client configured")

func buildUpstream(_ *config.MethodConfig, reg *extensions.Registry) (stage, error) {
	if reg == nil || reg.Client == nil {
		return nil, errNoUpstream
	}
	up := reg.Client
	return stageFunc(func(ctx context.Context, req middleware.CallRequest, _ *middleware.Bag, _ next) (json.RawMessage, error) {
		res, err := up.Request(ctx, req.Method, req.Params)
		if err != nil {
			return nil, UpstreamError(err)
		}
		return res, nil
	}), nil
}

// UpstreamError maps a pool failure onto what the caller should see. Remote
// errors and context errors pass through; pool exhaustion becomes an
// upstream unavailable error.
func UpstreamError(err error) error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, client.ErrRetriesExhausted), errors.Is(err, client.ErrClientClosed), client.IsTransport(err):
		return jsonrpc.NewError(jsonrpc.ErrorCodeUpstreamUnavailable, "upstream unavailable", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return err
}
