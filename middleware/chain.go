package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
)

// ErrEndOfChain is returned when the last stage calls next.
var ErrEndOfChain = errors.New("middleware: end of chain")

// Chain is an immutable, ordered list of stages. It is safe for concurrent
// use.
type Chain[Req, Res any] struct {
	stages []Middleware[Req, Res]
	names  []string
}

// CallChain handles method calls.
type CallChain = Chain[CallRequest, json.RawMessage]

// SubscriptionChain handles subscribe calls.
type SubscriptionChain = Chain[SubscriptionRequest, Stream]

// Build runs each builder in order against cfg and keeps the stages that
// participate. The chain must end with the upstream stage. Failures are
// reported as *config.Error against field.
func Build[Req, Res, Cfg any](field string, cfg Cfg, builders []Builder[Req, Res, Cfg], reg *extensions.Registry) (*Chain[Req, Res], error) {
	c := &Chain[Req, Res]{}
	for _, b := range builders {
		m, err := b.Build(cfg, reg)
		if err != nil {
			_ = c.Close()
			return nil, &config.Error{Field: field, Err: fmt.Errorf("%s: %w", b.Name(), err)}
		}
		if m == nil {
			continue
		}
		c.stages = append(c.stages, m)
		c.names = append(c.names, b.Name())
	}
	if len(c.names) == 0 || c.names[len(c.names)-1] != StageUpstream {
		_ = c.Close()
		return nil, config.Errorf(field, "chain must end with the %s stage", StageUpstream)
	}
	return c, nil
}

// Stages returns the names of the participating stages in order.
func (c *Chain[Req, Res]) Stages() []string {
	return append([]string(nil), c.names...)
}

// Call runs the chain. A nil bag is replaced with an empty one.
func (c *Chain[Req, Res]) Call(ctx context.Context, req Req, bag *Bag) (Res, error) {
	if bag == nil {
		bag = NewBag()
	}
	return chainExec[Req, Res]{stages: c.stages}.next(ctx, req, bag)
}

// Close releases stages that hold resources, such as per-method caches.
func (c *Chain[Req, Res]) Close() error {
	var err error
	for _, m := range c.stages {
		if cl, ok := m.(io.Closer); ok {
			err = multierr.Append(err, cl.Close())
		}
	}
	return err
}

// chainExec is scoped to a single call. Each step hands the next stage a
// continuation over the remaining stages.
type chainExec[Req, Res any] struct {
	stages []Middleware[Req, Res]
}

func (x chainExec[Req, Res]) next(ctx context.Context, req Req, bag *Bag) (Res, error) {
	if len(x.stages) == 0 {
		var zero Res
		return zero, ErrEndOfChain
	}
	m := x.stages[0]
	x.stages = x.stages[1:]
	return m.Call(ctx, req, bag, x.next)
}
