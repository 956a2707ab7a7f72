// Package client is a JSON-RPC client over a fixed pool of interchangeable
// endpoints. Calls go to the current endpoint and fail over to the next one on
// transport errors; operators may rotate the current endpoint at any time.
//
// Failover retries a call that may already have reached a backend which then
// lost its connection, so a non-idempotent method can execute more than once.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
)

// Client is safe for concurrent use.
type Client struct {
	endpoints []*Endpoint
	current   atomic.Int64
	opts      options
	log       *slog.Logger
	closed    atomic.Bool
}

// New builds a pool over urls, in order, and starts connecting to the first one.
func New(urls []string, opts ...Option) (*Client, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	c := &Client{opts: defaultOptions()}
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.log = c.opts.log
	for i, u := range urls {
		c.endpoints = append(c.endpoints, newEndpoint(u, i, &c.opts))
	}
	c.endpoints[0].warm()
	return c, nil
}

// Endpoints returns the endpoint URLs in pool order.
func (c *Client) Endpoints() []string {
	out := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = ep.url
	}
	return out
}

// Current returns the index of the current endpoint.
func (c *Client) Current() int { return int(c.current.Load()) }

// States returns the connection state of every endpoint in pool order.
func (c *Client) States() []State {
	out := make([]State, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = ep.State()
	}
	return out
}

// Request calls method on the current endpoint and returns its result. A remote
// JSON-RPC error is returned as *jsonrpc.Error without retrying. A transport
// failure advances the current endpoint by one and retries, at most once per
// endpoint. When every endpoint failed the error wraps ErrRetriesExhausted and
// each attempt's error.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return failover(c, ctx, method, func(ctx context.Context, conn *connection) (json.RawMessage, error) {
		return conn.call(ctx, method, params)
	})
}

// Subscribe performs the subscribe handshake with failover and returns the
// resulting subscription. The subscription is bound to the connection that
// acknowledged it and ends when that connection terminates; it is not
// re-established elsewhere.
func (c *Client) Subscribe(ctx context.Context, method string, params json.RawMessage, unsubscribeMethod string) (*Subscription, error) {
	return failover(c, ctx, method, func(ctx context.Context, conn *connection) (*Subscription, error) {
		return conn.subscribe(ctx, method, params, unsubscribeMethod)
	})
}

// RotateEndpoint advances the current endpoint by exactly one position and
// starts connecting to it in the background. It does not wait for the
// connection; a request that finds the new endpoint unusable fails over as usual.
func (c *Client) RotateEndpoint() {
	n := int64(len(c.endpoints))
	for {
		i := c.current.Load()
		next := (i + 1) % n
		if c.current.CompareAndSwap(i, next) {
			c.opts.metrics.Rotation()
			c.log.Info("endpoint.rotate", slog.Int64("from", i), slog.Int64("to", next))
			if !c.closed.Load() {
				c.endpoints[next].warm()
			}
			return
		}
	}
}

// Close closes every endpoint connection. Pending calls fail and subscriptions end.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, ep := range c.endpoints {
		err = multierr.Append(err, ep.close())
	}
	return err
}

func failover[T any](c *Client, ctx context.Context, method string, op func(context.Context, *connection) (T, error)) (T, error) {
	var zero T
	var errs error
	n := int64(len(c.endpoints))

	for try := int64(0); try < n; try++ {
		if c.closed.Load() {
			return zero, ErrClientClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		i := c.current.Load()
		ep := c.endpoints[i]
		res, err := attempt(ctx, ep, c.opts.requestTimeout, op)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !IsTransport(err) {
			return zero, err
		}

		errs = multierr.Append(errs, err)
		if c.current.CompareAndSwap(i, (i+1)%n) {
			c.opts.metrics.Failover(ep.url)
		}
		actx := logctx.WithEndpointData(ctx, &logctx.EndpointData{URL: ep.url, Index: int(i)})
		c.log.WarnContext(actx, "endpoint.failover",
			slog.String("method", method),
			slog.Int64("attempt", try+1),
			slog.String("err", err.Error()))
	}

	return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, errs)
}

// attempt runs op once against ep. Expiry of the per-attempt timeout is
// reported as a transport error; cancellation of ctx itself is not.
func attempt[T any](ctx context.Context, ep *Endpoint, timeout time.Duration, op func(context.Context, *connection) (T, error)) (T, error) {
	var zero T
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := ep.connect(actx)
	if err == nil {
		var res T
		res, err = op(actx, conn)
		if err == nil {
			return res, nil
		}
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return zero, &TransportError{Endpoint: ep.url, Op: "timeout", Err: err}
	}
	return zero, err
}
