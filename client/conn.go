package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
	"github.com/ggoodman/rpc-gateway-go/internal/outbound"
)

// maxClosedSubscriptions bounds how many released subscription ids a
// connection remembers so that pushes racing an unsubscribe are dropped quietly.
const maxClosedSubscriptions = 256

// connection is one live transport to an endpoint. It owns a single reader
// goroutine that demultiplexes inbound frames into the correlation table and
// the subscription table.
type connection struct {
	ep   *Endpoint
	raw  Conn
	disp *outbound.Dispatcher
	log  *slog.Logger
	ctx  context.Context

	wmu sync.Mutex

	smu         sync.Mutex
	subs        map[string]*Subscription
	closedSubs  map[string]struct{}
	closedOrder []string

	done      chan struct{}
	closeOnce sync.Once
	err       error
	rawErr    error
}

func newConnection(ep *Endpoint, raw Conn) *connection {
	c := &connection{
		ep:         ep,
		raw:        raw,
		log:        ep.log,
		ctx:        logctx.WithEndpointData(context.Background(), &logctx.EndpointData{URL: ep.url, Index: ep.index}),
		subs:       make(map[string]*Subscription),
		closedSubs: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	c.disp = outbound.New(c)
	go c.readLoop()
	return c
}

// SendRequest implements outbound.Transport.
func (c *connection) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.raw.WriteMessage(ctx, b); err != nil {
		terr := &TransportError{Endpoint: c.ep.url, Op: "write", Err: err}
		c.fail(terr, true)
		return terr
	}
	return nil
}

// call performs one request on this connection. Remote errors are returned as
// *jsonrpc.Error.
func (c *connection) call(ctx context.Context, method string, params json.RawMessage, opts ...outbound.CallOption) (json.RawMessage, error) {
	resp, err := c.disp.Call(ctx, method, params, opts...)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// subscribe performs the subscribe handshake. The subscription is installed by
// the reader as soon as the acknowledgment is demultiplexed, before any later
// frame is looked at.
func (c *connection) subscribe(ctx context.Context, method string, params json.RawMessage, unsubscribeMethod string) (*Subscription, error) {
	var sub *Subscription
	var idErr error
	install := outbound.OnResolve(func(resp *jsonrpc.Response) {
		if resp.Error != nil {
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(resp.Result, &id); err != nil || id.IsNil() {
			idErr = fmt.Errorf("%w: invalid subscription id %s", ErrProtocol, string(resp.Result))
			return
		}
		sub = newSubscription(c, &id, unsubscribeMethod, c.ep.opts.subBuffer)
		c.smu.Lock()
		c.subs[sub.ID()] = sub
		c.smu.Unlock()
		c.ep.opts.metrics.SubscriptionOpened()
	})

	if _, err := c.call(ctx, method, params, install); err != nil {
		return nil, err
	}
	if idErr != nil {
		return nil, idErr
	}
	return sub, nil
}

func (c *connection) readLoop() {
	for {
		data, err := c.raw.ReadMessage()
		if err != nil {
			c.fail(&TransportError{Endpoint: c.ep.url, Op: "read", Err: err}, true)
			return
		}
		if err := c.handleFrame(data); err != nil {
			c.log.WarnContext(c.ctx, "endpoint.protocol.fail", slog.String("err", err.Error()))
			c.fail(&TransportError{Endpoint: c.ep.url, Op: "read", Err: err}, true)
			return
		}
	}
}

func (c *connection) handleFrame(data []byte) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch msg.Type() {
	case jsonrpc.TypeResponse:
		if err := c.disp.OnResponse(msg.AsResponse()); err != nil {
			return fmt.Errorf("%w: %v (id %s)", ErrProtocol, err, msg.ID.String())
		}
		return nil
	case jsonrpc.TypeSubscription:
		p, _ := msg.AsSubscription()
		c.route(p)
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s frame %q", ErrProtocol, msg.Type(), msg.Method)
	}
}

func (c *connection) route(p *jsonrpc.SubscriptionParams) {
	key := p.Subscription.String()
	c.smu.Lock()
	sub, ok := c.subs[key]
	_, released := c.closedSubs[key]
	c.smu.Unlock()

	if !ok {
		if !released {
			c.log.DebugContext(c.ctx, "subscription.push.drop", slog.String("subscription", key))
		}
		return
	}
	sub.push(p.Result, c.done)
}

// release removes a subscription from the table and remembers its id.
func (c *connection) release(sub *Subscription) {
	key := sub.ID()
	c.smu.Lock()
	if _, ok := c.subs[key]; !ok {
		c.smu.Unlock()
		return
	}
	delete(c.subs, key)
	c.closedSubs[key] = struct{}{}
	c.closedOrder = append(c.closedOrder, key)
	if len(c.closedOrder) > maxClosedSubscriptions {
		delete(c.closedSubs, c.closedOrder[0])
		c.closedOrder = c.closedOrder[1:]
	}
	c.smu.Unlock()
	c.ep.opts.metrics.SubscriptionClosed()
}

// fail terminates the connection. Pending calls fail with err, which must be a
// transport error, and every subscription ends.
func (c *connection) fail(err error, failed bool) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.rawErr = c.raw.Close()
		c.ep.connectionLost(c, failed)
		c.disp.Close(err)

		c.smu.Lock()
		subs := make([]*Subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.smu.Unlock()
		for _, s := range subs {
			c.release(s)
			s.end(err)
		}

		if failed {
			c.log.WarnContext(c.ctx, "endpoint.connection.fail", slog.String("err", err.Error()))
		}
	})
}

func (c *connection) close() error {
	c.fail(&TransportError{Endpoint: c.ep.url, Op: "close", Err: ErrConnectionClosed}, false)
	if errors.Is(c.err, ErrConnectionClosed) {
		return c.rawErr
	}
	return nil
}

func (c *connection) closedErr() error {
	<-c.done
	return c.err
}

func (c *connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
