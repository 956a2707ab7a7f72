package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
)

// State is the connection state of an Endpoint.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Endpoint is one backend address and its current connection. Connections are
// established lazily and at most one dial is in flight at a time.
type Endpoint struct {
	url   string
	index int
	opts  *options
	log   *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *connection
	dialing chan struct{}
	dialErr error
	closed  bool
}

func newEndpoint(url string, index int, opts *options) *Endpoint {
	return &Endpoint{
		url:   url,
		index: index,
		opts:  opts,
		log:   opts.log.With(slog.String("endpoint", url)),
	}
}

// URL returns the endpoint address.
func (e *Endpoint) URL() string { return e.url }

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// connect returns the live connection, dialing if there is none. Callers that
// arrive while a dial is in flight wait for its outcome instead of dialing again.
// A caller giving up does not abort the shared dial.
func (e *Endpoint) connect(ctx context.Context) (*connection, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClientClosed
	}
	if e.state == Connected && e.conn != nil {
		c := e.conn
		e.mu.Unlock()
		return c, nil
	}
	ch := e.startDialLocked()
	e.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Connected && e.conn != nil {
		return e.conn, nil
	}
	if e.closed {
		return nil, ErrClientClosed
	}
	if e.dialErr != nil {
		return nil, e.dialErr
	}
	return nil, &TransportError{Endpoint: e.url, Op: "dial", Err: ErrConnectionClosed}
}

// warm starts a dial in the background if the endpoint has no connection.
func (e *Endpoint) warm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state == Connected {
		return
	}
	e.startDialLocked()
}

func (e *Endpoint) startDialLocked() chan struct{} {
	if e.dialing != nil {
		return e.dialing
	}
	ch := make(chan struct{})
	e.dialing = ch
	e.state = Connecting
	go e.dial(ch)
	return ch
}

func (e *Endpoint) dial(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.dialTimeout)
	defer cancel()
	ctx = logctx.WithEndpointData(ctx, &logctx.EndpointData{URL: e.url, Index: e.index})

	e.log.DebugContext(ctx, "endpoint.connect.start")
	raw, err := e.opts.dialer.Dial(ctx, e.url)

	e.mu.Lock()
	defer close(done)
	defer e.mu.Unlock()
	e.dialing = nil

	if err != nil {
		e.state = Failed
		e.dialErr = &TransportError{Endpoint: e.url, Op: "dial", Err: err}
		e.log.WarnContext(ctx, "endpoint.connect.fail", slog.String("err", err.Error()))
		return
	}
	if e.closed {
		_ = raw.Close()
		return
	}
	e.dialErr = nil
	e.conn = newConnection(e, raw)
	e.state = Connected
	e.log.InfoContext(ctx, "endpoint.connect.ok")
}

// connectionLost is called by a connection when it terminates.
func (e *Endpoint) connectionLost(c *connection, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != c {
		return
	}
	e.conn = nil
	if failed && !e.closed {
		e.state = Failed
	} else {
		e.state = Disconnected
	}
}

func (e *Endpoint) close() error {
	e.mu.Lock()
	e.closed = true
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}
