// Package outbound correlates JSON-RPC requests sent over one connection with
// the responses that come back on it.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
)

// Transport abstracts how requests are written to the peer. The dispatcher
// registers the pending entry before calling SendRequest so a fast response
// can never arrive ahead of its table entry.
type Transport interface {
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrUnmatchedResponse is returned by OnResponse for a response whose id was
	// never issued by this dispatcher or was already resolved.
	ErrUnmatchedResponse = errors.New("response does not match any pending request")
)

// maxAbandoned bounds how many abandoned ids are remembered.
const maxAbandoned = 1024

type pendingCall struct {
	respCh  chan *jsonrpc.Response
	errCh   chan error
	resolve func(*jsonrpc.Response)
}

// CallOption configures a single Call.
type CallOption func(*pendingCall)

// OnResolve registers fn to run on the goroutine that delivers the response,
// before the caller is woken. Use it to install state that must exist before
// any frame following the response is processed.
func OnResolve(fn func(*jsonrpc.Response)) CallOption {
	return func(pc *pendingCall) { pc.resolve = fn }
}

// Dispatcher coordinates outbound JSON-RPC requests with correlation,
// abandonment and response routing. It is transport-agnostic.
type Dispatcher struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	abandoned      map[string]struct{}
	abandonedOrder []string

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{
		t:         t,
		pending:   make(map[string]*pendingCall),
		abandoned: make(map[string]struct{}),
	}
}

// Call sends a JSON-RPC request and waits for its response, a dispatcher
// shutdown or context cancellation. A cancelled call is abandoned: its entry is
// removed and a late response for it is ignored. No message is sent to the peer.
func (d *Dispatcher) Call(ctx context.Context, method string, params json.RawMessage, opts ...CallOption) (*jsonrpc.Response, error) {
	if err := d.err(); err != nil {
		return nil, err
	}

	idNum := atomic.AddUint64(&d.nextID, 1)
	id := jsonrpc.NewRequestID(idNum)
	key := id.String()

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	for _, opt := range opts {
		opt(pc)
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.err()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, jsonrpc.NewRequest(id, method, params)); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		d.mu.Lock()
		_, stillPending := d.pending[key]
		if stillPending {
			delete(d.pending, key)
			d.rememberAbandonedLocked(key)
		}
		d.mu.Unlock()
		if stillPending {
			return nil, ctx.Err()
		}
		// Resolution won the race; its result is already on the way.
		select {
		case resp := <-pc.respCh:
			return resp, nil
		case err := <-pc.errCh:
			return nil, err
		}
	}
}

// OnResponse delivers an incoming response to its waiting call. Responses for
// abandoned calls are dropped and reported as handled. Any other unmatched
// response yields ErrUnmatchedResponse.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) error {
	if resp == nil || resp.ID.IsNil() {
		return ErrUnmatchedResponse
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	} else if _, gone := d.abandoned[key]; gone {
		delete(d.abandoned, key)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	if !ok {
		return ErrUnmatchedResponse
	}
	if pc.resolve != nil {
		pc.resolve(resp)
	}
	pc.respCh <- resp
	return nil
}

// Pending reports the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with the provided error and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) err() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

func (d *Dispatcher) rememberAbandonedLocked(key string) {
	d.abandoned[key] = struct{}{}
	d.abandonedOrder = append(d.abandonedOrder, key)
	if len(d.abandonedOrder) > maxAbandoned {
		oldest := d.abandonedOrder[0]
		d.abandonedOrder = d.abandonedOrder[1:]
		delete(d.abandoned, oldest)
	}
}
