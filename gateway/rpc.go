package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

// origin is what the header shim copies from the inbound HTTP request into
// the bag of every call it carries.
type origin struct {
	headers    http.Header
	remoteAddr string
	noCache    bool
	requestID  string
	// seq numbers the calls sharing one inbound request (batch entries and
	// WebSocket messages). Nil for a single call.
	seq *atomic.Uint64
}

func originOf(r *http.Request) origin {
	o := origin{
		headers:    r.Header.Clone(),
		remoteAddr: r.RemoteAddr,
		noCache:    hasNoCache(r.Header),
	}
	if data, ok := logctx.RequestDataFrom(r.Context()); ok {
		o.requestID = data.RequestID
	}
	if o.requestID == "" {
		o.requestID = uuid.NewString()
	}
	return o
}

// callID is the request id of one call: the inbound request id, suffixed
// with a sequence number when the request carries several calls.
func (o origin) callID() string {
	if o.seq == nil {
		return o.requestID
	}
	return o.requestID + "." + strconv.FormatUint(o.seq.Add(1), 10)
}

func hasNoCache(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), "no-cache") {
				return true
			}
		}
	}
	return false
}

func (o origin) bag() *middleware.Bag {
	b := middleware.NewBag()
	middleware.Set(b, middleware.HeadersKey, o.headers)
	middleware.Set(b, middleware.RemoteAddrKey, o.remoteAddr)
	middleware.Set(b, middleware.RequestIDKey, o.callID())
	if o.noCache {
		middleware.Set(b, middleware.CacheBypassKey, true)
	}
	return b
}

// reply is the outcome of one inbound message. after runs once the response
// has been written, so subscription pushes never precede their ack.
type reply struct {
	resp  *jsonrpc.Response
	after func()
}

// handlePayload processes a single message or a batch. It returns the bytes
// to send, or nil when nothing should be sent back.
func (g *Gateway) handlePayload(ctx context.Context, payload []byte, o origin, s *session) ([]byte, []func()) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)), nil
	}

	if payload[0] != '[' {
		rep := g.handleMessage(ctx, payload, o, s)
		var after []func()
		if rep.after != nil {
			after = append(after, rep.after)
		}
		if rep.resp == nil {
			return nil, after
		}
		return encode(rep.resp), after
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(payload, &batch); err != nil {
		return encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)), nil
	}
	if len(batch) == 0 {
		return encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "empty batch", nil)), nil
	}
	if len(batch) > g.cfg.Server.MaxBatchSize {
		return encode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch too large", map[string]int{"max": g.cfg.Server.MaxBatchSize})), nil
	}

	if o.seq == nil {
		o.seq = new(atomic.Uint64)
	}
	replies := make([]reply, len(batch))
	var wg sync.WaitGroup
	for i, m := range batch {
		wg.Add(1)
		go func(i int, m json.RawMessage) {
			defer wg.Done()
			replies[i] = g.handleMessage(ctx, m, o, s)
		}(i, m)
	}
	wg.Wait()

	var out []*jsonrpc.Response
	var after []func()
	for _, rep := range replies {
		if rep.resp != nil {
			out = append(out, rep.resp)
		}
		if rep.after != nil {
			after = append(after, rep.after)
		}
	}
	if len(out) == 0 {
		return nil, after
	}
	return encode(out), after
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "internal error", nil))
	}
	return b
}

// handleMessage runs one request through its chain. Notifications are
// executed but produce no response.
func (g *Gateway) handleMessage(ctx context.Context, raw json.RawMessage, o origin, s *session) reply {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Method == "" {
		return reply{resp: jsonrpc.NewErrorResponse(idOf(raw), jsonrpc.ErrorCodeInvalidRequest, "invalid request", nil)}
	}
	req := msg.AsRequest()
	notify := !hasID(raw)
	typ := msg.Type()
	if !notify && typ == jsonrpc.TypeNotification {
		typ = jsonrpc.TypeRequest
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: typ})

	var rep reply
	switch {
	case g.methods[req.Method] != nil:
		rep.resp = g.call(ctx, g.methods[req.Method], req, o)
	case s != nil && g.subs[req.Method] != nil && !notify:
		rep = s.subscribe(ctx, g.subs[req.Method], req, o)
	case s != nil && g.unsubs[req.Method] != nil:
		rep.resp = s.unsubscribe(ctx, g.unsubs[req.Method], req)
	default:
		g.metrics.Request(req.Method, metrics.OutcomeError)
		rep.resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}
	if notify {
		rep.resp = nil
	}
	return rep
}

func (g *Gateway) call(ctx context.Context, route *MethodRoute, req *jsonrpc.Request, o origin) *jsonrpc.Response {
	res, err := route.Chain.Call(ctx, middleware.CallRequest{Method: route.Method, Params: req.Params}, o.bag())
	if err != nil {
		g.metrics.Request(route.Method, outcomeOf(err))
		return g.errorResponse(ctx, req.ID, err)
	}
	g.metrics.Request(route.Method, metrics.OutcomeOK)
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		return g.errorResponse(ctx, req.ID, err)
	}
	return resp
}

func outcomeOf(err error) string {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return metrics.OutcomeRemoteError
	}
	return metrics.OutcomeError
}

// errorResponse converts a chain error into a JSON-RPC error. Errors that are
// not already JSON-RPC errors are logged and reported as internal errors.
func (g *Gateway) errorResponse(ctx context.Context, id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: id}
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "request timed out", nil)
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "request cancelled", nil)
	}
	g.log.ErrorContext(ctx, "rpc.call.error", slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
}

// hasID reports whether the message has an id member. A null id is still an
// id: the call is answered with "id": null.
func hasID(raw json.RawMessage) bool {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return false
	}
	_, ok := members["id"]
	return ok
}

// idOf recovers the id of a message that failed validation, if it has one.
func idOf(raw json.RawMessage) *jsonrpc.RequestID {
	var head struct {
		ID *jsonrpc.RequestID `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil
	}
	return head.ID
}
