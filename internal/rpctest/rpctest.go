// Package rpctest provides an in-process WebSocket JSON-RPC backend for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
)

// Handler answers one call. Returning a non-nil *jsonrpc.Error sends an error
// response. ctx is cancelled when the connection goes away.
type Handler func(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error)

// SubscriptionHandler runs after a subscription was acknowledged and pushes
// values through sink until ctx is cancelled by unsubscribe or disconnect.
type SubscriptionHandler func(ctx context.Context, params json.RawMessage, sink *Sink)

// Server is a WebSocket JSON-RPC backend.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	methods  map[string]Handler
	subs     map[string]subscriptionRoute
	unsubs   map[string]string // unsubscribe method -> notification method
	conns    map[*serverConn]struct{}
	calls    map[string]int
	received []jsonrpc.Request
	stopped  bool

	nextSub atomic.Uint64
}

type subscriptionRoute struct {
	notification string
	handler      SubscriptionHandler
}

// NewServer starts a backend and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		methods: make(map[string]Handler),
		subs:    make(map[string]subscriptionRoute),
		unsubs:  make(map[string]string),
		conns:   make(map[*serverConn]struct{}),
		calls:   make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Stop)
	return s
}

// URL returns the ws:// address of the backend.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Handle registers h for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// Result registers a method that always answers with v.
func (s *Server) Result(method string, v any) {
	s.Handle(method, func(context.Context, json.RawMessage) (any, *jsonrpc.Error) { return v, nil })
}

// Echo registers a method that answers with its params.
func (s *Server) Echo(method string) {
	s.Handle(method, func(_ context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
		if len(params) == 0 {
			return nil, nil
		}
		return params, nil
	})
}

// HandleSubscription registers a subscribe/unsubscribe pair. Pushes are sent
// as notification frames.
func (s *Server) HandleSubscription(subscribe, unsubscribe, notification string, h SubscriptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[subscribe] = subscriptionRoute{notification: notification, handler: h}
	s.unsubs[unsubscribe] = notification
}

// Calls returns how many times method was received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Received returns every request received so far, in arrival order.
func (s *Server) Received() []jsonrpc.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jsonrpc.Request(nil), s.received...)
}

// Broadcast writes a raw frame to every open connection.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

// Stop closes the listener and every live connection. Later dials fail.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{ws: ws, ctx: ctx, cancel: cancel, subs: make(map[string]context.CancelFunc)}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.dispatch(c, &req)
	}
}

func (s *Server) dispatch(c *serverConn, req *jsonrpc.Request) {
	s.mu.Lock()
	s.calls[req.Method]++
	s.received = append(s.received, *req)
	h, isMethod := s.methods[req.Method]
	route, isSub := s.subs[req.Method]
	_, isUnsub := s.unsubs[req.Method]
	s.mu.Unlock()

	switch {
	case isSub:
		id := fmt.Sprintf("0x%x", s.nextSub.Add(1))
		subCtx, cancel := context.WithCancel(c.ctx)
		c.mu.Lock()
		c.subs[id] = cancel
		c.mu.Unlock()
		if err := c.reply(req.ID, id, nil); err != nil {
			cancel()
			return
		}
		sink := &Sink{conn: c, id: id, notification: route.notification}
		go route.handler(subCtx, req.Params, sink)
	case isUnsub:
		var ids []string
		_ = json.Unmarshal(req.Params, &ids)
		found := false
		c.mu.Lock()
		for _, id := range ids {
			if cancel, ok := c.subs[id]; ok {
				cancel()
				delete(c.subs, id)
				found = true
			}
		}
		c.mu.Unlock()
		_ = c.reply(req.ID, found, nil)
	case isMethod:
		go func() {
			res, rpcErr := h(c.ctx, req.Params)
			if c.ctx.Err() != nil {
				return
			}
			_ = c.reply(req.ID, res, rpcErr)
		}()
	default:
		_ = c.reply(req.ID, nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "method not found", req.Method))
	}
}

// Sink pushes values for one subscription.
type Sink struct {
	conn         *serverConn
	id           string
	notification string
}

// ID returns the subscription id assigned by the server.
func (s *Sink) ID() string { return s.id }

// Send pushes v as a subscription notification.
func (s *Sink) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	n, err := jsonrpc.NewSubscriptionNotification(s.notification, jsonrpc.NewRequestID(s.id), raw)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.conn.write(b)
}

type serverConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu   sync.Mutex
	subs map[string]context.CancelFunc

	closeOnce sync.Once
}

func (c *serverConn) reply(id *jsonrpc.RequestID, result any, rpcErr *jsonrpc.Error) error {
	if id.IsNil() {
		return nil
	}
	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: id}
	} else {
		var err error
		resp, err = jsonrpc.NewResultResponse(id, result)
		if err != nil {
			return err
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.write(b)
}

func (c *serverConn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}
