package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/middleware"
)

const (
	writeTimeout       = 10 * time.Second
	unsubscribeTimeout = 5 * time.Second
)

// session is one client WebSocket. Messages are handled concurrently; writes
// are serialized. Each live subscription has a pump goroutine forwarding its
// values to the socket.
type session struct {
	g      *Gateway
	conn   *websocket.Conn
	origin origin
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	wmu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*activeSub
	closed bool

	// wg counts message handlers and pumps.
	wg sync.WaitGroup
}

type activeSub struct {
	route  *SubscriptionRoute
	stream middleware.Stream
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WarnContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	o := originOf(r)
	o.seq = new(atomic.Uint64)
	s := &session{
		g:      g,
		conn:   conn,
		origin: o,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]*activeSub),
	}
	if !g.track(s) {
		cancel()
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(g.cfg.Server.MaxBodyBytes)
	g.log.InfoContext(ctx, "ws.session.open")
	s.readLoop()
	s.finish()
	g.log.InfoContext(ctx, "ws.session.close")
}

func (s *session) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.g.log.DebugContext(s.ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			out, after := s.g.handlePayload(s.ctx, data, s.origin, s)
			if out != nil {
				if err := s.write(out); err != nil {
					s.shutdown()
				}
			}
			for _, f := range after {
				f()
			}
		}()
	}
}

func (s *session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// shutdown stops the session without waiting for cleanup.
func (s *session) shutdown() {
	s.cancel()
	_ = s.conn.Close()
}

// close stops the session and waits until its subscriptions are released.
func (s *session) close() {
	s.shutdown()
	<-s.done
}

// finish runs once the read loop has exited. Cancelling the session context
// makes every pump release its upstream subscription.
func (s *session) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	_ = s.conn.Close()
	s.g.untrack(s)
	close(s.done)
}

func (s *session) subscribe(ctx context.Context, route *SubscriptionRoute, req *jsonrpc.Request, o origin) reply {
	g := s.g
	stream, err := route.Chain.Call(ctx, middleware.SubscriptionRequest{
		Subscribe:    route.Subscribe,
		Unsubscribe:  route.Unsubscribe,
		Notification: route.Notification,
		Params:       req.Params,
	}, o.bag())
	if err != nil {
		g.metrics.Request(route.Subscribe, outcomeOf(err))
		return reply{resp: g.errorResponse(ctx, req.ID, err)}
	}

	id := newSubscriptionID()
	a := &activeSub{route: route, stream: stream}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release(stream)
		return reply{resp: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "session closed", nil)}
	}
	s.subs[id] = a
	s.wg.Add(1)
	s.mu.Unlock()

	g.metrics.Request(route.Subscribe, metrics.OutcomeOK)
	g.metrics.SubscriptionOpened()
	g.log.DebugContext(ctx, "ws.subscription.open", slog.String("subscription", id), slog.String("upstream", stream.ID()))

	resp, _ := jsonrpc.NewResultResponse(req.ID, id)
	return reply{resp: resp, after: func() { go s.pump(id, a) }}
}

// pump forwards values until the stream ends or the session closes.
func (s *session) pump(id string, a *activeSub) {
	defer s.wg.Done()
	sid := jsonrpc.NewRequestID(id)
	for {
		v, err := a.stream.Next(s.ctx)
		if err != nil {
			break
		}
		n, err := jsonrpc.NewSubscriptionNotification(a.route.Notification, sid, v)
		if err != nil {
			continue
		}
		b, _ := json.Marshal(n)
		if err := s.write(b); err != nil {
			s.shutdown()
			break
		}
	}

	// Still registered means the client did not unsubscribe: the upstream
	// ended the stream or the session is closing.
	if s.remove(id, nil) != nil {
		if err := a.stream.Err(); err != nil {
			s.g.log.InfoContext(s.ctx, "ws.subscription.ended", slog.String("subscription", id), slog.String("err", err.Error()))
		}
		release(a.stream)
		s.g.metrics.SubscriptionClosed()
	}
}

func (s *session) unsubscribe(ctx context.Context, route *SubscriptionRoute, req *jsonrpc.Request) *jsonrpc.Response {
	var ids []string
	if err := json.Unmarshal(req.Params, &ids); err != nil || len(ids) != 1 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "expected [subscription id]")
	}
	a := s.remove(ids[0], route)
	if a == nil {
		resp, _ := jsonrpc.NewResultResponse(req.ID, false)
		return resp
	}
	if err := a.stream.Unsubscribe(ctx); err != nil {
		s.g.log.DebugContext(ctx, "ws.unsubscribe.upstream.fail", slog.String("err", err.Error()))
	}
	s.g.metrics.SubscriptionClosed()
	resp, _ := jsonrpc.NewResultResponse(req.ID, true)
	return resp
}

// remove unregisters id. A non-nil route must match the subscription's route.
func (s *session) remove(id string, route *SubscriptionRoute) *activeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.subs[id]
	if !ok || (route != nil && a.route != route) {
		return nil
	}
	delete(s.subs, id)
	return a
}

func release(stream middleware.Stream) {
	ctx, cancel := closeContext()
	defer cancel()
	_ = stream.Unsubscribe(ctx)
}

func newSubscriptionID() string {
	u := uuid.New()
	return "0x" + hex.EncodeToString(u[:])
}
