// Package gateway exposes the configured method and subscription chains to
// clients over HTTP POST and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/ggoodman/rpc-gateway-go/client"
	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/logctx"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/middleware/methods"
	"github.com/ggoodman/rpc-gateway-go/middleware/subscriptions"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// MethodRoute binds an exposed method name to its chain. Method is the
// upstream name, which differs from the exposed name for aliases.
type MethodRoute struct {
	Method string
	Chain  *middleware.CallChain
}

// SubscriptionRoute binds an exposed subscribe method to its chain.
type SubscriptionRoute struct {
	Subscribe    string
	Unsubscribe  string
	Notification string
	Chain        *middleware.SubscriptionChain
}

// Pool is the operator view of the upstream endpoint pool.
type Pool interface {
	Endpoints() []string
	Current() int
	States() []client.State
	RotateEndpoint()
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithMetrics records call outcomes and serves the metrics endpoint when
// enabled in configuration.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithPool enables pool status on /health and operator rotation.
func WithPool(p Pool) Option {
	return func(g *Gateway) { g.pool = p }
}

// Gateway is an http.Handler serving JSON-RPC.
type Gateway struct {
	cfg     *config.Config
	methods map[string]*MethodRoute
	subs    map[string]*SubscriptionRoute
	unsubs  map[string]*SubscriptionRoute

	log      *slog.Logger
	metrics  *metrics.Metrics
	pool     Pool
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New creates a gateway over prebuilt routes keyed by exposed name.
func New(cfg *config.Config, methodRoutes map[string]*MethodRoute, subRoutes map[string]*SubscriptionRoute, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		methods:  methodRoutes,
		subs:     subRoutes,
		unsubs:   make(map[string]*SubscriptionRoute),
		log:      slog.Default(),
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, r := range subRoutes {
		g.unsubs[r.Unsubscribe] = r
	}

	g.mux = http.NewServeMux()
	g.mux.HandleFunc("GET /health", g.handleHealth)
	if cfg.Metrics.Enabled && g.metrics != nil {
		g.mux.Handle("GET "+cfg.Metrics.Path, g.metrics.Handler())
	}
	if cfg.Server.Admin {
		g.mux.HandleFunc("POST /admin/rotate", g.handleRotate)
	}
	g.mux.HandleFunc(cfg.Server.Path, g.handleRPC)
	return g
}

// Build assembles every configured chain and returns a gateway serving them.
// Chain failures are reported as *config.Error.
func Build(cfg *config.Config, reg *extensions.Registry, opts ...Option) (*Gateway, error) {
	methodRoutes := make(map[string]*MethodRoute)
	subRoutes := make(map[string]*SubscriptionRoute)
	var chains []interface{ Close() error }
	fail := func(err error) (*Gateway, error) {
		for _, c := range chains {
			_ = c.Close()
		}
		return nil, err
	}

	for i := range cfg.RPCs.Methods {
		mc := &cfg.RPCs.Methods[i]
		chain, err := methods.Build(fmt.Sprintf("rpcs.methods[%d]", i), mc, cfg.Middlewares.Methods, reg)
		if err != nil {
			return fail(err)
		}
		chains = append(chains, chain)
		route := &MethodRoute{Method: mc.Method, Chain: chain}
		methodRoutes[mc.Method] = route
		for _, alias := range mc.Aliases {
			methodRoutes[alias] = route
		}
	}
	for i := range cfg.RPCs.Subscriptions {
		sc := &cfg.RPCs.Subscriptions[i]
		chain, err := subscriptions.Build(fmt.Sprintf("rpcs.subscriptions[%d]", i), sc, cfg.Middlewares.Subscriptions, reg)
		if err != nil {
			return fail(err)
		}
		chains = append(chains, chain)
		route := &SubscriptionRoute{
			Subscribe:    sc.Subscribe,
			Unsubscribe:  sc.Unsubscribe,
			Notification: sc.Notification,
			Chain:        chain,
		}
		subRoutes[sc.Subscribe] = route
		for _, alias := range sc.Aliases {
			subRoutes[alias] = route
		}
	}
	return New(cfg, methodRoutes, subRoutes, opts...), nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Transport:  transportOf(r),
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func transportOf(r *http.Request) string {
	if websocket.IsWebSocketUpgrade(r) {
		return "ws"
	}
	return "http"
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
		g.handlePost(w, r)
	case r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r):
		g.handleWebSocket(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "use POST or a WebSocket upgrade")
	}
}

type endpointStatus struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type healthStatus struct {
	Status    string           `json:"status"`
	Current   int              `json:"current"`
	Endpoints []endpointStatus `json:"endpoints,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{Status: "ok"}
	if g.pool != nil {
		urls := g.pool.Endpoints()
		states := g.pool.States()
		st.Current = g.pool.Current()
		for i, u := range urls {
			st.Endpoints = append(st.Endpoints, endpointStatus{URL: u, State: states[i].String()})
		}
		if states[st.Current] == client.Failed {
			st.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(st)
}

func (g *Gateway) handleRotate(w http.ResponseWriter, r *http.Request) {
	if g.pool == nil {
		writeJSONError(w, http.StatusNotFound, "no endpoint pool")
		return
	}
	g.pool.RotateEndpoint()
	current := g.pool.Current()
	g.log.InfoContext(r.Context(), "admin.rotate", slog.Int("current", current))
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"current": current, "endpoint": g.pool.Endpoints()[current]})
}

// Close ends every WebSocket session, releasing their upstream
// subscriptions, and releases the chains.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	var err error
	seen := make(map[any]bool)
	for _, r := range g.methods {
		if !seen[r.Chain] {
			seen[r.Chain] = true
			err = multierr.Append(err, r.Chain.Close())
		}
	}
	for _, r := range g.subs {
		if !seen[r.Chain] {
			seen[r.Chain] = true
			err = multierr.Append(err, r.Chain.Close())
		}
	}
	return err
}

func (g *Gateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrack(s *session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// ActiveSessions returns the number of open WebSocket sessions.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), unsubscribeTimeout)
}
