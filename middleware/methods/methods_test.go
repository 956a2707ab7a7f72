package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"

	"github.com/ggoodman/rpc-gateway-go/client"
	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-gateway-go/internal/jwtauth"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/storage"
	"github.com/ggoodman/rpc-gateway-go/storage/memory"
)

// fakeUpstream records every request and answers with fn.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []middleware.CallRequest
	fn    func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *fakeUpstream) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, middleware.CallRequest{Method: method, Params: params})
	f.mu.Unlock()
	if f.fn == nil {
		return json.RawMessage(`"ok"`), nil
	}
	return f.fn(ctx, method, params)
}

func (f *fakeUpstream) Subscribe(context.Context, string, json.RawMessage, string) (*client.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeUpstream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUpstream) last() middleware.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fixedHead uint64

func (h fixedHead) Latest() (uint64, bool) { return uint64(h), h != 0 }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRegistry(up *fakeUpstream) *extensions.Registry {
	return &extensions.Registry{Client: up, Log: quiet()}
}

func build(t *testing.T, cfg *config.MethodConfig, reg *extensions.Registry) *middleware.CallChain {
	t.Helper()
	c, err := Build("rpcs.methods[0]", cfg, nil, reg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func call(t *testing.T, c *middleware.CallChain, method, params string, bag *middleware.Bag) (string, error) {
	t.Helper()
	res, err := c.Call(context.Background(), middleware.CallRequest{Method: method, Params: json.RawMessage(params)}, bag)
	return string(res), err
}

func wantRPCError(t *testing.T, err error, code jsonrpc.ErrorCode) *jsonrpc.Error {
	t.Helper()
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if rpcErr.Code != code {
		t.Fatalf("code = %d, want %d", rpcErr.Code, code)
	}
	return rpcErr
}

func TestBuild_StageSelection(t *testing.T) {
	t.Parallel()

	verifier, err := jwtauth.NewHMAC([]byte("k"), jwtauth.Config{})
	if err != nil {
		t.Fatal(err)
	}
	reg := &extensions.Registry{
		Client: &fakeUpstream{},
		Cache:  mustMemory(t, 16),
		Head:   fixedHead(1),
		Tracer: mocktracer.New(),
		Auth:   verifier,
		Log:    quiet(),
	}
	full := &config.MethodConfig{
		Method: "eth_call",
		Params: []config.ParamConfig{
			{Name: "tx"},
			{Name: "block", Optional: true, Default: "latest", BlockTag: true},
		},
		Cache:    &config.MethodCacheConfig{TTL: time.Second},
		Delay:    time.Millisecond,
		Response: &config.ResponseConfig{Field: "x"},
	}

	cases := []struct {
		name    string
		cfg     *config.MethodConfig
		enabled []string
		reg     *extensions.Registry
		want    []string
	}{
		{"everything", full, nil, reg, []string{"auth", "validate", "inject_params", "block_tag", "cache", "delay", "logging", "response", "upstream"}},
		{"restricted", full, []string{"cache", "validate"}, reg, []string{"validate", "cache", "upstream"}},
		{"bare method", &config.MethodConfig{Method: "net_version", Public: true}, nil, reg, []string{"logging", "upstream"}},
		{"bare registry", full, nil, newRegistry(&fakeUpstream{}), []string{"validate", "inject_params", "delay", "logging", "response", "upstream"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Build("m", tc.cfg, tc.enabled, tc.reg)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			defer c.Close()
			if got := c.Stages(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Stages() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuild_Failures(t *testing.T) {
	t.Parallel()

	var cerr *config.Error
	_, err := Build("rpcs.methods[1]", &config.MethodConfig{Method: "m"}, nil, &extensions.Registry{})
	if !errors.As(err, &cerr) || cerr.Field != "rpcs.methods[1]" {
		t.Fatalf("missing upstream: expected *config.Error, got %v", err)
	}

	bad := &config.MethodConfig{Method: "m", Params: []config.ParamConfig{{Name: "a", Schema: map[string]any{"type": 7}}}}
	_, err = Build("rpcs.methods[2]", bad, nil, newRegistry(&fakeUpstream{}))
	if !errors.As(err, &cerr) || cerr.Field != "rpcs.methods[2]" {
		t.Fatalf("bad schema: expected *config.Error, got %v", err)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	verifier, err := jwtauth.NewHMAC([]byte("s3cret"), jwtauth.Config{Audiences: []string{"rpc"}})
	if err != nil {
		t.Fatal(err)
	}
	up := &fakeUpstream{}
	reg := newRegistry(up)
	reg.Auth = verifier
	c := build(t, &config.MethodConfig{Method: "eth_chainId"}, reg)

	_, err = call(t, c, "eth_chainId", `[]`, nil)
	wantRPCError(t, err, jsonrpc.ErrorCodeUnauthorized)
	if up.count() != 0 {
		t.Fatal("upstream called without credentials")
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"aud": "rpc",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	bag := middleware.NewBag()
	middleware.Set(bag, middleware.HeadersKey, http.Header{"Authorization": []string{"Bearer " + tok}})
	if _, err := call(t, c, "eth_chainId", `[]`, bag); err != nil {
		t.Fatalf("authorized call failed: %v", err)
	}
	claims, ok := middleware.Get(bag, middleware.ClaimsKey)
	if !ok || claims["sub"] != "alice" {
		t.Fatalf("claims = %v, %v", claims, ok)
	}

	public := build(t, &config.MethodConfig{Method: "net_version", Public: true}, reg)
	if _, err := call(t, public, "net_version", `[]`, nil); err != nil {
		t.Fatalf("public method rejected: %v", err)
	}
}

func TestValidateAndInject(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	c := build(t, &config.MethodConfig{
		Method: "eth_getBalance",
		Params: []config.ParamConfig{
			{Name: "address", Schema: map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}},
			{Name: "block", Optional: true, Default: "latest"},
		},
	}, newRegistry(up))

	_, err := call(t, c, "eth_getBalance", `["nope"]`, nil)
	rpcErr := wantRPCError(t, err, jsonrpc.ErrorCodeInvalidParams)
	if rpcErr.Data == nil {
		t.Fatal("invalid params error should carry the problems as data")
	}
	if up.count() != 0 {
		t.Fatal("upstream called with invalid params")
	}

	addr := `"0x00000000000000000000000000000000000000aa"`
	if _, err := call(t, c, "eth_getBalance", `[`+addr+`]`, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := string(up.last().Params); got != `[`+addr+`,"latest"]` {
		t.Fatalf("upstream params = %s", got)
	}
}

func TestBlockTag(t *testing.T) {
	t.Parallel()

	cfg := &config.MethodConfig{
		Method: "eth_call",
		Params: []config.ParamConfig{
			{Name: "tx"},
			{Name: "block", Optional: true, BlockTag: true},
		},
	}

	up := &fakeUpstream{}
	reg := newRegistry(up)
	reg.Head = fixedHead(0x1b4)
	c := build(t, cfg, reg)
	if _, err := call(t, c, "eth_call", `[{}]`, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := string(up.last().Params); got != `[{},"0x1b4"]` {
		t.Fatalf("params = %s", got)
	}
	if _, err := call(t, c, "eth_call", `[{},"0x1"]`, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := string(up.last().Params); got != `[{},"0x1"]` {
		t.Fatalf("explicit block was rewritten: %s", got)
	}

	unknown := &fakeUpstream{}
	reg = newRegistry(unknown)
	reg.Head = fixedHead(0)
	c = build(t, cfg, reg)
	if _, err := call(t, c, "eth_call", `[{},"latest"]`, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := string(unknown.last().Params); got != `[{},"latest"]` {
		t.Fatalf("params rewritten without a known head: %s", got)
	}
}

func mustMemory(t *testing.T, size int) storage.Storage {
	t.Helper()
	s, err := memory.New(size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCache_ConcurrentIdenticalCallsHitUpstreamOnce(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	release := make(chan struct{})
	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		n.Add(1)
		<-release
		return json.RawMessage(`"0xabc"`), nil
	}}
	reg := newRegistry(up)
	reg.Cache = mustMemory(t, 16)
	c := build(t, &config.MethodConfig{Method: "eth_getCode", Cache: &config.MethodCacheConfig{TTL: time.Minute}}, reg)

	var wg sync.WaitGroup
	results := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Call(context.Background(), middleware.CallRequest{Method: "eth_getCode", Params: json.RawMessage(`["0x1", "latest"]`)}, nil)
			if err != nil {
				results <- "err: " + err.Error()
				return
			}
			results <- string(res)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for r := range results {
		if r != `"0xabc"` {
			t.Fatalf("result = %s", r)
		}
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("upstream ran %d times, want 1", got)
	}

	// Equivalent encoding of the same params is served from the cache.
	if _, err := call(t, c, "eth_getCode", `["0x1","latest"]`, nil); err != nil {
		t.Fatal(err)
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("cached call reached upstream (%d calls)", got)
	}
}

func TestCache_SkipsNullAndHonorsBypass(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		if string(params) == `["missing"]` {
			return json.RawMessage(`null`), nil
		}
		return json.RawMessage(`{"v":1}`), nil
	}}
	reg := newRegistry(up)
	reg.Cache = mustMemory(t, 16)
	c := build(t, &config.MethodConfig{Method: "eth_getBlockByHash", Cache: &config.MethodCacheConfig{TTL: time.Minute}}, reg)

	for i := 0; i < 2; i++ {
		if _, err := call(t, c, "eth_getBlockByHash", `["missing"]`, nil); err != nil {
			t.Fatal(err)
		}
	}
	if up.count() != 2 {
		t.Fatalf("null result was cached: %d upstream calls", up.count())
	}

	_, _ = call(t, c, "eth_getBlockByHash", `["h"]`, nil)
	_, _ = call(t, c, "eth_getBlockByHash", `["h"]`, nil)
	if up.count() != 3 {
		t.Fatalf("expected a cache hit, upstream calls = %d", up.count())
	}

	bag := middleware.NewBag()
	middleware.Set(bag, middleware.CacheBypassKey, true)
	_, _ = call(t, c, "eth_getBlockByHash", `["h"]`, bag)
	if up.count() != 4 {
		t.Fatalf("bypass did not reach upstream, calls = %d", up.count())
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	reg := newRegistry(up)
	c := build(t, &config.MethodConfig{Method: "eth_gasPrice", Cache: &config.MethodCacheConfig{TTL: 50 * time.Millisecond, Size: 4}}, reg)

	_, _ = call(t, c, "eth_gasPrice", `[]`, nil)
	_, _ = call(t, c, "eth_gasPrice", `[]`, nil)
	if up.count() != 1 {
		t.Fatalf("per-method store missed: %d calls", up.count())
	}
	time.Sleep(120 * time.Millisecond)
	_, _ = call(t, c, "eth_gasPrice", `[]`, nil)
	if up.count() != 2 {
		t.Fatalf("entry outlived its TTL: %d calls", up.count())
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string, ...storage.Option) (*storage.Item, error) {
	return nil, errors.New("store down")
}

func (brokenStore) Set(context.Context, string, []byte, ...storage.Option) error {
	return errors.New("store down")
}

func (brokenStore) Delete(context.Context, ...storage.Option) error { return nil }
func (brokenStore) Close() error                                    { return nil }

func TestCache_StoreFailureIsAMiss(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	reg := newRegistry(up)
	reg.Cache = brokenStore{}
	c := build(t, &config.MethodConfig{Method: "eth_chainId", Cache: &config.MethodCacheConfig{}}, reg)

	res, err := call(t, c, "eth_chainId", `[]`, nil)
	if err != nil || res != `"ok"` {
		t.Fatalf("call = %s, %v", res, err)
	}
}

func TestDelay_HonorsCancellation(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	c := build(t, &config.MethodConfig{Method: "m", Delay: time.Hour}, newRegistry(up))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, middleware.CallRequest{Method: "m"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if up.count() != 0 {
		t.Fatal("upstream called before the delay elapsed")
	}

	short := build(t, &config.MethodConfig{Method: "m", Delay: 30 * time.Millisecond}, newRegistry(up))
	start := time.Now()
	if _, err := call(t, short, "m", `[]`, nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("delay was not applied")
	}
}

func TestLogging_RecordsSpans(t *testing.T) {
	t.Parallel()

	tracer := mocktracer.New()
	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		if opentracing.SpanFromContext(ctx) == nil {
			return nil, errors.New("span missing from context")
		}
		if method == "bad" {
			return nil, jsonrpc.NewError(-32000, "execution reverted", nil)
		}
		return json.RawMessage(`1`), nil
	}}
	reg := newRegistry(up)
	reg.Tracer = tracer

	parent := tracer.StartSpan("client")
	headers := http.Header{}
	if err := tracer.Inject(parent.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(headers)); err != nil {
		t.Fatal(err)
	}
	bag := middleware.NewBag()
	middleware.Set(bag, middleware.HeadersKey, headers)

	good := build(t, &config.MethodConfig{Method: "good"}, reg)
	if _, err := call(t, good, "good", `[]`, bag); err != nil {
		t.Fatal(err)
	}
	if _, ok := middleware.Get(bag, middleware.SpanKey); !ok {
		t.Fatal("span not stored in bag")
	}
	bad := build(t, &config.MethodConfig{Method: "bad"}, reg)
	if _, err := call(t, bad, "bad", `[]`, nil); err == nil {
		t.Fatal("expected remote error")
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatalf("finished spans = %d, want 2", len(spans))
	}
	if spans[0].OperationName != "good" || spans[0].ParentID != parent.Context().(mocktracer.MockSpanContext).SpanID {
		t.Fatalf("good span = %s parent %d", spans[0].OperationName, spans[0].ParentID)
	}
	if spans[1].OperationName != "bad" || spans[1].Tag("error") != true {
		t.Fatalf("bad span = %s tags %v", spans[1].OperationName, spans[1].Tags())
	}
}

func TestLogging_WithoutTracerStillLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		if opentracing.SpanFromContext(ctx) != nil {
			return nil, errors.New("span opened without a tracer")
		}
		if method == "bad" {
			return nil, jsonrpc.NewError(-32000, "execution reverted", nil)
		}
		return json.RawMessage(`1`), nil
	}}
	reg := newRegistry(up)
	reg.Log = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	good := build(t, &config.MethodConfig{Method: "good"}, reg)
	if got := good.Stages(); !reflect.DeepEqual(got, []string{"logging", "upstream"}) {
		t.Fatalf("Stages() = %v", got)
	}
	if res, err := call(t, good, "good", `[]`, nil); err != nil || res != `1` {
		t.Fatalf("call = %s, %v", res, err)
	}
	bad := build(t, &config.MethodConfig{Method: "bad"}, reg)
	if _, err := call(t, bad, "bad", `[]`, nil); err == nil {
		t.Fatal("expected remote error")
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"rpc.call.ok"`) || !strings.Contains(out, `"msg":"rpc.call.fail"`) {
		t.Fatalf("missing call logs:\n%s", out)
	}
}

// faultyTracer panics when a span starts or, for spans it did start, when the
// span finishes.
type faultyTracer struct {
	opentracing.Tracer
	panicOnStart bool
}

func (f faultyTracer) StartSpan(op string, opts ...opentracing.StartSpanOption) opentracing.Span {
	if f.panicOnStart {
		panic("tracer unavailable")
	}
	return faultySpan{f.Tracer.StartSpan(op, opts...)}
}

type faultySpan struct{ opentracing.Span }

func (faultySpan) Finish() { panic("reporter unavailable") }

func TestLogging_TracerFailuresDoNotAffectCalls(t *testing.T) {
	t.Parallel()

	for _, panicOnStart := range []bool{true, false} {
		t.Run(fmt.Sprintf("panic_on_start=%v", panicOnStart), func(t *testing.T) {
			up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
				if method == "bad" {
					return nil, jsonrpc.NewError(-32000, "execution reverted", "0x01")
				}
				return json.RawMessage(`{"n":1}`), nil
			}}
			reg := newRegistry(up)
			reg.Tracer = faultyTracer{Tracer: mocktracer.New(), panicOnStart: panicOnStart}

			bag := middleware.NewBag()
			middleware.Set(bag, middleware.RequestIDKey, "r1")
			good := build(t, &config.MethodConfig{Method: "good"}, reg)
			res, err := call(t, good, "good", `[]`, bag)
			if err != nil || res != `{"n":1}` {
				t.Fatalf("call = %s, %v; want the upstream result", res, err)
			}

			bad := build(t, &config.MethodConfig{Method: "bad"}, reg)
			_, err = call(t, bad, "bad", `[]`, nil)
			rpcErr := wantRPCError(t, err, -32000)
			if rpcErr.Data != "0x01" {
				t.Fatalf("remote error altered: %+v", rpcErr)
			}
			if up.count() != 2 {
				t.Fatalf("upstream calls = %d, want 2", up.count())
			}
		})
	}
}

func TestCache_LargeIntegersKeepDistinctKeys(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	}}
	reg := newRegistry(up)
	reg.Cache = mustMemory(t, 16)
	c := build(t, &config.MethodConfig{Method: "eth_getBlockByNumber", Cache: &config.MethodCacheConfig{TTL: time.Minute}}, reg)

	pairs := [][2]string{
		{`[9007199254740992]`, `[9007199254740993]`},
		{`[12345678901234567890]`, `[12345678901234567891]`},
		{`{"n":1.5}`, `{"n":1.50000000000000001}`},
	}
	for _, p := range pairs {
		for _, params := range p {
			res, err := call(t, c, "eth_getBlockByNumber", params, nil)
			if err != nil {
				t.Fatal(err)
			}
			if res != params {
				t.Fatalf("params %s served the result stored for %s", params, res)
			}
		}
	}
	if up.count() != 6 {
		t.Fatalf("upstream calls = %d, want 6", up.count())
	}

	// Key order and whitespace still share an entry.
	if _, err := call(t, c, "eth_getBlockByNumber", `{ "n" : 1.5 }`, nil); err != nil {
		t.Fatal(err)
	}
	if up.count() != 6 {
		t.Fatalf("equivalent encoding missed the cache: %d calls", up.count())
	}
}

func TestResponse(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{fn: func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		if method == "fail" {
			return nil, jsonrpc.NewError(-32000, "nope", nil)
		}
		return json.RawMessage(`{"number":"0x10","hash":"0xaa"}`), nil
	}}
	reg := newRegistry(up)

	replaced := build(t, &config.MethodConfig{Method: "r", Response: &config.ResponseConfig{Replace: map[string]any{"stub": true}}}, reg)
	if res, err := call(t, replaced, "r", `[]`, nil); err != nil || res != `{"stub":true}` {
		t.Fatalf("replace = %s, %v", res, err)
	}

	field := build(t, &config.MethodConfig{Method: "f", Response: &config.ResponseConfig{Field: "number"}}, reg)
	if res, err := call(t, field, "f", `[]`, nil); err != nil || res != `"0x10"` {
		t.Fatalf("field = %s, %v", res, err)
	}

	missing := build(t, &config.MethodConfig{Method: "f", Response: &config.ResponseConfig{Field: "nonce"}}, reg)
	if res, _ := call(t, missing, "f", `[]`, nil); res != `null` {
		t.Fatalf("missing field = %s", res)
	}

	failing := build(t, &config.MethodConfig{Method: "fail", Response: &config.ResponseConfig{Replace: 1}}, reg)
	if _, err := call(t, failing, "fail", `[]`, nil); err == nil {
		t.Fatal("replace must not mask errors")
	}
}

func TestUpstreamError(t *testing.T) {
	t.Parallel()

	remote := jsonrpc.NewError(-32000, "reverted", nil)
	exhausted := fmt.Errorf("%w: %w", client.ErrRetriesExhausted, &client.TransportError{Op: "timeout", Err: context.DeadlineExceeded})

	if got := UpstreamError(remote); got != error(remote) {
		t.Fatalf("remote error changed: %v", got)
	}
	wantRPCError(t, UpstreamError(exhausted), jsonrpc.ErrorCodeUpstreamUnavailable)
	wantRPCError(t, UpstreamError(client.ErrClientClosed), jsonrpc.ErrorCodeUpstreamUnavailable)
	if got := UpstreamError(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Fatalf("cancellation changed: %v", got)
	}
}
