// Command rpcgateway serves a JSON-RPC gateway in front of a pool of
// WebSocket upstream endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/ggoodman/rpc-gateway-go/chainhead"
	"github.com/ggoodman/rpc-gateway-go/client"
	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/gateway"
	"github.com/ggoodman/rpc-gateway-go/internal/jwtauth"
	"github.com/ggoodman/rpc-gateway-go/logging"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/storage"
	"github.com/ggoodman/rpc-gateway-go/storage/memory"
	"github.com/ggoodman/rpc-gateway-go/storage/redis"
	"github.com/ggoodman/rpc-gateway-go/tracing"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration file")
		printSchema = flag.Bool("print-schema", false, "print the configuration JSON Schema and exit")
	)
	flag.Parse()

	if *printSchema {
		b, err := config.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) (err error) {
	log, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	c, err := client.New(cfg.Client.Endpoints,
		client.WithLogger(log),
		client.WithMetrics(m),
		client.WithRequestTimeout(cfg.Client.RequestTimeout),
		client.WithDialTimeout(cfg.Client.DialTimeout),
		client.WithSubscriptionBuffer(cfg.Client.SubscriptionBuffer),
	)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer closeWith(&err, c)

	store, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeWith(&err, store)

	reg := &extensions.Registry{
		Client:   c,
		Cache:    store,
		CacheTTL: cfg.Cache.DefaultTTL,
		Metrics:  m,
		Log:      log,
	}
	if cfg.Tracing.Enabled {
		tracer, closer, terr := tracing.New(cfg.Tracing, log)
		if terr != nil {
			return fmt.Errorf("tracing: %w", terr)
		}
		defer closeWith(&err, closer)
		opentracing.SetGlobalTracer(tracer)
		reg.Tracer = tracer
	}
	if cfg.Auth != nil {
		v, err := newVerifier(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		reg.Auth = v
	}

	headCtx, stopHead := context.WithCancel(ctx)
	defer stopHead()
	if cfg.ChainHead.Enabled {
		params, err := json.Marshal(cfg.ChainHead.SubscribeParams)
		if err != nil {
			return fmt.Errorf("chain_head.subscribe_params: %w", err)
		}
		tracker := chainhead.New(c, chainhead.Config{
			BlockNumberMethod: cfg.ChainHead.BlockNumberMethod,
			SubscribeMethod:   cfg.ChainHead.SubscribeMethod,
			UnsubscribeMethod: cfg.ChainHead.UnsubscribeMethod,
			SubscribeParams:   params,
		}, chainhead.WithLogger(log))
		go func() { _ = tracker.Run(headCtx) }()
		reg.Head = tracker
	}

	gw, err := gateway.Build(cfg, reg, gateway.WithLogger(log), gateway.WithMetrics(m), gateway.WithPool(c))
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: gw}
	serveErr := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.Server.Listen), slog.Int("endpoints", len(cfg.Client.Endpoints)))
		serveErr <- srv.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-hup:
			c.RotateEndpoint()
			log.InfoContext(ctx, "endpoint.rotate", slog.Int("current", c.Current()))
		case err := <-serveErr:
			_ = gw.Close()
			return err
		case <-ctx.Done():
			done = true
		}
	}

	log.Info("server.shutdown", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
	}
	return gw.Close()
}

func newCache(ctx context.Context, cfg config.CacheConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "redis":
		s, err := redis.NewFromURL(cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return memory.New(cfg.Size)
	}
}

func newVerifier(ctx context.Context, cfg *config.AuthConfig) (*jwtauth.Verifier, error) {
	jc := jwtauth.Config{Issuer: cfg.Issuer, Audiences: cfg.Audience}
	switch {
	case cfg.Secret != "":
		return jwtauth.NewHMAC([]byte(cfg.Secret), jc)
	case cfg.JWKSURL != "":
		return jwtauth.NewJWKS(ctx, cfg.JWKSURL, jc)
	default:
		return jwtauth.NewFromDiscovery(ctx, jc)
	}
}

func closeWith(err *error, c io.Closer) {
	*err = multierr.Append(*err, c.Close())
}
