package client

import (
	"log/slog"
	"time"

	"github.com/ggoodman/rpc-gateway-go/metrics"
)

const (
	defaultRequestTimeout     = 30 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultSubscriptionBuffer = 16
)

// Option configures a Client.
type Option func(*options)

type options struct {
	log            *slog.Logger
	dialer         Dialer
	requestTimeout time.Duration
	dialTimeout    time.Duration
	subBuffer      int
	metrics        *metrics.Metrics
}

func defaultOptions() options {
	return options{
		log:            slog.Default(),
		dialer:         &WebSocketDialer{},
		requestTimeout: defaultRequestTimeout,
		dialTimeout:    defaultDialTimeout,
		subBuffer:      defaultSubscriptionBuffer,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithRequestTimeout bounds each attempt of a call. A timed out attempt counts
// as a transport failure and fails over. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithSubscriptionBuffer sets how many pushes a subscription queues before
// the connection's reader blocks.
func WithSubscriptionBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.subBuffer = n
		}
	}
}

// WithMetrics records failovers, rotations and open subscriptions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
