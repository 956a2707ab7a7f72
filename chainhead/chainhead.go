// Package chainhead tracks the latest block number announced by the upstream
// pool. Block tag resolution reads it to pin "latest" to a concrete block.
package chainhead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ggoodman/rpc-gateway-go/client"
)

// Client is the subset of *client.Client the tracker uses.
type Client interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Subscribe(ctx context.Context, method string, params json.RawMessage, unsubscribeMethod string) (*client.Subscription, error)
}

// Config names the methods used to follow the chain head.
type Config struct {
	BlockNumberMethod string
	SubscribeMethod   string
	UnsubscribeMethod string
	SubscribeParams   json.RawMessage
}

// Tracker follows new heads through a subscription and resubscribes with
// exponential backoff whenever the subscription ends.
type Tracker struct {
	c   Client
	cfg Config
	log *slog.Logger

	latest atomic.Uint64
	known  atomic.Bool

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithBackoff sets the first and the largest wait between resubscriptions.
func WithBackoff(initial, maxWait time.Duration) Option {
	return func(t *Tracker) {
		t.initialInterval = initial
		t.maxInterval = maxWait
	}
}

// New creates a tracker. Call Run to start following the head.
func New(c Client, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		c:               c,
		cfg:             cfg,
		log:             slog.Default(),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Latest returns the most recent head number and whether one is known.
func (t *Tracker) Latest() (uint64, bool) {
	if !t.known.Load() {
		return 0, false
	}
	return t.latest.Load(), true
}

// Run follows the head until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialInterval
	b.MaxInterval = t.maxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		err := t.follow(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		t.log.WarnContext(ctx, "chainhead.follow.fail", slog.String("err", err.Error()), slog.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// follow seeds the head with a direct query, then consumes one subscription
// until it ends. It always returns an error describing why following stopped.
func (t *Tracker) follow(ctx context.Context, b backoff.BackOff) error {
	if t.cfg.BlockNumberMethod != "" {
		res, err := t.c.Request(ctx, t.cfg.BlockNumberMethod, json.RawMessage(`[]`))
		if err != nil {
			return fmt.Errorf("%s: %w", t.cfg.BlockNumberMethod, err)
		}
		n, err := decodeQuantity(res)
		if err != nil {
			return fmt.Errorf("%s: %w", t.cfg.BlockNumberMethod, err)
		}
		t.set(n)
	}

	sub, err := t.c.Subscribe(ctx, t.cfg.SubscribeMethod, t.cfg.SubscribeParams, t.cfg.UnsubscribeMethod)
	if err != nil {
		return fmt.Errorf("%s: %w", t.cfg.SubscribeMethod, err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.Unsubscribe(uctx)
	}()
	b.Reset()
	t.log.InfoContext(ctx, "chainhead.subscribe.ok", slog.String("subscription", sub.ID()))

	for {
		v, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cause := sub.Err(); cause != nil {
					return fmt.Errorf("subscription ended: %w", cause)
				}
				return errors.New("subscription ended")
			}
			return err
		}
		n, err := decodeHead(v)
		if err != nil {
			t.log.WarnContext(ctx, "chainhead.head.invalid", slog.String("err", err.Error()))
			continue
		}
		t.set(n)
	}
}

func (t *Tracker) set(n uint64) {
	t.latest.Store(n)
	t.known.Store(true)
}

// decodeHead accepts a header object with a hex "number" field or a bare quantity.
func decodeHead(raw json.RawMessage) (uint64, error) {
	var head struct {
		Number *hexutil.Uint64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &head); err == nil && head.Number != nil {
		return uint64(*head.Number), nil
	}
	return decodeQuantity(raw)
}

func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid block number %s: %w", string(raw), err)
	}
	return uint64(n), nil
}
