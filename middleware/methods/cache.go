package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
	"github.com/ggoodman/rpc-gateway-go/metrics"
	"github.com/ggoodman/rpc-gateway-go/middleware"
	"github.com/ggoodman/rpc-gateway-go/storage"
	"github.com/ggoodman/rpc-gateway-go/storage/memory"
)

// cacheStage serves repeated calls from a store. Concurrent misses for the
// same key share one upstream call.
type cacheStage struct {
	method string
	store  storage.Storage
	// owned is true when the store belongs to this stage alone.
	owned   bool
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	log     *slog.Logger
}

func buildCache(cfg *config.MethodConfig, reg *extensions.Registry) (stage, error) {
	if cfg.Cache == nil || reg == nil {
		return nil, nil
	}
	s := &cacheStage{
		method:  cfg.Method,
		store:   reg.Cache,
		ttl:     cfg.Cache.TTL,
		metrics: reg.Metrics,
		log:     reg.Logger(),
	}
	if s.ttl == 0 {
		s.ttl = reg.CacheTTL
	}
	if cfg.Cache.Size > 0 {
		store, err := memory.New(cfg.Cache.Size)
		if err != nil {
			return nil, err
		}
		s.store, s.owned = store, true
	}
	if s.store == nil {
		return nil, nil
	}
	return s, nil
}

func (s *cacheStage) Call(ctx context.Context, req middleware.CallRequest, bag *middleware.Bag, next next) (json.RawMessage, error) {
	if bypass, _ := middleware.Get(bag, middleware.CacheBypassKey); bypass {
		s.metrics.Cache(s.method, metrics.CacheBypass)
		return next(ctx, req, bag)
	}

	key := cacheKey(req.Params)
	item, err := s.store.Get(ctx, key, storage.WithMethod(s.method))
	if err != nil {
		s.metrics.Cache(s.method, metrics.CacheError)
		s.log.WarnContext(ctx, "cache.get.fail", slog.String("method", s.method), slog.String("err", err.Error()))
	} else if item != nil {
		s.metrics.Cache(s.method, metrics.CacheHit)
		return json.RawMessage(item.Data), nil
	}
	s.metrics.Cache(s.method, metrics.CacheMiss)

	// The shared call must outlive any single waiter, so it runs detached
	// from the leader's cancellation. The client's request timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		res, err := next(shared, req, bag)
		if err != nil {
			return nil, err
		}
		if !isNull(res) {
			if err := s.store.Set(shared, key, res, storage.WithMethod(s.method), storage.WithTTL(s.ttl)); err != nil {
				s.metrics.Cache(s.method, metrics.CacheError)
				s.log.WarnContext(shared, "cache.set.fail", slog.String("method", s.method), slog.String("err", err.Error()))
			}
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(json.RawMessage), nil
	}
}

// Close releases a per-method store.
func (s *cacheStage) Close() error {
	if s.owned {
		return s.store.Close()
	}
	return nil
}

// cacheKey hashes the canonical form of params so equivalent encodings
// share an entry. Numbers keep their literal text.
func cacheKey(p json.RawMessage) string {
	canonical := []byte("null")
	if len(bytes.TrimSpace(p)) > 0 {
		canonical = p
		dec := json.NewDecoder(bytes.NewReader(p))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				canonical = b
			}
		}
	}
	return strconv.FormatUint(xxhash.Sum64(canonical), 16)
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
