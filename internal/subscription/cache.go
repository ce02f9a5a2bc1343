package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

const (
	keyPrefix = "relay:subscription:"
	genPrefix = "relay:subscription-gen:"
)

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// cacheEntry stamps a cached subscription with the invalidation generation
// seen before the backing read. An entry whose generation no longer matches
// was read before an invalidation and is never served.
type cacheEntry struct {
	Gen          int64                 `json:"gen"`
	Subscription delivery.Subscription `json:"subscription"`
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Cached is a read-through cache in front of a Store. Only active
// subscriptions are cached; misses, inactive and missing results always go
// to the backing store. Redis errors degrade to a direct read.
type Cached struct {
	next   Store
	rdb    RedisClient
	ttl    time.Duration
	logger *logging.Logger
}

var (
	_ Store       = (*Cached)(nil)
	_ Invalidator = (*Cached)(nil)
)

// Layer wraps base in a Redis cache when cfg enables one. The returned
// *Cached is nil when the cache is off.
func Layer(base Store, cfg config.Redis, logger *logging.Logger) (Store, *Cached) {
	if !cfg.Enabled || cfg.Addr == "" {
		return base, nil
	}
	c := NewCached(base, NewRedisClient(cfg), cfg.CacheTTL, logger)
	return c, c
}

func NewCached(next Store, rdb RedisClient, ttl time.Duration, logger *logging.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(id string) string { return keyPrefix + id }

func genKey(id string) string { return genPrefix + id }

// lookup returns the cached subscription, if fresh, and the current
// generation. known is false when Redis could not be read.
func (c *Cached) lookup(ctx context.Context, id string) (sub delivery.Subscription, hit bool, gen int64, known bool) {
	vals, err := c.rdb.MGet(ctx, cacheKey(id), genKey(id)).Result()
	if err != nil || len(vals) != 2 {
		metrics.RecordCacheLookup("error")
		c.logger.WithContext(ctx).WithSubscription(id).WithError(err).Warn("subscription cache read failed")
		return delivery.Subscription{}, false, 0, false
	}
	if raw, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			metrics.RecordCacheLookup("error")
			return delivery.Subscription{}, false, 0, false
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		metrics.RecordCacheLookup("miss")
		return delivery.Subscription{}, false, gen, true
	}
	var e cacheEntry
	if jerr := json.Unmarshal([]byte(raw), &e); jerr == nil && e.Subscription.Active && e.Gen == gen {
		metrics.RecordCacheLookup("hit")
		return e.Subscription, true, gen, true
	}
	// predates the last invalidation or is unusable
	metrics.RecordCacheLookup("stale")
	_ = c.rdb.Del(ctx, cacheKey(id)).Err()
	return delivery.Subscription{}, false, gen, true
}

func (c *Cached) GetActive(ctx context.Context, id string) (delivery.Subscription, error) {
	cached, hit, gen, known := c.lookup(ctx, id)
	if hit {
		return cached, nil
	}

	sub, err := c.next.GetActive(ctx, id)
	if err != nil {
		return delivery.Subscription{}, err
	}
	if !known {
		return sub, nil
	}

	b, err := json.Marshal(cacheEntry{Gen: gen, Subscription: sub})
	if err == nil {
		err = c.rdb.Set(ctx, cacheKey(id), b, c.ttl).Err()
	}
	if err != nil {
		c.logger.WithContext(ctx).WithSubscription(id).WithError(err).Warn("subscription cache write failed")
	}
	return sub, nil
}

// ListForEventType is not cached: fan-out must see every subscription.
func (c *Cached) ListForEventType(ctx context.Context, eventType string) ([]delivery.Subscription, error) {
	return c.next.ListForEventType(ctx, eventType)
}

// Invalidate bumps the subscription's generation and deletes the cached
// copy. A lookup that read the backing store before the bump may still write
// its entry, but the entry carries the old generation and is never served.
// The generation key outlives any entry written against it.
func (c *Cached) Invalidate(ctx context.Context, id string) error {
	if err := c.rdb.Incr(ctx, genKey(id)).Err(); err != nil {
		_ = c.rdb.Del(ctx, cacheKey(id)).Err()
		return fmt.Errorf("invalidate subscription %s: %w", id, err)
	}
	_ = c.rdb.Expire(ctx, genKey(id), 2*c.ttl).Err()
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate subscription %s: %w", id, err)
	}
	c.logger.WithContext(ctx).WithSubscription(id).Debug("subscription cache invalidated")
	return nil
}

// Ping reports whether Redis is reachable.
func (c *Cached) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
