package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-tracking/internal/models"
)

// ErrNotFound is returned by a KV when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// KV is the small subset of redis operations the cache needs, so tests can
// supply a fake.
type KV interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type redisAdapter struct{ c redis.UniversalClient }

// NewRedisKV adapts a go-redis client to KV.
func NewRedisKV(c redis.UniversalClient) KV { return &redisAdapter{c: c} }

func (r *redisAdapter) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

// RedisCache stores each trip's latest location as JSON under
// prefix+tripID with a native redis expiry.
type RedisCache struct {
	kv     KV
	prefix string
	now    func() time.Time
}

// NewRedisCache builds a RedisCache. An empty prefix defaults to "live:trip:".
func NewRedisCache(kv KV, prefix string, now func() time.Time) *RedisCache {
	if prefix == "" {
		prefix = "live:trip:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisCache{kv: kv, prefix: prefix, now: now}
}

// NewRedisClient builds the go-redis client used by the server.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func (c *RedisCache) key(tripID string) string { return c.prefix + tripID }

func (c *RedisCache) Set(ctx context.Context, loc models.CachedLocation, ttl time.Duration) error {
	loc.ExpiresAt = c.now().Add(ttl)
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", models.ErrCacheUnavailable, err)
	}
	if err := c.kv.SetEX(ctx, c.key(loc.TripID), b, ttl); err != nil {
		return fmt.Errorf("%w: set %s: %v", models.ErrCacheUnavailable, loc.TripID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, tripID string) (models.CachedLocation, bool, error) {
	b, err := c.kv.Get(ctx, c.key(tripID))
	if errors.Is(err, ErrNotFound) {
		return models.CachedLocation{}, false, nil
	}
	if err != nil {
		return models.CachedLocation{}, false, fmt.Errorf("%w: get %s: %v", models.ErrCacheUnavailable, tripID, err)
	}
	var loc models.CachedLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return models.CachedLocation{}, false, fmt.Errorf("%w: decode %s: %v", models.ErrCacheUnavailable, tripID, err)
	}
	// redis expiry has second granularity; never hand back a stale record
	if !loc.ExpiresAt.IsZero() && !c.now().Before(loc.ExpiresAt) {
		return models.CachedLocation{}, false, nil
	}
	return loc, true, nil
}
