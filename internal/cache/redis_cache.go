package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

// RedisCache is a Cache shared across processes. Values must be strings or
// byte slices; Get always returns a string.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ breezeflow.Cache = (*RedisCache)(nil)

// NewRedisCache creates a cache on rdb. Keys are namespaced by prefix and
// expire after ttl.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "breezeflow:cache:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Get retrieves an item from the cache.
func (c *RedisCache) Get(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errbuilder.WrapIfContextDone(ctx, err)
	}
	v, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set adds or updates an item in the cache.
func (c *RedisCache) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}
	var payload string
	switch v := value.(type) {
	case string:
		payload = v
	case []byte:
		payload = string(v)
	default:
		return fmt.Errorf("redis cache stores strings, got %T", value)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "cache item set"}, log.KV{K: "key", V: key}, log.KV{K: "backend", V: "redis"})
	return nil
}
