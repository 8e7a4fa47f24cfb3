// Package cache provides the key/value caches behind the rewrite and plan
// caches. Values are opaque to the cache; callers store strings.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"goa.design/clue/log"
)

// InMemoryCache provides a simple thread-safe in-memory cache.
type InMemoryCache struct {
	store map[string]cacheItem
	mutex sync.RWMutex
	ttl   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

var _ breezeflow.Cache = (*InMemoryCache)(nil)

type cacheItem struct {
	value      any
	expiration int64
}

// NewInMemoryCache creates a new in-memory cache with a default TTL.
func NewInMemoryCache(defaultTTL time.Duration) *InMemoryCache {
	c := &InMemoryCache{
		store: make(map[string]cacheItem),
		ttl:   defaultTTL,
		stop:  make(chan struct{}),
	}
	// Start a background cleanup goroutine
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if time.Now().UnixNano() > item.expiration {
		// Item expired (lazy cleanup)
		log.Debug(ctx, log.KV{K: "msg", V: "cache item expired"}, log.KV{K: "key", V: key})
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	log.Debug(ctx, log.KV{K: "msg", V: "cache item set"}, log.KV{K: "key", V: key})
	return nil
}

// Len returns the number of stored items, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *InMemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// cleanupLoop periodically removes expired items.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *InMemoryCache) purgeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().UnixNano()
	for key, item := range c.store {
		if now > item.expiration {
			delete(c.store, key)
		}
	}
}

// Key derives a fixed-length cache key from namespace and parts.
func Key(namespace string, parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return namespace + ":" + hex.EncodeToString(sum[:])
}
