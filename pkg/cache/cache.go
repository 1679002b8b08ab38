package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a best-effort Redis key-value accelerator. Every operation may
// fail transiently; callers must treat a failure as a miss, never as an
// error to surface, so failures are logged here and absorbed.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a cache on an existing Redis client.
func New(client *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, logger: logger}
}

// VideoKey is the cache key for a single record snapshot.
func VideoKey(id string) string { return "video:" + id }

// OwnerKey is the cache key for an owner's record list.
func OwnerKey(ownerID string) string { return "user_videos:" + ownerID }

// Get returns the cached bytes and whether the key was present. Errors count
// as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// Set stores bytes with a TTL. Best-effort: a failed write is logged and
// swallowed, never surfaced.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes a key. A failed delete is logged and swallowed; the entry
// then ages out at its TTL, which bounds the staleness window.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping verifies connectivity, used at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}
