package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLease grants short-lived per-record exclusivity so at most one
// transform is in flight per record even under duplicate queue delivery.
// The TTL backstops a worker that dies without releasing.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLease creates a lease manager. ttl should exceed the task deadline.
func NewRedisLease(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLease {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLease{client: client, ttl: ttl, logger: logger}
}

func leaseKey(id uuid.UUID) string { return "lease:video:" + id.String() }

// Acquire attempts to take the record's lease. false means another worker
// holds it: treat the task as already being processed and skip.
func (l *RedisLease) Acquire(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(id), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Release drops the lease. Best-effort: on failure the TTL expires it.
func (l *RedisLease) Release(ctx context.Context, id uuid.UUID) {
	if err := l.client.Del(ctx, leaseKey(id)).Err(); err != nil {
		l.logger.Warn("lease release failed", zap.String("video_id", id.String()), zap.Error(err))
	}
}
