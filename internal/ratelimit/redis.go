package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fieldsync/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter keeps one sorted set per key, scored by request time, so
// every API replica shares the same window.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisClient creates a client from configuration
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if l.client == nil {
		return Decision{}, fmt.Errorf("redis client is nil")
	}

	now := l.now()
	redisKey := redisKeyPrefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to record request in redis: %w", err)
	}

	count := int(card.Val())
	d := Decision{Limit: limit, ResetAt: now.Add(window)}
	if zs := oldest.Val(); len(zs) > 0 {
		d.ResetAt = time.UnixMilli(int64(zs[0].Score)).Add(window)
	}

	if count > limit {
		// denied requests do not consume budget
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to roll back denied request: %w", err)
		}
		return d, nil
	}

	d.Allowed = true
	d.Remaining = limit - count
	return d, nil
}

// Ping checks the connection to Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}
