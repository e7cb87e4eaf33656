package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"statsfutbol.app/cloud/internal/logger"
)

const keyPrefix = "statsfutbol:ratelimit:"

// RedisLimiter shares fixed windows between instances through Redis. When
// Redis is unreachable requests are let through.
type RedisLimiter struct {
	client      redis.UniversalClient
	maxRequests int
	window      time.Duration
}

func NewRedis(client redis.UniversalClient, maxRequests int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, maxRequests: maxRequests, window: window}
}

// NewRedisFromURL connects to a redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, maxRequests int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, maxRequests, window), nil
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if rl.maxRequests <= 0 {
		return false
	}

	redisKey := keyPrefix + key
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("Rate limiter unavailable, allowing request", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			logger.Warn("Failed to set rate limit window", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return count <= int64(rl.maxRequests)
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}
