package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const redisRatePrefix = "localvercel:ratelimit:"

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter counts requests in Redis so limits hold across API
// replicas. The client is shared and stays open after Close. Redis errors
// fail open.
func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  redisRatePrefix,
		timeout: 250 * time.Millisecond,
	}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	counter, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.logRedisError("incr", err)
		return rateDecision{allowed: true}
	}
	if counter == 1 {
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
	}
	remaining, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
