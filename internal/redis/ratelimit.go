package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // requests per window per client
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over Redis sorted sets, one set
// per client key.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) key(clientKey string) string {
	return r.client.Key("ratelimit", clientKey)
}

// Allow records one request for clientKey if the window has room.
func (r *RateLimiter) Allow(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	now := r.now()
	key := r.key(clientKey)
	windowStart := now.Add(-r.config.Window)

	pipe := r.client.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	result := &RateLimitResult{
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		result.ResetAt = time.Unix(0, int64(oldest[0].Score)).Add(r.config.Window)
	}

	if count >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", clientKey),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	member := redis.Z{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.Itoa(count)}
	pipe = r.client.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.Expire(ctx, key, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	result.Allowed = true
	result.Remaining = r.config.Limit - count - 1
	return result, nil
}
