package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageDayTTL   = 48 * time.Hour
	usageMonthTTL = 35 * 24 * time.Hour
)

// UsageCounter keeps per-day and per-month request counters in Redis.
// Each increment is a single MULTI/EXEC so concurrent processes never lose updates.
type UsageCounter struct {
	client *Client
}

// NewUsageCounter creates a Redis-backed usage counter.
func NewUsageCounter(client *Client) *UsageCounter {
	return &UsageCounter{client: client}
}

func (u *UsageCounter) dayKey(resource string, day time.Time) string {
	return u.client.Key("usage", resource, day.Format("2006-01-02"))
}

func (u *UsageCounter) monthKey(resource string, day time.Time) string {
	return u.client.Key("usage", resource, day.Format("2006-01"))
}

// Increment adds count to the day and month counters and returns the day total.
func (u *UsageCounter) Increment(ctx context.Context, day time.Time, resource string, count int, cost float64) (int, error) {
	dayKey := u.dayKey(resource, day)
	monthKey := u.monthKey(resource, day)

	pipe := u.client.rdb.TxPipeline()
	dayCount := pipe.IncrBy(ctx, dayKey, int64(count))
	pipe.IncrByFloat(ctx, dayKey+":cost", cost)
	pipe.IncrBy(ctx, monthKey, int64(count))
	pipe.Expire(ctx, dayKey, usageDayTTL)
	pipe.Expire(ctx, dayKey+":cost", usageDayTTL)
	pipe.Expire(ctx, monthKey, usageMonthTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis usage increment failed: %w", err)
	}
	return int(dayCount.Val()), nil
}

// Daily returns the request count for resource on day.
func (u *UsageCounter) Daily(ctx context.Context, day time.Time, resource string) (int, error) {
	return u.get(ctx, u.dayKey(resource, day))
}

// Monthly returns the request count for resource in day's month.
func (u *UsageCounter) Monthly(ctx context.Context, day time.Time, resource string) (int, error) {
	return u.get(ctx, u.monthKey(resource, day))
}

func (u *UsageCounter) get(ctx context.Context, key string) (int, error) {
	n, err := u.client.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis usage get failed: %w", err)
	}
	return n, nil
}
