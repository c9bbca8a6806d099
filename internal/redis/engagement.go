package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	engagementTTL = 400 * 24 * time.Hour

	// engagementSeenTTL covers the longest SQS retention, so any redelivery
	// of a counted event is still recognised.
	engagementSeenTTL = 14 * 24 * time.Hour

	// maxEngagementDays bounds a Totals range.
	maxEngagementDays = 366
)

// EngagementCounter tallies provider engagement events per delivery tag and
// UTC day in hashes keyed engagement:<tag>:<YYYY-MM-DD>. Each event is counted
// once: a marker under engagement:seen:<event> rejects redeliveries.
type EngagementCounter struct {
	client *Client
}

func NewEngagementCounter(client *Client) *EngagementCounter {
	return &EngagementCounter{client: client}
}

func (e *EngagementCounter) key(tag string, day time.Time) string {
	return e.client.Key("engagement", tag, day.UTC().Format("2006-01-02"))
}

// Record increments field (open, click, bounce, complaint) for tag on at's
// day unless eventKey was already counted.
func (e *EngagementCounter) Record(ctx context.Context, eventKey, tag string, at time.Time, field string) error {
	seen := e.client.Key("engagement", "seen", eventKey)
	first, err := e.client.rdb.SetNX(ctx, seen, 1, engagementSeenTTL).Result()
	if err != nil {
		return fmt.Errorf("redis engagement setnx failed: %w", err)
	}
	if !first {
		e.client.logger.Debug("engagement event already counted", zap.String("event", eventKey))
		return nil
	}

	key := e.key(tag, at)
	pipe := e.client.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, engagementTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the marker so a redelivery can count it.
		_ = e.client.rdb.Del(ctx, seen).Err()
		return fmt.Errorf("redis engagement record failed: %w", err)
	}
	return nil
}

// Totals sums every field for tag over the UTC days from..to inclusive.
// Ranges longer than a year are truncated to the most recent days.
func (e *EngagementCounter) Totals(ctx context.Context, tag string, from, to time.Time) (map[string]int, error) {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return map[string]int{}, nil
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > maxEngagementDays {
		start = end.AddDate(0, 0, -(maxEngagementDays - 1))
	}

	pipe := e.client.rdb.Pipeline()
	var cmds []*redis.MapStringStringCmd
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		cmds = append(cmds, pipe.HGetAll(ctx, e.key(tag, day)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis engagement totals failed: %w", err)
	}

	totals := make(map[string]int)
	for _, cmd := range cmds {
		for field, raw := range cmd.Val() {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid engagement count %q for %s: %w", raw, field, err)
			}
			totals[field] += n
		}
	}
	return totals, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
