// Package redis holds the Redis-backed counters and guards shared by every
// gateway replica: usage caps, engagement tallies, idempotency and rate limits.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPoolSize = 10

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix namespaces every key so several deployments can share one
	// Redis database. Empty means no prefix.
	KeyPrefix string
	// PoolSize defaults to 10.
	PoolSize int
}

// Client wraps the go-redis client and owns the key namespace.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New connects and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := strings.Trim(cfg.KeyPrefix, ":")
	logger.Info("redis connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("key_prefix", prefix),
	)

	return &Client{rdb: rdb, prefix: prefix, logger: logger}, nil
}

// Key joins parts with ':' under the configured prefix.
func (c *Client) Key(parts ...string) string {
	key := strings.Join(parts, ":")
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
