package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed search submission is replayed
	// for a repeated Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock while a submission runs. Searches can
	// take minutes across a large grid.
	processingTTL = 15 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

// IdempotencyResult is the response replayed for a repeated key.
type IdempotencyResult struct {
	RunID      string          `json:"run_id,omitempty"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService guards mutating requests against client retries.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return s.client.Key("idempotency", scope, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the cached result for a
// completed one, and ErrDuplicateRequest while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.String("run_id", result.RunID),
	)
	return &result, nil
}

// Store replaces the reservation with the final response.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. It reports false when the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so that a failed request can be retried.
// A stored result is left in place.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	key := s.buildKey(scope, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result, or (nil, nil) once the caller
// holds the reservation.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
