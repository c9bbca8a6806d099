package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "search-runs", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateWhileProcessing(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "search-runs", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "search-runs", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredResponse(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "search-runs", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	body := json.RawMessage(`{"run_id":"run-123","new_leads":4}`)
	if err := svc.Store(ctx, "search-runs", "key-1", &IdempotencyResult{RunID: "run-123", StatusCode: 201, Body: body}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "search-runs", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.RunID != "run-123" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result: %+v", cached)
	}
	if string(cached.Body) != string(body) {
		t.Errorf("body = %s", cached.Body)
	}
	if cached.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "search-runs", "same-key"); err != nil {
		t.Fatalf("first scope failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "enqueue", "same-key")
	if err != nil {
		t.Fatalf("second scope should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("second scope should get nil (new request)")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "search-runs", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}
	if err := svc.Release(ctx, "search-runs", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if reserved, _ := svc.Reserve(ctx, "search-runs", "key-1"); !reserved {
		t.Fatal("key should be reservable after release")
	}

	// Releasing a completed key keeps its result.
	if err := svc.Store(ctx, "search-runs", "key-1", &IdempotencyResult{RunID: "run-1", StatusCode: 201}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Release(ctx, "search-runs", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	cached, err := svc.Check(ctx, "search-runs", "key-1")
	if err != nil || cached == nil || cached.RunID != "run-1" {
		t.Fatalf("stored result should survive release: %+v, %v", cached, err)
	}

	if err := svc.Release(ctx, "search-runs", "missing"); err != nil {
		t.Fatalf("releasing an unknown key: %v", err)
	}
}
