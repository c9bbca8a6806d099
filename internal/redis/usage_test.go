package redis

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUsageCounter_IncrementAndRead(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	counter := NewUsageCounter(client)
	ctx := context.Background()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	total, err := counter.Increment(ctx, day, "search", 3, 0.096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Errorf("expected day total 3, got %d", total)
	}

	nextDay := day.AddDate(0, 0, 1)
	if _, err := counter.Increment(ctx, nextDay, "search", 2, 0.064); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	daily, err := counter.Daily(ctx, nextDay, "search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if daily != 2 {
		t.Errorf("expected daily 2, got %d", daily)
	}

	monthly, err := counter.Monthly(ctx, nextDay, "search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if monthly != 5 {
		t.Errorf("expected monthly 5, got %d", monthly)
	}
}

func TestUsageCounter_MissingKeyIsZero(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	counter := NewUsageCounter(client)
	n, err := counter.Daily(context.Background(), time.Now(), "detail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestUsageCounter_ConcurrentIncrements(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	counter := NewUsageCounter(client)
	ctx := context.Background()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := counter.Increment(ctx, day, "search", 1, 0.032); err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := counter.Daily(ctx, day, "search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20, got %d", n)
	}
}
