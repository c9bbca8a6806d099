package usage

import (
	"context"
	"time"
)

// usageStore is the slice of db.Repository the Postgres counter needs.
type usageStore interface {
	IncrementUsage(ctx context.Context, date time.Time, resource string, count int, cost float64) (int, error)
	SumUsage(ctx context.Context, resource string, from, to time.Time) (int, error)
}

// PostgresCounter keeps counters in the usage_counters table.
type PostgresCounter struct {
	store usageStore
}

// NewPostgresCounter creates a counter backed by store.
func NewPostgresCounter(store usageStore) *PostgresCounter {
	return &PostgresCounter{store: store}
}

func (c *PostgresCounter) Increment(ctx context.Context, day time.Time, resource string, count int, cost float64) (int, error) {
	return c.store.IncrementUsage(ctx, day, resource, count, cost)
}

func (c *PostgresCounter) Daily(ctx context.Context, day time.Time, resource string) (int, error) {
	return c.store.SumUsage(ctx, resource, day, day)
}

func (c *PostgresCounter) Monthly(ctx context.Context, day time.Time, resource string) (int, error) {
	first := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	return c.store.SumUsage(ctx, resource, first, day)
}
