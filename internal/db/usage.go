package db

import (
	"context"
	"fmt"
	"time"
)

// IncrementUsage adds count and cost to the (date, resource) counter in a
// single upsert and returns the new request count.
func (r *Repository) IncrementUsage(ctx context.Context, date time.Time, resource string, count int, cost float64) (int, error) {
	query := `
		INSERT INTO usage_counters (date, resource, request_count, estimated_cost)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (date, resource) DO UPDATE
		SET request_count = usage_counters.request_count + EXCLUDED.request_count,
			estimated_cost = usage_counters.estimated_cost + EXCLUDED.estimated_cost
		RETURNING request_count
	`

	var total int
	if err := r.db.Pool().QueryRow(ctx, query, date, resource, count, cost).Scan(&total); err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return total, nil
}

// SumUsage totals requests for resource over [from, to] inclusive.
func (r *Repository) SumUsage(ctx context.Context, resource string, from, to time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(request_count), 0) FROM usage_counters
		WHERE resource = $1 AND date >= $2 AND date <= $3
	`

	var total int
	if err := r.db.Pool().QueryRow(ctx, query, resource, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
