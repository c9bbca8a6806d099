package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
)

// CreateSearchRun inserts a run in the running state.
func (r *Repository) CreateSearchRun(ctx context.Context, run *SearchRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = SearchRunRunning

	query := `
		INSERT INTO search_runs (
			id, query, lat, lng, radius_km, max_results, group_id, cap_snapshot, cell_count, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING started_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		run.ID, run.Query, run.Lat, run.Lng, run.RadiusKm, run.MaxResults,
		run.GroupID, run.CapSnapshot, run.CellCount, run.Status,
	).Scan(&run.StartedAt)
	if err != nil {
		r.logger.Error("failed to create search run", zap.Error(err), zap.String("run_id", run.ID.String()))
		return fmt.Errorf("insert search run: %w", err)
	}

	return nil
}

// FinalizeSearchRun persists the run summary and marks it completed.
// Only a running row is updated, so a second call is rejected.
func (r *Repository) FinalizeSearchRun(ctx context.Context, run *SearchRun) error {
	if run.Errors == nil {
		run.Errors = []string{}
	}

	query := `
		UPDATE search_runs
		SET places_found = $1, new_leads = $2, duplicates = $3, search_calls = $4,
			detail_calls = $5, cost = $6, errors = $7, status = $8, completed_at = NOW()
		WHERE id = $9 AND status = $10
		RETURNING completed_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		run.PlacesFound, run.NewLeads, run.Duplicates, run.SearchCalls,
		run.DetailCalls, run.Cost, run.Errors, SearchRunCompleted,
		run.ID, SearchRunRunning,
	).Scan(&run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("search run %s not running: %w", run.ID, apperr.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to finalize search run", zap.Error(err), zap.String("run_id", run.ID.String()))
		return fmt.Errorf("finalize search run: %w", err)
	}

	run.Status = SearchRunCompleted
	return nil
}

// GetSearchRun retrieves a run by ID
func (r *Repository) GetSearchRun(ctx context.Context, id uuid.UUID) (*SearchRun, error) {
	query := `
		SELECT
			id, query, lat, lng, radius_km, max_results, group_id, cap_snapshot, cell_count,
			places_found, new_leads, duplicates, search_calls, detail_calls, cost, errors,
			status, started_at, completed_at
		FROM search_runs
		WHERE id = $1
	`

	var run SearchRun
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Query, &run.Lat, &run.Lng, &run.RadiusKm, &run.MaxResults,
		&run.GroupID, &run.CapSnapshot, &run.CellCount, &run.PlacesFound, &run.NewLeads,
		&run.Duplicates, &run.SearchCalls, &run.DetailCalls, &run.Cost, &run.Errors,
		&run.Status, &run.StartedAt, &run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("search run %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query search run: %w", err)
	}

	return &run, nil
}

// LinkRunLead records that a run found a lead. Repeated calls for the same
// pair keep a single link.
func (r *Repository) LinkRunLead(ctx context.Context, runID, leadID uuid.UUID, isNew bool) error {
	query := `
		INSERT INTO search_run_leads (run_id, lead_id, is_new)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, lead_id) DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, query, runID, leadID, isNew); err != nil {
		return fmt.Errorf("insert run lead: %w", err)
	}
	return nil
}
