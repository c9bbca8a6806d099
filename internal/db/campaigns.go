package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
)

const campaignColumns = `
	id, name, channel, language, targeting, min_delay_seconds, max_delay_seconds,
	daily_limit, cooldown_days, strategy, sender_names, job_status, total_sent,
	total_failed, total_bounced, total_opened, total_replied, created_at, updated_at`

func scanCampaign(row scanner) (*Campaign, error) {
	var (
		c           Campaign
		targeting   []byte
		strategy    []byte
		senderNames []string
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.Language, &targeting, &c.MinDelaySeconds,
		&c.MaxDelaySeconds, &c.DailyLimit, &c.CooldownDays, &strategy, &senderNames,
		&c.JobStatus, &c.TotalSent, &c.TotalFailed, &c.TotalBounced, &c.TotalOpened,
		&c.TotalReplied, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
			return nil, fmt.Errorf("decode campaign targeting: %w", err)
		}
	}
	if len(strategy) > 0 {
		if err := json.Unmarshal(strategy, &c.Strategy); err != nil {
			return nil, fmt.Errorf("decode campaign strategy: %w", err)
		}
	}
	c.SenderNames = senderNames
	return &c, nil
}

// CreateCampaign inserts a campaign in the idle state.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.JobStatus == "" {
		c.JobStatus = JobIdle
	}
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return fmt.Errorf("encode campaign targeting: %w", err)
	}
	strategy, err := json.Marshal(c.Strategy)
	if err != nil {
		return fmt.Errorf("encode campaign strategy: %w", err)
	}
	if c.SenderNames == nil {
		c.SenderNames = []string{}
	}

	query := `
		INSERT INTO campaigns (
			id, name, channel, language, targeting, min_delay_seconds, max_delay_seconds,
			daily_limit, cooldown_days, strategy, sender_names, job_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		c.ID, c.Name, c.Channel, c.Language, targeting, c.MinDelaySeconds, c.MaxDelaySeconds,
		c.DailyLimit, c.CooldownDays, strategy, c.SenderNames, c.JobStatus,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create campaign", zap.Error(err), zap.String("campaign_id", c.ID.String()))
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ListCampaignIDsByJobStatus returns campaigns in the given state, oldest first.
func (r *Repository) ListCampaignIDsByJobStatus(ctx context.Context, status JobStatus, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM campaigns WHERE job_status = $1 ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}

// TransitionJobStatus moves the campaign job from one state to another.
// It returns false when the campaign was not in the from state.
func (r *Repository) TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to JobStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("invalid job transition %s -> %s", from, to)
	}

	query := `UPDATE campaigns SET job_status = $1, updated_at = NOW() WHERE id = $2 AND job_status = $3`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		r.logger.Error("failed to update job status", zap.Error(err), zap.String("campaign_id", id.String()))
		return false, fmt.Errorf("update job status: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("campaign job status changed",
			zap.String("campaign_id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return result.RowsAffected() > 0, nil
}

// IncrementCampaignCounters applies a counter delta in one atomic update.
func (r *Repository) IncrementCampaignCounters(ctx context.Context, id uuid.UUID, d CampaignCounters) error {
	query := `
		UPDATE campaigns
		SET total_sent = total_sent + $1,
			total_failed = total_failed + $2,
			total_bounced = total_bounced + $3,
			total_opened = total_opened + $4,
			total_replied = total_replied + $5,
			updated_at = NOW()
		WHERE id = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, d.Sent, d.Failed, d.Bounced, d.Opened, d.Replied, id)
	if err != nil {
		return fmt.Errorf("increment campaign counters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// SetEngagementTotals overwrites the provider-reported aggregates.
func (r *Repository) SetEngagementTotals(ctx context.Context, id uuid.UUID, opened, bounced int) error {
	query := `UPDATE campaigns SET total_opened = $1, total_bounced = $2, updated_at = NOW() WHERE id = $3`

	if _, err := r.db.Pool().Exec(ctx, query, opened, bounced, id); err != nil {
		return fmt.Errorf("update engagement totals: %w", err)
	}
	return nil
}
