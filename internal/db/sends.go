package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
)

const sendColumns = `
	id, campaign_id, lead_id, channel, address, status, template_id, sender_name,
	delivery_id, chat_link, error_message, claimed_at, sent_at, created_at, updated_at`

func scanSend(row scanner) (*CampaignSend, error) {
	var s CampaignSend
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.LeadID, &s.Channel, &s.Address, &s.Status,
		&s.TemplateID, &s.SenderName, &s.DeliveryID, &s.ChatLink, &s.ErrorMessage,
		&s.ClaimedAt, &s.SentAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func sendStatusStrings(statuses []SendStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateSend inserts a QUEUED send.
func (r *Repository) CreateSend(ctx context.Context, s *CampaignSend) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = SendStatusQueued

	query := `
		INSERT INTO campaign_sends (id, campaign_id, lead_id, channel, address, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID, s.CampaignID, s.LeadID, s.Channel, s.Address, s.Status,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create send",
			zap.Error(err),
			zap.String("campaign_id", s.CampaignID.String()),
			zap.String("lead_id", s.LeadID.String()),
		)
		return fmt.Errorf("insert send: %w", err)
	}
	return nil
}

// HasSendInStatus reports whether a send exists for the pair in any of statuses.
func (r *Repository) HasSendInStatus(ctx context.Context, campaignID, leadID uuid.UUID, statuses []SendStatus) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM campaign_sends
			WHERE campaign_id = $1 AND lead_id = $2 AND status = ANY($3::text[])
		)
	`

	var exists bool
	err := r.db.Pool().QueryRow(ctx, query, campaignID, leadID, sendStatusStrings(statuses)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query send exists: %w", err)
	}
	return exists, nil
}

// HasUnclaimedSend reports whether the pair already has a QUEUED send no worker
// has claimed yet.
func (r *Repository) HasUnclaimedSend(ctx context.Context, campaignID, leadID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM campaign_sends
			WHERE campaign_id = $1 AND lead_id = $2 AND status = $3 AND claimed_at IS NULL
		)
	`

	var exists bool
	err := r.db.Pool().QueryRow(ctx, query, campaignID, leadID, SendStatusQueued).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query unclaimed send: %w", err)
	}
	return exists, nil
}

// CountProcessedSince counts non-QUEUED sends created at or after since.
func (r *Repository) CountProcessedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM campaign_sends
		WHERE campaign_id = $1 AND status <> $2 AND created_at >= $3
	`

	var n int
	if err := r.db.Pool().QueryRow(ctx, query, campaignID, SendStatusQueued, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed sends: %w", err)
	}
	return n, nil
}

// ClaimNextSend atomically claims the oldest unclaimed QUEUED send for the
// campaign. It returns nil when the queue is empty. Concurrent callers never
// receive the same row.
func (r *Repository) ClaimNextSend(ctx context.Context, campaignID uuid.UUID) (*CampaignSend, error) {
	query := `
		UPDATE campaign_sends
		SET claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM campaign_sends
			WHERE campaign_id = $1 AND status = $2 AND claimed_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sendColumns

	s, err := scanSend(r.db.Pool().QueryRow(ctx, query, campaignID, SendStatusQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to claim send", zap.Error(err), zap.String("campaign_id", campaignID.String()))
		return nil, fmt.Errorf("claim send: %w", err)
	}
	return s, nil
}

// ClaimExpiredMessage is recorded on sends whose claim timed out.
const ClaimExpiredMessage = "claim expired"

// ExpireStaleClaims fails QUEUED sends claimed before claimedBefore and
// returns how many changed.
func (r *Repository) ExpireStaleClaims(ctx context.Context, campaignID uuid.UUID, claimedBefore time.Time) (int, error) {
	query := `
		UPDATE campaign_sends
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE campaign_id = $3 AND status = $4
			AND claimed_at IS NOT NULL AND claimed_at < $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		SendStatusFailed, ClaimExpiredMessage, campaignID, SendStatusQueued, claimedBefore,
	)
	if err != nil {
		r.logger.Error("failed to expire claims", zap.Error(err), zap.String("campaign_id", campaignID.String()))
		return 0, fmt.Errorf("expire claims: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// SendOutcome is the final state written by the worker.
type SendOutcome struct {
	Status       SendStatus
	TemplateID   *uuid.UUID
	SenderName   *string
	DeliveryID   *string
	ChatLink     *string
	ErrorMessage *string
	SentAt       *time.Time
}

// CompleteSend writes the worker's outcome onto a claimed send.
func (r *Repository) CompleteSend(ctx context.Context, id uuid.UUID, o SendOutcome) error {
	query := `
		UPDATE campaign_sends
		SET status = $1, template_id = $2, sender_name = $3, delivery_id = $4,
			chat_link = $5, error_message = $6, sent_at = $7, updated_at = NOW()
		WHERE id = $8 AND status = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		o.Status, o.TemplateID, o.SenderName, o.DeliveryID,
		o.ChatLink, o.ErrorMessage, o.SentAt, id, SendStatusQueued,
	)
	if err != nil {
		r.logger.Error("failed to complete send", zap.Error(err), zap.String("send_id", id.String()))
		return fmt.Errorf("complete send: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queued send %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// CountSendsByStatus tallies sends for a campaign.
func (r *Repository) CountSendsByStatus(ctx context.Context, campaignID uuid.UUID) (map[SendStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_sends WHERE campaign_id = $1 GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count sends: %w", err)
	}
	defer rows.Close()

	counts := make(map[SendStatus]int)
	for rows.Next() {
		var (
			status SendStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan send count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}

// GetSendByDeliveryID finds the send a provider event refers to.
func (r *Repository) GetSendByDeliveryID(ctx context.Context, deliveryID string) (*CampaignSend, error) {
	query := `SELECT ` + sendColumns + ` FROM campaign_sends WHERE delivery_id = $1`

	s, err := scanSend(r.db.Pool().QueryRow(ctx, query, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("send with delivery %s: %w", deliveryID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query send: %w", err)
	}
	return s, nil
}

// AdvanceSendStatus moves a delivered send to an engagement status when its
// current status is one of from. It reports whether the row changed.
func (r *Repository) AdvanceSendStatus(ctx context.Context, id uuid.UUID, to SendStatus, from []SendStatus) (bool, error) {
	query := `
		UPDATE campaign_sends SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3::text[])
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, sendStatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("advance send status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
