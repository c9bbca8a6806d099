// Package stats reconciles local delivery counts with provider engagement.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/engagement"
)

// Store is the local source of truth for sends.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	CountSendsByStatus(ctx context.Context, campaignID uuid.UUID) (map[db.SendStatus]int, error)
	SetEngagementTotals(ctx context.Context, id uuid.UUID, opened, bounced int) error
}

// EngagementSource reports provider-side engagement per delivery tag.
type EngagementSource interface {
	Totals(ctx context.Context, tag string, from, to time.Time) (map[string]int, error)
}

// Source values of Counts.
const (
	SourceLocal    = "local"
	SourceProvider = "provider"
)

// Counts are campaign delivery aggregates. Queued, Sent and Failed always
// come from local sends; Opened and Bounced come from the provider when it
// answered.
type Counts struct {
	Queued  int `json:"queued"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Opened  int `json:"opened"`
	Clicked int `json:"clicked"`
	Bounced int `json:"bounced"`
	Replied int `json:"replied"`
}

// Stats is the getStats response.
type Stats struct {
	CampaignID       uuid.UUID    `json:"campaign_id"`
	JobStatus        db.JobStatus `json:"job_status"`
	Counts           Counts       `json:"counts"`
	EngagementSource string       `json:"engagement_source"`
}

type Aggregator struct {
	store    Store
	provider EngagementSource
	now      func() time.Time
	logger   *zap.Logger
}

// NewAggregator creates an aggregator. provider may be nil.
func NewAggregator(store Store, provider EngagementSource, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, provider: provider, now: time.Now, logger: logger}
}

// Get computes stats for a campaign. Provider failures fall back to local
// counts and are never returned.
func (a *Aggregator) Get(ctx context.Context, campaignID uuid.UUID) (*Stats, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	byStatus, err := a.store.CountSendsByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count sends: %w", err)
	}

	st := &Stats{
		CampaignID:       campaignID,
		JobStatus:        campaign.JobStatus,
		Counts:           localCounts(byStatus),
		EngagementSource: SourceLocal,
	}

	if a.provider == nil || campaign.Channel != db.ChannelEmail {
		return st, nil
	}

	log := a.logger.With(zap.String("campaign_id", campaignID.String()))
	totals, err := a.provider.Totals(ctx, campaign.Tag(), campaign.CreatedAt, a.now())
	if err != nil {
		log.Warn("provider engagement unavailable, using local counts", zap.Error(err))
		return st, nil
	}

	st.Counts.Opened = totals[string(engagement.KindOpen)]
	st.Counts.Bounced = totals[string(engagement.KindBounce)]
	st.EngagementSource = SourceProvider

	if err := a.store.SetEngagementTotals(ctx, campaignID, st.Counts.Opened, st.Counts.Bounced); err != nil {
		log.Warn("failed to persist engagement totals", zap.Error(err))
	}
	return st, nil
}

// localCounts derives aggregates from send rows. Every status past QUEUED
// except FAILED left the system, so it counts as sent. Engagement implies
// the earlier stages: a click was opened first.
func localCounts(byStatus map[db.SendStatus]int) Counts {
	c := Counts{
		Queued:  byStatus[db.SendStatusQueued],
		Failed:  byStatus[db.SendStatusFailed],
		Clicked: byStatus[db.SendStatusClicked],
		Bounced: byStatus[db.SendStatusBounced],
		Replied: byStatus[db.SendStatusReplied],
	}
	c.Opened = byStatus[db.SendStatusOpened] + c.Clicked + c.Replied
	c.Sent = byStatus[db.SendStatusSent] + c.Opened + c.Bounced
	return c
}
