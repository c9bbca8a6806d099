// Package queue admits leads into a campaign's send queue under a daily limit.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/eligibility"
	"github.com/lalithlochan/prospector/internal/metrics"
)

// Skip reasons beyond the eligibility gate's own.
const (
	SkipAlreadyReceived = "already_received"
	SkipAlreadyQueued   = "already_queued"
	SkipUnsafeAddress   = "unsafe_address"
	SkipError           = "error"
)

// Store is the persistence the manager needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetLeadsByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.Lead, error)
	ListLeads(ctx context.Context, f db.LeadFilter) ([]*db.Lead, error)
	CountProcessedSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
	HasUnclaimedSend(ctx context.Context, campaignID, leadID uuid.UUID) (bool, error)
	CreateSend(ctx context.Context, s *db.CampaignSend) error
	TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to db.JobStatus) (bool, error)
}

// Gate is the eligibility gate.
type Gate interface {
	CanContact(ctx context.Context, lead *db.Lead, channel db.Channel, cooldownDays int) (eligibility.Decision, error)
	HasReceivedCampaign(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error)
}

// Config holds admission defaults.
type Config struct {
	DefaultDailyLimit     int
	DefaultCooldownDays   int
	SafeSendMinConfidence float64
	CandidateLimit        int // max leads read per filtered enqueue; 0 reads all
	Location              *time.Location
	Now                   func() time.Time
}

// Result summarises one enqueue call.
type Result struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	Queued     int            `json:"queued_count"`
	Offered    int            `json:"offered"`
	Remaining  int            `json:"remaining_today"`
	Skipped    map[string]int `json:"skipped"`
	JobStatus  db.JobStatus   `json:"job_status"`
	Errors     []string       `json:"errors"`
}

// Manager enqueues leads for campaigns.
type Manager struct {
	store  Store
	gate   Gate
	cfg    Config
	logger *zap.Logger
}

// NewManager creates a queue manager.
func NewManager(store Store, gate Gate, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{store: store, gate: gate, cfg: cfg, logger: logger}
}

// startOfDay is local midnight of the current day.
func (m *Manager) startOfDay() time.Time {
	n := m.cfg.Now().In(m.cfg.Location)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, m.cfg.Location)
}

// Enqueue admits candidate leads for the campaign, at most
// dailyLimit minus today's processed sends.
func (m *Manager) Enqueue(ctx context.Context, campaignID uuid.UUID) (*Result, error) {
	campaign, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	log := m.logger.With(zap.String("campaign_id", campaignID.String()))
	res := &Result{CampaignID: campaignID, Skipped: map[string]int{}, JobStatus: campaign.JobStatus, Errors: []string{}}

	dailyLimit := campaign.DailyLimit
	if dailyLimit <= 0 {
		dailyLimit = m.cfg.DefaultDailyLimit
	}
	processed, err := m.store.CountProcessedSince(ctx, campaignID, m.startOfDay())
	if err != nil {
		return nil, err
	}
	budget := dailyLimit - processed
	if budget <= 0 {
		log.Info("daily send limit reached", zap.Int("daily_limit", dailyLimit), zap.Int("processed_today", processed))
		return res, nil
	}

	leads, err := m.candidates(ctx, campaign)
	if err != nil {
		return nil, err
	}
	res.Offered = len(leads)

	explicit := campaign.Targeting.Explicit()
	cooldown := campaign.CooldownDays
	if cooldown <= 0 {
		cooldown = m.cfg.DefaultCooldownDays
	}

	for _, lead := range leads {
		if res.Queued >= budget {
			break
		}

		reason, err := m.admit(ctx, campaign, lead, explicit, cooldown)
		if err != nil {
			res.Skipped[SkipError]++
			res.Errors = append(res.Errors, fmt.Sprintf("lead %s: %v", lead.ID, err))
			log.Warn("failed to admit lead", zap.String("lead_id", lead.ID.String()), zap.Error(err))
			continue
		}
		if reason != "" {
			res.Skipped[reason]++
			continue
		}
		res.Queued++
	}
	res.Remaining = budget - res.Queued

	metrics.RecordQueueAdmission("queued", res.Queued)
	for reason, n := range res.Skipped {
		metrics.RecordQueueAdmission(reason, n)
	}

	if res.Queued > 0 {
		status, err := m.markRunning(ctx, campaign)
		if err != nil {
			return nil, err
		}
		res.JobStatus = status
	}

	log.Info("campaign enqueued",
		zap.Int("queued", res.Queued),
		zap.Int("offered", res.Offered),
		zap.Int("remaining_today", res.Remaining),
		zap.Bool("explicit", explicit),
	)
	return res, nil
}

func (m *Manager) candidates(ctx context.Context, c *db.Campaign) ([]*db.Lead, error) {
	if c.Targeting.Explicit() {
		return m.store.GetLeadsByIDs(ctx, c.Targeting.LeadIDs)
	}
	return m.store.ListLeads(ctx, db.LeadFilter{
		GroupID:       c.Targeting.GroupID,
		Niche:         strings.ToLower(strings.TrimSpace(c.Targeting.Niche)),
		NoWebsiteOnly: c.Targeting.NoWebsiteOnly,
		Limit:         m.cfg.CandidateLimit,
	})
}

// admit returns a non-empty skip reason when the lead is not queued.
func (m *Manager) admit(ctx context.Context, c *db.Campaign, lead *db.Lead, explicit bool, cooldown int) (string, error) {
	if !explicit {
		d, err := m.gate.CanContact(ctx, lead, c.Channel, cooldown)
		if err != nil {
			return "", err
		}
		if !d.Eligible {
			return string(d.Reason), nil
		}
		received, err := m.gate.HasReceivedCampaign(ctx, lead.ID, c.ID)
		if err != nil {
			return "", err
		}
		if received {
			return SkipAlreadyReceived, nil
		}
	}

	addr, ok := eligibility.ResolveAddress(lead, c.Channel)
	if !ok {
		return string(eligibility.ReasonNoChannel), nil
	}
	if c.Targeting.SafeSend && c.Channel == db.ChannelEmail && !m.safe(lead) {
		return SkipUnsafeAddress, nil
	}

	// A claimed send is either in flight or about to expire as failed; it
	// does not block a fresh enqueue.
	queued, err := m.store.HasUnclaimedSend(ctx, c.ID, lead.ID)
	if err != nil {
		return "", err
	}
	if queued {
		return SkipAlreadyQueued, nil
	}

	send := &db.CampaignSend{CampaignID: c.ID, LeadID: lead.ID, Channel: c.Channel, Address: addr}
	if err := m.store.CreateSend(ctx, send); err != nil {
		return "", err
	}
	return "", nil
}

// safe requires a non-generic email at or above the configured confidence.
func (m *Manager) safe(lead *db.Lead) bool {
	e, ok := eligibility.BestEmail(lead)
	return ok && !e.Generic && e.Confidence >= m.cfg.SafeSendMinConfidence
}

func (m *Manager) markRunning(ctx context.Context, c *db.Campaign) (db.JobStatus, error) {
	if c.JobStatus == db.JobRunning {
		return db.JobRunning, nil
	}
	// A false result means a concurrent enqueue already started the job.
	if _, err := m.store.TransitionJobStatus(ctx, c.ID, c.JobStatus, db.JobRunning); err != nil {
		return c.JobStatus, fmt.Errorf("start campaign job: %w", err)
	}
	return db.JobRunning, nil
}
