package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/events"
	"github.com/lalithlochan/prospector/internal/metrics"
	"github.com/lalithlochan/prospector/internal/templates"
)

// Store is the persistence the worker needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ClaimNextSend(ctx context.Context, campaignID uuid.UUID) (*db.CampaignSend, error)
	ExpireStaleClaims(ctx context.Context, campaignID uuid.UUID, claimedBefore time.Time) (int, error)
	GetLead(ctx context.Context, id uuid.UUID) (*db.Lead, error)
	CompleteSend(ctx context.Context, id uuid.UUID, o db.SendOutcome) error
	MarkLeadContacted(ctx context.Context, id uuid.UUID, status db.LeadStatus, at time.Time) error
	IncrementCampaignCounters(ctx context.Context, id uuid.UUID, d db.CampaignCounters) error
	TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to db.JobStatus) (bool, error)
}

// History is the delivered-send check of the eligibility gate.
type History interface {
	HasReceivedCampaign(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error)
}

// TemplateSelector picks and renders content.
type TemplateSelector interface {
	Select(ctx context.Context, c *db.Campaign, lead *db.Lead) (templates.Selection, error)
	PickSender(c *db.Campaign) string
	Compose(t *db.Template, lead *db.Lead, senderName string) templates.Message
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType events.Type, subjectID string, data any)
}

// SendResult describes the outcome of one processed send.
type SendResult struct {
	SendID     uuid.UUID          `json:"send_id"`
	LeadID     uuid.UUID          `json:"lead_id"`
	Status     db.SendStatus      `json:"status"`
	TemplateID *uuid.UUID         `json:"template_id,omitempty"`
	Segment    templates.Segment  `json:"segment,omitempty"`
	Fallback   templates.Fallback `json:"fallback,omitempty"`
	SenderName string             `json:"sender_name,omitempty"`
	DeliveryID string             `json:"delivery_id,omitempty"`
	ChatLink   string             `json:"chat_link,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// PollResult is returned by every Poll.
type PollResult struct {
	CampaignID uuid.UUID    `json:"campaign_id"`
	JobStatus  db.JobStatus `json:"job_status"`
	Processed  int          `json:"processed"`
	Result     *SendResult  `json:"result,omitempty"`
}

// DefaultClaimTTL bounds how long a claimed send may stay QUEUED.
const DefaultClaimTTL = 15 * time.Minute

// Worker processes one queued send per Poll.
type Worker struct {
	store     Store
	history   History
	templates TemplateSelector
	sender    Sender
	events    EventPublisher
	claimTTL  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a worker. pub may be nil.
func New(store Store, history History, selector TemplateSelector, sender Sender, pub EventPublisher, logger *zap.Logger) *Worker {
	return &Worker{
		store:     store,
		history:   history,
		templates: selector,
		sender:    sender,
		events:    pub,
		claimTTL:  DefaultClaimTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClaimTTL overrides DefaultClaimTTL. Non-positive values are ignored.
func (w *Worker) WithClaimTTL(d time.Duration) *Worker {
	if d > 0 {
		w.claimTTL = d
	}
	return w
}

// Poll performs exactly one unit of work for the campaign. Errors are returned
// only when an outcome could not be persisted; delivery failures are recorded
// on the send.
func (w *Worker) Poll(ctx context.Context, campaignID uuid.UUID) (*PollResult, error) {
	campaign, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	res := &PollResult{CampaignID: campaignID, JobStatus: campaign.JobStatus}
	if campaign.JobStatus != db.JobRunning {
		return res, nil
	}

	if err := w.expireClaims(ctx, campaign); err != nil {
		return nil, err
	}

	send, err := w.store.ClaimNextSend(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if send == nil {
		return w.drain(ctx, campaign, res)
	}

	log := w.logger.With(
		zap.String("campaign_id", campaignID.String()),
		zap.String("send_id", send.ID.String()),
		zap.String("lead_id", send.LeadID.String()),
	)

	result, err := w.process(ctx, campaign, send, log)
	if err != nil {
		return nil, err
	}

	metrics.RecordSendProcessed(string(send.Channel), string(result.Status))
	res.Processed = 1
	res.Result = result
	return res, nil
}

// expireClaims fails sends whose claim outlived claimTTL, typically after the
// claiming process died mid-send. They are never retried: the message may
// already have left.
func (w *Worker) expireClaims(ctx context.Context, c *db.Campaign) error {
	n, err := w.store.ExpireStaleClaims(ctx, c.ID, w.now().Add(-w.claimTTL))
	if err != nil {
		return fmt.Errorf("expire stale claims: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := w.store.IncrementCampaignCounters(ctx, c.ID, db.CampaignCounters{Failed: n}); err != nil {
		return fmt.Errorf("count expired claims: %w", err)
	}
	for i := 0; i < n; i++ {
		metrics.RecordSendProcessed(string(c.Channel), string(db.SendStatusFailed))
	}
	w.logger.Warn("expired stale send claims",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("count", n),
		zap.Duration("claim_ttl", w.claimTTL),
	)
	return nil
}

func (w *Worker) drain(ctx context.Context, c *db.Campaign, res *PollResult) (*PollResult, error) {
	moved, err := w.store.TransitionJobStatus(ctx, c.ID, db.JobRunning, db.JobDone)
	if err != nil {
		return nil, fmt.Errorf("finish campaign job: %w", err)
	}
	res.JobStatus = db.JobDone
	if moved {
		w.logger.Info("campaign queue drained", zap.String("campaign_id", c.ID.String()))
		if w.events != nil {
			w.events.Publish(ctx, events.CampaignDrained, c.ID.String(), map[string]int{
				"total_sent":   c.TotalSent,
				"total_failed": c.TotalFailed,
			})
		}
	}
	return res, nil
}

func (w *Worker) process(ctx context.Context, c *db.Campaign, send *db.CampaignSend, log *zap.Logger) (*SendResult, error) {
	result := &SendResult{SendID: send.ID, LeadID: send.LeadID}

	lead, err := w.store.GetLead(ctx, send.LeadID)
	if err != nil {
		return w.fail(ctx, c, send, result, fmt.Errorf("load lead: %w", err), log)
	}

	received, err := w.history.HasReceivedCampaign(ctx, lead.ID, c.ID)
	if err != nil {
		return w.fail(ctx, c, send, result, err, log)
	}
	if received {
		return w.fail(ctx, c, send, result, errors.New("already delivered"), log)
	}

	sel, err := w.templates.Select(ctx, c, lead)
	result.Segment, result.Fallback = sel.Segment, sel.Fallback
	if err != nil {
		return w.fail(ctx, c, send, result, fmt.Errorf("select template: %w", err), log)
	}
	result.TemplateID = &sel.Template.ID
	result.SenderName = w.templates.PickSender(c)

	content := w.templates.Compose(sel.Template, lead, result.SenderName)
	msg := Message{
		SendID:     send.ID,
		Channel:    send.Channel,
		To:         send.Address,
		Subject:    content.Subject,
		Body:       content.Body,
		SenderName: result.SenderName,
		Tags:       map[string]string{"campaign": c.Tag()},
	}

	delivery, err := w.sender.Send(ctx, msg)
	if err != nil {
		return w.fail(ctx, c, send, result, err, log)
	}

	now := w.now()
	outcome := db.SendOutcome{
		Status:     db.SendStatusSent,
		TemplateID: result.TemplateID,
		SentAt:     &now,
	}
	if result.SenderName != "" {
		outcome.SenderName = &result.SenderName
	}
	if delivery.DeliveryID != "" {
		outcome.DeliveryID = &delivery.DeliveryID
	}
	if delivery.ChatLink != "" {
		outcome.ChatLink = &delivery.ChatLink
	}

	if err := w.store.CompleteSend(ctx, send.ID, outcome); err != nil {
		return nil, fmt.Errorf("complete send: %w", err)
	}
	if err := w.store.MarkLeadContacted(ctx, lead.ID, db.LeadStatusSent, now); err != nil {
		return nil, fmt.Errorf("mark lead contacted: %w", err)
	}
	if err := w.store.IncrementCampaignCounters(ctx, c.ID, db.CampaignCounters{Sent: 1}); err != nil {
		return nil, fmt.Errorf("increment campaign counters: %w", err)
	}

	metrics.RecordSendLatency(string(send.Channel), now.Sub(send.CreatedAt))
	log.Info("send delivered",
		zap.String("channel", string(send.Channel)),
		zap.String("delivery_id", delivery.DeliveryID),
		zap.String("segment", string(sel.Segment)),
	)

	result.Status = db.SendStatusSent
	result.DeliveryID = delivery.DeliveryID
	result.ChatLink = delivery.ChatLink
	return result, nil
}

// fail records a FAILED outcome for the claimed send.
func (w *Worker) fail(ctx context.Context, c *db.Campaign, send *db.CampaignSend, result *SendResult, cause error, log *zap.Logger) (*SendResult, error) {
	msg := cause.Error()
	log.Warn("send failed", zap.Error(cause))

	outcome := db.SendOutcome{Status: db.SendStatusFailed, TemplateID: result.TemplateID, ErrorMessage: &msg}
	if err := w.store.CompleteSend(ctx, send.ID, outcome); err != nil {
		return nil, fmt.Errorf("complete send: %w", err)
	}
	if err := w.store.IncrementCampaignCounters(ctx, c.ID, db.CampaignCounters{Failed: 1}); err != nil {
		return nil, fmt.Errorf("increment campaign counters: %w", err)
	}

	result.Status = db.SendStatusFailed
	result.Error = msg
	return result, nil
}
