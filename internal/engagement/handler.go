package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/metrics"
)

// Store is the persistence engagement events are applied to.
type Store interface {
	GetSendByDeliveryID(ctx context.Context, deliveryID string) (*db.CampaignSend, error)
	AdvanceSendStatus(ctx context.Context, id uuid.UUID, to db.SendStatus, from []db.SendStatus) (bool, error)
	UpdateLeadStatus(ctx context.Context, id uuid.UUID, status db.LeadStatus) error
	AddSuppression(ctx context.Context, kind, value, reason string) error
}

// Tally counts events per campaign tag and day, at most once per eventKey.
type Tally interface {
	Record(ctx context.Context, eventKey, tag string, at time.Time, field string) error
}

// Transitions allowed per event. Sends only move forward.
var (
	openFrom   = []db.SendStatus{db.SendStatusSent}
	clickFrom  = []db.SendStatus{db.SendStatusSent, db.SendStatusOpened}
	bounceFrom = []db.SendStatus{db.SendStatusSent, db.SendStatusOpened, db.SendStatusClicked}
)

// Handler applies parsed events.
type Handler struct {
	store  Store
	tally  Tally
	logger *zap.Logger
}

// NewHandler creates a handler. tally may be nil.
func NewHandler(store Store, tally Tally, logger *zap.Logger) *Handler {
	return &Handler{store: store, tally: tally, logger: logger}
}

// Handle applies one event. A returned error means the event should be
// redelivered; events for unknown sends are dropped. The tally is recorded
// only once the event has been applied.
func (h *Handler) Handle(ctx context.Context, ev *Event) error {
	log := h.logger.With(
		zap.String("event", string(ev.Kind)),
		zap.String("delivery_id", ev.MessageID),
	)
	metrics.RecordEngagementEvent(string(ev.Kind))

	if err := h.apply(ctx, ev, log); err != nil {
		return err
	}

	if h.tally != nil && ev.Tag != "" {
		if err := h.tally.Record(ctx, ev.Key(), ev.Tag, ev.At, string(ev.Kind)); err != nil {
			log.Warn("failed to record engagement tally", zap.Error(err))
		}
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, ev *Event, log *zap.Logger) error {
	switch ev.Kind {
	case KindBounce:
		if ev.Permanent {
			if err := h.suppress(ctx, ev.Recipients, "bounce"); err != nil {
				return err
			}
		}
	case KindComplaint:
		if err := h.suppress(ctx, ev.Recipients, "complaint"); err != nil {
			return err
		}
	}

	send, err := h.store.GetSendByDeliveryID(ctx, ev.MessageID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Debug("engagement event for unknown send")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load send: %w", err)
	}
	log = log.With(zap.String("send_id", send.ID.String()), zap.String("lead_id", send.LeadID.String()))

	switch ev.Kind {
	case KindOpen:
		return h.advance(ctx, send, db.SendStatusOpened, openFrom, log)
	case KindClick:
		return h.advance(ctx, send, db.SendStatusClicked, clickFrom, log)
	case KindBounce:
		if len(ev.Recipients) == 0 && ev.Permanent {
			if err := h.suppress(ctx, []string{send.Address}, "bounce"); err != nil {
				return err
			}
		}
		if err := h.advance(ctx, send, db.SendStatusBounced, bounceFrom, log); err != nil {
			return err
		}
		return h.setLeadStatus(ctx, send.LeadID, db.LeadStatusBounced)
	case KindComplaint:
		if len(ev.Recipients) == 0 {
			if err := h.suppress(ctx, []string{send.Address}, "complaint"); err != nil {
				return err
			}
		}
		log.Info("complaint received, lead marked do-not-contact")
		return h.setLeadStatus(ctx, send.LeadID, db.LeadStatusDoNotContact)
	}
	return nil
}

func (h *Handler) advance(ctx context.Context, send *db.CampaignSend, to db.SendStatus, from []db.SendStatus, log *zap.Logger) error {
	moved, err := h.store.AdvanceSendStatus(ctx, send.ID, to, from)
	if err != nil {
		return fmt.Errorf("advance send to %s: %w", to, err)
	}
	if moved {
		log.Debug("send status advanced", zap.String("status", string(to)))
	}
	return nil
}

func (h *Handler) setLeadStatus(ctx context.Context, leadID uuid.UUID, status db.LeadStatus) error {
	err := h.store.UpdateLeadStatus(ctx, leadID, status)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	return nil
}

func (h *Handler) suppress(ctx context.Context, emails []string, reason string) error {
	for _, email := range emails {
		if err := h.store.AddSuppression(ctx, db.SuppressEmail, email, reason); err != nil {
			return fmt.Errorf("suppress address: %w", err)
		}
	}
	return nil
}
