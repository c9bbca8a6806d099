// Package eligibility decides whether a lead may be contacted automatically.
package eligibility

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/dedup"
)

// Reason explains an ineligible decision.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonBlockedStatus Reason = "blocked_status"
	ReasonCooldown      Reason = "cooldown"
	ReasonNoChannel     Reason = "no_channel"
	ReasonSuppressed    Reason = "suppressed"
)

// blockedStatuses need a manual override before any automatic resend.
var blockedStatuses = map[db.LeadStatus]struct{}{
	db.LeadStatusDoNotContact: {},
	db.LeadStatusBounced:      {},
	db.LeadStatusReplied:      {},
}

// Suppressions checks the permanent exclusion list.
type Suppressions interface {
	IsSuppressed(ctx context.Context, emails, domains []string) (bool, error)
}

// History looks up prior sends.
type History interface {
	HasSendInStatus(ctx context.Context, campaignID, leadID uuid.UUID, statuses []db.SendStatus) (bool, error)
}

// Decision is the gate result.
type Decision struct {
	Eligible bool
	Reason   Reason
}

// Gate evaluates contact eligibility.
type Gate struct {
	suppressions Suppressions
	history      History
	now          func() time.Time
	logger       *zap.Logger
}

// NewGate creates a gate. now may be nil.
func NewGate(suppressions Suppressions, history History, now func() time.Time, logger *zap.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{suppressions: suppressions, history: history, now: now, logger: logger}
}

// CanContact applies status, cooldown, channel and suppression checks in that order.
func (g *Gate) CanContact(ctx context.Context, lead *db.Lead, channel db.Channel, cooldownDays int) (Decision, error) {
	if _, blocked := blockedStatuses[lead.Status]; blocked {
		return Decision{Reason: ReasonBlockedStatus}, nil
	}

	if lead.LastContactedAt != nil && cooldownDays > 0 {
		cooldown := time.Duration(cooldownDays) * 24 * time.Hour
		if g.now().Sub(*lead.LastContactedAt) < cooldown {
			return Decision{Reason: ReasonCooldown}, nil
		}
	}

	if _, ok := ResolveAddress(lead, channel); !ok {
		return Decision{Reason: ReasonNoChannel}, nil
	}

	emails, domains := knownAddresses(lead)
	suppressed, err := g.suppressions.IsSuppressed(ctx, emails, domains)
	if err != nil {
		return Decision{}, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		g.logger.Debug("lead suppressed", zap.String("lead_id", lead.ID.String()))
		return Decision{Reason: ReasonSuppressed}, nil
	}

	return Decision{Eligible: true}, nil
}

// HasReceivedCampaign reports whether the lead already got a delivered send
// in the campaign. FAILED and QUEUED rows never count.
func (g *Gate) HasReceivedCampaign(ctx context.Context, leadID, campaignID uuid.UUID) (bool, error) {
	ok, err := g.history.HasSendInStatus(ctx, campaignID, leadID, db.DeliveredStatuses)
	if err != nil {
		return false, fmt.Errorf("check send history: %w", err)
	}
	return ok, nil
}

func knownAddresses(lead *db.Lead) (emails, domains []string) {
	seen := map[string]struct{}{}
	addDomain := func(d string) {
		if d == "" {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}

	for _, e := range lead.Emails {
		emails = append(emails, e.Address)
		addDomain(dedup.EmailDomain(e.Address))
	}
	if lead.WebsiteDomain != nil {
		addDomain(*lead.WebsiteDomain)
	}
	return emails, domains
}

// ResolveAddress picks the single deliverable address for channel. Email
// prefers non-generic addresses, then higher confidence.
func ResolveAddress(lead *db.Lead, channel db.Channel) (string, bool) {
	switch channel {
	case db.ChannelEmail:
		e, ok := BestEmail(lead)
		if !ok {
			return "", false
		}
		return e.Address, true
	case db.ChannelWhatsApp:
		if lead.PhoneDigits != nil && *lead.PhoneDigits != "" {
			return *lead.PhoneDigits, true
		}
		if lead.Phone != nil {
			if d := dedup.NormalizePhone(*lead.Phone); d != "" {
				return d, true
			}
		}
	}
	return "", false
}

// BestEmail returns the preferred email of lead.
func BestEmail(lead *db.Lead) (db.LeadEmail, bool) {
	candidates := make([]db.LeadEmail, 0, len(lead.Emails))
	for _, e := range lead.Emails {
		if e.Address != "" {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return db.LeadEmail{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Generic != candidates[j].Generic {
			return !candidates[i].Generic
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates[0], true
}
