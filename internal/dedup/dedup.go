// Package dedup resolves candidate businesses against stored leads.
package dedup

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
)

// MatchKey names the identity key that resolved a duplicate.
type MatchKey string

const (
	MatchNone    MatchKey = ""
	MatchPlaceID MatchKey = "place_id"
	MatchDomain  MatchKey = "domain"
	MatchPhone   MatchKey = "phone"
)

// Store looks leads up by identity key. Each method returns (nil, nil) when
// nothing matches.
type Store interface {
	FindLeadByPlaceID(ctx context.Context, placeID string) (*db.Lead, error)
	FindLeadByDomain(ctx context.Context, domain string) (*db.Lead, error)
	FindLeadByPhoneSuffix(ctx context.Context, suffix string) (*db.Lead, error)
	FindLeadByPhoneDigits(ctx context.Context, digits string) (*db.Lead, error)
}

// Candidate is a business found by a search, before it becomes a lead.
type Candidate struct {
	PlaceID string
	Website string
	Phone   string
}

// Keys are the normalized identity keys of a candidate. Empty means absent.
type Keys struct {
	PlaceID     string
	Domain      string
	PhoneDigits string
}

// Result reports whether a candidate matched and by which key.
type Result struct {
	IsDuplicate bool
	Lead        *db.Lead
	MatchedBy   MatchKey
}

// Config tunes matching.
type Config struct {
	// PhoneMatchDigits is the trailing-digit tolerance; 0 disables suffix
	// matching, leaving only exact phone matches.
	PhoneMatchDigits int
	// IgnoredDomains are shared hosts (social networks, link pages) that never identify a business.
	IgnoredDomains []string
}

// Deduplicator resolves candidates in order: place id, domain, phone.
type Deduplicator struct {
	store       Store
	phoneDigits int
	ignored     map[string]struct{}
	logger      *zap.Logger
}

// New creates a deduplicator.
func New(store Store, cfg Config, logger *zap.Logger) *Deduplicator {
	ignored := make(map[string]struct{}, len(cfg.IgnoredDomains))
	for _, d := range cfg.IgnoredDomains {
		if d = NormalizeDomain(d); d != "" {
			ignored[d] = struct{}{}
		}
	}
	return &Deduplicator{
		store:       store,
		phoneDigits: cfg.PhoneMatchDigits,
		ignored:     ignored,
		logger:      logger,
	}
}

// Keys normalizes a candidate's identity keys.
func (d *Deduplicator) Keys(c Candidate) Keys {
	k := Keys{
		PlaceID:     strings.TrimSpace(c.PlaceID),
		Domain:      NormalizeDomain(c.Website),
		PhoneDigits: NormalizePhone(c.Phone),
	}
	if d.isIgnored(k.Domain) {
		k.Domain = ""
	}
	return k
}

func (d *Deduplicator) isIgnored(domain string) bool {
	if domain == "" {
		return false
	}
	for {
		if _, ok := d.ignored[domain]; ok {
			return true
		}
		dot := strings.IndexByte(domain, '.')
		if dot < 0 {
			return false
		}
		domain = domain[dot+1:]
	}
}

// PhoneSuffix is the trailing digits used for matching, or "" when the number
// is too short or phone matching is disabled.
func (d *Deduplicator) PhoneSuffix(digits string) string {
	if d.phoneDigits <= 0 || len(digits) < d.phoneDigits {
		return ""
	}
	return digits[len(digits)-d.phoneDigits:]
}

// Resolve finds the lead a candidate duplicates; the first matching key wins.
func (d *Deduplicator) Resolve(ctx context.Context, c Candidate) (Result, error) {
	k := d.Keys(c)

	if k.PlaceID != "" {
		lead, err := d.store.FindLeadByPlaceID(ctx, k.PlaceID)
		if err != nil {
			return Result{}, fmt.Errorf("match place id: %w", err)
		}
		if lead != nil {
			return d.matched(lead, MatchPlaceID), nil
		}
	}

	if k.Domain != "" {
		lead, err := d.store.FindLeadByDomain(ctx, k.Domain)
		if err != nil {
			return Result{}, fmt.Errorf("match domain: %w", err)
		}
		if lead != nil {
			return d.matched(lead, MatchDomain), nil
		}
	}

	// Trailing-digit matching can collide across regions that share local numbering.
	if suffix := d.PhoneSuffix(k.PhoneDigits); suffix != "" {
		lead, err := d.store.FindLeadByPhoneSuffix(ctx, suffix)
		if err != nil {
			return Result{}, fmt.Errorf("match phone: %w", err)
		}
		if lead != nil {
			return d.matched(lead, MatchPhone), nil
		}
	} else if k.PhoneDigits != "" {
		// Stored phone digits are unique, so an identical number is always the same lead.
		lead, err := d.store.FindLeadByPhoneDigits(ctx, k.PhoneDigits)
		if err != nil {
			return Result{}, fmt.Errorf("match phone digits: %w", err)
		}
		if lead != nil {
			return d.matched(lead, MatchPhone), nil
		}
	}

	return Result{}, nil
}

func (d *Deduplicator) matched(lead *db.Lead, key MatchKey) Result {
	d.logger.Debug("duplicate lead resolved",
		zap.String("lead_id", lead.ID.String()),
		zap.String("matched_by", string(key)),
	)
	return Result{IsDuplicate: true, Lead: lead, MatchedBy: key}
}
