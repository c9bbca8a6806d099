// Package templates chooses and renders outreach content for a send.
package templates

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
)

// ErrNoTemplate means no usable template exists for the campaign.
var ErrNoTemplate = errors.New("no usable template")

// Segment is the smart-strategy classification of a lead.
type Segment string

const (
	SegmentInaccessible Segment = "inaccessible"
	SegmentNoWebsite    Segment = "no-website"
	SegmentReputation   Segment = "reputation"
	SegmentOutdated     Segment = "outdated-website"
	SegmentGeneral      Segment = "general"
)

// Fallback reports how far the smart strategy fell back.
type Fallback string

const (
	FallbackNone    Fallback = ""
	FallbackGeneral Fallback = "general"
	FallbackAny     Fallback = "any"
)

// Thresholds tune smart classification.
type Thresholds struct {
	Rating           float64
	Reviews          int
	Design           int
	Performance      int
	MinWebsiteLength int
}

// Classify places the lead in exactly one segment. Checks run in a fixed
// priority order and the first match wins.
func Classify(lead *db.Lead, th Thresholds) Segment {
	website := ""
	if lead.Website != nil {
		website = strings.TrimSpace(*lead.Website)
	}
	audit := lead.Audit

	if website != "" && audit != nil && audit.IsAccessible != nil && !*audit.IsAccessible {
		return SegmentInaccessible
	}
	if len(website) < max(th.MinWebsiteLength, 1) {
		return SegmentNoWebsite
	}
	if lead.Rating != nil && lead.ReviewCount != nil &&
		*lead.Rating > th.Rating && *lead.ReviewCount > th.Reviews {
		return SegmentReputation
	}
	if audit != nil &&
		((audit.Design != nil && *audit.Design < th.Design) ||
			(audit.Performance != nil && *audit.Performance < th.Performance)) {
		return SegmentOutdated
	}
	return SegmentGeneral
}

// Source loads templates.
type Source interface {
	ListActiveTemplates(ctx context.Context, channel db.Channel, language string) ([]*db.Template, error)
	GetTemplatesByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.Template, error)
}

// Config configures a Selector.
type Config struct {
	Thresholds Thresholds
	// FallbackAny lets the smart strategy use any eligible template when
	// neither the segment nor "general" has one.
	FallbackAny bool
	SenderNames []string
	EmailFooter string
	ChatFooter  string
	// IntN returns a uniform int in [0, n); nil uses math/rand/v2.
	IntN func(n int) int
}

// Selection is the chosen template and how it was chosen.
type Selection struct {
	Template *db.Template
	Segment  Segment
	Fallback Fallback
}

// Selector implements the smart, rotation and fixed strategies.
type Selector struct {
	source Source
	cfg    Config
	logger *zap.Logger
}

// NewSelector creates a selector.
func NewSelector(source Source, cfg Config, logger *zap.Logger) *Selector {
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	return &Selector{source: source, cfg: cfg, logger: logger}
}

// Select resolves the template for one send.
func (s *Selector) Select(ctx context.Context, c *db.Campaign, lead *db.Lead) (Selection, error) {
	switch c.Strategy.Kind {
	case db.StrategyFixed:
		if c.Strategy.TemplateID == nil {
			return Selection{}, fmt.Errorf("fixed strategy without template: %w", ErrNoTemplate)
		}
		tpls, err := s.byIDs(ctx, []uuid.UUID{*c.Strategy.TemplateID})
		if err != nil {
			return Selection{}, err
		}
		return Selection{Template: tpls[0]}, nil

	case db.StrategyRotation:
		tpls, err := s.byIDs(ctx, c.Strategy.TemplateIDs)
		if err != nil {
			return Selection{}, err
		}
		return Selection{Template: s.pick(tpls)}, nil

	case db.StrategySmart, "":
		return s.smart(ctx, c, lead)

	default:
		return Selection{}, fmt.Errorf("unknown template strategy %q", c.Strategy.Kind)
	}
}

func (s *Selector) byIDs(ctx context.Context, ids []uuid.UUID) ([]*db.Template, error) {
	if len(ids) == 0 {
		return nil, ErrNoTemplate
	}
	tpls, err := s.source.GetTemplatesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	active := make([]*db.Template, 0, len(tpls))
	for _, t := range tpls {
		if t.Active {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoTemplate
	}
	return active, nil
}

func (s *Selector) smart(ctx context.Context, c *db.Campaign, lead *db.Lead) (Selection, error) {
	all, err := s.source.ListActiveTemplates(ctx, c.Channel, c.Language)
	if err != nil {
		return Selection{}, fmt.Errorf("load templates: %w", err)
	}

	seg := Classify(lead, s.cfg.Thresholds)
	if t := s.pick(tagged(all, string(seg))); t != nil {
		return Selection{Template: t, Segment: seg}, nil
	}
	if seg != SegmentGeneral {
		if t := s.pick(tagged(all, string(SegmentGeneral))); t != nil {
			return Selection{Template: t, Segment: seg, Fallback: FallbackGeneral}, nil
		}
	}
	if s.cfg.FallbackAny {
		if t := s.pick(all); t != nil {
			s.logger.Warn("no tagged template for segment, using any eligible template",
				zap.String("campaign_id", c.ID.String()),
				zap.String("segment", string(seg)),
			)
			return Selection{Template: t, Segment: seg, Fallback: FallbackAny}, nil
		}
	}
	return Selection{Segment: seg}, fmt.Errorf("segment %s: %w", seg, ErrNoTemplate)
}

func tagged(tpls []*db.Template, tag string) []*db.Template {
	var out []*db.Template
	for _, t := range tpls {
		if t.HasTag(tag) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) pick(tpls []*db.Template) *db.Template {
	if len(tpls) == 0 {
		return nil
	}
	return tpls[s.cfg.IntN(len(tpls))]
}

// PickSender chooses a sender display name independently of the template.
// Campaign names take precedence over the configured defaults.
func (s *Selector) PickSender(c *db.Campaign) string {
	names := c.SenderNames
	if len(names) == 0 {
		names = s.cfg.SenderNames
	}
	if len(names) == 0 {
		return ""
	}
	return names[s.cfg.IntN(len(names))]
}
