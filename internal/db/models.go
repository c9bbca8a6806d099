package db

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus is the outreach lifecycle state of a lead.
type LeadStatus string

const (
	LeadStatusNew           LeadStatus = "NEW"
	LeadStatusReady         LeadStatus = "READY"
	LeadStatusQueued        LeadStatus = "QUEUED"
	LeadStatusSent          LeadStatus = "SENT"
	LeadStatusBounced       LeadStatus = "BOUNCED"
	LeadStatusReplied       LeadStatus = "REPLIED"
	LeadStatusFollowUp      LeadStatus = "FOLLOW_UP"
	LeadStatusNotInterested LeadStatus = "NOT_INTERESTED"
	LeadStatusDoNotContact  LeadStatus = "DO_NOT_CONTACT"
)

// Channel is an outreach delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp" // click-to-chat deep link, dispatched by a human
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

// LeadEmail is one discovered email address for a lead.
type LeadEmail struct {
	Address    string  `json:"address"`
	Confidence float64 `json:"confidence"`
	Generic    bool    `json:"generic"` // info@, contact@, ...
}

// AuditSignals are produced by the external website auditor.
type AuditSignals struct {
	IsAccessible *bool `json:"is_accessible,omitempty"`
	Design       *int  `json:"design,omitempty"`
	SEO          *int  `json:"seo,omitempty"`
	Performance  *int  `json:"performance,omitempty"`
	Tech         *int  `json:"tech,omitempty"`
}

// Lead is a deduplicated business record. PlaceID, WebsiteDomain and
// PhoneDigits are independently unique identity keys.
type Lead struct {
	ID              uuid.UUID     `json:"id"`
	PlaceID         *string       `json:"place_id,omitempty"`
	Name            string        `json:"name"`
	Address         string        `json:"address"`
	Website         *string       `json:"website,omitempty"`
	WebsiteDomain   *string       `json:"website_domain,omitempty"`
	Phone           *string       `json:"phone,omitempty"`
	PhoneDigits     *string       `json:"phone_digits,omitempty"`
	Emails          []LeadEmail   `json:"emails"`
	Rating          *float64      `json:"rating,omitempty"`
	ReviewCount     *int          `json:"review_count,omitempty"`
	BusinessStatus  string        `json:"business_status,omitempty"`
	Types           []string      `json:"types"`
	Lat             *float64      `json:"lat,omitempty"`
	Lng             *float64      `json:"lng,omitempty"`
	Niche           string        `json:"niche,omitempty"`
	Language        string        `json:"language,omitempty"`
	Status          LeadStatus    `json:"status"`
	Score           int           `json:"score"`
	LastContactedAt *time.Time    `json:"last_contacted_at,omitempty"`
	Audit           *AuditSignals `json:"audit,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SearchRunStatus constants
const (
	SearchRunRunning   = "running"
	SearchRunCompleted = "completed"
)

// SearchRun records one execution of the grid search.
type SearchRun struct {
	ID          uuid.UUID  `json:"id"`
	Query       string     `json:"query"`
	Lat         float64    `json:"lat"`
	Lng         float64    `json:"lng"`
	RadiusKm    float64    `json:"radius_km"`
	MaxResults  int        `json:"max_results"`
	GroupID     *uuid.UUID `json:"group_id,omitempty"`
	CapSnapshot []byte     `json:"cap_snapshot,omitempty"` // JSON
	CellCount   int        `json:"cell_count"`
	PlacesFound int        `json:"places_found"`
	NewLeads    int        `json:"new_leads"`
	Duplicates  int        `json:"duplicates"`
	SearchCalls int        `json:"search_calls"`
	DetailCalls int        `json:"detail_calls"`
	Cost        float64    `json:"cost"`
	Errors      []string   `json:"errors"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SendStatus is the state of a single outreach attempt.
type SendStatus string

const (
	SendStatusQueued  SendStatus = "QUEUED"
	SendStatusSent    SendStatus = "SENT"
	SendStatusFailed  SendStatus = "FAILED"
	SendStatusBounced SendStatus = "BOUNCED"
	SendStatusOpened  SendStatus = "OPENED"
	SendStatusClicked SendStatus = "CLICKED"
	SendStatusReplied SendStatus = "REPLIED"
)

// DeliveredStatuses block a second delivery to the same lead in one campaign.
var DeliveredStatuses = []SendStatus{SendStatusSent, SendStatusOpened, SendStatusClicked, SendStatusReplied}

// CampaignSend is one outreach attempt for a (campaign, lead) pair.
type CampaignSend struct {
	ID           uuid.UUID  `json:"id"`
	CampaignID   uuid.UUID  `json:"campaign_id"`
	LeadID       uuid.UUID  `json:"lead_id"`
	Channel      Channel    `json:"channel"`
	Address      string     `json:"address"`
	Status       SendStatus `json:"status"`
	TemplateID   *uuid.UUID `json:"template_id,omitempty"`
	SenderName   *string    `json:"sender_name,omitempty"`
	DeliveryID   *string    `json:"delivery_id,omitempty"`
	ChatLink     *string    `json:"chat_link,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobStatus is the campaign worker state: idle -> running -> done.
type JobStatus string

const (
	JobIdle    JobStatus = "idle"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
)

// CanTransition reports whether the campaign job may move from s to next.
// Enqueueing new sends may restart a finished campaign.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobIdle:
		return next == JobRunning
	case JobRunning:
		return next == JobDone
	case JobDone:
		return next == JobRunning
	default:
		return false
	}
}

// Targeting selects a campaign audience. LeadIDs, when non-empty, is an explicit
// operator pick and takes precedence over every filter.
type Targeting struct {
	LeadIDs       []uuid.UUID `json:"lead_ids,omitempty"`
	GroupID       *uuid.UUID  `json:"group_id,omitempty"`
	Niche         string      `json:"niche,omitempty"`
	NoWebsiteOnly bool        `json:"no_website_only,omitempty"`
	SafeSend      bool        `json:"safe_send,omitempty"`
}

// Explicit reports whether the audience was hand-picked.
func (t Targeting) Explicit() bool {
	return len(t.LeadIDs) > 0
}

// StrategyKind selects how templates are chosen per send.
type StrategyKind string

const (
	StrategySmart    StrategyKind = "smart"
	StrategyRotation StrategyKind = "rotation"
	StrategyFixed    StrategyKind = "fixed"
)

// TemplateStrategy is a tagged union: TemplateIDs is used only by rotation,
// TemplateID only by fixed.
type TemplateStrategy struct {
	Kind        StrategyKind `json:"kind"`
	TemplateIDs []uuid.UUID  `json:"template_ids,omitempty"`
	TemplateID  *uuid.UUID   `json:"template_id,omitempty"`
}

// Campaign is a configured outreach run.
type Campaign struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	Channel         Channel          `json:"channel"`
	Language        string           `json:"language,omitempty"`
	Targeting       Targeting        `json:"targeting"`
	MinDelaySeconds int              `json:"min_delay_seconds"`
	MaxDelaySeconds int              `json:"max_delay_seconds"`
	DailyLimit      int              `json:"daily_limit"`
	CooldownDays    int              `json:"cooldown_days"`
	Strategy        TemplateStrategy `json:"strategy"`
	SenderNames     []string         `json:"sender_names,omitempty"`
	JobStatus       JobStatus        `json:"job_status"`
	TotalSent       int              `json:"total_sent"`
	TotalFailed     int              `json:"total_failed"`
	TotalBounced    int              `json:"total_bounced"`
	TotalOpened     int              `json:"total_opened"`
	TotalReplied    int              `json:"total_replied"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Tag is the provider tag attached to every delivery of this campaign.
func (c *Campaign) Tag() string {
	return "campaign-" + c.ID.String()
}

// CampaignCounters is a delta applied atomically to campaign aggregates.
type CampaignCounters struct {
	Sent    int
	Failed  int
	Bounced int
	Opened  int
	Replied int
}

// Template is authored outreach content.
type Template struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Channel   Channel   `json:"channel"`
	Language  string    `json:"language"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// HasTag reports whether the template carries tag.
func (t *Template) HasTag(tag string) bool {
	for _, tt := range t.Tags {
		if tt == tag {
			return true
		}
	}
	return false
}

// UsageCounter is a (date, resource) request tally.
type UsageCounter struct {
	Date          time.Time `json:"date"`
	Resource      string    `json:"resource"`
	RequestCount  int       `json:"request_count"`
	EstimatedCost float64   `json:"estimated_cost"`
}

// Suppression kinds
const (
	SuppressEmail  = "email"
	SuppressDomain = "domain"
)

// SuppressionEntry permanently excludes an email or domain from outreach.
type SuppressionEntry struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadFilter narrows candidate leads for filtered campaign audiences.
type LeadFilter struct {
	GroupID       *uuid.UUID
	Niche         string
	NoWebsiteOnly bool
	Limit         int
}
