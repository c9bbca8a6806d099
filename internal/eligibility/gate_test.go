package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
)

type fakeSuppressions struct {
	emails  map[string]bool
	domains map[string]bool
	err     error
	calls   int
}

func (f *fakeSuppressions) IsSuppressed(_ context.Context, emails, domains []string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	for _, e := range emails {
		if f.emails[e] {
			return true, nil
		}
	}
	for _, d := range domains {
		if f.domains[d] {
			return true, nil
		}
	}
	return false, nil
}

type fakeHistory struct {
	statuses map[uuid.UUID][]db.SendStatus
}

func (f *fakeHistory) HasSendInStatus(_ context.Context, _ uuid.UUID, leadID uuid.UUID, statuses []db.SendStatus) (bool, error) {
	for _, have := range f.statuses[leadID] {
		for _, want := range statuses {
			if have == want {
				return true, nil
			}
		}
	}
	return false, nil
}

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newGate(s *fakeSuppressions, h *fakeHistory) *Gate {
	if s == nil {
		s = &fakeSuppressions{}
	}
	if h == nil {
		h = &fakeHistory{}
	}
	return NewGate(s, h, func() time.Time { return now }, zap.NewNop())
}

func emailLead() *db.Lead {
	return &db.Lead{
		ID:     uuid.New(),
		Status: db.LeadStatusNew,
		Emails: []db.LeadEmail{{Address: "owner@bakery.example", Confidence: 0.9}},
	}
}

func TestCanContact_Cooldown(t *testing.T) {
	g := newGate(nil, nil)
	lead := emailLead()
	last := now.Add(-10 * 24 * time.Hour)
	lead.LastContactedAt = &last

	d, err := g.CanContact(context.Background(), lead, db.ChannelEmail, 30)
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonCooldown, d.Reason)

	d, err = g.CanContact(context.Background(), lead, db.ChannelEmail, 5)
	require.NoError(t, err)
	assert.True(t, d.Eligible)
}

func TestCanContact_BlockedStatuses(t *testing.T) {
	tests := []struct {
		status db.LeadStatus
		want   bool
	}{
		{db.LeadStatusDoNotContact, false},
		{db.LeadStatusBounced, false},
		{db.LeadStatusReplied, false},
		{db.LeadStatusNew, true},
		{db.LeadStatusSent, true},
		{db.LeadStatusFollowUp, true},
	}
	g := newGate(nil, nil)
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			lead := emailLead()
			lead.Status = tt.status
			d, err := g.CanContact(context.Background(), lead, db.ChannelEmail, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Eligible)
			if !tt.want {
				assert.Equal(t, ReasonBlockedStatus, d.Reason)
			}
		})
	}
}

func TestCanContact_NoChannel(t *testing.T) {
	g := newGate(nil, nil)
	lead := emailLead()

	d, err := g.CanContact(context.Background(), lead, db.ChannelWhatsApp, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoChannel, d.Reason)

	lead.Emails = nil
	d, err = g.CanContact(context.Background(), lead, db.ChannelEmail, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoChannel, d.Reason)
}

func TestCanContact_Suppression(t *testing.T) {
	site := "bakery.example"
	tests := []struct {
		name string
		supp *fakeSuppressions
		want bool
	}{
		{"exact email", &fakeSuppressions{emails: map[string]bool{"owner@bakery.example": true}}, false},
		{"email domain", &fakeSuppressions{domains: map[string]bool{"bakery.example": true}}, false},
		{"other domain", &fakeSuppressions{domains: map[string]bool{"florist.example": true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := emailLead()
			lead.WebsiteDomain = &site
			d, err := newGate(tt.supp, nil).CanContact(context.Background(), lead, db.ChannelEmail, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Eligible)
			if !tt.want {
				assert.Equal(t, ReasonSuppressed, d.Reason)
			}
		})
	}
}

func TestCanContact_SuppressionError(t *testing.T) {
	g := newGate(&fakeSuppressions{err: errors.New("db down")}, nil)
	_, err := g.CanContact(context.Background(), emailLead(), db.ChannelEmail, 0)
	assert.Error(t, err)
}

func TestCanContact_BlockedSkipsLookups(t *testing.T) {
	supp := &fakeSuppressions{}
	lead := emailLead()
	lead.Status = db.LeadStatusDoNotContact

	_, err := newGate(supp, nil).CanContact(context.Background(), lead, db.ChannelEmail, 0)
	require.NoError(t, err)
	assert.Zero(t, supp.calls)
}

func TestHasReceivedCampaign(t *testing.T) {
	tests := []struct {
		name     string
		statuses []db.SendStatus
		want     bool
	}{
		{"none", nil, false},
		{"failed only", []db.SendStatus{db.SendStatusFailed}, false},
		{"queued only", []db.SendStatus{db.SendStatusQueued}, false},
		{"sent", []db.SendStatus{db.SendStatusFailed, db.SendStatusSent}, true},
		{"opened", []db.SendStatus{db.SendStatusOpened}, true},
		{"clicked", []db.SendStatus{db.SendStatusClicked}, true},
		{"replied", []db.SendStatus{db.SendStatusReplied}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := uuid.New()
			g := newGate(nil, &fakeHistory{statuses: map[uuid.UUID][]db.SendStatus{lead: tt.statuses}})
			got, err := g.HasReceivedCampaign(context.Background(), lead, uuid.New())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAddress(t *testing.T) {
	phone := "+49 (30) 123-4567"
	lead := &db.Lead{
		Phone: &phone,
		Emails: []db.LeadEmail{
			{Address: "info@shop.example", Confidence: 0.99, Generic: true},
			{Address: "anna@shop.example", Confidence: 0.6},
			{Address: "tom@shop.example", Confidence: 0.8},
		},
	}

	addr, ok := ResolveAddress(lead, db.ChannelEmail)
	require.True(t, ok)
	assert.Equal(t, "tom@shop.example", addr)

	addr, ok = ResolveAddress(lead, db.ChannelWhatsApp)
	require.True(t, ok)
	assert.Equal(t, "49301234567", addr)

	generic := &db.Lead{Emails: []db.LeadEmail{{Address: "info@shop.example", Generic: true}}}
	addr, ok = ResolveAddress(generic, db.ChannelEmail)
	require.True(t, ok)
	assert.Equal(t, "info@shop.example", addr)

	_, ok = ResolveAddress(&db.Lead{}, db.Channel("fax"))
	assert.False(t, ok)
}
