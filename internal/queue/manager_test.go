package queue

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
	"github.com/lalithlochan/prospector/internal/eligibility"
)

type fakeStore struct {
	campaign    *db.Campaign
	leads       []*db.Lead
	processed   int
	since       time.Time
	queued      map[uuid.UUID]bool
	created     []*db.CampaignSend
	createErr   map[uuid.UUID]error
	transitions [][2]db.JobStatus
	filter      db.LeadFilter
	byIDs       int
}

func (f *fakeStore) GetCampaign(_ context.Context, id uuid.UUID) (*db.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeStore) GetLeadsByIDs(_ context.Context, ids []uuid.UUID) ([]*db.Lead, error) {
	f.byIDs++
	var out []*db.Lead
	for _, l := range f.leads {
		for _, id := range ids {
			if l.ID == id {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListLeads(_ context.Context, filter db.LeadFilter) ([]*db.Lead, error) {
	f.filter = filter
	return f.leads, nil
}

func (f *fakeStore) CountProcessedSince(_ context.Context, _ uuid.UUID, since time.Time) (int, error) {
	f.since = since
	return f.processed, nil
}

func (f *fakeStore) HasUnclaimedSend(_ context.Context, _ uuid.UUID, leadID uuid.UUID) (bool, error) {
	if f.queued[leadID] {
		return true, nil
	}
	for _, s := range f.created {
		if s.LeadID == leadID && s.Status == db.SendStatusQueued && s.ClaimedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateSend(_ context.Context, s *db.CampaignSend) error {
	if err := f.createErr[s.LeadID]; err != nil {
		return err
	}
	s.ID = uuid.New()
	s.Status = db.SendStatusQueued
	f.created = append(f.created, s)
	return nil
}

func (f *fakeStore) TransitionJobStatus(_ context.Context, _ uuid.UUID, from, to db.JobStatus) (bool, error) {
	f.transitions = append(f.transitions, [2]db.JobStatus{from, to})
	return true, nil
}

// fakeGate marks leads listed in blocked as ineligible and leads in received
// as already delivered.
type fakeGate struct {
	blocked  map[uuid.UUID]eligibility.Reason
	received map[uuid.UUID]bool
	calls    int
}

func (g *fakeGate) CanContact(_ context.Context, lead *db.Lead, _ db.Channel, _ int) (eligibility.Decision, error) {
	g.calls++
	if r, ok := g.blocked[lead.ID]; ok {
		return eligibility.Decision{Reason: r}, nil
	}
	return eligibility.Decision{Eligible: true}, nil
}

func (g *fakeGate) HasReceivedCampaign(_ context.Context, leadID, _ uuid.UUID) (bool, error) {
	return g.received[leadID], nil
}

var now = time.Date(2024, 6, 15, 15, 30, 0, 0, time.UTC)

func leadWithEmail(addr string, generic bool, confidence float64) *db.Lead {
	return &db.Lead{
		ID:     uuid.New(),
		Status: db.LeadStatusNew,
		Emails: []db.LeadEmail{{Address: addr, Generic: generic, Confidence: confidence}},
	}
}

func leads(n int) []*db.Lead {
	out := make([]*db.Lead, n)
	for i := range out {
		out[i] = leadWithEmail("owner@biz.example", false, 0.9)
	}
	return out
}

func newCampaign(dailyLimit int) *db.Campaign {
	return &db.Campaign{
		ID:         uuid.New(),
		Channel:    db.ChannelEmail,
		DailyLimit: dailyLimit,
		JobStatus:  db.JobIdle,
	}
}

func newTestManager(store *fakeStore, gate *fakeGate) *Manager {
	if gate == nil {
		gate = &fakeGate{}
	}
	return NewManager(store, gate, Config{
		DefaultDailyLimit:     50,
		DefaultCooldownDays:   30,
		SafeSendMinConfidence: 0.8,
		Now:                   func() time.Time { return now },
	}, zap.NewNop())
}

func TestEnqueue_AdmissionControl(t *testing.T) {
	store := &fakeStore{campaign: newCampaign(5), leads: leads(10), processed: 3}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 10, res.Offered)
	assert.Equal(t, 0, res.Remaining)
	assert.Len(t, store.created, 2)
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), store.since)
	assert.Equal(t, db.JobRunning, res.JobStatus)
	assert.Equal(t, [][2]db.JobStatus{{db.JobIdle, db.JobRunning}}, store.transitions)
}

func TestEnqueue_LimitExhaustedReportsZero(t *testing.T) {
	store := &fakeStore{campaign: newCampaign(5), leads: leads(3), processed: 5}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	assert.Empty(t, store.created)
	assert.Empty(t, store.transitions)
	assert.Equal(t, db.JobIdle, res.JobStatus)
}

func TestEnqueue_GateAndHistory(t *testing.T) {
	ls := leads(4)
	store := &fakeStore{campaign: newCampaign(10), leads: ls, queued: map[uuid.UUID]bool{ls[3].ID: true}}
	gate := &fakeGate{
		blocked:  map[uuid.UUID]eligibility.Reason{ls[0].ID: eligibility.ReasonCooldown},
		received: map[uuid.UUID]bool{ls[1].ID: true},
	}

	res, err := newTestManager(store, gate).Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, ls[2].ID, store.created[0].LeadID)
	assert.Equal(t, map[string]int{
		string(eligibility.ReasonCooldown): 1,
		SkipAlreadyReceived:                1,
		SkipAlreadyQueued:                  1,
	}, res.Skipped)
}

func TestEnqueue_ClaimedSendDoesNotBlock(t *testing.T) {
	ls := leads(1)
	store := &fakeStore{campaign: newCampaign(10), leads: ls}
	m := newTestManager(store, nil)

	_, err := m.Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	require.Len(t, store.created, 1)

	res, err := m.Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	assert.Equal(t, 1, res.Skipped[SkipAlreadyQueued])

	claimed := now.Add(-time.Hour)
	store.created[0].ClaimedAt = &claimed

	res, err = m.Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Len(t, store.created, 2)
}

func TestEnqueue_ExplicitBypassesGate(t *testing.T) {
	ls := leads(2)
	ls[0].Status = db.LeadStatusDoNotContact
	campaign := newCampaign(10)
	campaign.Targeting.LeadIDs = []uuid.UUID{ls[0].ID, ls[1].ID}
	store := &fakeStore{campaign: campaign, leads: ls}
	gate := &fakeGate{blocked: map[uuid.UUID]eligibility.Reason{ls[0].ID: eligibility.ReasonBlockedStatus}}

	res, err := newTestManager(store, gate).Enqueue(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Zero(t, gate.calls)
	assert.Equal(t, 1, store.byIDs)
}

func TestEnqueue_ExplicitStillNeedsAddress(t *testing.T) {
	lead := &db.Lead{ID: uuid.New(), Status: db.LeadStatusNew}
	campaign := newCampaign(10)
	campaign.Targeting.LeadIDs = []uuid.UUID{lead.ID}
	store := &fakeStore{campaign: campaign, leads: []*db.Lead{lead}}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	assert.Equal(t, 1, res.Skipped[string(eligibility.ReasonNoChannel)])
}

func TestEnqueue_PrefersPersonalEmail(t *testing.T) {
	lead := &db.Lead{
		ID:     uuid.New(),
		Status: db.LeadStatusNew,
		Emails: []db.LeadEmail{
			{Address: "info@biz.example", Generic: true, Confidence: 1},
			{Address: "maria@biz.example", Confidence: 0.7},
		},
	}
	store := &fakeStore{campaign: newCampaign(10), leads: []*db.Lead{lead}}

	_, err := newTestManager(store, nil).Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	assert.Equal(t, "maria@biz.example", store.created[0].Address)
	assert.Equal(t, db.SendStatusQueued, store.created[0].Status)
}

func TestEnqueue_SafeSend(t *testing.T) {
	tests := []struct {
		name string
		lead *db.Lead
		want int
	}{
		{"confident personal", leadWithEmail("a@biz.example", false, 0.9), 1},
		{"generic only", leadWithEmail("info@biz.example", true, 1), 0},
		{"low confidence", leadWithEmail("a@biz.example", false, 0.5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			campaign := newCampaign(10)
			campaign.Targeting.SafeSend = true
			store := &fakeStore{campaign: campaign, leads: []*db.Lead{tt.lead}}

			res, err := newTestManager(store, nil).Enqueue(context.Background(), campaign.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Queued)
			if tt.want == 0 {
				assert.Equal(t, 1, res.Skipped[SkipUnsafeAddress])
			}
		})
	}
}

func TestEnqueue_FilterPassedThrough(t *testing.T) {
	group := uuid.New()
	campaign := newCampaign(0)
	campaign.Targeting = db.Targeting{GroupID: &group, Niche: " Dentist ", NoWebsiteOnly: true}
	store := &fakeStore{campaign: campaign}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, "dentist", store.filter.Niche)
	assert.Equal(t, &group, store.filter.GroupID)
	assert.True(t, store.filter.NoWebsiteOnly)
	assert.Equal(t, 50, res.Remaining, "zero daily limit falls back to the default")
}

func TestEnqueue_PerLeadErrorIsolated(t *testing.T) {
	ls := leads(3)
	store := &fakeStore{
		campaign:  newCampaign(10),
		leads:     ls,
		createErr: map[uuid.UUID]error{ls[0].ID: errors.New("insert failed")},
	}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), store.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 1, res.Skipped[SkipError])
	assert.Len(t, res.Errors, 1)
}

func TestEnqueue_DoneCampaignRestarts(t *testing.T) {
	campaign := newCampaign(10)
	campaign.JobStatus = db.JobDone
	store := &fakeStore{campaign: campaign, leads: leads(1)}

	res, err := newTestManager(store, nil).Enqueue(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunning, res.JobStatus)
	assert.Equal(t, [][2]db.JobStatus{{db.JobDone, db.JobRunning}}, store.transitions)
}
