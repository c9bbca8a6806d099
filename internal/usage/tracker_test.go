package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu     sync.Mutex
	counts map[string]int
	costs  map[string]float64
	err    error
}

func newMemStore() *memStore {
	return &memStore{counts: map[string]int{}, costs: map[string]float64{}}
}

func memKey(d time.Time, resource string) string {
	return d.Format("2006-01-02") + "/" + resource
}

func (m *memStore) IncrementUsage(_ context.Context, date time.Time, resource string, count int, cost float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	k := memKey(date, resource)
	m.counts[k] += count
	m.costs[k] += cost
	return m.counts[k], nil
}

func (m *memStore) SumUsage(_ context.Context, resource string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	total := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		total += m.counts[memKey(d, resource)]
	}
	return total, nil
}

func newTestTracker(store *memStore, now time.Time, limits Limits) *Tracker {
	return NewTracker(NewPostgresCounter(store), Options{
		Limits: map[Resource]Limits{ResourceSearch: limits, ResourceDetail: limits},
		Warn80: true,
		Warn95: true,
		Now:    func() time.Time { return now },
	}, zap.NewNop())
}

func TestTracker_DailyCapEnforcedAfterLimit(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(newMemStore(), now, Limits{Daily: 5, Monthly: 100, PricePerThousand: 32})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status, err := tracker.CheckDailyCap(ctx, ResourceSearch)
		require.NoError(t, err)
		require.True(t, status.Allowed, "request %d should be allowed", i)
		require.NoError(t, tracker.TrackRequest(ctx, ResourceSearch, 1))
	}

	status, err := tracker.CheckDailyCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.Equal(t, 0, status.Remaining)
	assert.Equal(t, 100.0, status.PercentUsed)
	assert.Equal(t, Warning95, status.Warning)

	// Other resources are independent.
	detail, err := tracker.CheckDailyCap(ctx, ResourceDetail)
	require.NoError(t, err)
	assert.True(t, detail.Allowed)
}

func TestTracker_Warnings(t *testing.T) {
	tests := []struct {
		name   string
		used   int
		warn80 bool
		warn95 bool
		want   string
	}{
		{"below thresholds", 79, true, true, WarningNone},
		{"at 80", 80, true, true, Warning80},
		{"at 95", 95, true, true, Warning95},
		{"95 with only 80 enabled", 96, true, false, Warning80},
		{"80 disabled", 85, false, true, WarningNone},
		{"all disabled", 99, false, false, WarningNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
			tracker := NewTracker(NewPostgresCounter(store), Options{
				Limits: map[Resource]Limits{ResourceSearch: {Daily: 100}},
				Warn80: tt.warn80,
				Warn95: tt.warn95,
				Now:    func() time.Time { return now },
			}, zap.NewNop())

			require.NoError(t, tracker.TrackRequest(context.Background(), ResourceSearch, tt.used))
			status, err := tracker.CheckDailyCap(context.Background(), ResourceSearch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Warning)
			assert.True(t, status.Allowed)
		})
	}
}

func TestTracker_MonthlyCapSpansDays(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	limits := Limits{Daily: 10, Monthly: 15}

	day1 := newTestTracker(store, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), limits)
	require.NoError(t, day1.TrackRequest(ctx, ResourceSearch, 10))

	day2 := newTestTracker(store, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), limits)
	require.NoError(t, day2.TrackRequest(ctx, ResourceSearch, 5))

	daily, err := day2.CheckDailyCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.True(t, daily.Allowed)

	monthly, err := day2.CheckMonthlyCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.False(t, monthly.Allowed)
	assert.Equal(t, 15, monthly.Used)

	combined, err := day2.CheckCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.Equal(t, PeriodMonth, combined.Period)
	assert.False(t, combined.Allowed)

	// A new month starts from zero.
	april := newTestTracker(store, time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC), limits)
	monthly, err = april.CheckMonthlyCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.True(t, monthly.Allowed)
	assert.Equal(t, 0, monthly.Used)
}

func TestTracker_ZeroLimitIsUnlimited(t *testing.T) {
	tracker := newTestTracker(newMemStore(), time.Now(), Limits{})
	ctx := context.Background()

	require.NoError(t, tracker.TrackRequest(ctx, ResourceSearch, 1_000_000))
	status, err := tracker.CheckDailyCap(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, -1, status.Remaining)
}

func TestTracker_TrackRecordsCost(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	tracker := newTestTracker(store, now, Limits{Daily: 100, PricePerThousand: 32})

	require.NoError(t, tracker.TrackRequest(context.Background(), ResourceSearch, 10))
	assert.InDelta(t, 0.32, store.costs[memKey(now, "search")], 1e-9)
}

func TestTracker_UsesConfiguredTimezoneForDay(t *testing.T) {
	store := newMemStore()
	loc := time.FixedZone("UTC+10", 10*3600)
	// 20:00 UTC on the 14th is already the 15th at UTC+10.
	now := time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC)
	tracker := NewTracker(NewPostgresCounter(store), Options{
		Limits:   map[Resource]Limits{ResourceSearch: {Daily: 10}},
		Location: loc,
		Now:      func() time.Time { return now },
	}, zap.NewNop())

	require.NoError(t, tracker.TrackRequest(context.Background(), ResourceSearch, 1))
	assert.Equal(t, 1, store.counts["2024-03-15/search"])
}

func TestTracker_CounterErrorsPropagate(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	tracker := newTestTracker(store, time.Now(), Limits{Daily: 10})

	assert.Error(t, tracker.TrackRequest(context.Background(), ResourceSearch, 1))
	_, err := tracker.CheckDailyCap(context.Background(), ResourceSearch)
	assert.Error(t, err)
}

func TestTracker_Snapshot(t *testing.T) {
	tracker := newTestTracker(newMemStore(), time.Now(), Limits{Daily: 10, Monthly: 100})

	snap, err := tracker.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Caps, 4)
	assert.Equal(t, ResourceSearch, snap.Caps[0].Resource)
	assert.Equal(t, PeriodDay, snap.Caps[0].Period)
	assert.Equal(t, ResourceDetail, snap.Caps[3].Resource)
	assert.Equal(t, PeriodMonth, snap.Caps[3].Period)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name           string
		search, detail int
		ps, pd         float64
		want           CostEstimate
	}{
		{"thousand searches", 1000, 0, 32, 17, CostEstimate{SearchCost: 32.00, DetailCost: 0.00, TotalCost: 32.00}},
		{"mixed", 10, 100, 32, 17, CostEstimate{SearchCost: 0.32, DetailCost: 1.70, TotalCost: 2.02}},
		{"rounds to cents", 1, 1, 32, 17, CostEstimate{SearchCost: 0.03, DetailCost: 0.02, TotalCost: 0.05}},
		{"zero", 0, 0, 32, 17, CostEstimate{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateCost(tt.search, tt.detail, tt.ps, tt.pd))
		})
	}
}
