package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/prospector/internal/db"
)

// scriptedPoller returns processed counts from a per-campaign script, then 0.
type scriptedPoller struct {
	mu     sync.Mutex
	script map[uuid.UUID][]int
	calls  map[uuid.UUID]int
	err    error
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{script: make(map[uuid.UUID][]int), calls: make(map[uuid.UUID]int)}
}

func (p *scriptedPoller) Poll(_ context.Context, id uuid.UUID) (*PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	n := p.calls[id]
	p.calls[id]++
	res := &PollResult{CampaignID: id, JobStatus: db.JobRunning}
	if n < len(p.script[id]) {
		res.Processed = p.script[id][n]
	} else {
		res.JobStatus = db.JobDone
	}
	return res, nil
}

type mockCampaigns struct {
	campaigns map[uuid.UUID]*db.Campaign
}

func (m *mockCampaigns) ListCampaignIDsByJobStatus(_ context.Context, status db.JobStatus, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, c := range m.campaigns {
		if c.JobStatus == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockCampaigns) GetCampaign(_ context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRunner(poller Poller, campaigns CampaignSource, cfg RunnerConfig) (*Runner, *sleepRecorder) {
	r := NewRunner(poller, campaigns, cfg, zap.NewNop())
	rec := &sleepRecorder{}
	r.sleep = rec.sleep
	return r, rec
}

func TestRunner_DriveUntilIdle(t *testing.T) {
	c := &db.Campaign{ID: uuid.New(), JobStatus: db.JobRunning, MinDelaySeconds: 10, MaxDelaySeconds: 20}
	poller := newScriptedPoller()
	poller.script[c.ID] = []int{1, 1, 1}

	r, rec := newTestRunner(poller, &mockCampaigns{campaigns: map[uuid.UUID]*db.Campaign{c.ID: c}}, RunnerConfig{})
	r.int64n = func(n int64) int64 { return n - 1 }

	if got := r.Drive(context.Background(), c.ID); got != 3 {
		t.Fatalf("processed = %d, want 3", got)
	}
	if poller.calls[c.ID] != 4 {
		t.Errorf("polls = %d, want 4", poller.calls[c.ID])
	}
	if len(rec.delays) != 3 {
		t.Fatalf("sleeps = %d, want 3", len(rec.delays))
	}
	for _, d := range rec.delays {
		if d != 20*time.Second {
			t.Errorf("delay = %v, want upper bound 20s", d)
		}
	}
}

func TestRunner_DriveStopsOnError(t *testing.T) {
	c := &db.Campaign{ID: uuid.New(), JobStatus: db.JobRunning}
	poller := newScriptedPoller()
	poller.err = errors.New("database unavailable")

	r, rec := newTestRunner(poller, &mockCampaigns{campaigns: map[uuid.UUID]*db.Campaign{c.ID: c}}, RunnerConfig{})
	if got := r.Drive(context.Background(), c.ID); got != 0 {
		t.Fatalf("processed = %d", got)
	}
	if len(rec.delays) != 0 {
		t.Error("should not sleep after an error")
	}
}

func TestRunner_DriveStopsOnCancel(t *testing.T) {
	c := &db.Campaign{ID: uuid.New(), JobStatus: db.JobRunning}
	poller := newScriptedPoller()
	poller.script[c.ID] = []int{1, 1, 1, 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newTestRunner(poller, &mockCampaigns{campaigns: map[uuid.UUID]*db.Campaign{c.ID: c}}, RunnerConfig{})
	if got := r.Drive(ctx, c.ID); got != 1 {
		t.Fatalf("processed = %d, want 1", got)
	}
}

func TestRunner_Pace(t *testing.T) {
	r := NewRunner(newScriptedPoller(), &mockCampaigns{}, RunnerConfig{}, zap.NewNop())

	lo, hi := 5*time.Second, 8*time.Second
	for i := 0; i < 200; i++ {
		d := r.pace(lo, hi)
		if d < lo || d > hi {
			t.Fatalf("pace = %v, want within [%v, %v]", d, lo, hi)
		}
	}
	if d := r.pace(lo, lo); d != lo {
		t.Errorf("pace with equal bounds = %v", d)
	}
}

func TestRunner_Bounds(t *testing.T) {
	r := NewRunner(newScriptedPoller(), &mockCampaigns{}, RunnerConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second}, zap.NewNop())

	tests := []struct {
		name     string
		min, max int
		lo, hi   time.Duration
	}{
		{"defaults", 0, 0, time.Second, 3 * time.Second},
		{"campaign", 30, 90, 30 * time.Second, 90 * time.Second},
		{"inverted", 60, 10, 60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := r.bounds(&db.Campaign{MinDelaySeconds: tt.min, MaxDelaySeconds: tt.max})
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("bounds = (%v, %v), want (%v, %v)", lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunner_ScanSkipsActiveCampaigns(t *testing.T) {
	busy := &db.Campaign{ID: uuid.New(), JobStatus: db.JobRunning}
	idle := &db.Campaign{ID: uuid.New(), JobStatus: db.JobRunning}
	done := &db.Campaign{ID: uuid.New(), JobStatus: db.JobDone}

	poller := newScriptedPoller()
	poller.script[idle.ID] = []int{1, 1}

	campaigns := &mockCampaigns{campaigns: map[uuid.UUID]*db.Campaign{busy.ID: busy, idle.ID: idle, done.ID: done}}
	r, _ := newTestRunner(poller, campaigns, RunnerConfig{MaxCampaigns: 2})
	if !r.claim(busy.ID) {
		t.Fatal("claim should succeed for a new campaign")
	}

	g := new(errgroup.Group)
	g.SetLimit(2)
	r.scan(context.Background(), g)
	_ = g.Wait()

	if poller.calls[busy.ID] != 0 {
		t.Error("campaign already being driven must not be polled again")
	}
	if poller.calls[done.ID] != 0 {
		t.Error("finished campaign must not be polled")
	}
	if poller.calls[idle.ID] != 3 {
		t.Errorf("idle campaign polls = %d, want 3", poller.calls[idle.ID])
	}

	r.mu.Lock()
	_, stillBusy := r.active[busy.ID]
	_, leaked := r.active[idle.ID]
	r.mu.Unlock()
	if !stillBusy || leaked {
		t.Errorf("active set = %v", r.active)
	}
}
