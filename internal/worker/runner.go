package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/metrics"
)

// Poller is satisfied by Worker.
type Poller interface {
	Poll(ctx context.Context, campaignID uuid.UUID) (*PollResult, error)
}

// CampaignSource finds campaigns to drive.
type CampaignSource interface {
	ListCampaignIDsByJobStatus(ctx context.Context, status db.JobStatus, limit int) ([]uuid.UUID, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
}

type RunnerConfig struct {
	ScanInterval time.Duration
	MaxCampaigns int
	// Default pacing bounds for campaigns that set none.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Runner is the in-process pacing caller: it polls each running campaign,
// waiting a uniformly random delay between polls, until a poll processes nothing.
type Runner struct {
	poller    Poller
	campaigns CampaignSource
	config    RunnerConfig
	logger    *zap.Logger

	// Replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	int64n func(n int64) int64

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func NewRunner(poller Poller, campaigns CampaignSource, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.MaxCampaigns <= 0 {
		cfg.MaxCampaigns = 4
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}

	return &Runner{
		poller:    poller,
		campaigns: campaigns,
		config:    cfg,
		logger:    logger,
		sleep:     sleepCtx,
		int64n:    rand.Int64N,
		active:    make(map[uuid.UUID]struct{}),
	}
}

// Start scans for running campaigns until ctx is cancelled, then waits for
// in-flight polls to return.
func (r *Runner) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxCampaigns)

	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	r.scan(gctx, g)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("campaign runner stopping")
			_ = g.Wait()
			return
		case <-ticker.C:
			r.scan(gctx, g)
		}
	}
}

func (r *Runner) scan(ctx context.Context, g *errgroup.Group) {
	ids, err := r.campaigns.ListCampaignIDsByJobStatus(ctx, db.JobRunning, r.config.MaxCampaigns*4)
	if err != nil {
		r.logger.Error("failed to list running campaigns", zap.Error(err))
		return
	}

	for _, id := range ids {
		if !r.claim(id) {
			continue
		}
		if !g.TryGo(func() error {
			defer r.release(id)
			r.Drive(ctx, id)
			return nil
		}) {
			// All slots busy; pick it up on a later scan.
			r.release(id)
			return
		}
	}
}

func (r *Runner) claim(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return false
	}
	r.active[id] = struct{}{}
	metrics.SetCampaignsRunning(len(r.active))
	return true
}

func (r *Runner) release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	metrics.SetCampaignsRunning(len(r.active))
}

// Drive polls one campaign until its queue is empty, an error occurs, or ctx
// is cancelled. It returns the number of sends processed.
func (r *Runner) Drive(ctx context.Context, campaignID uuid.UUID) int {
	log := r.logger.With(zap.String("campaign_id", campaignID.String()))

	campaign, err := r.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Error("failed to load campaign", zap.Error(err))
		return 0
	}
	minDelay, maxDelay := r.bounds(campaign)

	processed := 0
	for {
		res, err := r.poller.Poll(ctx, campaignID)
		if err != nil {
			log.Error("poll failed", zap.Error(err))
			return processed
		}
		if res.Processed == 0 {
			log.Info("campaign idle", zap.Int("processed", processed), zap.String("job_status", string(res.JobStatus)))
			return processed
		}
		processed += res.Processed

		if err := r.sleep(ctx, r.pace(minDelay, maxDelay)); err != nil {
			return processed
		}
	}
}

func (r *Runner) bounds(c *db.Campaign) (time.Duration, time.Duration) {
	if c.MinDelaySeconds <= 0 && c.MaxDelaySeconds <= 0 {
		return r.config.MinDelay, r.config.MaxDelay
	}
	lo := time.Duration(c.MinDelaySeconds) * time.Second
	hi := time.Duration(c.MaxDelaySeconds) * time.Second
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// pace draws a uniform delay in [lo, hi].
func (r *Runner) pace(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.int64n(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
