// Package usage tracks paid provider requests against daily, monthly and
// per-run caps.
package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Resource names a billable provider call type.
type Resource string

const (
	ResourceSearch Resource = "search"
	ResourceDetail Resource = "detail"
)

// Period is the window a cap applies to.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Warning levels reported by cap checks.
const (
	WarningNone = ""
	Warning80   = "80_percent"
	Warning95   = "95_percent"
)

// Counter is an atomically incrementing keyed counter. Implementations must
// increment in a single store operation so concurrent runs cannot race past
// a cap.
type Counter interface {
	Increment(ctx context.Context, day time.Time, resource string, count int, cost float64) (int, error)
	Daily(ctx context.Context, day time.Time, resource string) (int, error)
	Monthly(ctx context.Context, day time.Time, resource string) (int, error)
}

// Limits are the caps and price for one resource. A zero limit is unlimited.
type Limits struct {
	Daily            int
	Monthly          int
	PricePerThousand float64
}

// CapStatus is the result of a cap check.
type CapStatus struct {
	Resource    Resource `json:"resource"`
	Period      Period   `json:"period"`
	Used        int      `json:"used"`
	Limit       int      `json:"limit"`
	Allowed     bool     `json:"allowed"`
	Remaining   int      `json:"remaining"` // -1 when unlimited
	PercentUsed float64  `json:"percent_used"`
	Warning     string   `json:"warning,omitempty"`
}

// Options configures a Tracker.
type Options struct {
	Limits   map[Resource]Limits
	Warn80   bool
	Warn95   bool
	Location *time.Location
	Now      func() time.Time
}

// Tracker enforces usage caps over a Counter.
type Tracker struct {
	counter Counter
	limits  map[Resource]Limits
	warn80  bool
	warn95  bool
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
}

// NewTracker creates a tracker.
func NewTracker(counter Counter, opts Options, logger *zap.Logger) *Tracker {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		counter: counter,
		limits:  opts.Limits,
		warn80:  opts.Warn80,
		warn95:  opts.Warn95,
		loc:     opts.Location,
		now:     opts.Now,
		logger:  logger,
	}
}

// today is midnight of the current local day, expressed as a UTC date.
func (t *Tracker) today() time.Time {
	n := t.now().In(t.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// Limits returns the configured limits for resource.
func (t *Tracker) Limits(resource Resource) Limits {
	return t.limits[resource]
}

// TrackRequest records count requests for resource and their cost.
func (t *Tracker) TrackRequest(ctx context.Context, resource Resource, count int) error {
	if count <= 0 {
		return nil
	}
	cost := float64(count) * t.limits[resource].PricePerThousand / 1000

	total, err := t.counter.Increment(ctx, t.today(), string(resource), count, cost)
	if err != nil {
		t.logger.Error("failed to track usage", zap.Error(err), zap.String("resource", string(resource)))
		return fmt.Errorf("track %s usage: %w", resource, err)
	}

	t.logger.Debug("usage tracked",
		zap.String("resource", string(resource)),
		zap.Int("count", count),
		zap.Int("daily_total", total),
	)
	return nil
}

// CheckDailyCap reports today's usage of resource against its daily limit.
func (t *Tracker) CheckDailyCap(ctx context.Context, resource Resource) (CapStatus, error) {
	used, err := t.counter.Daily(ctx, t.today(), string(resource))
	if err != nil {
		return CapStatus{}, fmt.Errorf("read daily %s usage: %w", resource, err)
	}
	return t.status(resource, PeriodDay, used, t.limits[resource].Daily), nil
}

// CheckMonthlyCap reports this month's usage of resource against its monthly limit.
func (t *Tracker) CheckMonthlyCap(ctx context.Context, resource Resource) (CapStatus, error) {
	used, err := t.counter.Monthly(ctx, t.today(), string(resource))
	if err != nil {
		return CapStatus{}, fmt.Errorf("read monthly %s usage: %w", resource, err)
	}
	return t.status(resource, PeriodMonth, used, t.limits[resource].Monthly), nil
}

// CheckCap combines the daily and monthly checks; the first exhausted period wins.
func (t *Tracker) CheckCap(ctx context.Context, resource Resource) (CapStatus, error) {
	daily, err := t.CheckDailyCap(ctx, resource)
	if err != nil || !daily.Allowed {
		return daily, err
	}
	monthly, err := t.CheckMonthlyCap(ctx, resource)
	if err != nil || !monthly.Allowed {
		return monthly, err
	}
	return daily, nil
}

func (t *Tracker) status(resource Resource, period Period, used, limit int) CapStatus {
	s := CapStatus{Resource: resource, Period: period, Used: used, Limit: limit}
	if limit <= 0 {
		s.Allowed = true
		s.Remaining = -1
		return s
	}

	s.Allowed = used < limit
	s.Remaining = max(limit-used, 0)
	s.PercentUsed = math.Round(float64(used)/float64(limit)*10000) / 100

	switch {
	case t.warn95 && s.PercentUsed >= 95:
		s.Warning = Warning95
	case t.warn80 && s.PercentUsed >= 80:
		s.Warning = Warning80
	}
	return s
}

// Snapshot is the cap state of every resource at one instant.
type Snapshot struct {
	TakenAt time.Time   `json:"taken_at"`
	Caps    []CapStatus `json:"caps"`
}

// Snapshot reads daily and monthly status for search and detail.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: t.now()}
	for _, r := range []Resource{ResourceSearch, ResourceDetail} {
		daily, err := t.CheckDailyCap(ctx, r)
		if err != nil {
			return Snapshot{}, err
		}
		monthly, err := t.CheckMonthlyCap(ctx, r)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Caps = append(snap.Caps, daily, monthly)
	}
	return snap, nil
}

// CostEstimate is a cost projection rounded to cents.
type CostEstimate struct {
	SearchCost float64 `json:"search_cost"`
	DetailCost float64 `json:"detail_cost"`
	TotalCost  float64 `json:"total_cost"`
}

// EstimateCost prices search and detail calls at the given per-thousand rates.
func EstimateCost(searchCount, detailCount int, pricePerThousandSearch, pricePerThousandDetail float64) CostEstimate {
	search := roundCents(float64(searchCount) * pricePerThousandSearch / 1000)
	detail := roundCents(float64(detailCount) * pricePerThousandDetail / 1000)
	return CostEstimate{
		SearchCost: search,
		DetailCost: detail,
		TotalCost:  roundCents(search + detail),
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
