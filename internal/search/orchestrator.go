// Package search runs capped, cell-by-cell grid searches against the places
// provider and persists deduplicated leads.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/dedup"
	"github.com/lalithlochan/prospector/internal/events"
	"github.com/lalithlochan/prospector/internal/grid"
	"github.com/lalithlochan/prospector/internal/metrics"
	"github.com/lalithlochan/prospector/internal/places"
	"github.com/lalithlochan/prospector/internal/usage"
)

// Provider is the places-search collaborator.
type Provider interface {
	TextSearch(ctx context.Context, q places.TextQuery) ([]places.Place, error)
	Details(ctx context.Context, placeID string) (*places.Place, error)
}

// Caps is the usage cap tracker.
type Caps interface {
	CheckCap(ctx context.Context, resource usage.Resource) (usage.CapStatus, error)
	TrackRequest(ctx context.Context, resource usage.Resource, count int) error
	Snapshot(ctx context.Context) (usage.Snapshot, error)
	Limits(resource usage.Resource) usage.Limits
}

// Resolver is the deduplicator.
type Resolver interface {
	Resolve(ctx context.Context, c dedup.Candidate) (dedup.Result, error)
	Keys(c dedup.Candidate) dedup.Keys
}

// Store persists runs and leads.
type Store interface {
	CreateSearchRun(ctx context.Context, run *db.SearchRun) error
	FinalizeSearchRun(ctx context.Context, run *db.SearchRun) error
	CreateLead(ctx context.Context, lead *db.Lead) error
	LinkRunLead(ctx context.Context, runID, leadID uuid.UUID, isNew bool) error
	AddGroupMember(ctx context.Context, groupID, leadID uuid.UUID) error
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType events.Type, subjectID string, data any)
}

// Config holds per-run budgets and grid tuning.
type Config struct {
	RunMaxSearchCalls int // 0 is unlimited
	RunMaxDetailCalls int // 0 is unlimited
	RunMaxPlaces      int // 0 is unlimited
	Grid              grid.Options
}

// Request is a runSearch invocation.
type Request struct {
	Query      string     `json:"query" validate:"required,max=200"`
	Lat        *float64   `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng        *float64   `json:"lng" validate:"required,gte=-180,lte=180"`
	RadiusKm   float64    `json:"radius_km" validate:"gt=0,lte=100"`
	MaxResults int        `json:"max_results" validate:"gt=0,lte=1000"`
	DryRun     bool       `json:"dry_run"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.Query) == "":
		return &apperr.ValidationError{Field: "query", Reason: "is required"}
	case r.Lat == nil:
		return &apperr.ValidationError{Field: "lat", Reason: "is required"}
	case *r.Lat < -90 || *r.Lat > 90:
		return &apperr.ValidationError{Field: "lat", Reason: "must be within [-90, 90]"}
	case r.Lng == nil:
		return &apperr.ValidationError{Field: "lng", Reason: "is required"}
	case *r.Lng < -180 || *r.Lng > 180:
		return &apperr.ValidationError{Field: "lng", Reason: "must be within [-180, 180]"}
	case r.RadiusKm <= 0:
		return &apperr.ValidationError{Field: "radius_km", Reason: "must be positive"}
	case r.MaxResults <= 0:
		return &apperr.ValidationError{Field: "max_results", Reason: "must be positive"}
	}
	return nil
}

// center is only meaningful after validate.
func (r Request) center() grid.Point {
	return grid.Point{Lat: *r.Lat, Lng: *r.Lng}
}

// Summary is the outcome of a live run.
type Summary struct {
	RunID       uuid.UUID          `json:"run_id"`
	Status      string             `json:"status"`
	CellCount   int                `json:"cell_count"`
	PlacesFound int                `json:"places_found"`
	NewLeads    int                `json:"new_leads"`
	Duplicates  int                `json:"duplicates"`
	MatchedBy   map[string]int     `json:"matched_by"`
	SearchCalls int                `json:"search_calls"`
	DetailCalls int                `json:"detail_calls"`
	Cost        usage.CostEstimate `json:"cost"`
	Errors      []string           `json:"errors"`
}

// Result is either a run summary or a dry-run estimate.
type Result struct {
	Summary  *Summary  `json:"summary,omitempty"`
	Estimate *Estimate `json:"estimate,omitempty"`
}

// Orchestrator drives grid searches.
type Orchestrator struct {
	provider Provider // nil when credentials are missing
	caps     Caps
	dedup    Resolver
	store    Store
	events   EventPublisher
	cfg      Config
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator. provider may be nil; live runs then
// fail with a ConfigurationError while dry runs keep working.
func NewOrchestrator(provider Provider, caps Caps, resolver Resolver, store Store, pub EventPublisher, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		caps:     caps,
		dedup:    resolver,
		store:    store,
		events:   pub,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run validates the request, then either estimates or executes the search.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.DryRun {
		est, err := o.Estimate(ctx, req)
		if err != nil {
			return nil, err
		}
		metrics.RecordSearchRun("dry_run")
		return &Result{Estimate: est}, nil
	}

	if o.provider == nil {
		return nil, &apperr.ConfigurationError{Setting: "PLACES_API_KEY", Reason: "places provider credentials are not configured"}
	}

	summary, err := o.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordSearchRun("live")
	return &Result{Summary: summary}, nil
}

// runState carries counters for a single execution.
type runState struct {
	run         *db.SearchRun
	summary     *Summary
	searchCalls int
	detailCalls int
}

func (s *runState) fail(format string, args ...any) {
	s.summary.Errors = append(s.summary.Errors, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*Summary, error) {
	cells := grid.Generate(req.center(), req.RadiusKm, o.cfg.Grid)

	snapshot, err := o.caps.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot caps: %w", err)
	}
	capJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode cap snapshot: %w", err)
	}

	run := &db.SearchRun{
		Query:       req.Query,
		Lat:         *req.Lat,
		Lng:         *req.Lng,
		RadiusKm:    req.RadiusKm,
		MaxResults:  req.MaxResults,
		GroupID:     req.GroupID,
		CapSnapshot: capJSON,
		CellCount:   len(cells),
	}
	if err := o.store.CreateSearchRun(ctx, run); err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("run_id", run.ID.String()), zap.String("query", req.Query))
	log.Info("search run started", zap.Int("cells", len(cells)), zap.Float64("radius_km", req.RadiusKm))

	st := &runState{
		run: run,
		summary: &Summary{
			RunID:     run.ID,
			CellCount: len(cells),
			MatchedBy: map[string]int{},
			Errors:    []string{},
		},
	}
	maxPlaces := o.placeBudget(req.MaxResults)

	candidates, fatal := o.searchCells(ctx, st, req.Query, cells, maxPlaces, log)
	st.summary.PlacesFound = len(candidates)

	if fatal == nil {
		fatal = o.enrich(ctx, st, req, candidates, maxPlaces, log)
	}

	if err := o.finalize(ctx, st); err != nil {
		return nil, err
	}
	if fatal != nil {
		return nil, fatal
	}

	log.Info("search run completed",
		zap.Int("places_found", st.summary.PlacesFound),
		zap.Int("new_leads", st.summary.NewLeads),
		zap.Int("duplicates", st.summary.Duplicates),
		zap.Int("search_calls", st.summary.SearchCalls),
		zap.Int("detail_calls", st.summary.DetailCalls),
		zap.Int("errors", len(st.summary.Errors)),
	)
	if o.events != nil {
		o.events.Publish(ctx, events.SearchRunCompleted, run.ID.String(), st.summary)
	}
	return st.summary, nil
}

func (o *Orchestrator) placeBudget(maxResults int) int {
	if o.cfg.RunMaxPlaces > 0 && o.cfg.RunMaxPlaces < maxResults {
		return o.cfg.RunMaxPlaces
	}
	return maxResults
}

// searchCells visits cells sequentially, merging results by place id in
// first-seen order. The returned error is non-nil only for failures that
// abort the run (configuration).
func (o *Orchestrator) searchCells(ctx context.Context, st *runState, query string, cells []grid.Cell, maxPlaces int, log *zap.Logger) ([]places.Place, error) {
	seen := make(map[string]struct{})
	var candidates []places.Place

	for i, cell := range cells {
		if o.cfg.RunMaxSearchCalls > 0 && st.searchCalls >= o.cfg.RunMaxSearchCalls {
			log.Info("per-run search budget reached", zap.Int("search_calls", st.searchCalls))
			break
		}
		if len(candidates) >= maxPlaces {
			break
		}

		status, err := o.caps.CheckCap(ctx, usage.ResourceSearch)
		if err != nil {
			st.fail("search cap check failed: %v", err)
			log.Error("search cap check failed", zap.Error(err))
			break
		}
		if !status.Allowed {
			st.fail("%s search cap exceeded (%d/%d): %v", status.Period, status.Used, status.Limit, apperr.ErrCapExceeded)
			metrics.RecordCapRejection(string(usage.ResourceSearch), string(status.Period))
			log.Warn("search cap exceeded", zap.String("period", string(status.Period)), zap.Int("used", status.Used))
			break
		}

		found, err := o.provider.TextSearch(ctx, places.TextQuery{
			Query:      query,
			Lat:        cell.Center.Lat,
			Lng:        cell.Center.Lng,
			RadiusKm:   cell.RadiusKm,
			MaxResults: places.MaxPageSize,
		})
		if err != nil {
			metrics.RecordProviderCall(string(usage.ResourceSearch), "error")
			if apperr.IsConfiguration(err) {
				st.fail("cell %d: %v", i, err)
				return candidates, err
			}
			st.fail("cell %d: %v", i, err)
			log.Warn("cell search failed", zap.Int("cell", i), zap.Error(err))
			continue
		}

		metrics.RecordProviderCall(string(usage.ResourceSearch), "ok")
		st.searchCalls++
		if err := o.caps.TrackRequest(ctx, usage.ResourceSearch, 1); err != nil {
			st.fail("cell %d: track usage: %v", i, err)
		}

		for _, p := range found {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			candidates = append(candidates, p)
		}
	}

	return candidates, nil
}

// enrich fetches details where needed and resolves every candidate into a lead.
func (o *Orchestrator) enrich(ctx context.Context, st *runState, req Request, candidates []places.Place, maxPlaces int, log *zap.Logger) error {
	detailsOpen := true

	for _, cand := range candidates {
		if st.summary.NewLeads+st.summary.Duplicates >= maxPlaces {
			break
		}

		place := cand
		if !place.HasContactDetails() && detailsOpen {
			full, stop, err := o.fetchDetails(ctx, st, place.ID, log)
			switch {
			case err != nil && apperr.IsConfiguration(err):
				return err
			case stop:
				// Detail budget exhausted; remaining candidates keep their search data.
				detailsOpen = false
			case full != nil:
				place = mergePlace(place, *full)
			}
		}

		if err := o.persist(ctx, st, req, place); err != nil {
			st.fail("place %s: %v", place.ID, err)
			log.Warn("failed to persist place", zap.String("place_id", place.ID), zap.Error(err))
		}
	}
	return nil
}

// fetchDetails returns stop=true when the detail resource may not be used any
// further in this run.
func (o *Orchestrator) fetchDetails(ctx context.Context, st *runState, placeID string, log *zap.Logger) (*places.Place, bool, error) {
	if o.cfg.RunMaxDetailCalls > 0 && st.detailCalls >= o.cfg.RunMaxDetailCalls {
		log.Info("per-run detail budget reached", zap.Int("detail_calls", st.detailCalls))
		return nil, true, nil
	}

	status, err := o.caps.CheckCap(ctx, usage.ResourceDetail)
	if err != nil {
		st.fail("detail cap check failed: %v", err)
		return nil, true, nil
	}
	if !status.Allowed {
		st.fail("%s detail cap exceeded (%d/%d): %v", status.Period, status.Used, status.Limit, apperr.ErrCapExceeded)
		metrics.RecordCapRejection(string(usage.ResourceDetail), string(status.Period))
		log.Warn("detail cap exceeded", zap.String("period", string(status.Period)))
		return nil, true, nil
	}

	full, err := o.provider.Details(ctx, placeID)
	if err != nil {
		metrics.RecordProviderCall(string(usage.ResourceDetail), "error")
		st.fail("place %s: details: %v", placeID, err)
		log.Warn("place details failed", zap.String("place_id", placeID), zap.Error(err))
		return nil, false, err
	}

	metrics.RecordProviderCall(string(usage.ResourceDetail), "ok")
	st.detailCalls++
	if err := o.caps.TrackRequest(ctx, usage.ResourceDetail, 1); err != nil {
		st.fail("place %s: track usage: %v", placeID, err)
	}
	return full, false, nil
}

// mergePlace fills gaps in the search record from the detail record.
func mergePlace(base, full places.Place) places.Place {
	if full.Name != "" {
		base.Name = full.Name
	}
	if full.Address != "" {
		base.Address = full.Address
	}
	if full.Phone != "" {
		base.Phone = full.Phone
	}
	if full.Website != "" {
		base.Website = full.Website
	}
	if full.Rating != nil {
		base.Rating = full.Rating
	}
	if full.ReviewCount != nil {
		base.ReviewCount = full.ReviewCount
	}
	if full.BusinessStatus != "" {
		base.BusinessStatus = full.BusinessStatus
	}
	if len(full.Types) > 0 {
		base.Types = full.Types
	}
	if full.Lat != 0 || full.Lng != 0 {
		base.Lat, base.Lng = full.Lat, full.Lng
	}
	return base
}

func (o *Orchestrator) persist(ctx context.Context, st *runState, req Request, place places.Place) error {
	cand := dedup.Candidate{PlaceID: place.ID, Website: place.Website, Phone: place.Phone}

	res, err := o.dedup.Resolve(ctx, cand)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if res.IsDuplicate {
		return o.linkDuplicate(ctx, st, req, res)
	}

	lead := newLead(place, o.dedup.Keys(cand), req.Query)
	err = o.store.CreateLead(ctx, lead)
	if errors.Is(err, apperr.ErrDuplicateKey) {
		// Another run inserted the same business first; link the winner instead.
		res, rerr := o.dedup.Resolve(ctx, cand)
		if rerr != nil {
			return fmt.Errorf("re-resolve after duplicate key: %w", rerr)
		}
		if !res.IsDuplicate {
			return fmt.Errorf("duplicate key without a matching lead: %w", err)
		}
		return o.linkDuplicate(ctx, st, req, res)
	}
	if err != nil {
		return err
	}

	if err := o.store.LinkRunLead(ctx, st.run.ID, lead.ID, true); err != nil {
		return err
	}
	if req.GroupID != nil {
		if err := o.store.AddGroupMember(ctx, *req.GroupID, lead.ID); err != nil {
			return err
		}
	}
	st.summary.NewLeads++
	metrics.RecordLeadResolved("new")
	return nil
}

func (o *Orchestrator) linkDuplicate(ctx context.Context, st *runState, req Request, res dedup.Result) error {
	if err := o.store.LinkRunLead(ctx, st.run.ID, res.Lead.ID, false); err != nil {
		return err
	}
	if req.GroupID != nil {
		if err := o.store.AddGroupMember(ctx, *req.GroupID, res.Lead.ID); err != nil {
			return err
		}
	}
	st.summary.Duplicates++
	st.summary.MatchedBy[string(res.MatchedBy)]++
	metrics.RecordLeadResolved(string(res.MatchedBy))
	return nil
}

func newLead(p places.Place, k dedup.Keys, niche string) *db.Lead {
	lead := &db.Lead{
		Name:           p.Name,
		Address:        p.Address,
		Rating:         p.Rating,
		ReviewCount:    p.ReviewCount,
		BusinessStatus: p.BusinessStatus,
		Types:          p.Types,
		Niche:          strings.ToLower(strings.TrimSpace(niche)),
		Status:         db.LeadStatusNew,
		Emails:         []db.LeadEmail{},
	}
	if k.PlaceID != "" {
		lead.PlaceID = &k.PlaceID
	}
	if p.Website != "" {
		w := p.Website
		lead.Website = &w
	}
	if k.Domain != "" {
		lead.WebsiteDomain = &k.Domain
	}
	if p.Phone != "" {
		ph := p.Phone
		lead.Phone = &ph
	}
	if k.PhoneDigits != "" {
		lead.PhoneDigits = &k.PhoneDigits
	}
	if p.Lat != 0 || p.Lng != 0 {
		lat, lng := p.Lat, p.Lng
		lead.Lat, lead.Lng = &lat, &lng
	}
	return lead
}

func (o *Orchestrator) finalize(ctx context.Context, st *runState) error {
	search := o.caps.Limits(usage.ResourceSearch)
	detail := o.caps.Limits(usage.ResourceDetail)

	st.summary.SearchCalls = st.searchCalls
	st.summary.DetailCalls = st.detailCalls
	st.summary.Cost = usage.EstimateCost(st.searchCalls, st.detailCalls, search.PricePerThousand, detail.PricePerThousand)

	st.run.PlacesFound = st.summary.PlacesFound
	st.run.NewLeads = st.summary.NewLeads
	st.run.Duplicates = st.summary.Duplicates
	st.run.SearchCalls = st.searchCalls
	st.run.DetailCalls = st.detailCalls
	st.run.Cost = st.summary.Cost.TotalCost
	st.run.Errors = st.summary.Errors

	// Persist even when the caller has gone away.
	if err := o.store.FinalizeSearchRun(context.WithoutCancel(ctx), st.run); err != nil {
		o.logger.Error("failed to finalize search run", zap.String("run_id", st.run.ID.String()), zap.Error(err))
		return fmt.Errorf("finalize search run: %w", err)
	}
	st.summary.Status = st.run.Status
	return nil
}
