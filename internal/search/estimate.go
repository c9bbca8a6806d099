package search

import (
	"context"
	"fmt"

	"github.com/lalithlochan/prospector/internal/grid"
	"github.com/lalithlochan/prospector/internal/places"
	"github.com/lalithlochan/prospector/internal/usage"
)

// Estimate is a dry-run projection. It performs no provider calls and records
// no usage.
type Estimate struct {
	CellCount          int                `json:"cell_count"`
	CellRadiusKm       float64            `json:"cell_radius_km"`
	ProjectedSearch    int                `json:"projected_search_calls"`
	ProjectedDetail    int                `json:"projected_detail_calls"`
	ProjectedMaxPlaces int                `json:"projected_max_places"`
	Cost               usage.CostEstimate `json:"cost"`
	Caps               usage.Snapshot     `json:"caps"`
	WithinCaps         bool               `json:"within_caps"`
}

// Estimate projects the calls and cost of req against the current caps.
func (o *Orchestrator) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cells := grid.Count(req.center(), req.RadiusKm, o.cfg.Grid)

	searchCalls := cells
	if o.cfg.RunMaxSearchCalls > 0 {
		searchCalls = min(searchCalls, o.cfg.RunMaxSearchCalls)
	}

	maxPlaces := min(o.placeBudget(req.MaxResults), searchCalls*places.MaxPageSize)
	detailCalls := maxPlaces
	if o.cfg.RunMaxDetailCalls > 0 {
		detailCalls = min(detailCalls, o.cfg.RunMaxDetailCalls)
	}

	snap, err := o.caps.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot caps: %w", err)
	}

	search := o.caps.Limits(usage.ResourceSearch)
	detail := o.caps.Limits(usage.ResourceDetail)

	return &Estimate{
		CellCount:          cells,
		CellRadiusKm:       grid.CellRadius(req.RadiusKm, o.cfg.Grid),
		ProjectedSearch:    searchCalls,
		ProjectedDetail:    detailCalls,
		ProjectedMaxPlaces: maxPlaces,
		Cost:               usage.EstimateCost(searchCalls, detailCalls, search.PricePerThousand, detail.PricePerThousand),
		Caps:               snap,
		WithinCaps:         withinCaps(snap, searchCalls, detailCalls),
	}, nil
}

// withinCaps reports whether the projected calls fit every remaining cap.
func withinCaps(snap usage.Snapshot, searchCalls, detailCalls int) bool {
	for _, c := range snap.Caps {
		if c.Remaining < 0 {
			continue
		}
		need := searchCalls
		if c.Resource == usage.ResourceDetail {
			need = detailCalls
		}
		if need > c.Remaining {
			return false
		}
	}
	return true
}
