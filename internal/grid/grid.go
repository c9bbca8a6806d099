// Package grid covers a circular search area with overlapping search cells.
package grid

import (
	"math"
)

const (
	kmPerDegreeLat = 111.32
	minCosLat      = 0.01
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Cell is one bounded search area; each costs one paid search call.
type Cell struct {
	Center   Point   `json:"center"`
	RadiusKm float64 `json:"radius_km"`
}

// Options tunes the cell size. Density is the ratio of the area radius to the
// cell radius; values of 1 or less produce a single cell.
type Options struct {
	Density         float64
	MinCellRadiusKm float64
}

// Generate returns cells whose union covers the circle of radiusKm around
// center. Cell centers sit on a hexagonal lattice of spacing sqrt(3)*r, the
// sparsest lattice of radius-r circles with no uncovered gaps. Only cells that
// intersect the requested circle are kept. Output order is south to north,
// west to east, and depends only on the inputs.
func Generate(center Point, radiusKm float64, opts Options) []Cell {
	if radiusKm <= 0 {
		return nil
	}

	r := CellRadius(radiusKm, opts)
	if r >= radiusKm {
		return []Cell{{Center: center, RadiusKm: radiusKm}}
	}

	dx := math.Sqrt(3) * r
	dy := 1.5 * r
	reach := radiusKm + r

	rows := int(math.Ceil(reach / dy))
	cols := int(math.Ceil(reach/dx)) + 1

	kmPerDegreeLng := kmPerDegreeLat * math.Max(math.Cos(center.Lat*math.Pi/180), minCosLat)

	var cells []Cell
	for j := -rows; j <= rows; j++ {
		y := float64(j) * dy
		offset := 0.0
		if j%2 != 0 {
			offset = dx / 2
		}
		for i := -cols; i <= cols; i++ {
			x := float64(i)*dx + offset
			// Cells at R+r or beyond touch the circle at one point at most.
			if math.Hypot(x, y) >= reach {
				continue
			}
			cells = append(cells, Cell{
				Center: Point{
					Lat: center.Lat + y/kmPerDegreeLat,
					Lng: center.Lng + x/kmPerDegreeLng,
				},
				RadiusKm: r,
			})
		}
	}
	return cells
}

// CellRadius is the radius each generated cell will have.
func CellRadius(radiusKm float64, opts Options) float64 {
	if opts.Density <= 1 {
		return radiusKm
	}
	r := radiusKm / opts.Density
	if r < opts.MinCellRadiusKm {
		r = opts.MinCellRadiusKm
	}
	return r
}

// Count is len(Generate(...)) for cost previews.
func Count(center Point, radiusKm float64, opts Options) int {
	return len(Generate(center, radiusKm, opts))
}
