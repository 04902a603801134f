// Package geo implements the quota and normalization gate. The gate runs
// before any cache lookup or job creation: a request rejected here never
// leaves a trace.
package geo

import (
	"fmt"
	"math"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
)

// kmPerDegree is the approximate length of one degree of latitude.
const kmPerDegree = 111.32

// Unset marks an optional numeric parameter the caller did not supply.
// Normalization treats any negative value as absent and substitutes the
// configured default; an explicit zero is a real value and is preserved
// (a zero cloud threshold means cloud-free imagery only).
const Unset = -1

type Limits struct {
	MaxAreaKm2   float64
	MaxRangeDays int

	// Spatial cell budget: the bbox is polyfilled to H3 cells at CellRes and
	// rejected when the covering exceeds MaxCells. Zero disables the check.
	MaxCells int
	CellRes  int

	MinRasterSize   int
	MaxRasterSize   int
	MaxRasterPixels int

	DefaultStepDays     int
	DefaultMaxCloud     int
	DefaultLookbackDays int
}

func DefaultLimits() Limits {
	return Limits{
		MaxAreaKm2:          5000,
		MaxRangeDays:        370,
		MaxCells:            4096,
		CellRes:             7,
		MinRasterSize:       128,
		MaxRasterSize:       1024,
		MaxRasterPixels:     1024 * 1024,
		DefaultStepDays:     7,
		DefaultMaxCloud:     30,
		DefaultLookbackDays: 14,
	}
}

// Gate validates geometry and quotas and normalizes request parameters.
// It is pure: no storage, no network.
type Gate struct {
	lim Limits
}

func NewGate(lim Limits) *Gate {
	return &Gate{lim: lim}
}

// CheckBBox validates geometry and enforces the spatial quotas.
func (g *Gate) CheckBBox(bb model.BBox) error {
	for _, edge := range []float64{bb.West, bb.South, bb.East, bb.North} {
		if math.IsNaN(edge) || math.IsInf(edge, 0) {
			return fmt.Errorf("%w: bounding box edge is not finite", model.ErrInvalidGeometry)
		}
	}
	if bb.West < -180 || bb.East > 180 || bb.South < -90 || bb.North > 90 {
		return fmt.Errorf("%w: bounding box outside WGS84 bounds", model.ErrInvalidGeometry)
	}
	if bb.West >= bb.East || bb.South >= bb.North {
		return fmt.Errorf("%w: requires west < east and south < north", model.ErrInvalidGeometry)
	}

	area := ApproxAreaKm2(bb)
	if area > g.lim.MaxAreaKm2 {
		return fmt.Errorf("%w: area %.1f km2 exceeds maximum %.1f km2",
			model.ErrQuotaExceeded, area, g.lim.MaxAreaKm2)
	}

	if g.lim.MaxCells > 0 {
		n, err := CellCount(bb, g.lim.CellRes)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidGeometry, err)
		}
		// A bbox smaller than one cell covers zero cells; that never rejects.
		if n > g.lim.MaxCells {
			return fmt.Errorf("%w: bbox covers %d cells at res %d, maximum %d",
				model.ErrQuotaExceeded, n, g.lim.CellRes, g.lim.MaxCells)
		}
	}
	return nil
}

// NormalizeSeries validates the date range and clamps step and cloud
// threshold into bounds. Clamping, not rejection, is the policy for those
// two fields.
func (g *Gate) NormalizeSeries(start, end model.Date, stepDays, maxCloud int) (model.SeriesParams, error) {
	if start.After(end.Time) {
		return model.SeriesParams{}, fmt.Errorf("%w: start must be on or before end", model.ErrInvalidRange)
	}
	if span := start.DaysUntil(end); span > g.lim.MaxRangeDays {
		return model.SeriesParams{}, fmt.Errorf("%w: range of %d days exceeds maximum %d days",
			model.ErrQuotaExceeded, span, g.lim.MaxRangeDays)
	}
	if stepDays < 0 {
		stepDays = g.lim.DefaultStepDays
	}
	return model.SeriesParams{
		Start:    start,
		End:      end,
		StepDays: clamp(stepDays, 1, 30),
		MaxCloud: g.normalizeCloud(maxCloud),
	}, nil
}

// NormalizeLatest clamps the lookback window and cloud threshold.
func (g *Gate) NormalizeLatest(lookbackDays, maxCloud int) model.SeriesParams {
	if lookbackDays < 0 {
		lookbackDays = g.lim.DefaultLookbackDays
	}
	return model.SeriesParams{
		LookbackDays: clamp(lookbackDays, 1, g.lim.MaxRangeDays),
		MaxCloud:     g.normalizeCloud(maxCloud),
	}
}

// NormalizeRaster validates the pixel size. Unlike step and cloud, an
// out-of-range size is rejected, not clamped.
func (g *Gate) NormalizeRaster(target model.Date, pixelSize, maxCloud int) (model.RasterParams, error) {
	if pixelSize < g.lim.MinRasterSize || pixelSize > g.lim.MaxRasterSize {
		return model.RasterParams{}, fmt.Errorf("%w: raster size %d outside [%d, %d]",
			model.ErrQuotaExceeded, pixelSize, g.lim.MinRasterSize, g.lim.MaxRasterSize)
	}
	if g.lim.MaxRasterPixels > 0 && pixelSize*pixelSize > g.lim.MaxRasterPixels {
		return model.RasterParams{}, fmt.Errorf("%w: raster of %d x %d exceeds pixel budget %d",
			model.ErrQuotaExceeded, pixelSize, pixelSize, g.lim.MaxRasterPixels)
	}
	return model.RasterParams{
		TargetDate: target,
		PixelSize:  pixelSize,
		MaxCloud:   g.normalizeCloud(maxCloud),
	}, nil
}

// normalizeCloud substitutes the default only for an absent threshold. An
// explicit zero survives: it requests cloud-free imagery.
func (g *Gate) normalizeCloud(maxCloud int) int {
	if maxCloud < 0 {
		maxCloud = g.lim.DefaultMaxCloud
	}
	return clamp(maxCloud, 0, 100)
}

// ApproxAreaKm2 computes a planar equirectangular approximation of the bbox
// area: latitude span times longitude span scaled by cos(mid latitude).
// Good to a few percent at the sizes the quota allows.
func ApproxAreaKm2(bb model.BBox) float64 {
	midLat := (bb.North + bb.South) / 2
	latKm := (bb.North - bb.South) * kmPerDegree
	lonKm := (bb.East - bb.West) * kmPerDegree * math.Cos(midLat*math.Pi/180)
	return math.Abs(latKm * lonKm)
}

// CellCount polyfills the bbox to H3 cells at the given resolution and
// returns how many cells cover it.
func CellCount(bb model.BBox, res int) (int, error) {
	if res < 0 || res > 15 {
		return 0, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	loop := h3.GeoLoop{
		{Lat: bb.South, Lng: bb.West},
		{Lat: bb.South, Lng: bb.East},
		{Lat: bb.North, Lng: bb.East},
		{Lat: bb.North, Lng: bb.West},
	}
	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
	if err != nil {
		return 0, fmt.Errorf("h3 polyfill: %w", err)
	}
	return len(cells), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
