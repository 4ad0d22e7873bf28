// Package reconstruct turns a silo point cloud into a material volume
// estimate.
//
// The pipeline is a pure function of its input and Params: statistical
// outlier removal, a RANSAC circle fit of the silo cross-section, max-Z grid
// extraction of the material surface, closure against a lid at the rim
// height, and volume integration over a closed mesh with a convex hull
// fallback. Coordinates are in the device's length unit throughout and only
// the final volumes are converted to cubic metres.
package reconstruct

import (
	"errors"
	"fmt"

	"github.com/siloscan/siloscan/internal/units"
)

// Failure classes. Every error returned by Reconstruct wraps one of these.
var (
	ErrInvalidInput       = errors.New("invalid reconstruction input")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrDegenerateFit      = errors.New("degenerate circle fit")
	ErrMeshConstruction   = errors.New("mesh construction failed")
)

// Params controls every stage of the pipeline. Distances are in scan units.
type Params struct {
	// Denoise
	NeighborCount int     // k nearest neighbours per point
	StdRatio      float64 // keep points within mean + StdRatio*std
	MinPoints     int     // minimum points surviving denoise

	// Circle fit
	Iterations      int
	InlierTolerance float64
	MinRadius       float64 // free-radius mode only
	MaxRadius       float64
	MinInliers      int
	Seed            int64
	RefineFit       bool // least-squares polish of a free-radius fit

	// Surface extraction
	WallMargin float64
	CellSize   float64

	// Closure
	RimSegments int

	// Units
	UnitSanityRatio float64 // air volume above ratio*capacity triggers correction
}

// DefaultParams returns the production tuning for centimetre scans.
func DefaultParams() Params {
	return Params{
		NeighborCount:   20,
		StdRatio:        2.0,
		MinPoints:       50,
		Iterations:      5000,
		InlierTolerance: 0.5,
		MinRadius:       10,
		MaxRadius:       150,
		MinInliers:      20,
		Seed:            42,
		RefineFit:       true,
		WallMargin:      1.5,
		CellSize:        0.5,
		RimSegments:     64,
		UnitSanityRatio: 10,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	switch {
	case p.NeighborCount < 1:
		return fmt.Errorf("neighbor_count must be >= 1, got %d", p.NeighborCount)
	case p.StdRatio <= 0:
		return fmt.Errorf("std_ratio must be positive, got %f", p.StdRatio)
	case p.MinPoints < 4:
		return fmt.Errorf("min_points must be >= 4, got %d", p.MinPoints)
	case p.Iterations < 1:
		return fmt.Errorf("ransac_iterations must be >= 1, got %d", p.Iterations)
	case p.InlierTolerance <= 0:
		return fmt.Errorf("inlier_tolerance must be positive, got %f", p.InlierTolerance)
	case p.MinRadius <= 0 || p.MaxRadius <= p.MinRadius:
		return fmt.Errorf("radius range must satisfy 0 < min < max, got [%f, %f]", p.MinRadius, p.MaxRadius)
	case p.MinInliers < 3:
		return fmt.Errorf("min_inliers must be >= 3, got %d", p.MinInliers)
	case p.WallMargin < 0:
		return fmt.Errorf("wall_margin must be non-negative, got %f", p.WallMargin)
	case p.CellSize <= 0:
		return fmt.Errorf("grid_cell_size must be positive, got %f", p.CellSize)
	case p.RimSegments < 8:
		return fmt.Errorf("rim_segments must be >= 8, got %d", p.RimSegments)
	case p.UnitSanityRatio <= 1:
		return fmt.Errorf("unit_sanity_ratio must be > 1, got %f", p.UnitSanityRatio)
	}
	return nil
}

// Input is one scan and the device facts the pipeline needs.
type Input struct {
	Points     []Point
	CapacityM3 float64
	// Diameter switches the circle fit to fixed-radius mode when positive.
	Diameter float64
	// RimHeight is the z of the lid plane. Nil uses the highest return.
	RimHeight  *float64
	LengthUnit string
}

func (in *Input) validate() error {
	if in.CapacityM3 <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %f", ErrInvalidInput, in.CapacityM3)
	}
	if in.Diameter < 0 {
		return fmt.Errorf("%w: diameter must be non-negative, got %f", ErrInvalidInput, in.Diameter)
	}
	if in.LengthUnit == "" {
		in.LengthUnit = units.CM
	}
	if !units.IsValidLength(in.LengthUnit) {
		return fmt.Errorf("%w: unknown length unit %q", ErrInvalidInput, in.LengthUnit)
	}
	return nil
}
