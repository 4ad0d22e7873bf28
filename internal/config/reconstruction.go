package config

import (
	"fmt"

	"github.com/siloscan/siloscan/internal/reconstruct"
)

// ReconstructionConfig holds the pipeline tuning. Every field is optional;
// unset fields fall back to the Get* defaults so partial files are safe.
type ReconstructionConfig struct {
	// Denoise
	NeighborCount *int     `json:"neighbor_count,omitempty" yaml:"neighbor_count,omitempty"`
	StdRatio      *float64 `json:"std_ratio,omitempty" yaml:"std_ratio,omitempty"`
	MinPoints     *int     `json:"min_points,omitempty" yaml:"min_points,omitempty"`

	// Circle fit
	RansacIterations *int     `json:"ransac_iterations,omitempty" yaml:"ransac_iterations,omitempty"`
	InlierTolerance  *float64 `json:"inlier_tolerance,omitempty" yaml:"inlier_tolerance,omitempty"`
	MinRadius        *float64 `json:"min_radius,omitempty" yaml:"min_radius,omitempty"`
	MaxRadius        *float64 `json:"max_radius,omitempty" yaml:"max_radius,omitempty"`
	MinInliers       *int     `json:"min_inliers,omitempty" yaml:"min_inliers,omitempty"`
	Seed             *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	RefineFit        *bool    `json:"refine_fit,omitempty" yaml:"refine_fit,omitempty"`

	// Surface
	WallMargin   *float64 `json:"wall_margin,omitempty" yaml:"wall_margin,omitempty"`
	GridCellSize *float64 `json:"grid_cell_size,omitempty" yaml:"grid_cell_size,omitempty"`

	// Closure and units
	RimSegments     *int     `json:"rim_segments,omitempty" yaml:"rim_segments,omitempty"`
	UnitSanityRatio *float64 `json:"unit_sanity_ratio,omitempty" yaml:"unit_sanity_ratio,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// DefaultReconstructionConfig returns a config with every field populated
// from the production defaults.
func DefaultReconstructionConfig() *ReconstructionConfig {
	d := reconstruct.DefaultParams()
	return &ReconstructionConfig{
		NeighborCount:    ptrInt(d.NeighborCount),
		StdRatio:         ptrFloat64(d.StdRatio),
		MinPoints:        ptrInt(d.MinPoints),
		RansacIterations: ptrInt(d.Iterations),
		InlierTolerance:  ptrFloat64(d.InlierTolerance),
		MinRadius:        ptrFloat64(d.MinRadius),
		MaxRadius:        ptrFloat64(d.MaxRadius),
		MinInliers:       ptrInt(d.MinInliers),
		Seed:             ptrInt64(d.Seed),
		RefineFit:        ptrBool(d.RefineFit),
		WallMargin:       ptrFloat64(d.WallMargin),
		GridCellSize:     ptrFloat64(d.CellSize),
		RimSegments:      ptrInt(d.RimSegments),
		UnitSanityRatio:  ptrFloat64(d.UnitSanityRatio),
	}
}

// Params resolves the config into pipeline parameters.
func (c *ReconstructionConfig) Params() reconstruct.Params {
	if c == nil {
		return reconstruct.DefaultParams()
	}
	d := reconstruct.DefaultParams()
	return reconstruct.Params{
		NeighborCount:   getInt(c.NeighborCount, d.NeighborCount),
		StdRatio:        getFloat(c.StdRatio, d.StdRatio),
		MinPoints:       getInt(c.MinPoints, d.MinPoints),
		Iterations:      getInt(c.RansacIterations, d.Iterations),
		InlierTolerance: getFloat(c.InlierTolerance, d.InlierTolerance),
		MinRadius:       getFloat(c.MinRadius, d.MinRadius),
		MaxRadius:       getFloat(c.MaxRadius, d.MaxRadius),
		MinInliers:      getInt(c.MinInliers, d.MinInliers),
		Seed:            c.GetSeed(),
		RefineFit:       c.GetRefineFit(),
		WallMargin:      getFloat(c.WallMargin, d.WallMargin),
		CellSize:        getFloat(c.GridCellSize, d.CellSize),
		RimSegments:     getInt(c.RimSegments, d.RimSegments),
		UnitSanityRatio: getFloat(c.UnitSanityRatio, d.UnitSanityRatio),
	}
}

// Validate checks the resolved parameters.
func (c *ReconstructionConfig) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("reconstruction: %w", err)
	}
	return nil
}

// GetSeed returns the seed value or the default.
func (c *ReconstructionConfig) GetSeed() int64 {
	if c == nil || c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// GetRefineFit returns the refine_fit value or the default.
func (c *ReconstructionConfig) GetRefineFit() bool {
	if c == nil || c.RefineFit == nil {
		return true
	}
	return *c.RefineFit
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
