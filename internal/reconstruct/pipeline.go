package reconstruct

import (
	"fmt"
	"math"

	"github.com/siloscan/siloscan/internal/xyz"
)

// Point is a scan point in device length units.
type Point = xyz.Point

// Result is the outcome of one reconstruction.
type Result struct {
	InputPoints    int     `json:"input_points"`
	DenoisedPoints int     `json:"denoised_points"`
	SurfacePoints  int     `json:"surface_points"`
	Circle         Circle  `json:"circle"`
	LidZ           float64 `json:"lid_z"`
	FloorZ         float64 `json:"floor_z"`
	Method         string  `json:"method"`

	AirVolumeM3      float64 `json:"air_volume_m3"`
	CylinderM3       float64 `json:"cylinder_m3"`
	MaterialVolumeM3 float64 `json:"material_volume_m3"`
	Percentage       float64 `json:"volume_percentage"`
	LengthUnit       string  `json:"length_unit"`
	UnitCorrected    bool    `json:"unit_corrected"`

	Denoised []Point `json:"-"`
	Surface  []Point `json:"-"`
}

// Fill methods reported in Result.Method.
const (
	MethodMesh = "mesh"
	MethodHull = "hull"
)

// Reconstruct runs the whole pipeline on one scan.
func Reconstruct(in Input, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	res := &Result{InputPoints: len(in.Points), LengthUnit: in.LengthUnit}
	if len(in.Points) < p.MinPoints {
		return nil, fmt.Errorf("%w: scan has %d points, need %d", ErrInsufficientPoints, len(in.Points), p.MinPoints)
	}

	denoised := Denoise(in.Points, p.NeighborCount, p.StdRatio)
	res.DenoisedPoints = len(denoised)
	res.Denoised = denoised
	if len(denoised) < p.MinPoints {
		return nil, fmt.Errorf("%w: %d points left after denoise, need %d", ErrInsufficientPoints, len(denoised), p.MinPoints)
	}

	circle, err := FitCircle(denoised, in.Diameter, p)
	if err != nil {
		return nil, err
	}
	res.Circle = circle

	surface := ExtractSurface(denoised, circle, p.WallMargin, p.CellSize)
	res.SurfacePoints = len(surface)
	res.Surface = surface
	if len(surface) < 3 {
		return nil, fmt.Errorf("%w: %d surface points inside the wall margin", ErrInsufficientPoints, len(surface))
	}

	_, maxZ := zRange(denoised)
	lidZ := maxZ
	if in.RimHeight != nil {
		lidZ = *in.RimHeight
	}
	floorZ, _ := zRange(surface)
	floorZ = math.Min(floorZ, lidZ)
	res.LidZ, res.FloorZ = lidZ, floorZ

	air, method, err := airVolume(surface, circle, lidZ, p.RimSegments)
	if err != nil {
		return nil, err
	}
	res.Method = method

	cylinder := math.Pi * circle.R * circle.R * (lidZ - floorZ)
	vols, err := convertVolumes(air, cylinder, in.LengthUnit, in.CapacityM3, p.UnitSanityRatio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	res.AirVolumeM3 = vols.AirM3
	res.CylinderM3 = vols.CylinderM3
	res.LengthUnit = vols.Unit
	res.UnitCorrected = vols.Corrected

	res.MaterialVolumeM3, res.Percentage, err = materialVolume(in.CapacityM3, vols.AirM3)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// meshBuilder closes the air region above a surface.
type meshBuilder func(surface []Point, c Circle, lidZ float64, segments int) (*Mesh, error)

// airVolume prefers the closed prism mesh and falls back to the convex hull
// when the mesh cannot be built or is not watertight.
func airVolume(surface []Point, c Circle, lidZ float64, segments int) (float64, string, error) {
	return airVolumeWith(buildAirMesh, surface, c, lidZ, segments)
}

func airVolumeWith(build meshBuilder, surface []Point, c Circle, lidZ float64, segments int) (float64, string, error) {
	if m, err := build(surface, c, lidZ, segments); err == nil && m.IsClosed() {
		v := m.SignedVolume()
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 {
			return v, MethodMesh, nil
		}
	}
	v, err := hullAirVolume(surface, c, lidZ, segments)
	if err != nil {
		return 0, "", err
	}
	return v, MethodHull, nil
}

// hullAirVolume is the volume of the convex hull of the air floor and its
// copy at lid height. The hull contains every vertex of the prism mesh, so
// it never under-estimates air.
func hullAirVolume(surface []Point, c Circle, lidZ float64, segments int) (float64, error) {
	floor := airFloor(surface, c, lidZ, segments)
	pts := make([]Point, 0, 2*len(floor))
	pts = append(pts, floor...)
	for _, p := range floor {
		pts = append(pts, Point{X: p.X, Y: p.Y, Z: lidZ})
	}
	hull, err := convexHull(pts)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeshConstruction, err)
	}
	v := hull.SignedVolume()
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: hull volume %f", ErrMeshConstruction, v)
	}
	return v, nil
}
