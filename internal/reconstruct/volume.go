package reconstruct

import (
	"fmt"
	"math"

	"github.com/siloscan/siloscan/internal/units"
)

// scanVolumes holds volumes already converted to cubic metres.
type scanVolumes struct {
	AirM3      float64
	CylinderM3 float64
	Unit       string
	Corrected  bool
}

// convertVolumes turns scan-unit volumes into m^3. Devices are sometimes
// registered with the wrong length unit, which inflates the air volume by
// orders of magnitude; when air exceeds ratio*capacity the next smaller unit
// that brings it within range is used, or the smallest unit if none does.
func convertVolumes(air, cylinder float64, unit string, capacity, ratio float64) (scanVolumes, error) {
	v, err := convertWith(air, cylinder, unit)
	if err != nil {
		return v, err
	}
	if v.AirM3 <= ratio*capacity {
		return v, nil
	}

	smaller := units.SmallerThan(unit)
	if len(smaller) == 0 {
		return v, nil
	}
	for _, u := range smaller {
		c, err := convertWith(air, cylinder, u)
		if err != nil {
			return v, err
		}
		c.Corrected = true
		if c.AirM3 <= ratio*capacity {
			return c, nil
		}
		v = c
	}
	return v, nil
}

func convertWith(air, cylinder float64, unit string) (scanVolumes, error) {
	a, err := units.CubicToM3(air, unit)
	if err != nil {
		return scanVolumes{}, err
	}
	c, err := units.CubicToM3(cylinder, unit)
	if err != nil {
		return scanVolumes{}, err
	}
	return scanVolumes{AirM3: a, CylinderM3: c, Unit: unit}, nil
}

// materialVolume subtracts air from capacity. The result never goes negative
// and the percentage stays within [0, 100] whatever the scan produced.
func materialVolume(capacity, air float64) (m3, pct float64, err error) {
	if math.IsNaN(air) || math.IsInf(air, 0) {
		return 0, 0, fmt.Errorf("%w: air volume is not finite", ErrMeshConstruction)
	}
	m3 = math.Max(capacity-air, 0)
	pct = 100 * m3 / capacity
	pct = math.Max(0, math.Min(100, pct))
	return m3, pct, nil
}
