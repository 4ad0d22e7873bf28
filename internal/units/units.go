// Package units provides shared constants and conversion for scan length units
package units

import "fmt"

// Length unit constants
const (
	M  = "m"
	CM = "cm"
	MM = "mm"
)

// ValidLengthUnits lists the accepted length units from largest to smallest.
var ValidLengthUnits = []string{M, CM, MM}

// IsValidLength checks if the given unit is a supported length unit
func IsValidLength(unit string) bool {
	for _, u := range ValidLengthUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidLengthUnitsString returns a comma-separated string of valid units for error messages
func GetValidLengthUnitsString() string {
	return "m, cm, mm"
}

// MetresPer returns how many metres one unit is.
func MetresPer(unit string) (float64, error) {
	switch unit {
	case M:
		return 1, nil
	case CM:
		return 0.01, nil
	case MM:
		return 0.001, nil
	default:
		return 0, fmt.Errorf("unknown length unit %q (valid: %s)", unit, GetValidLengthUnitsString())
	}
}

// CubicToM3 converts a volume measured in unit^3 to cubic metres.
func CubicToM3(v float64, unit string) (float64, error) {
	f, err := MetresPer(unit)
	if err != nil {
		return 0, err
	}
	return v * f * f * f, nil
}

// SmallerThan returns the units smaller than unit, largest first.
// Used when a volume comes out implausibly large for the declared unit.
func SmallerThan(unit string) []string {
	for i, u := range ValidLengthUnits {
		if u == unit {
			return ValidLengthUnits[i+1:]
		}
	}
	return nil
}
