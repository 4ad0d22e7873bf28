package units

import (
	"fmt"
	"time"
	_ "time/tzdata" // field gateways ship without a zoneinfo database
)

// DefaultBatchTimezone is the zone scanners in the field stamp batch ids with.
const DefaultBatchTimezone = "Asia/Bangkok"

// LoadZone resolves an IANA zone name. The empty name is rejected rather
// than silently meaning UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// IsTimezoneValid reports whether LoadZone accepts tz.
func IsTimezoneValid(tz string) bool {
	_, err := LoadZone(tz)
	return err == nil
}

// ConvertTime returns t as wall-clock time in zone tz.
func ConvertTime(t time.Time, tz string) (time.Time, error) {
	loc, err := LoadZone(tz)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}
