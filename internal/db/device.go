package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/siloscan/siloscan/internal/units"
)

// Device is a provisioned silo. Diameter and RimHeight are in LengthUnit,
// the unit the scanner reports coordinates in.
type Device struct {
	DeviceID    string   `json:"device_id"`
	CapacityM3  float64  `json:"capacity_m3"`
	Diameter    *float64 `json:"diameter,omitempty"`
	RimHeight   *float64 `json:"rim_height,omitempty"`
	LengthUnit  string   `json:"length_unit"`
	PlantType   string   `json:"plant_type,omitempty"`
	Province    string   `json:"province,omitempty"`
	SiteCode    string   `json:"site_code,omitempty"`
	SiloNo      string   `json:"silo_no,omitempty"`
	CreatedUnix int64    `json:"created_unix_nanos"`
}

// Validate checks the fields the reconstruction depends on.
func (d *Device) Validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if d.CapacityM3 <= 0 {
		return fmt.Errorf("capacity_m3 must be positive, got %f", d.CapacityM3)
	}
	if d.Diameter != nil && *d.Diameter <= 0 {
		return fmt.Errorf("diameter must be positive, got %f", *d.Diameter)
	}
	if d.LengthUnit == "" {
		d.LengthUnit = units.CM
	}
	if !units.IsValidLength(d.LengthUnit) {
		return fmt.Errorf("invalid length_unit %q (valid: %s)", d.LengthUnit, units.GetValidLengthUnitsString())
	}
	return nil
}

const deviceColumns = `device_id, capacity_m3, diameter, rim_height, length_unit,
	plant_type, province, site_code, silo_no, created_unix_nanos`

// UpsertDevice inserts or replaces a device registry entry. Provisioning only;
// the ingestion path never writes devices.
func (db *DB) UpsertDevice(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.CreatedUnix == 0 {
		d.CreatedUnix = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO devices (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				capacity_m3 = excluded.capacity_m3,
				diameter = excluded.diameter,
				rim_height = excluded.rim_height,
				length_unit = excluded.length_unit,
				plant_type = excluded.plant_type,
				province = excluded.province,
				site_code = excluded.site_code,
				silo_no = excluded.silo_no`,
			d.DeviceID, d.CapacityM3, nullFloat(d.Diameter), nullFloat(d.RimHeight), d.LengthUnit,
			d.PlantType, d.Province, d.SiteCode, d.SiloNo, d.CreatedUnix,
		)
		if err != nil {
			return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
		}
		return nil
	})
}

// GetDevice looks up a device. Returns an error wrapping ErrNotFound for
// unknown ids.
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", deviceID, err)
	}
	return d, nil
}

// ListDevices returns all devices ordered by id.
func (db *DB) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var diameter, rimHeight sql.NullFloat64
	err := s.Scan(&d.DeviceID, &d.CapacityM3, &diameter, &rimHeight, &d.LengthUnit,
		&d.PlantType, &d.Province, &d.SiteCode, &d.SiloNo, &d.CreatedUnix)
	if err != nil {
		return nil, err
	}
	if diameter.Valid {
		d.Diameter = &diameter.Float64
	}
	if rimHeight.Valid {
		d.RimHeight = &rimHeight.Float64
	}
	return &d, nil
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
