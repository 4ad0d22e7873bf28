package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// Volume estimation methods.
const (
	MethodMesh = "mesh"
	MethodHull = "hull"
)

// VolumeSample is one reconstruction result. Timestamp is the scan time so the
// series lines up with when the silo was measured, not when it was processed.
type VolumeSample struct {
	ID               int64   `json:"id"`
	DeviceID         string  `json:"device_id"`
	BatchID          string  `json:"batch_id"`
	ScanUnixNanos    int64   `json:"scan_unix_nanos"`
	VolumeM3         float64 `json:"volume_m3"`
	VolumePercentage float64 `json:"volume_percentage"`
	AirVolumeM3      float64 `json:"air_volume_m3"`
	CylinderM3       float64 `json:"cylinder_m3"`
	Method           string  `json:"method"`
	UnitCorrected    bool    `json:"unit_corrected"`
	CreatedUnix      int64   `json:"created_unix_nanos"`
}

// Validate rejects samples that would break the stored series.
func (v *VolumeSample) Validate() error {
	if v.DeviceID == "" || v.BatchID == "" {
		return fmt.Errorf("volume sample needs device_id and batch_id")
	}
	for name, f := range map[string]float64{
		"volume_m3":         v.VolumeM3,
		"volume_percentage": v.VolumePercentage,
		"air_volume_m3":     v.AirVolumeM3,
		"cylinder_m3":       v.CylinderM3,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s is not finite", name)
		}
	}
	if v.VolumeM3 < 0 {
		return fmt.Errorf("volume_m3 must be non-negative, got %f", v.VolumeM3)
	}
	if v.VolumePercentage < 0 || v.VolumePercentage > 100 {
		return fmt.Errorf("volume_percentage must be within [0,100], got %f", v.VolumePercentage)
	}
	if v.Method != MethodMesh && v.Method != MethodHull {
		return fmt.Errorf("unknown method %q", v.Method)
	}
	return nil
}

func insertVolumeSample(ctx context.Context, tx *sql.Tx, v *VolumeSample) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO volume_samples (
			device_id, batch_id, scan_unix_nanos, volume_m3, volume_percentage,
			air_volume_m3, cylinder_m3, method, unit_corrected, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.DeviceID, v.BatchID, v.ScanUnixNanos, v.VolumeM3, v.VolumePercentage,
		v.AirVolumeM3, v.CylinderM3, v.Method, v.UnitCorrected, v.CreatedUnix,
	)
	if err != nil {
		return fmt.Errorf("insert volume sample for %s: %w", v.BatchID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		v.ID = id
	}
	return nil
}

const volumeColumns = `id, device_id, batch_id, scan_unix_nanos, volume_m3, volume_percentage,
	air_volume_m3, cylinder_m3, method, unit_corrected, created_unix_nanos`

// ListVolumeSamples returns the most recent limit samples for a device in
// ascending scan order. limit <= 0 returns all of them.
func (db *DB) ListVolumeSamples(ctx context.Context, deviceID string, limit int) ([]*VolumeSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+volumeColumns+` FROM volume_samples
			WHERE device_id = ?
			ORDER BY scan_unix_nanos DESC, id DESC
			LIMIT ?
		) ORDER BY scan_unix_nanos ASC, id ASC`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query volume samples: %w", err)
	}
	defer rows.Close()

	var out []*VolumeSample
	for rows.Next() {
		v, err := scanVolumeSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan volume sample: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestVolume returns the newest sample for a device.
func (db *DB) LatestVolume(ctx context.Context, deviceID string) (*VolumeSample, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+volumeColumns+` FROM volume_samples
		WHERE device_id = ?
		ORDER BY scan_unix_nanos DESC, id DESC
		LIMIT 1`, deviceID)
	v, err := scanVolumeSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("volume for %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest volume: %w", err)
	}
	return v, nil
}

func scanVolumeSample(s rowScanner) (*VolumeSample, error) {
	var v VolumeSample
	err := s.Scan(&v.ID, &v.DeviceID, &v.BatchID, &v.ScanUnixNanos, &v.VolumeM3, &v.VolumePercentage,
		&v.AirVolumeM3, &v.CylinderM3, &v.Method, &v.UnitCorrected, &v.CreatedUnix)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
