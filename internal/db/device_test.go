package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestUpsertAndGetDevice(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	want := createTestDevice(t, db, "silo-1")

	got, err := db.GetDevice(ctx, "silo-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("device mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces geometry but keeps the original creation time.
	updated := *want
	updated.CapacityM3 = 1.5
	updated.Diameter = nil
	updated.CreatedUnix = 0
	if err := db.UpsertDevice(ctx, &updated); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	got, err = db.GetDevice(ctx, "silo-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.CapacityM3 != 1.5 || got.Diameter != nil {
		t.Errorf("update not applied: %+v", got)
	}
	if got.CreatedUnix != want.CreatedUnix {
		t.Errorf("CreatedUnix changed: %d -> %d", want.CreatedUnix, got.CreatedUnix)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetDevice(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListDevices(t *testing.T) {
	db := setupTestDB(t)
	createTestDevice(t, db, "silo-b")
	createTestDevice(t, db, "silo-a")

	devices, err := db.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	if diff := cmp.Diff([]string{"silo-a", "silo-b"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceValidate(t *testing.T) {
	tests := []struct {
		name    string
		device  Device
		wantErr bool
	}{
		{"valid", Device{DeviceID: "a", CapacityM3: 1, LengthUnit: "mm"}, false},
		{"default unit", Device{DeviceID: "a", CapacityM3: 1}, false},
		{"missing id", Device{CapacityM3: 1}, true},
		{"zero capacity", Device{DeviceID: "a"}, true},
		{"negative diameter", Device{DeviceID: "a", CapacityM3: 1, Diameter: floatPtr(-1)}, true},
		{"bad unit", Device{DeviceID: "a", CapacityM3: 1, LengthUnit: "ft"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.device.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	d := Device{DeviceID: "a", CapacityM3: 1}
	_ = d.Validate()
	if diff := cmp.Diff(Device{DeviceID: "a", CapacityM3: 1, LengthUnit: "cm"}, d, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("default unit not applied (-want +got):\n%s", diff)
	}
}
