package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func floatPtr(f float64) *float64 {
	return &f
}

// setupTestDB creates a migrated database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "siloscan_test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestDevice registers a silo with a 0.288583 m3 capacity.
func createTestDevice(t *testing.T, db *DB, id string) *Device {
	t.Helper()
	d := &Device{
		DeviceID:   id,
		CapacityM3: 0.288583,
		Diameter:   floatPtr(70),
		RimHeight:  floatPtr(75),
		LengthUnit: "cm",
		PlantType:  "feed",
		Province:   "Saraburi",
	}
	if err := db.UpsertDevice(context.Background(), d); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	return d
}

// testPayload returns n distinct point lines tagged by fragment index.
func testPayload(index, n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += fmt.Sprintf("%d.%d 0 %d\n", index, i, i)
	}
	return s
}

func newTestFragment(deviceID, batchID string, index, total, points int) *Fragment {
	return &Fragment{
		BatchID:      batchID,
		DeviceID:     deviceID,
		ChunkIndex:   index,
		TotalChunks:  total,
		Payload:      testPayload(index, points),
		PointCount:   points,
		ReceivedUnix: time.Now().UnixNano(),
	}
}

// mergeTestBatch stores and merges a complete batch.
func mergeTestBatch(t *testing.T, db *DB, deviceID, batchID string, scanTime time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		f := newTestFragment(deviceID, batchID, i, 2, 3)
		f.ReceivedUnix = scanTime.UnixNano() + int64(i)
		if _, err := db.InsertFragment(ctx, f); err != nil {
			t.Fatalf("InsertFragment failed: %v", err)
		}
	}
	res, err := db.TryMergeBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("TryMergeBatch failed: %v", err)
	}
	if !res.Merged {
		t.Fatalf("expected batch %s to merge, got %+v", batchID, res)
	}
}
