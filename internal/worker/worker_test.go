package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siloscan/siloscan/internal/config"
	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/fsutil"
	"github.com/siloscan/siloscan/internal/testutil"
	"github.com/siloscan/siloscan/internal/timeutil"
)

var scanTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "worker_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	diameter, rim := 70.0, 75.0
	require.NoError(t, store.UpsertDevice(context.Background(), &db.Device{
		DeviceID:   "silo-1",
		CapacityM3: 0.288583,
		Diameter:   &diameter,
		RimHeight:  &rim,
		LengthUnit: "cm",
	}))
	return store
}

// enqueue splits payload into n fragments and merges them into one scan.
func enqueue(t *testing.T, store *db.DB, batchID, payload string, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	lines := strings.SplitAfter(strings.TrimRight(payload, "\n")+"\n", "\n")
	lines = lines[:len(lines)-1]
	per := (len(lines) + n - 1) / n
	for i := 0; i < n; i++ {
		end := (i + 1) * per
		if end > len(lines) {
			end = len(lines)
		}
		chunk := strings.Join(lines[i*per:end], "")
		_, err := store.InsertFragment(ctx, &db.Fragment{
			BatchID:      batchID,
			DeviceID:     "silo-1",
			ChunkIndex:   i + 1,
			TotalChunks:  n,
			Payload:      chunk,
			PointCount:   strings.Count(chunk, "\n"),
			ReceivedUnix: at.UnixNano(),
		})
		require.NoError(t, err)
	}
	res, err := store.TryMergeBatch(ctx, batchID)
	require.NoError(t, err)
	require.True(t, res.Merged)
}

// newTestWorker takes its pipeline parameters and retry backoff from the
// shipped defaults file, so the worker tests exercise what production runs.
func newTestWorker(store JobStore, clock timeutil.Clock, maxAttempts int) *Worker {
	cfg := config.MustLoadDefaultConfig()
	return New(store, Options{
		ID:           "w1",
		PollInterval: 10 * time.Millisecond,
		LeaseTimeout: time.Minute,
		RetryBackoff: time.Duration(cfg.RetryBackoff),
		MaxAttempts:  maxAttempts,
		Params:       cfg.Reconstruction.Params(),
		Clock:        clock,
	})
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	store := setupStore(t)
	w := newTestWorker(store, timeutil.NewMockClock(scanTime), 3)

	claimed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestProcessOne_RecordsVolume(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	enqueue(t, store, "silo-1_20250301_08", testutil.SiloXYZ(testutil.DefaultSilo()), 3, scanTime)

	clock := timeutil.NewMockClock(scanTime.Add(time.Minute))
	w := newTestWorker(store, clock, 3)
	claimed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	v, err := store.LatestVolume(ctx, "silo-1")
	require.NoError(t, err)
	assert.Equal(t, "silo-1_20250301_08", v.BatchID)
	assert.Equal(t, scanTime.UnixNano(), v.ScanUnixNanos)
	assert.InDelta(t, 40, v.VolumePercentage, 2)
	assert.Equal(t, db.MethodMesh, v.Method)
	assert.False(t, v.UnitCorrected)

	scan, err := store.GetMergedScan(ctx, "silo-1_20250301_08")
	require.NoError(t, err)
	assert.True(t, scan.Processed)
	assert.Equal(t, 1, scan.Attempts)

	// Processed scans are never claimed again.
	claimed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestProcessOne_FailureBacksOffThenParks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	enqueue(t, store, "tiny", "1 2 3\n4 5 6\n7 8 9\n", 1, scanTime)

	clock := timeutil.NewMockClock(scanTime)
	w := newTestWorker(store, clock, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d", attempt)

		scan, err := store.GetMergedScan(ctx, "tiny")
		require.NoError(t, err)
		assert.False(t, scan.Processed)
		assert.Equal(t, attempt, scan.Attempts)
		assert.Empty(t, scan.ClaimedBy)
		assert.Contains(t, scan.LastError, "insufficient")

		// Not claimable until the backoff elapses.
		claimed, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.False(t, claimed)
		clock.Advance(31 * time.Second)
	}

	claimed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, claimed, "scan should be parked")

	st, err := store.GetQueueStats(ctx, clock.Now(), time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Parked)
	assert.Equal(t, 0, st.Pending)

	_, err = store.LatestVolume(ctx, "silo-1")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// An operator requeue makes it claimable again.
	require.NoError(t, store.RequeueScan(ctx, "tiny"))
	claimed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProcessOne_ReclaimsExpiredLease(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	enqueue(t, store, "b1", testutil.SiloXYZ(testutil.DefaultSilo()), 2, scanTime)

	clock := timeutil.NewMockClock(scanTime)

	// A worker claims and then dies without completing.
	crashed, err := store.ClaimNextScan(ctx, db.ClaimRequest{
		WorkerID: "crashed", Now: clock.Now(), LeaseTimeout: time.Minute, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, crashed)

	w := newTestWorker(store, clock, 3)
	claimed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, claimed, "lease still held")

	clock.Advance(time.Minute + time.Second)
	claimed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	first, err := store.LatestVolume(ctx, "silo-1")
	require.NoError(t, err)

	// The crashed worker coming back cannot record a second result.
	err = store.CompleteScan(ctx, crashed.ID, "crashed", &db.VolumeSample{
		DeviceID: "silo-1", BatchID: "b1", Method: db.MethodMesh,
	})
	assert.ErrorIs(t, err, db.ErrClaimLost)

	samples, err := store.ListVolumeSamples(ctx, "silo-1", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, first.VolumePercentage, samples[0].VolumePercentage)

	scan, err := store.GetMergedScan(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, scan.Attempts)
}

func TestProcessOne_SameResultOnRetry(t *testing.T) {
	payload := testutil.SiloXYZ(testutil.DefaultSilo())

	run := func() float64 {
		store := setupStore(t)
		enqueue(t, store, "b1", payload, 4, scanTime)
		w := newTestWorker(store, timeutil.NewMockClock(scanTime), 3)
		claimed, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
		require.True(t, claimed)
		v, err := store.LatestVolume(context.Background(), "silo-1")
		require.NoError(t, err)
		return v.VolumePercentage
	}
	assert.Equal(t, run(), run())
}

type lostClaimStore struct {
	*db.DB
	completes int
}

func (s *lostClaimStore) CompleteScan(ctx context.Context, scanID int64, workerID string, sample *db.VolumeSample) error {
	s.completes++
	return db.ErrClaimLost
}

func TestProcessOne_ClaimLostIsNotAnError(t *testing.T) {
	store := setupStore(t)
	enqueue(t, store, "b1", testutil.SiloXYZ(testutil.DefaultSilo()), 1, scanTime)

	lost := &lostClaimStore{DB: store}
	w := newTestWorker(lost, timeutil.NewMockClock(scanTime), 3)
	claimed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, lost.completes)

	_, err = store.LatestVolume(context.Background(), "silo-1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

type failingClaimStore struct {
	JobStore
}

func (failingClaimStore) ClaimNextScan(context.Context, db.ClaimRequest) (*db.MergedScan, error) {
	return nil, db.ErrBusy
}

func TestProcessOne_ClaimError(t *testing.T) {
	w := newTestWorker(failingClaimStore{}, timeutil.NewMockClock(scanTime), 3)
	claimed, err := w.ProcessOne(context.Background())
	assert.False(t, claimed)
	assert.True(t, errors.Is(err, db.ErrBusy))
}

func TestProcessOne_WritesDiagnostics(t *testing.T) {
	store := setupStore(t)
	enqueue(t, store, "silo-1_20250301_08", testutil.SiloXYZ(testutil.DefaultSilo()), 1, scanTime)

	dir := t.TempDir()
	w := New(store, Options{ID: "w1", DiagnosticsDir: dir, Clock: timeutil.NewMockClock(scanTime)})
	claimed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	info, err := os.Stat(filepath.Join(dir, "silo-1_silo-1_20250301_08.png"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestProcessOne_DiagnosticsFileSystem(t *testing.T) {
	store := setupStore(t)
	enqueue(t, store, "silo-1/../../etc", testutil.SiloXYZ(testutil.DefaultSilo()), 1, scanTime)

	dir := t.TempDir()
	mfs := fsutil.NewMemoryFileSystem()
	w := New(store, Options{ID: "w1", DiagnosticsDir: dir, FS: mfs, Clock: timeutil.NewMockClock(scanTime)})
	claimed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, []string{filepath.Join(dir, "silo-1_silo-1_.._.._etc.png")}, mfs.Files())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing written to disk")
}

func TestRun_DrainsUntilStopped(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	o := testutil.DefaultSilo()
	o.SurfaceZ = 50
	enqueue(t, store, "a", testutil.SiloXYZ(testutil.DefaultSilo()), 2, scanTime)
	enqueue(t, store, "b", testutil.SiloXYZ(o), 2, scanTime.Add(time.Hour))

	w := New(store, Options{ID: "runner", PollInterval: 5 * time.Millisecond})
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		samples, err := store.ListVolumeSamples(ctx, "silo-1", 10)
		return err == nil && len(samples) == 2
	}, 30*time.Second, 20*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.Error(t, w.Run(ctx), "a stopped worker cannot run again")

	latest, err := store.LatestVolume(ctx, "silo-1")
	require.NoError(t, err)
	assert.Equal(t, "b", latest.BatchID)
	assert.Greater(t, latest.VolumePercentage, 60.0)
}

// slowClaimStore reports an empty queue after a short delay and tracks how
// many claims are in flight.
type slowClaimStore struct {
	JobStore
	inFlight *atomic.Int32
}

func (s slowClaimStore) ClaimNextScan(context.Context, db.ClaimRequest) (*db.MergedScan, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	time.Sleep(2 * time.Millisecond)
	return nil, nil
}

func TestStart_StopImmediatelyWaitsForLoop(t *testing.T) {
	for i := 0; i < 50; i++ {
		var inFlight atomic.Int32
		w := newTestWorker(slowClaimStore{inFlight: &inFlight}, timeutil.RealClock{}, 3)
		w.Start(context.Background())
		w.Stop()

		select {
		case <-w.done:
		default:
			t.Fatalf("iteration %d: Stop returned before the loop exited", i)
		}
		require.Zero(t, inFlight.Load(), "iteration %d: claim still running after Stop", i)
	}
}

func TestStart_Twice(t *testing.T) {
	var inFlight atomic.Int32
	w := newTestWorker(slowClaimStore{inFlight: &inFlight}, timeutil.RealClock{}, 3)
	w.Start(context.Background())
	w.Start(context.Background())
	assert.Error(t, w.Run(context.Background()))
	w.Stop()
}

func TestRun_ContextCancel(t *testing.T) {
	w := newTestWorker(failingClaimStore{}, timeutil.RealClock{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(nil, Options{})
	assert.True(t, strings.HasPrefix(w.ID(), "worker-"))
	assert.Equal(t, 5, w.opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, w.opts.PollInterval)
	w.Stop()
}

func TestRun_PollsOnMockClock(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(scanTime)
	w := newTestWorker(store, clock, 3)
	w.Start(ctx)
	defer w.Stop()

	// Idle: parked on the poll timer.
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 5*time.Second, time.Millisecond)

	enqueue(t, store, "late", testutil.SiloXYZ(testutil.DefaultSilo()), 1, scanTime)
	_, err := store.LatestVolume(ctx, "silo-1")
	require.ErrorIs(t, err, db.ErrNotFound, "nothing runs before the poll interval elapses")

	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := store.LatestVolume(ctx, "silo-1")
		return err == nil
	}, 30*time.Second, 10*time.Millisecond)
}
