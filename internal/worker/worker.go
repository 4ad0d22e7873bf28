// Package worker drains the merged-scan queue: claim, reconstruct, record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/fsutil"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/reconstruct"
	"github.com/siloscan/siloscan/internal/security"
	"github.com/siloscan/siloscan/internal/timeutil"
	"github.com/siloscan/siloscan/internal/xyz"
)

// JobStore is the queue and registry the worker needs.
type JobStore interface {
	ClaimNextScan(ctx context.Context, req db.ClaimRequest) (*db.MergedScan, error)
	CompleteScan(ctx context.Context, scanID int64, workerID string, sample *db.VolumeSample) error
	ReleaseScan(ctx context.Context, scanID int64, workerID, reason string, retryAt time.Time) error
	GetDevice(ctx context.Context, deviceID string) (*db.Device, error)
}

// Options tunes a Worker. Zero values fall back to the defaults below.
type Options struct {
	ID           string
	PollInterval time.Duration
	LeaseTimeout time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
	Params       reconstruct.Params
	// DiagnosticsDir receives a PNG per processed batch when set.
	DiagnosticsDir string
	FS             fsutil.FileSystem
	Clock          timeutil.Clock
}

// Worker reconstructs one claimed scan at a time.
type Worker struct {
	store JobStore
	opts  Options

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a Worker with a fresh uuid unless opts.ID is set.
func New(store JobStore, opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Params == (reconstruct.Params{}) {
		opts.Params = reconstruct.DefaultParams()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	return &Worker{
		store: store,
		opts:  opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID identifies this worker in claims.
func (w *Worker) ID() string { return w.opts.ID }

// ProcessOne claims and handles at most one scan. It reports whether a scan
// was claimed. A reconstruction failure releases the scan for a later
// attempt and is not returned as an error; errors are queue or storage
// failures only.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	scan, err := w.store.ClaimNextScan(ctx, db.ClaimRequest{
		WorkerID:     w.opts.ID,
		Now:          w.opts.Clock.Now(),
		LeaseTimeout: w.opts.LeaseTimeout,
		MaxAttempts:  w.opts.MaxAttempts,
	})
	if err != nil {
		return false, err
	}
	if scan == nil {
		return false, nil
	}

	start := w.opts.Clock.Now()
	sample, res, err := w.reconstruct(ctx, scan)
	if err != nil {
		return true, w.release(ctx, scan, err)
	}

	if err := w.store.CompleteScan(ctx, scan.ID, w.opts.ID, sample); err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			monitoring.Logf("[worker] %s: claim on %s lost, result discarded", w.opts.ID, scan.BatchID)
			return true, nil
		}
		return true, fmt.Errorf("complete %s: %w", scan.BatchID, err)
	}

	monitoring.Logf("[worker] %s: %s %s %.1f%% (%.4f m3, %s, attempt %d) in %s",
		w.opts.ID, scan.DeviceID, scan.BatchID, sample.VolumePercentage, sample.VolumeM3,
		sample.Method, scan.Attempts, w.opts.Clock.Since(start).Round(time.Millisecond))

	if w.opts.DiagnosticsDir != "" {
		if err := w.savePlot(scan, res); err != nil {
			monitoring.Logf("[worker] diagnostics for %s: %v", scan.BatchID, err)
		}
	}
	return true, nil
}

func (w *Worker) reconstruct(ctx context.Context, scan *db.MergedScan) (*db.VolumeSample, *reconstruct.Result, error) {
	dev, err := w.store.GetDevice(ctx, scan.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("device %s: %w", scan.DeviceID, err)
	}
	points, err := xyz.Parse(scan.MergedPoints)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", reconstruct.ErrInvalidInput, err)
	}

	in := reconstruct.Input{
		Points:     points,
		CapacityM3: dev.CapacityM3,
		RimHeight:  dev.RimHeight,
		LengthUnit: dev.LengthUnit,
	}
	if dev.Diameter != nil {
		in.Diameter = *dev.Diameter
	}
	res, err := reconstruct.Reconstruct(in, w.opts.Params)
	if err != nil {
		return nil, nil, err
	}

	return &db.VolumeSample{
		DeviceID:         scan.DeviceID,
		BatchID:          scan.BatchID,
		ScanUnixNanos:    scan.ScanUnixNanos,
		VolumeM3:         res.MaterialVolumeM3,
		VolumePercentage: res.Percentage,
		AirVolumeM3:      res.AirVolumeM3,
		CylinderM3:       res.CylinderM3,
		Method:           res.Method,
		UnitCorrected:    res.UnitCorrected,
		CreatedUnix:      w.opts.Clock.Now().UnixNano(),
	}, res, nil
}

func (w *Worker) release(ctx context.Context, scan *db.MergedScan, cause error) error {
	retryAt := w.opts.Clock.Now().Add(w.opts.RetryBackoff)
	if scan.Attempts >= w.opts.MaxAttempts {
		monitoring.Logf("[worker] %s: %s failed on final attempt %d, parking: %v", w.opts.ID, scan.BatchID, scan.Attempts, cause)
	} else {
		monitoring.Logf("[worker] %s: %s failed (attempt %d/%d), retry after %s: %v",
			w.opts.ID, scan.BatchID, scan.Attempts, w.opts.MaxAttempts, w.opts.RetryBackoff, cause)
	}

	err := w.store.ReleaseScan(ctx, scan.ID, w.opts.ID, cause.Error(), retryAt)
	if errors.Is(err, db.ErrClaimLost) {
		return nil
	}
	return err
}

func (w *Worker) savePlot(scan *db.MergedScan, res *reconstruct.Result) error {
	if err := w.opts.FS.MkdirAll(w.opts.DiagnosticsDir, 0o755); err != nil {
		return err
	}
	path, err := security.JoinWithin(w.opts.DiagnosticsDir, fmt.Sprintf("%s_%s.png", scan.DeviceID, scan.BatchID))
	if err != nil {
		return err
	}
	title := fmt.Sprintf("%s %s  %.1f%%", scan.DeviceID, scan.BatchID, res.Percentage)
	return reconstruct.SavePlot(w.opts.FS, path, title, res)
}

// Run drains the queue until ctx is cancelled or Stop is called. While work
// is available scans are processed back to back; an empty queue or a
// storage error waits PollInterval before the next claim.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker %s already running", w.opts.ID)
	}
	return w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) error {
	defer close(w.done)
	monitoring.Logf("[worker] %s started (poll %s, lease %s, max attempts %d)",
		w.opts.ID, w.opts.PollInterval, w.opts.LeaseTimeout, w.opts.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[worker] %s stopped", w.opts.ID)
			return ctx.Err()
		case <-w.stop:
			monitoring.Logf("[worker] %s stopped", w.opts.ID)
			return nil
		default:
		}

		claimed, err := w.ProcessOne(ctx)
		if err != nil {
			monitoring.Logf("[worker] %s: %v", w.opts.ID, err)
		}
		if claimed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.stop:
		case <-w.opts.Clock.After(w.opts.PollInterval):
		}
	}
}

// Start runs the worker in a goroutine. The worker counts as running when
// Start returns, so a following Stop always waits for it.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		monitoring.Logf("[worker] %s already running", w.opts.ID)
		return
	}
	go func() {
		if err := w.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[worker] %s exited: %v", w.opts.ID, err)
		}
	}()
}

// Stop asks Run to return and waits for it. An in-flight scan finishes
// first. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		<-w.done
	}
}
