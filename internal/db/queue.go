package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrClaimLost is returned when a worker tries to finish or release a scan
// it no longer holds.
var ErrClaimLost = errors.New("scan claim lost")

// MergedScan is a complete batch waiting for, or done with, reconstruction.
type MergedScan struct {
	ID            int64  `json:"id"`
	BatchID       string `json:"batch_id"`
	DeviceID      string `json:"device_id"`
	TotalPoints   int    `json:"total_points"`
	MergedPoints  string `json:"-"`
	Processed     bool   `json:"processed"`
	ScanUnixNanos int64  `json:"scan_unix_nanos"`
	Attempts      int    `json:"attempts"`
	ClaimedBy     string `json:"claimed_by,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// ClaimRequest parameterises ClaimNextScan.
type ClaimRequest struct {
	WorkerID string
	Now      time.Time
	// Claims older than LeaseTimeout are considered abandoned.
	LeaseTimeout time.Duration
	// Scans that have been claimed MaxAttempts times are parked.
	MaxAttempts int
}

// ClaimNextScan atomically claims the oldest claimable unprocessed scan. It
// returns (nil, nil) when nothing is claimable. The select and the update are
// one statement whose WHERE clause re-checks the claim guard, so two workers
// can never both receive the same row.
func (db *DB) ClaimNextScan(ctx context.Context, req ClaimRequest) (*MergedScan, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if req.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	now := req.Now.UnixNano()
	leaseCutoff := req.Now.Add(-req.LeaseTimeout).UnixNano()

	var scan *MergedScan
	err := retryOnBusy(func() error {
		row := db.QueryRowContext(ctx, `
			UPDATE merged_scans
			SET claimed_by = ?, claimed_unix_nanos = ?, attempts = attempts + 1
			WHERE id = (
				SELECT id FROM merged_scans
				WHERE processed = 0
				  AND attempts < ?
				  AND next_attempt_unix_nanos <= ?
				  AND (claimed_by IS NULL OR claimed_unix_nanos <= ?)
				ORDER BY scan_unix_nanos ASC, id ASC
				LIMIT 1
			)
			AND processed = 0
			AND (claimed_by IS NULL OR claimed_unix_nanos <= ?)
			RETURNING id, batch_id, device_id, total_points, merged_points, scan_unix_nanos, attempts, claimed_by`,
			req.WorkerID, now, req.MaxAttempts, now, leaseCutoff, leaseCutoff,
		)
		var s MergedScan
		err := row.Scan(&s.ID, &s.BatchID, &s.DeviceID, &s.TotalPoints, &s.MergedPoints, &s.ScanUnixNanos, &s.Attempts, &s.ClaimedBy)
		if errors.Is(err, sql.ErrNoRows) {
			scan = nil
			return nil
		}
		if err != nil {
			return err
		}
		scan = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim scan: %w", err)
	}
	return scan, nil
}

// CompleteScan marks the scan processed and records its volume sample in one
// transaction. If the worker no longer holds the claim nothing is written and
// ErrClaimLost is returned.
func (db *DB) CompleteScan(ctx context.Context, scanID int64, workerID string, sample *VolumeSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	if sample.CreatedUnix == 0 {
		sample.CreatedUnix = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		res, err := tx.ExecContext(ctx, `
			UPDATE merged_scans
			SET processed = 1, processed_unix_nanos = ?, last_error = NULL
			WHERE id = ? AND processed = 0 AND claimed_by = ?`,
			sample.CreatedUnix, scanID, workerID,
		)
		if err != nil {
			return fmt.Errorf("mark scan %d processed: %w", scanID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("scan %d: %w", scanID, ErrClaimLost)
		}

		if err := insertVolumeSample(ctx, tx, sample); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ReleaseScan gives up a claim after a failed attempt. The scan stays
// unprocessed and becomes claimable again at retryAt.
func (db *DB) ReleaseScan(ctx context.Context, scanID int64, workerID, reason string, retryAt time.Time) error {
	return retryOnBusy(func() error {
		res, err := db.ExecContext(ctx, `
			UPDATE merged_scans
			SET claimed_by = NULL, claimed_unix_nanos = NULL, last_error = ?, next_attempt_unix_nanos = ?
			WHERE id = ? AND processed = 0 AND claimed_by = ?`,
			reason, retryAt.UnixNano(), scanID, workerID,
		)
		if err != nil {
			return fmt.Errorf("release scan %d: %w", scanID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("scan %d: %w", scanID, ErrClaimLost)
		}
		return nil
	})
}

// RequeueScan resets the attempt counter of a parked scan so workers pick it
// up again.
func (db *DB) RequeueScan(ctx context.Context, batchID string) error {
	return retryOnBusy(func() error {
		res, err := db.ExecContext(ctx, `
			UPDATE merged_scans
			SET attempts = 0, next_attempt_unix_nanos = 0, claimed_by = NULL, claimed_unix_nanos = NULL
			WHERE batch_id = ? AND processed = 0`, batchID)
		if err != nil {
			return fmt.Errorf("requeue %s: %w", batchID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("unprocessed scan %s: %w", batchID, ErrNotFound)
		}
		return nil
	})
}

// GetMergedScan loads a merged scan by batch id, without its points.
func (db *DB) GetMergedScan(ctx context.Context, batchID string) (*MergedScan, error) {
	var s MergedScan
	var processed int
	var claimedBy, lastErr sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT id, batch_id, device_id, total_points, processed, scan_unix_nanos, attempts, claimed_by, last_error
		FROM merged_scans WHERE batch_id = ?`, batchID,
	).Scan(&s.ID, &s.BatchID, &s.DeviceID, &s.TotalPoints, &processed, &s.ScanUnixNanos, &s.Attempts, &claimedBy, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merged scan %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query merged scan %s: %w", batchID, err)
	}
	s.Processed = processed == 1
	s.ClaimedBy = claimedBy.String
	s.LastError = lastErr.String
	return &s, nil
}

// QueueStats is a snapshot of the reconstruction queue.
type QueueStats struct {
	Pending            int   `json:"pending"`
	Claimed            int   `json:"claimed"`
	Parked             int   `json:"parked"`
	Processed          int   `json:"processed"`
	OldestPendingNanos int64 `json:"oldest_pending_unix_nanos,omitempty"`
}

// GetQueueStats counts scans by queue state. Parked scans have used up
// maxAttempts and are no longer claimed.
func (db *DB) GetQueueStats(ctx context.Context, now time.Time, leaseTimeout time.Duration, maxAttempts int) (*QueueStats, error) {
	leaseCutoff := now.Add(-leaseTimeout).UnixNano()
	var st QueueStats
	var oldest sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processed = 0 AND attempts < ?1 AND (claimed_by IS NULL OR claimed_unix_nanos <= ?2) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND claimed_by IS NOT NULL AND claimed_unix_nanos > ?2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND attempts >= ?1 AND (claimed_by IS NULL OR claimed_unix_nanos <= ?2) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 1 THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN processed = 0 AND attempts < ?1 THEN scan_unix_nanos END)
		FROM merged_scans`, maxAttempts, leaseCutoff,
	).Scan(&st.Pending, &st.Claimed, &st.Parked, &st.Processed, &oldest)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	st.OldestPendingNanos = oldest.Int64
	return &st, nil
}

// BatchStatus is the ingestion and processing progress of one batch.
type BatchStatus struct {
	BatchID  string      `json:"batch_id"`
	DeviceID string      `json:"device_id"`
	Received int         `json:"received"`
	Expected int         `json:"expected"`
	Missing  []int       `json:"missing,omitempty"`
	Merged   bool        `json:"merged"`
	Scan     *MergedScan `json:"scan,omitempty"`
}

// GetBatchStatus reports which fragments of a batch have arrived and where
// the merged scan is in the queue.
func (db *DB) GetBatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	frags, err := db.ListFragments(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	st := &BatchStatus{
		BatchID:  batchID,
		DeviceID: frags[0].DeviceID,
		Received: len(frags),
		Expected: frags[0].TotalChunks,
	}
	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		seen[f.ChunkIndex] = true
	}
	for i := 1; i <= st.Expected; i++ {
		if !seen[i] {
			st.Missing = append(st.Missing, i)
		}
	}

	scan, err := db.GetMergedScan(ctx, batchID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		st.Merged = true
		st.Scan = scan
	}
	return st, nil
}
