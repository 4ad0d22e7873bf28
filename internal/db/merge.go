package db

import (
	"context"
	"fmt"
	"time"

	"github.com/siloscan/siloscan/internal/xyz"
)

// MergeResult describes one evaluation of a batch.
type MergeResult struct {
	BatchID  string `json:"batch_id"`
	Received int    `json:"received"`
	Expected int    `json:"expected"`
	// Merged is true only for the evaluation that created the merged scan.
	Merged bool `json:"merged"`
	// AlreadyMerged is true when another evaluation created it first.
	AlreadyMerged bool `json:"already_merged"`
	TotalPoints   int  `json:"total_points,omitempty"`
}

// Complete reports whether every declared fragment is present.
func (r *MergeResult) Complete() bool {
	return r.Expected > 0 && r.Received >= r.Expected
}

// TryMergeBatch evaluates batchID and, when every declared fragment is
// present, concatenates the payloads in index order into a merged scan. The
// check and the insert share one IMMEDIATE transaction and the insert is
// additionally guarded by UNIQUE(batch_id), so any number of concurrent
// evaluations create at most one merged scan.
func (db *DB) TryMergeBatch(ctx context.Context, batchID string) (*MergeResult, error) {
	var res *MergeResult
	err := retryOnBusy(func() error {
		var txErr error
		res, txErr = db.tryMergeTx(ctx, batchID)
		return txErr
	})
	return res, err
}

func (db *DB) tryMergeTx(ctx context.Context, batchID string) (*MergeResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	res := &MergeResult{BatchID: batchID}
	var minTotal, maxTotal int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT chunk_index), COALESCE(MIN(total_chunks), 0), COALESCE(MAX(total_chunks), 0)
		FROM fragments WHERE batch_id = ?`, batchID,
	).Scan(&res.Received, &minTotal, &maxTotal)
	if err != nil {
		return nil, fmt.Errorf("count fragments for %s: %w", batchID, err)
	}
	if res.Received == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if minTotal != maxTotal {
		return nil, fmt.Errorf("batch %s: %w: totals %d..%d", batchID, ErrChunkCountMismatch, minTotal, maxTotal)
	}
	res.Expected = minTotal

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM merged_scans WHERE batch_id = ?`, batchID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check merged scan %s: %w", batchID, err)
	}
	if exists > 0 {
		res.AlreadyMerged = true
		return res, nil
	}
	if !res.Complete() {
		return res, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT device_id, payload, received_unix_nanos
		FROM fragments WHERE batch_id = ? ORDER BY chunk_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load fragments for %s: %w", batchID, err)
	}
	var (
		deviceID string
		parts    []string
		earliest int64
	)
	for rows.Next() {
		var dev, payload string
		var received int64
		if err := rows.Scan(&dev, &payload, &received); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		if deviceID == "" {
			deviceID = dev
		}
		if earliest == 0 || received < earliest {
			earliest = received
		}
		parts = append(parts, payload)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merged := xyz.Join(parts)
	res.TotalPoints = xyz.CountPoints(merged)

	ins, err := tx.ExecContext(ctx, `
		INSERT INTO merged_scans (batch_id, device_id, total_points, merged_points, processed, scan_unix_nanos, created_unix_nanos)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING`,
		batchID, deviceID, res.TotalPoints, merged, earliest, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert merged scan %s: %w", batchID, err)
	}
	n, err := ins.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		res.AlreadyMerged = true
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.Merged = true
	return res, nil
}
