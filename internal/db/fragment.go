package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrChunkCountMismatch means a fragment declared a different total than
	// fragments already stored for the same batch.
	ErrChunkCountMismatch = errors.New("fragment count disagrees with batch")
	// ErrBatchDeviceMismatch means a fragment names a different device than
	// the batch it claims to belong to.
	ErrBatchDeviceMismatch = errors.New("batch belongs to another device")
)

// Fragment is one uploaded slice of a scan. ChunkIndex is 1-based.
type Fragment struct {
	ID           int64  `json:"id"`
	BatchID      string `json:"batch_id"`
	DeviceID     string `json:"device_id"`
	ChunkIndex   int    `json:"chunk_index"`
	TotalChunks  int    `json:"total_chunks"`
	Payload      string `json:"-"`
	PointCount   int    `json:"point_count"`
	ReceivedUnix int64  `json:"received_unix_nanos"`
}

// InsertFragment stores f unless (batch, index) already exists. It reports
// whether a row was written; false means an idempotent resubmission and the
// first stored payload is kept.
func (db *DB) InsertFragment(ctx context.Context, f *Fragment) (inserted bool, err error) {
	err = retryOnBusy(func() error {
		var txErr error
		inserted, txErr = db.insertFragmentTx(ctx, f)
		return txErr
	})
	return inserted, err
}

func (db *DB) insertFragmentTx(ctx context.Context, f *Fragment) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	var deviceID string
	var total int
	err = tx.QueryRowContext(ctx,
		`SELECT device_id, total_chunks FROM fragments WHERE batch_id = ? ORDER BY chunk_index LIMIT 1`,
		f.BatchID,
	).Scan(&deviceID, &total)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("query batch %s: %w", f.BatchID, err)
	case deviceID != f.DeviceID:
		return false, fmt.Errorf("batch %s: %w (%s)", f.BatchID, ErrBatchDeviceMismatch, deviceID)
	case total != f.TotalChunks:
		return false, fmt.Errorf("batch %s: %w: stored %d, got %d", f.BatchID, ErrChunkCountMismatch, total, f.TotalChunks)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO fragments (batch_id, device_id, chunk_index, total_chunks, payload, point_count, received_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, chunk_index) DO NOTHING`,
		f.BatchID, f.DeviceID, f.ChunkIndex, f.TotalChunks, f.Payload, f.PointCount, f.ReceivedUnix,
	)
	if err != nil {
		return false, fmt.Errorf("insert fragment %s/%d: %w", f.BatchID, f.ChunkIndex, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if id, err := res.LastInsertId(); err == nil {
			f.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListFragments returns a batch's fragments ordered by index, without payloads.
func (db *DB) ListFragments(ctx context.Context, batchID string) ([]*Fragment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, batch_id, device_id, chunk_index, total_chunks, point_count, received_unix_nanos
		FROM fragments WHERE batch_id = ? ORDER BY chunk_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []*Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.ID, &f.BatchID, &f.DeviceID, &f.ChunkIndex, &f.TotalChunks, &f.PointCount, &f.ReceivedUnix); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
