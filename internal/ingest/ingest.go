// Package ingest validates uploaded scan fragments, stores them idempotently
// and triggers batch assembly.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/timeutil"
	"github.com/siloscan/siloscan/internal/xyz"
)

// ValidationError is a rejected fragment. Nothing was written.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// FragmentRequest carries the raw header values so parsing failures are
// reported the same way whatever the transport.
type FragmentRequest struct {
	DeviceID    string
	BatchID     string
	ChunkIndex  string
	TotalChunks string
	Payload     string
}

// Outcome is what the uploader is told about an accepted fragment.
type Outcome struct {
	BatchID    string `json:"batch_id"`
	ChunkIndex int    `json:"chunk_id"`
	Points     int    `json:"points"`
	Duplicate  bool   `json:"duplicate"`
	Received   int    `json:"received"`
	Expected   int    `json:"expected"`
	// Merged is true when this upload completed the batch.
	Merged bool `json:"merged"`
}

// Store is the persistence the intake needs.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*db.Device, error)
	InsertFragment(ctx context.Context, f *db.Fragment) (bool, error)
	TryMergeBatch(ctx context.Context, batchID string) (*db.MergeResult, error)
}

// Service accepts fragments.
type Service struct {
	store Store
	clock timeutil.Clock
}

// NewService returns a Service backed by store.
func NewService(store Store, clock timeutil.Clock) *Service {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Service{store: store, clock: clock}
}

// Accept validates and stores one fragment, then evaluates its batch. A
// resubmitted (batch, index) pair succeeds without changing anything and
// still triggers the merge check, so a retried final fragment can complete
// a batch whose first evaluation was lost.
func (s *Service) Accept(ctx context.Context, req FragmentRequest) (*Outcome, error) {
	f, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	inserted, err := s.store.InsertFragment(ctx, f)
	switch {
	case errors.Is(err, db.ErrChunkCountMismatch), errors.Is(err, db.ErrBatchDeviceMismatch):
		return nil, &ValidationError{Field: "batch", Msg: err.Error(), Err: err}
	case err != nil:
		return nil, fmt.Errorf("store fragment: %w", err)
	}

	out := &Outcome{
		BatchID:    f.BatchID,
		ChunkIndex: f.ChunkIndex,
		Points:     f.PointCount,
		Duplicate:  !inserted,
	}
	if !inserted {
		monitoring.Logf("[ingest] duplicate fragment %s %d/%d from %s ignored", f.BatchID, f.ChunkIndex, f.TotalChunks, f.DeviceID)
	}

	res, err := s.store.TryMergeBatch(ctx, f.BatchID)
	if err != nil {
		// The fragment is durable; the next upload or a retry re-evaluates.
		return out, fmt.Errorf("evaluate batch %s: %w", f.BatchID, err)
	}
	out.Received = res.Received
	out.Expected = res.Expected
	out.Merged = res.Merged
	if res.Merged {
		monitoring.Logf("[ingest] batch %s complete: %d fragments, %d points", res.BatchID, res.Expected, res.TotalPoints)
	}
	return out, nil
}

func (s *Service) validate(ctx context.Context, req FragmentRequest) (*db.Fragment, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	batchID := strings.TrimSpace(req.BatchID)
	switch {
	case deviceID == "":
		return nil, invalid("X-Device-ID", "missing device id")
	case batchID == "":
		return nil, invalid("X-Batch-ID", "missing batch id")
	case strings.TrimSpace(req.ChunkIndex) == "":
		return nil, invalid("X-Chunk-ID", "missing fragment index")
	case strings.TrimSpace(req.TotalChunks) == "":
		return nil, invalid("X-Total-Chunks", "missing fragment count")
	}

	total, err := positiveInt(req.TotalChunks)
	if err != nil {
		return nil, invalid("X-Total-Chunks", "%v", err)
	}
	index, err := positiveInt(req.ChunkIndex)
	if err != nil {
		return nil, invalid("X-Chunk-ID", "%v", err)
	}
	if index > total {
		return nil, invalid("X-Chunk-ID", "index %d exceeds count %d", index, total)
	}

	points, err := xyz.Validate(req.Payload)
	if err != nil {
		return nil, &ValidationError{Field: "body", Msg: err.Error(), Err: err}
	}

	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &ValidationError{Field: "X-Device-ID", Msg: fmt.Sprintf("unknown device %q", deviceID), Err: err}
		}
		return nil, fmt.Errorf("look up device: %w", err)
	}

	return &db.Fragment{
		BatchID:      batchID,
		DeviceID:     deviceID,
		ChunkIndex:   index,
		TotalChunks:  total,
		Payload:      req.Payload,
		PointCount:   points,
		ReceivedUnix: s.clock.Now().UnixNano(),
	}, nil
}

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1, got %d", n)
	}
	return n, nil
}
