// Package sender splits a point-cloud file into fragments and uploads them
// with the ingestion headers, retrying transient failures.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/siloscan/siloscan/internal/httputil"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/timeutil"
	"github.com/siloscan/siloscan/internal/units"
	"github.com/siloscan/siloscan/internal/xyz"
)

// ErrEmptyScan is returned for a payload without any point lines.
var ErrEmptyScan = errors.New("scan has no points")

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Msg)
}

// Temporary reports whether the upload may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable || e.Code >= 500
}

// Options configures a Sender.
type Options struct {
	ServerURL     string
	DeviceID      string
	LinesPerChunk int
	Timezone      string
	MaxRetries    int
	RetryDelay    time.Duration // doubled after each failed attempt
	Client        httputil.HTTPClient
	Clock         timeutil.Clock
}

// Sender uploads scans for one device.
type Sender struct {
	opts Options
}

// New validates opts and fills defaults.
func New(opts Options) (*Sender, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if opts.LinesPerChunk <= 0 {
		opts.LinesPerChunk = 1000
	}
	if opts.Timezone == "" {
		opts.Timezone = units.DefaultBatchTimezone
	}
	if !units.IsTimezoneValid(opts.Timezone) {
		return nil, fmt.Errorf("invalid timezone %q", opts.Timezone)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Client == nil {
		opts.Client = httputil.NewStandardClient(30 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Sender{opts: opts}, nil
}

// NewBatchID names the batch by device and local minute. Scans started in
// different minutes get distinct batches; a rescan within the same minute
// needs an explicit batch id.
func NewBatchID(deviceID string, t time.Time, tz string) (string, error) {
	local, err := units.ConvertTime(t, tz)
	if err != nil {
		return "", err
	}
	return deviceID + "_" + local.Format("20060102_1504"), nil
}

// SplitChunks groups the non-blank lines of payload into chunks of at most
// linesPerChunk lines, each newline terminated.
func SplitChunks(payload string, linesPerChunk int) []string {
	if linesPerChunk <= 0 {
		linesPerChunk = 1
	}
	var chunks []string
	var b strings.Builder
	n := 0
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		n++
		if n == linesPerChunk {
			chunks = append(chunks, b.String())
			b.Reset()
			n = 0
		}
	}
	if n > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// Reply is the server's answer to one fragment.
type Reply struct {
	Status    string `json:"status"`
	Msg       string `json:"msg"`
	Duplicate bool   `json:"duplicate"`
	Received  int    `json:"received"`
	Expected  int    `json:"expected"`
	Merged    bool   `json:"merged"`
}

// Report summarises an upload.
type Report struct {
	BatchID string `json:"batch_id"`
	Chunks  int    `json:"chunks"`
	Points  int    `json:"points"`
	Retries int    `json:"retries"`
	Merged  bool   `json:"merged"`
}

// Send uploads payload as batchID, or as a fresh per-minute batch when batchID
// is empty. Fragments go out in order; the first fragment that still fails
// after MaxRetries aborts the upload. Resending the same batch later is safe
// because the server ignores fragments it already has.
func (s *Sender) Send(ctx context.Context, batchID, payload string) (*Report, error) {
	if _, err := xyz.Validate(payload); err != nil {
		if xyz.CountPoints(payload) == 0 {
			return nil, ErrEmptyScan
		}
		return nil, fmt.Errorf("invalid scan: %w", err)
	}
	if batchID == "" {
		id, err := NewBatchID(s.opts.DeviceID, s.opts.Clock.Now(), s.opts.Timezone)
		if err != nil {
			return nil, err
		}
		batchID = id
	}

	chunks := SplitChunks(payload, s.opts.LinesPerChunk)
	rep := &Report{BatchID: batchID, Chunks: len(chunks)}
	for i, chunk := range chunks {
		reply, retries, err := s.sendChunk(ctx, batchID, i+1, len(chunks), chunk)
		rep.Retries += retries
		if err != nil {
			return rep, fmt.Errorf("fragment %d/%d: %w", i+1, len(chunks), err)
		}
		rep.Points += strings.Count(chunk, "\n")
		if reply.Merged {
			rep.Merged = true
		}
		monitoring.Logf("[sender] %s %d/%d: %s", batchID, i+1, len(chunks), reply.Msg)
	}
	return rep, nil
}

func (s *Sender) sendChunk(ctx context.Context, batchID string, index, total int, chunk string) (*Reply, int, error) {
	delay := s.opts.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			monitoring.Logf("[sender] %s %d/%d: retry %d/%d in %s: %v",
				batchID, index, total, attempt, s.opts.MaxRetries, delay, lastErr)
			s.opts.Clock.Sleep(delay)
			delay *= 2
		}
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		reply, err := s.post(ctx, batchID, index, total, chunk)
		if err == nil {
			return reply, attempt, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, attempt, err
		}
		lastErr = err
	}
	return nil, s.opts.MaxRetries, fmt.Errorf("giving up after %d attempts: %w", s.opts.MaxRetries+1, lastErr)
}

func (s *Sender) post(ctx context.Context, batchID string, index, total int, chunk string) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.ServerURL, strings.NewReader(chunk))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("X-Device-ID", s.opts.DeviceID)
	req.Header.Set("X-Batch-ID", batchID)
	req.Header.Set("X-Total-Chunks", strconv.Itoa(total))
	req.Header.Set("X-Chunk-ID", strconv.Itoa(index))

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	var reply Reply
	decodeErr := json.Unmarshal(body, &reply)
	if resp.StatusCode != http.StatusOK {
		msg := reply.Msg
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &StatusError{Code: resp.StatusCode, Msg: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode reply: %w", decodeErr)
	}
	return &reply, nil
}
