package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/httputil"
	"github.com/siloscan/siloscan/internal/ingest"
	"github.com/siloscan/siloscan/internal/monitoring"
)

type uploadResponse struct {
	httputil.Envelope
	*ingest.Outcome
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFragmentBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request entity too large (max %d bytes)", tooLarge.Limit))
			return
		}
		httputil.BadRequest(w, "failed to read body")
		return
	}

	out, err := s.ingest.Accept(r.Context(), ingest.FragmentRequest{
		DeviceID:    r.Header.Get("X-Device-ID"),
		BatchID:     r.Header.Get("X-Batch-ID"),
		ChunkIndex:  r.Header.Get("X-Chunk-ID"),
		TotalChunks: r.Header.Get("X-Total-Chunks"),
		Payload:     string(body),
	})
	if err != nil {
		writeAcceptError(w, err)
		return
	}

	msg := fmt.Sprintf("fragment %d stored (%d/%d)", out.ChunkIndex, out.Received, out.Expected)
	switch {
	case out.Merged:
		msg = fmt.Sprintf("batch %s complete, queued for reconstruction", out.BatchID)
	case out.Duplicate:
		msg = fmt.Sprintf("fragment %d already received", out.ChunkIndex)
	}
	httputil.WriteJSONOK(w, uploadResponse{
		Envelope: httputil.Envelope{Status: httputil.StatusOK, Msg: msg},
		Outcome:  out,
	})
}

func writeAcceptError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.BadRequest(w, verr.Error())
	case errors.Is(err, db.ErrBusy):
		httputil.ServiceUnavailable(w, "storage busy, retry the upload")
	default:
		monitoring.Logf("[api] upload failed: %v", err)
		httputil.InternalServerError(w, "internal error")
	}
}
