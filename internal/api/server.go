// Package api serves fragment uploads and read-only views of the queue and
// volume history over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/ingest"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/timeutil"
)

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options configures a Server. Queue stats use LeaseTimeout and MaxAttempts
// to tell claimed and parked scans apart, so they should match the worker.
type Options struct {
	MaxFragmentBytes int64
	LeaseTimeout     time.Duration
	MaxAttempts      int
	Clock            timeutil.Clock
}

type Server struct {
	ingest *ingest.Service
	db     *db.DB
	opts   Options
}

func NewServer(svc *ingest.Service, store *db.DB, opts Options) *Server {
	if opts.MaxFragmentBytes <= 0 {
		opts.MaxFragmentBytes = 8 << 20
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Server{ingest: svc, db: store, opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, device and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		device := ""
		if id := r.Header.Get("X-Device-ID"); id != "" {
			device = " device=" + id
		}
		monitoring.Logf(
			"[%s] %s %s%s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset, device,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Admin routes are mounted separately with
// db.AttachAdminRoutes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload_chunk", s.handleUpload)
	mux.HandleFunc("POST /api/fragments", s.handleUpload)
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/devices/{id}/volumes", s.listVolumes)
	mux.HandleFunc("GET /api/devices/{id}/volumes/chart", s.volumeChart)
	mux.HandleFunc("GET /api/batches/{id}", s.batchStatus)
	mux.HandleFunc("GET /api/queue", s.queueStats)
	mux.HandleFunc("GET /healthz", s.healthz)
	return mux
}

// ListenAndServe serves handler on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	monitoring.Logf("HTTP server listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server stopped")
	return nil
}
