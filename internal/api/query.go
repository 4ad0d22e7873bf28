package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/httputil"
	"github.com/siloscan/siloscan/internal/monitoring"
)

const (
	defaultVolumeLimit = 100
	maxVolumeLimit     = 10000
)

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.db.ListDevices(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list devices: %v", err))
		return
	}
	httputil.WriteJSONOK(w, devices)
}

// volumeHistory loads the device and its recent samples, writing the error
// response itself on failure.
func (s *Server) volumeHistory(w http.ResponseWriter, r *http.Request) (*db.Device, []*db.VolumeSample, bool) {
	limit := defaultVolumeLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxVolumeLimit {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'limit' parameter (1..%d)", maxVolumeLimit))
			return nil, nil, false
		}
		limit = parsed
	}

	id := r.PathValue("id")
	dev, err := s.db.GetDevice(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("unknown device %q", id))
		return nil, nil, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load device: %v", err))
		return nil, nil, false
	}

	samples, err := s.db.ListVolumeSamples(r.Context(), id, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load volumes: %v", err))
		return nil, nil, false
	}
	return dev, samples, true
}

func (s *Server) listVolumes(w http.ResponseWriter, r *http.Request) {
	dev, samples, ok := s.volumeHistory(w, r)
	if !ok {
		return
	}
	if samples == nil {
		samples = []*db.VolumeSample{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"device":  dev,
		"samples": samples,
	})
}

// volumeChart renders the fill level history as a go-echarts line chart.
func (s *Server) volumeChart(w http.ResponseWriter, r *http.Request) {
	dev, samples, ok := s.volumeHistory(w, r)
	if !ok {
		return
	}

	x := make([]string, 0, len(samples))
	pct := make([]opts.LineData, 0, len(samples))
	m3 := make([]opts.LineData, 0, len(samples))
	for _, v := range samples {
		x = append(x, time.Unix(0, v.ScanUnixNanos).UTC().Format("2006-01-02 15:04"))
		pct = append(pct, opts.LineData{Value: round2(v.VolumePercentage)})
		m3 = append(m3, opts.LineData{Value: round2(v.VolumeM3)})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Silo volume", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: dev.DeviceID, Subtitle: fmt.Sprintf("capacity %.3f m3, %d samples", dev.CapacityM3, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "fill", Min: 0}),
	)
	line.SetXAxis(x).
		AddSeries("percentage", pct).
		AddSeries("volume_m3", m3).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		monitoring.Logf("[api] write chart: %v", err)
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.db.GetBatchStatus(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("unknown batch %q", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load batch: %v", err))
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.GetQueueStats(r.Context(), s.opts.Clock.Now(), s.opts.LeaseTimeout, s.opts.MaxAttempts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load queue stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		httputil.ServiceUnavailable(w, "database unavailable")
		return
	}
	httputil.WriteJSONOK(w, httputil.Envelope{Status: httputil.StatusOK, Msg: "healthy"})
}
