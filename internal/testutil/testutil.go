// Package testutil provides shared test utilities and fixtures.
//
// Besides the HTTP assertion helpers it generates synthetic silo scans with
// a known geometry, so reconstruction and end-to-end tests can check volumes
// against closed-form answers.
package testutil

import (
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/siloscan/siloscan/internal/xyz"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewUploadRequest builds a fragment upload for path carrying the device,
// batch and fragment headers a sender sets. Empty values are left unset.
func NewUploadRequest(path, device, batch string, index, total int, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	if device != "" {
		req.Header.Set("X-Device-ID", device)
	}
	if batch != "" {
		req.Header.Set("X-Batch-ID", batch)
	}
	req.Header.Set("X-Chunk-ID", strconv.Itoa(index))
	req.Header.Set("X-Total-Chunks", strconv.Itoa(total))
	return req
}

// SiloOptions describes a synthetic upright cylindrical silo. The material
// surface is the plane z = SurfaceZ + Slope*(x-CX), clipped to the wall.
type SiloOptions struct {
	CX, CY   float64
	Radius   float64
	RimZ     float64
	SurfaceZ float64
	Slope    float64

	WallPoints    int
	SurfacePoints int
	Outliers      int
	Jitter        float64 // uniform noise amplitude on every coordinate
	Seed          int64
}

// DefaultSilo is a 70 cm silo, 75 cm deep, filled to 30 cm.
func DefaultSilo() SiloOptions {
	return SiloOptions{
		Radius:        35,
		RimZ:          75,
		SurfaceZ:      30,
		WallPoints:    1500,
		SurfacePoints: 3000,
		Outliers:      20,
		Jitter:        0.05,
		Seed:          7,
	}
}

// SiloPoints generates a scan for o. Output is deterministic for a seed.
func SiloPoints(o SiloOptions) []xyz.Point {
	rng := rand.New(rand.NewSource(o.Seed))
	jitter := func() float64 { return (rng.Float64()*2 - 1) * o.Jitter }

	pts := make([]xyz.Point, 0, o.WallPoints+o.SurfacePoints+o.Outliers)
	for i := 0; i < o.WallPoints; i++ {
		a := rng.Float64() * 2 * math.Pi
		z := o.SurfaceZ + rng.Float64()*(o.RimZ-o.SurfaceZ)
		pts = append(pts, xyz.Point{
			X: o.CX + o.Radius*math.Cos(a) + jitter(),
			Y: o.CY + o.Radius*math.Sin(a) + jitter(),
			Z: z,
		})
	}
	for i := 0; i < o.SurfacePoints; i++ {
		a := rng.Float64() * 2 * math.Pi
		r := o.Radius * math.Sqrt(rng.Float64())
		x := o.CX + r*math.Cos(a)
		pts = append(pts, xyz.Point{
			X: x + jitter(),
			Y: o.CY + r*math.Sin(a) + jitter(),
			Z: math.Min(o.SurfaceZ+o.Slope*(x-o.CX), o.RimZ) + jitter(),
		})
	}
	for i := 0; i < o.Outliers; i++ {
		a := rng.Float64() * 2 * math.Pi
		r := o.Radius * (5 + 5*rng.Float64())
		pts = append(pts, xyz.Point{
			X: o.CX + r*math.Cos(a),
			Y: o.CY + r*math.Sin(a),
			Z: o.RimZ * (1 + rng.Float64()),
		})
	}
	return pts
}

// SiloXYZ renders SiloPoints in the upload text format.
func SiloXYZ(o SiloOptions) string {
	return xyz.Format(SiloPoints(o))
}

// AirVolume is the exact air volume of a flat-surfaced silo in scan units^3.
func (o SiloOptions) AirVolume() float64 {
	return math.Pi * o.Radius * o.Radius * (o.RimZ - o.SurfaceZ)
}
