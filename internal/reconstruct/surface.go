package reconstruct

import (
	"math"
	"sort"
)

type cellKey struct{ ix, iy int64 }

// ExtractSurface keeps points strictly inside the wall minus margin and
// reduces them to the highest return per XY grid cell. The result is
// ordered by cell so it is stable across runs.
func ExtractSurface(pts []Point, c Circle, margin, cell float64) []Point {
	limit := c.R - margin
	if limit <= 0 || cell <= 0 {
		return nil
	}

	top := make(map[cellKey]Point)
	for _, p := range pts {
		if math.Hypot(p.X-c.CX, p.Y-c.CY) >= limit {
			continue
		}
		k := cellKey{int64(math.Floor(p.X / cell)), int64(math.Floor(p.Y / cell))}
		if cur, ok := top[k]; !ok || p.Z > cur.Z {
			top[k] = p
		}
	}

	keys := make([]cellKey, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ix != keys[j].ix {
			return keys[i].ix < keys[j].ix
		}
		return keys[i].iy < keys[j].iy
	})

	out := make([]Point, len(keys))
	for i, k := range keys {
		out[i] = top[k]
	}
	return out
}

func zRange(pts []Point) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		lo = math.Min(lo, p.Z)
		hi = math.Max(hi, p.Z)
	}
	return lo, hi
}

// rimRing returns n points evenly spaced on the circle at height z.
func rimRing(c Circle, n int, z float64) []Point {
	ring := make([]Point, n)
	for i := range ring {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring[i] = Point{X: c.CX + c.R*math.Cos(a), Y: c.CY + c.R*math.Sin(a), Z: z}
	}
	return ring
}
