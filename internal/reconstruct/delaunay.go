package reconstruct

import (
	"errors"
	"math"
	"sort"
)

var errTriangulation = errors.New("triangulation produced no triangles")

// inCircleSlack treats points on a circumcircle, up to rounding, as outside.
// Rim vertices are exactly cocircular and would otherwise get inconsistent
// answers from neighbouring triangles.
const inCircleSlack = 1e-10

type tri struct {
	a, b, c int
	// circumcircle
	cx, cy, r2 float64
}

type edge struct{ a, b int }

// triangulate returns a Delaunay triangulation of the XY projection of pts
// as counter-clockwise index triples. Points are swept in x order; a
// triangle whose circumcircle lies entirely left of the sweep can never be
// invalidated again and is retired from the active set.
func triangulate(pts []Point) ([][3]int, error) {
	n := len(pts)
	if n < 3 {
		return nil, errTriangulation
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		pi, pj := pts[order[i]], pts[order[j]]
		if pi.X != pj.X {
			return pi.X < pj.X
		}
		return pi.Y < pj.Y
	})

	// Working vertex list: the input followed by a super triangle.
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		return nil, errTriangulation
	}
	midX, midY := (minX+maxX)/2, (minY+maxY)/2
	xs := make([]float64, n+3)
	ys := make([]float64, n+3)
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	s0, s1, s2 := n, n+1, n+2
	xs[s0], ys[s0] = midX-100*span, midY-100*span
	xs[s1], ys[s1] = midX+100*span, midY-100*span
	xs[s2], ys[s2] = midX, midY+100*span

	newTri := func(a, b, c int) tri {
		if orient(xs, ys, a, b, c) < 0 {
			b, c = c, b
		}
		t := tri{a: a, b: b, c: c}
		t.cx, t.cy, t.r2 = circumcircleSq(xs[a], ys[a], xs[b], ys[b], xs[c], ys[c])
		return t
	}

	open := []tri{newTri(s0, s1, s2)}
	var closed []tri
	edges := make(map[edge]int)

	for _, idx := range order {
		px, py := xs[idx], ys[idx]
		clear(edges)

		kept := open[:0]
		for _, t := range open {
			dx := px - t.cx
			if dx > 0 && dx*dx > t.r2 {
				closed = append(closed, t)
				continue
			}
			dy := py - t.cy
			if dx*dx+dy*dy < t.r2*(1-inCircleSlack) {
				for _, e := range [3]edge{{t.a, t.b}, {t.b, t.c}, {t.c, t.a}} {
					edges[undirected(e)]++
				}
				continue
			}
			kept = append(kept, t)
		}
		open = kept

		// Edges shared by two removed triangles are interior to the cavity.
		cavity := make([]edge, 0, len(edges))
		for e, count := range edges {
			if count == 1 {
				cavity = append(cavity, e)
			}
		}
		sort.Slice(cavity, func(i, j int) bool {
			if cavity[i].a != cavity[j].a {
				return cavity[i].a < cavity[j].a
			}
			return cavity[i].b < cavity[j].b
		})
		for _, e := range cavity {
			if orient(xs, ys, e.a, e.b, idx) == 0 {
				continue
			}
			open = append(open, newTri(e.a, e.b, idx))
		}
	}

	closed = append(closed, open...)
	out := make([][3]int, 0, len(closed))
	for _, t := range closed {
		if t.a >= n || t.b >= n || t.c >= n {
			continue
		}
		out = append(out, [3]int{t.a, t.b, t.c})
	}
	if len(out) == 0 {
		return nil, errTriangulation
	}
	return out, nil
}

func undirected(e edge) edge {
	if e.a > e.b {
		return edge{e.b, e.a}
	}
	return e
}

func orient(xs, ys []float64, a, b, c int) float64 {
	return (xs[b]-xs[a])*(ys[c]-ys[a]) - (ys[b]-ys[a])*(xs[c]-xs[a])
}

func circumcircleSq(ax, ay, bx, by, cx, cy float64) (ux, uy, r2 float64) {
	d := 2 * (ax*(by-cy) + bx*(cy-ay) + cx*(ay-by))
	if d == 0 {
		return ax, ay, math.Inf(1)
	}
	a2 := ax*ax + ay*ay
	b2 := bx*bx + by*by
	c2 := cx*cx + cy*cy
	ux = (a2*(by-cy) + b2*(cy-ay) + c2*(ay-by)) / d
	uy = (a2*(cx-bx) + b2*(ax-cx) + c2*(bx-ax)) / d
	dx, dy := ax-ux, ay-uy
	return ux, uy, dx*dx + dy*dy
}
