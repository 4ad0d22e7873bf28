package reconstruct

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Circle is a fitted horizontal cross-section.
type Circle struct {
	CX      float64 `json:"cx"`
	CY      float64 `json:"cy"`
	R       float64 `json:"r"`
	Inliers int     `json:"inliers"`
}

// degenerateDet rejects near-collinear triples in the 3-point solve.
const degenerateDet = 1e-6

// FitCircle fits the silo wall in the XY plane. A positive diameter fixes the
// radius and only the centre is searched; otherwise centre and radius are
// fitted jointly within [MinRadius, MaxRadius]. The search is seeded from
// p.Seed so the same input always gives the same circle; among equally good
// candidates the first one found wins.
func FitCircle(pts []Point, diameter float64, p Params) (Circle, error) {
	if len(pts) < 3 {
		return Circle{}, fmt.Errorf("%w: %d points", ErrDegenerateFit, len(pts))
	}
	rng := rand.New(rand.NewSource(p.Seed))

	var best Circle
	if diameter > 0 {
		best = fitFixedRadius(pts, diameter/2, p, rng)
	} else {
		best = fitFreeRadius(pts, p, rng)
		if p.RefineFit && best.Inliers >= p.MinInliers {
			if refined, ok := refineCircle(pts, best, p); ok {
				best = refined
			}
		}
	}

	if best.Inliers < p.MinInliers {
		return best, fmt.Errorf("%w: best candidate has %d inliers, need %d", ErrDegenerateFit, best.Inliers, p.MinInliers)
	}
	return best, nil
}

// fitFixedRadius samples point pairs. Two points at distance d <= 2r lie on
// exactly two circles of radius r; both centres are scored, "+" side first.
func fitFixedRadius(pts []Point, r float64, p Params, rng *rand.Rand) Circle {
	best := Circle{R: r}
	n := len(pts)
	for it := 0; it < p.Iterations; it++ {
		i, j := rng.Intn(n), rng.Intn(n)
		if i == j {
			continue
		}
		a, b := pts[i], pts[j]
		dx, dy := b.X-a.X, b.Y-a.Y
		d := math.Hypot(dx, dy)
		if d == 0 || d > 2*r {
			continue
		}
		mx, my := (a.X+b.X)/2, (a.Y+b.Y)/2
		h := math.Sqrt(r*r - d*d/4)
		ux, uy := -dy/d, dx/d

		for _, sign := range [2]float64{1, -1} {
			cx, cy := mx+sign*h*ux, my+sign*h*uy
			if n := countInliers(pts, cx, cy, r, p.InlierTolerance); n > best.Inliers {
				best = Circle{CX: cx, CY: cy, R: r, Inliers: n}
			}
		}
	}
	return best
}

// fitFreeRadius samples point triples and solves for their circumcircle.
func fitFreeRadius(pts []Point, p Params, rng *rand.Rand) Circle {
	var best Circle
	n := len(pts)
	for it := 0; it < p.Iterations; it++ {
		i, j, k := rng.Intn(n), rng.Intn(n), rng.Intn(n)
		if i == j || j == k || i == k {
			continue
		}
		cx, cy, r, ok := circumcircle(pts[i].X, pts[i].Y, pts[j].X, pts[j].Y, pts[k].X, pts[k].Y)
		if !ok || r < p.MinRadius || r > p.MaxRadius {
			continue
		}
		if n := countInliers(pts, cx, cy, r, p.InlierTolerance); n > best.Inliers {
			best = Circle{CX: cx, CY: cy, R: r, Inliers: n}
		}
	}
	return best
}

func circumcircle(ax, ay, bx, by, cx, cy float64) (ux, uy, r float64, ok bool) {
	d := 2 * (ax*(by-cy) + bx*(cy-ay) + cx*(ay-by))
	if math.Abs(d) < degenerateDet {
		return 0, 0, 0, false
	}
	a2 := ax*ax + ay*ay
	b2 := bx*bx + by*by
	c2 := cx*cx + cy*cy
	ux = (a2*(by-cy) + b2*(cy-ay) + c2*(ay-by)) / d
	uy = (a2*(cx-bx) + b2*(ax-cx) + c2*(bx-ax)) / d
	return ux, uy, math.Hypot(ax-ux, ay-uy), true
}

func countInliers(pts []Point, cx, cy, r, tol float64) int {
	n := 0
	for _, p := range pts {
		if math.Abs(math.Hypot(p.X-cx, p.Y-cy)-r) < tol {
			n++
		}
	}
	return n
}

// refineCircle polishes a RANSAC circle with an algebraic least-squares fit
// (x^2 + y^2 + Dx + Ey + F = 0) over its inliers. The refinement is kept only
// if it stays in range and does not lose inliers.
func refineCircle(pts []Point, c Circle, p Params) (Circle, bool) {
	var rows []float64
	var rhs []float64
	for _, q := range pts {
		if math.Abs(math.Hypot(q.X-c.CX, q.Y-c.CY)-c.R) < p.InlierTolerance {
			rows = append(rows, q.X, q.Y, 1)
			rhs = append(rhs, -(q.X*q.X + q.Y*q.Y))
		}
	}
	m := len(rhs)
	if m < 3 {
		return c, false
	}

	A := mat.NewDense(m, 3, rows)
	b := mat.NewVecDense(m, rhs)
	var sol mat.VecDense
	if err := sol.SolveVec(A, b); err != nil {
		return c, false
	}
	D, E, F := sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)
	cx, cy := -D/2, -E/2
	r2 := cx*cx + cy*cy - F
	if r2 <= 0 {
		return c, false
	}
	r := math.Sqrt(r2)
	if r < p.MinRadius || r > p.MaxRadius || math.IsNaN(r) {
		return c, false
	}

	refined := Circle{CX: cx, CY: cy, R: r, Inliers: countInliers(pts, cx, cy, r, p.InlierTolerance)}
	if refined.Inliers < c.Inliers {
		return c, false
	}
	return refined, true
}
