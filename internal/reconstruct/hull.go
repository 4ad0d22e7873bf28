package reconstruct

import (
	"errors"
	"math"
)

var errHullDegenerate = errors.New("points are coplanar or coincident")

type hullFace struct {
	v      [3]int
	normal Point // unit, outward
	offset float64
}

// convexHull builds the 3D convex hull of pts incrementally and returns it
// as a closed mesh.
func convexHull(pts []Point) (*Mesh, error) {
	if len(pts) < 4 {
		return nil, errHullDegenerate
	}

	lo, hi := pts[0], pts[0]
	for _, p := range pts {
		lo = Point{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = Point{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	eps := 1e-9 * math.Max(norm(sub(hi, lo)), 1)

	// Seed tetrahedron from extreme points.
	i0 := 0
	for i, p := range pts {
		if p.X < pts[i0].X {
			i0 = i
		}
	}
	i1 := farthest(pts, func(p Point) float64 { return norm(sub(p, pts[i0])) })
	if norm(sub(pts[i1], pts[i0])) < eps {
		return nil, errHullDegenerate
	}
	axis := sub(pts[i1], pts[i0])
	i2 := farthest(pts, func(p Point) float64 { return norm(cross(axis, sub(p, pts[i0]))) })
	n012 := cross(axis, sub(pts[i2], pts[i0]))
	if norm(n012) < eps*norm(axis) {
		return nil, errHullDegenerate
	}
	i3 := farthest(pts, func(p Point) float64 { return math.Abs(dot(n012, sub(p, pts[i0]))) })
	if math.Abs(dot(n012, sub(pts[i3], pts[i0]))) < eps*norm(n012) {
		return nil, errHullDegenerate
	}

	inside := scale(add(add(pts[i0], pts[i1]), add(pts[i2], pts[i3])), 0.25)
	makeFace := func(a, b, c int) (hullFace, bool) {
		n := cross(sub(pts[b], pts[a]), sub(pts[c], pts[a]))
		l := norm(n)
		if l == 0 {
			return hullFace{}, false
		}
		n = scale(n, 1/l)
		f := hullFace{v: [3]int{a, b, c}, normal: n, offset: dot(n, pts[a])}
		if dot(n, inside)-f.offset > 0 {
			f.v[1], f.v[2] = f.v[2], f.v[1]
			f.normal = scale(n, -1)
			f.offset = -f.offset
		}
		return f, true
	}

	var faces []hullFace
	for _, t := range [4][3]int{{i0, i1, i2}, {i0, i1, i3}, {i0, i2, i3}, {i1, i2, i3}} {
		f, ok := makeFace(t[0], t[1], t[2])
		if !ok {
			return nil, errHullDegenerate
		}
		faces = append(faces, f)
	}

	for idx, p := range pts {
		if idx == i0 || idx == i1 || idx == i2 || idx == i3 {
			continue
		}
		visible := make([]bool, len(faces))
		anyVisible := false
		for fi, f := range faces {
			if dot(f.normal, p)-f.offset > eps {
				visible[fi] = true
				anyVisible = true
			}
		}
		if !anyVisible {
			continue
		}

		// Horizon: directed edges of visible faces whose twin is on a hidden face.
		hidden := make(map[edge]struct{})
		for fi, f := range faces {
			if visible[fi] {
				continue
			}
			hidden[edge{f.v[0], f.v[1]}] = struct{}{}
			hidden[edge{f.v[1], f.v[2]}] = struct{}{}
			hidden[edge{f.v[2], f.v[0]}] = struct{}{}
		}
		next := make([]hullFace, 0, len(faces))
		var horizon []edge
		for fi, f := range faces {
			if !visible[fi] {
				next = append(next, f)
				continue
			}
			for _, e := range [3]edge{{f.v[0], f.v[1]}, {f.v[1], f.v[2]}, {f.v[2], f.v[0]}} {
				if _, ok := hidden[edge{e.b, e.a}]; ok {
					horizon = append(horizon, e)
				}
			}
		}
		for _, e := range horizon {
			f, ok := makeFace(e.a, e.b, idx)
			if !ok {
				continue
			}
			next = append(next, f)
		}
		faces = next
	}

	m := &Mesh{Vertices: pts, Faces: make([][3]int, len(faces))}
	for i, f := range faces {
		m.Faces[i] = f.v
	}
	return m, nil
}

func farthest(pts []Point, metric func(Point) float64) int {
	best, bestD := 0, math.Inf(-1)
	for i, p := range pts {
		if d := metric(p); d > bestD {
			best, bestD = i, d
		}
	}
	return best
}

func add(a, b Point) Point { return Point{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z} }
func scale(a Point, s float64) Point { return Point{X: a.X * s, Y: a.Y * s, Z: a.Z * s} }
