package reconstruct

import (
	"fmt"
	"math"
)

// Mesh is an indexed triangle mesh. Faces wind counter-clockwise seen from
// outside.
type Mesh struct {
	Vertices []Point
	Faces    [][3]int
}

// IsClosed reports whether every directed edge is matched by exactly one
// opposite edge, i.e. the mesh is a watertight consistently oriented
// 2-manifold.
func (m *Mesh) IsClosed() bool {
	if len(m.Faces) == 0 {
		return false
	}
	count := make(map[edge]int, 3*len(m.Faces))
	for _, f := range m.Faces {
		count[edge{f[0], f[1]}]++
		count[edge{f[1], f[2]}]++
		count[edge{f[2], f[0]}]++
	}
	for e, c := range count {
		if c != 1 || count[edge{e.b, e.a}] != 1 {
			return false
		}
	}
	return true
}

// SignedVolume integrates the enclosed volume with the divergence theorem.
// It is positive for outward-facing winding.
func (m *Mesh) SignedVolume() float64 {
	if len(m.Vertices) == 0 {
		return 0
	}
	// Offsetting by a vertex keeps the tetrahedra small.
	o := m.Vertices[0]
	var sum float64
	for _, f := range m.Faces {
		a, b, c := sub(m.Vertices[f[0]], o), sub(m.Vertices[f[1]], o), sub(m.Vertices[f[2]], o)
		sum += dot(a, cross(b, c))
	}
	return sum / 6
}

// buildAirMesh closes the region between the material surface and the lid
// plane. The floor is the surface plus a ring on the fitted wall so the
// boundary follows the silo outline; each ring vertex takes the height of
// its nearest surface point. Floor heights are clamped to the lid.
func buildAirMesh(surface []Point, c Circle, lidZ float64, segments int) (*Mesh, error) {
	if len(surface) < 3 {
		return nil, fmt.Errorf("need at least 3 surface points, got %d", len(surface))
	}

	floor := airFloor(surface, c, lidZ, segments)
	tris, err := triangulate(floor)
	if err != nil {
		return nil, err
	}

	n := len(floor)
	m := &Mesh{Vertices: make([]Point, 2*n)}
	copy(m.Vertices, floor)
	for i, p := range floor {
		m.Vertices[n+i] = Point{X: p.X, Y: p.Y, Z: lidZ}
	}

	directed := make(map[edge]struct{}, 3*len(tris))
	for _, t := range tris {
		directed[edge{t[0], t[1]}] = struct{}{}
		directed[edge{t[1], t[2]}] = struct{}{}
		directed[edge{t[2], t[0]}] = struct{}{}
	}

	m.Faces = make([][3]int, 0, 2*len(tris))
	for _, t := range tris {
		// Floor faces point down, lid faces point up.
		m.Faces = append(m.Faces,
			[3]int{t[0], t[2], t[1]},
			[3]int{n + t[0], n + t[1], n + t[2]},
		)
	}
	for _, t := range tris {
		for _, e := range [3]edge{{t[0], t[1]}, {t[1], t[2]}, {t[2], t[0]}} {
			if _, inner := directed[edge{e.b, e.a}]; inner {
				continue
			}
			i, j := e.a, e.b
			m.Faces = append(m.Faces,
				[3]int{i, j, n + j},
				[3]int{i, n + j, n + i},
			)
		}
	}
	return m, nil
}

// airFloor is the lower boundary of the air region: the surface plus a wall
// ring, every height clamped to the lid.
func airFloor(surface []Point, c Circle, lidZ float64, segments int) []Point {
	floor := make([]Point, 0, len(surface)+segments)
	for _, p := range surface {
		p.Z = math.Min(p.Z, lidZ)
		floor = append(floor, p)
	}
	if len(surface) == 0 {
		return floor
	}
	for _, r := range rimRing(c, segments, 0) {
		r.Z = math.Min(nearestXY(surface, r).Z, lidZ)
		floor = append(floor, r)
	}
	return floor
}

func nearestXY(pts []Point, q Point) Point {
	best := pts[0]
	bestD := math.Inf(1)
	for _, p := range pts {
		dx, dy := p.X-q.X, p.Y-q.Y
		if d := dx*dx + dy*dy; d < bestD {
			best, bestD = p, d
		}
	}
	return best
}

func sub(a, b Point) Point { return Point{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z} }
func dot(a, b Point) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func cross(a, b Point) Point {
	return Point{X: a.Y*b.Z - a.Z*b.Y, Y: a.Z*b.X - a.X*b.Z, Z: a.X*b.Y - a.Y*b.X}
}
func norm(a Point) float64 { return math.Sqrt(dot(a, a)) }
