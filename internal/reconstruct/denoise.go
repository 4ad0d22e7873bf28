package reconstruct

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// Denoise removes statistical outliers: a point is dropped when its mean
// distance to its k nearest neighbours exceeds the global mean of that
// statistic by more than stdRatio standard deviations. Input order is kept.
func Denoise(pts []Point, k int, stdRatio float64) []Point {
	if len(pts) < 3 || k < 1 {
		return append([]Point(nil), pts...)
	}
	if k > len(pts)-1 {
		k = len(pts) - 1
	}

	// kdtree.New reorders its argument, so build from a copy.
	treePts := make(kdtree.Points, len(pts))
	for i, p := range pts {
		treePts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	tree := kdtree.New(treePts, false)

	meanDist := make([]float64, len(pts))
	dists := make([]float64, 0, k+1)
	for i, p := range pts {
		keeper := kdtree.NewNKeeper(k + 1)
		tree.NearestSet(keeper, kdtree.Point{p.X, p.Y, p.Z})

		dists = dists[:0]
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			// Distance is squared euclidean.
			dists = append(dists, math.Sqrt(cd.Dist))
		}
		sort.Float64s(dists)
		// The closest hit is the point itself.
		if len(dists) > 0 {
			dists = dists[1:]
		}
		if len(dists) == 0 {
			meanDist[i] = 0
			continue
		}
		sum := 0.0
		for _, d := range dists {
			sum += d
		}
		meanDist[i] = sum / float64(len(dists))
	}

	mean, std := stat.MeanStdDev(meanDist, nil)
	threshold := mean + stdRatio*std

	out := make([]Point, 0, len(pts))
	for i, p := range pts {
		if meanDist[i] <= threshold {
			out = append(out, p)
		}
	}
	return out
}
