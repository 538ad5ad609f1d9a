package spatial

import (
	"math"
	"sort"
)

// neighbor is one entry of a kNN query result.
type neighbor struct {
	index int
	dist  float64
}

// euclidean returns the Euclidean distance between two coordinate vectors.
func euclidean(a, b []float64) float64 {
	var s float64
	for d := range a {
		diff := a[d] - b[d]
		s += diff * diff
	}
	return math.Sqrt(s)
}

// kNearest returns, for every point, its k nearest neighbors by Euclidean
// distance in ascending order. The query point itself is included (distance 0,
// always first). k must already be clamped to len(coords).
func kNearest(coords [][]float64, k int) [][]neighbor {
	n := len(coords)
	out := make([][]neighbor, n)

	buf := make([]neighbor, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			buf[j] = neighbor{index: j, dist: euclidean(coords[i], coords[j])}
		}
		sort.Slice(buf, func(a, b int) bool {
			if buf[a].dist != buf[b].dist {
				return buf[a].dist < buf[b].dist
			}
			return buf[a].index < buf[b].index
		})
		row := make([]neighbor, k)
		copy(row, buf[:k])
		out[i] = row
	}
	return out
}

// nearestWithin returns the distance from point i to its nearest other point
// in pts, or 0 if pts has fewer than two points.
func nearestWithin(i int, pts [][]float64) float64 {
	best := math.Inf(1)
	for j := range pts {
		if j == i {
			continue
		}
		if d := euclidean(pts[i], pts[j]); d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}
