package spatial

import (
	"fmt"
	"math"
)

// LocalDensity returns, for each cell, the number of cells within radius r
// of it (itself included) divided by the area (2D) or volume (3D) of the
// neighborhood.
func LocalDensity(coords [][]float64, r float64) ([]float64, error) {
	if r <= 0 {
		return nil, fmt.Errorf("radius must be > 0, got %g", r)
	}
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("no coordinates")
	}

	dim := len(coords[0])
	var volume float64
	switch dim {
	case 2:
		volume = math.Pi * r * r
	case 3:
		volume = 4.0 / 3.0 * math.Pi * r * r * r
	default:
		return nil, fmt.Errorf("coordinates must be 2D or 3D, got %dD", dim)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		count := 0
		for j := 0; j < n; j++ {
			if euclidean(coords[i], coords[j]) <= r {
				count++
			}
		}
		out[i] = float64(count) / volume
	}
	return out, nil
}
