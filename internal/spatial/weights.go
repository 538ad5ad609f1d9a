package spatial

import (
	"fmt"
	"log"
	"math"
	"sort"
)

// Platform describes the geometry of the assay the coordinates came from.
// Fixed arrays (hexagonal or square spot grids) have a known minimum spacing,
// so the forced self-distance is half the minimum neighbor distance; for
// irregular cell-level coordinates the full minimum is used.
type Platform string

const (
	// PlatformGrid is a regular spot array (e.g. Visium).
	PlatformGrid Platform = "grid"
	// PlatformGeneric is irregular cell-level coordinates.
	PlatformGeneric Platform = "generic"
)

// ParsePlatform maps a configuration string to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "grid", "visium":
		return PlatformGrid, nil
	case "generic", "single_cell", "":
		return PlatformGeneric, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// BuildInfo records how a weight matrix was built, for diagnostics.
type BuildInfo struct {
	Rows            int      `json:"rows"`
	NNZ             int      `json:"nnz"`
	K               int      `json:"k"`
	Beta            float64  `json:"beta"`
	Platform        Platform `json:"platform"`
	TrimThreshold   float64  `json:"trim_threshold"`
	MinNeighborDist float64  `json:"min_neighbor_dist"`
	DiagonalDist    float64  `json:"diagonal_dist"`
	Degenerate      bool     `json:"degenerate"`
}

// BuildWeights constructs the row-normalized inverse-distance weight matrix
// over the k nearest neighbors of every cell. Distances above the 99th
// percentile of all non-zero neighbor distances are dropped, the diagonal is
// forced to a platform-dependent fraction of the minimum non-zero distance,
// remaining distances d become 1/d^beta, and each row is divided by its sum.
func BuildWeights(coords [][]float64, k int, beta float64, platform Platform) (*WeightMatrix, BuildInfo, error) {
	n := len(coords)
	if n == 0 {
		return nil, BuildInfo{}, fmt.Errorf("no coordinates")
	}
	if k < 1 {
		return nil, BuildInfo{}, fmt.Errorf("neighbor count must be >= 1, got %d", k)
	}
	if beta <= 0 {
		return nil, BuildInfo{}, fmt.Errorf("beta must be > 0, got %g", beta)
	}
	dim := len(coords[0])
	if dim < 2 || dim > 3 {
		return nil, BuildInfo{}, fmt.Errorf("coordinates must be 2D or 3D, got %dD", dim)
	}
	for i, c := range coords {
		if len(c) != dim {
			return nil, BuildInfo{}, fmt.Errorf("coordinate %d has %d dims, expected %d", i, len(c), dim)
		}
	}

	// The query point itself counts as one of the k neighbors (distance 0).
	if k > n {
		log.Printf("[Weights] only %d cells available, shrinking k from %d to %d", n, k, n)
		k = n
	}

	nbrs := kNearest(coords, k)

	var nonZero []float64
	for i := range nbrs {
		for _, nb := range nbrs[i] {
			if nb.dist > 0 {
				nonZero = append(nonZero, nb.dist)
			}
		}
	}

	info := BuildInfo{Rows: n, K: k, Beta: beta, Platform: platform}

	// All coordinates identical: fall back to a unit distance so the inverse
	// transform never divides by zero.
	minNonZero := 1.0
	trim := math.Inf(1)
	if len(nonZero) == 0 {
		info.Degenerate = true
		log.Printf("[Weights] degenerate coordinates (all neighbor distances zero), using unit distance fallback")
	} else {
		sort.Float64s(nonZero)
		minNonZero = nonZero[0]
		trim = percentile(nonZero, 99)
	}
	info.MinNeighborDist = minNonZero
	if !math.IsInf(trim, 1) {
		info.TrimThreshold = trim
	}

	diagDist := minNonZero
	if platform == PlatformGrid {
		diagDist = minNonZero / 2
	}
	info.DiagonalDist = diagDist

	cols := make([][]int, n)
	vals := make([][]float64, n)
	for i := range nbrs {
		for _, nb := range nbrs[i] {
			d := nb.dist
			switch {
			case nb.index == i:
				d = diagDist
			case d > trim:
				// Outlier neighbor beyond the 99th percentile.
				continue
			case d == 0:
				// Coincident points carry no inverse-distance weight.
				continue
			}
			cols[i] = append(cols[i], nb.index)
			vals[i] = append(vals[i], 1/math.Pow(d, beta))
		}
	}

	// Row normalization. Rows cannot sum to zero given the forced diagonal,
	// but guard against it rather than dividing by zero.
	for i := range vals {
		var sum float64
		for _, v := range vals[i] {
			sum += v
		}
		if sum == 0 {
			log.Printf("[Weights] row %d sums to zero, leaving unnormalized", i)
			continue
		}
		for e := range vals[i] {
			vals[i][e] /= sum
		}
	}

	m := csrFromRows(n, cols, vals)
	info.NNZ = m.NNZ()
	return m, info, nil
}

// percentile returns the p-th percentile of sorted values, with linear
// interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
