package clustering

import (
	"fmt"
	"math"
	"math/rand"
)

// KMeans clusters the rows of rep into k clusters with Lloyd's iterations,
// seeded deterministically. It is the bundled clustering back-end; graph
// community detection methods plug in through the Oracle interface instead.
func KMeans(rep [][]float64, k int, seed int64, maxIter int) (Labeling, error) {
	n := len(rep)
	if k < 1 {
		return nil, fmt.Errorf("cluster count must be >= 1, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("cannot form %d clusters from %d cells", k, n)
	}
	if maxIter <= 0 {
		maxIter = 100
	}
	dim := len(rep[0])

	rng := rand.New(rand.NewSource(seed))

	// Initialize centers from k distinct rows.
	perm := rng.Perm(n)
	centers := make([][]float64, k)
	for c := 0; c < k; c++ {
		centers[c] = append([]float64(nil), rep[perm[c]]...)
	}

	labels := make(Labeling, n)
	counts := make([]int, k)
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, row := range rep {
			best := 0
			bestDist := math.Inf(1)
			for c, center := range centers {
				var d float64
				for j := 0; j < dim; j++ {
					diff := row[j] - center[j]
					d += diff * diff
				}
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			if labels[i] != best {
				changed = true
				labels[i] = best
			}
		}
		if !changed && iter > 0 {
			break
		}

		for c := 0; c < k; c++ {
			counts[c] = 0
			for j := 0; j < dim; j++ {
				sums[c][j] = 0
			}
		}
		for i, row := range rep {
			c := labels[i]
			counts[c]++
			for j := 0; j < dim; j++ {
				sums[c][j] += row[j]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an emptied cluster at a random row.
				copy(centers[c], rep[rng.Intn(n)])
				continue
			}
			for j := 0; j < dim; j++ {
				centers[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}

	return labels, nil
}
