package spatial

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CHAOS computes the spatial-coherence score of a clustering: the mean
// within-cluster nearest-neighbor distance after standardizing coordinates
// to zero mean and unit variance per dimension. Lower is spatially tighter.
// Cells with a negative label are treated as unlabeled and skipped; clusters
// with a single member contribute zero.
func CHAOS(ctx context.Context, labels []int, coords [][]float64) (float64, error) {
	if len(labels) != len(coords) {
		return 0, fmt.Errorf("got %d labels for %d coordinates", len(labels), len(coords))
	}

	// Drop unlabeled cells, keeping labels and coordinates index-aligned.
	kept := make([]int, 0, len(labels))
	for i, l := range labels {
		if l >= 0 {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return 0, fmt.Errorf("no labeled cells")
	}

	dim := len(coords[kept[0]])
	std := standardize(coords, kept, dim)

	// Group cell positions by cluster label, in sorted label order so the
	// final reduction is independent of goroutine scheduling.
	byLabel := make(map[int][]int)
	for i, idx := range kept {
		byLabel[labels[idx]] = append(byLabel[labels[idx]], i)
	}
	order := make([]int, 0, len(byLabel))
	for l := range byLabel {
		order = append(order, l)
	}
	sort.Ints(order)

	sums := make([]float64, len(order))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for ci, l := range order {
		members := byLabel[l]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(members) < 2 {
				return nil
			}
			pts := make([][]float64, len(members))
			for i, m := range members {
				pts[i] = std[m]
			}
			var sum float64
			for i := range pts {
				sum += nearestWithin(i, pts)
			}
			sums[ci] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total float64
	for _, s := range sums {
		total += s
	}
	return total / float64(len(kept)), nil
}

// standardize returns the coordinates at the kept indices scaled to zero mean
// and unit variance per dimension. Dimensions with zero variance are left
// centered but unscaled.
func standardize(coords [][]float64, kept []int, dim int) [][]float64 {
	n := len(kept)
	mean := make([]float64, dim)
	for _, idx := range kept {
		for d := 0; d < dim; d++ {
			mean[d] += coords[idx][d]
		}
	}
	for d := range mean {
		mean[d] /= float64(n)
	}

	variance := make([]float64, dim)
	for _, idx := range kept {
		for d := 0; d < dim; d++ {
			diff := coords[idx][d] - mean[d]
			variance[d] += diff * diff
		}
	}
	scale := make([]float64, dim)
	for d := range variance {
		sd := math.Sqrt(variance[d] / float64(n))
		if sd == 0 {
			sd = 1
		}
		scale[d] = sd
	}

	out := make([][]float64, n)
	for i, idx := range kept {
		row := make([]float64, dim)
		for d := 0; d < dim; d++ {
			row[d] = (coords[idx][d] - mean[d]) / scale[d]
		}
		out[i] = row
	}
	return out
}
