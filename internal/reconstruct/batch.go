package reconstruct

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// GeneRequest names one gene to reconstruct in a batch.
type GeneRequest struct {
	Name     string
	Index    int
	Original []float64
}

// BatchOptions are the shared reconstruction settings for a batch of genes.
type BatchOptions struct {
	QuantileProb float64
	RankK        int
	Method       ThresholdMethod
	Rescale      bool
	Parallelism  int // <= 0 means GOMAXPROCS
}

// Batch reconstructs many genes concurrently. Genes are independent units of
// work; results are returned keyed by gene name regardless of completion
// order.
func Batch(ctx context.Context, smoothedRep, loadings [][]float64, genes []GeneRequest, opts BatchOptions) (map[string]*Result, error) {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]*Result, len(genes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range genes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Reconstruct(Params{
				SmoothedRep:  smoothedRep,
				Loadings:     loadings,
				GeneIndex:    req.Index,
				Original:     req.Original,
				QuantileProb: opts.QuantileProb,
				RankK:        opts.RankK,
				Method:       opts.Method,
				Rescale:      opts.Rescale,
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*Result, len(genes))
	for i, req := range genes {
		out[req.Name] = results[i]
	}
	return out, nil
}
