package clustering

import (
	"context"
	"fmt"
	"log"
)

// Oracle labels cells at a given clustering resolution. Implementations are
// expected to produce non-decreasing cluster counts as resolution grows;
// the search tolerates violations but may then return a best-effort result.
// The seed is threaded through every call so concurrent searches never share
// random state.
type Oracle interface {
	LabelsAt(ctx context.Context, resolution float64, seed int64) (Labeling, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, resolution float64, seed int64) (Labeling, error)

// LabelsAt calls f.
func (f OracleFunc) LabelsAt(ctx context.Context, resolution float64, seed int64) (Labeling, error) {
	return f(ctx, resolution, seed)
}

// SearchOptions parametrize a resolution search.
type SearchOptions struct {
	TargetClusters int
	Increment      float64 // initial scan step, default 0.1
	Start          float64 // first resolution scanned, default 0.001
	MaxResolution  float64 // scan ceiling (exclusive), default 2.0
	MinIncrement   float64 // refinement floor, default 1e-4
	Seed           int64
}

// SearchResult is the outcome of a resolution search. When Achieved is false
// the target count was not reachable at any scanned granularity and
// Resolution is a best-effort value; callers must check before relying on it.
type SearchResult struct {
	Resolution  float64 `json:"resolution"`
	Achieved    bool    `json:"achieved"`
	Clusters    int     `json:"clusters"`
	OracleCalls int     `json:"oracle_calls"`
}

// SearchResolution scans resolutions from Start in steps of Increment,
// counting clusters at each, and returns the largest resolution that yields
// exactly TargetClusters. The scan stops early once the count overshoots the
// target. If no resolution matches, the step size is divided by 10 and the
// scan restarts one step before the last resolution visited; when the step
// underflows MinIncrement the search gives up and returns the current start
// value as a best-effort result.
func SearchResolution(ctx context.Context, oracle Oracle, opts SearchOptions) (SearchResult, error) {
	if oracle == nil {
		return SearchResult{}, fmt.Errorf("nil oracle")
	}
	if opts.TargetClusters < 1 {
		return SearchResult{}, fmt.Errorf("target cluster count must be >= 1, got %d", opts.TargetClusters)
	}
	if opts.Increment == 0 {
		opts.Increment = 0.1
	}
	if opts.Increment < 0 {
		return SearchResult{}, fmt.Errorf("increment must be > 0, got %g", opts.Increment)
	}
	if opts.Start == 0 {
		opts.Start = 0.001
	}
	if opts.MaxResolution == 0 {
		opts.MaxResolution = 2.0
	}
	if opts.MinIncrement == 0 {
		opts.MinIncrement = 1e-4
	}

	result := SearchResult{}
	increment := opts.Increment
	start := opts.Start

	// Shrinking-step scan. The step shrinks by 10x per pass until it
	// underflows the floor, so termination is bounded.
	for increment >= opts.MinIncrement {
		var largestMatch float64
		found := false
		current := start

		for r := start; r < opts.MaxResolution; r += increment {
			labels, err := oracle.LabelsAt(ctx, r, opts.Seed)
			if err != nil {
				return SearchResult{}, fmt.Errorf("oracle at resolution %g: %w", r, err)
			}
			result.OracleCalls++
			current = r

			num := labels.NumClusters()
			if num == opts.TargetClusters {
				// Keep scanning: the largest matching resolution wins.
				largestMatch = r
				found = true
			}
			if num > opts.TargetClusters {
				break
			}
		}

		if found {
			result.Resolution = largestMatch
			result.Achieved = true
			result.Clusters = opts.TargetClusters
			return result, nil
		}

		// Back up one step and refine at finer granularity.
		start = current - increment
		increment /= 10
	}

	log.Printf("[ResolutionSearch] step underflowed %g without reaching %d clusters, returning best-effort resolution %g",
		opts.MinIncrement, opts.TargetClusters, start)
	result.Resolution = start
	return result, nil
}
