package clustering

import (
	"context"
	"fmt"
	"testing"
)

// stepOracle yields count clusters determined by countAt and records calls.
type stepOracle struct {
	countAt func(r float64) int
	calls   int
}

func (o *stepOracle) LabelsAt(_ context.Context, r float64, _ int64) (Labeling, error) {
	o.calls++
	k := o.countAt(r)
	labels := make(Labeling, k)
	for i := range labels {
		labels[i] = i
	}
	return labels, nil
}

func TestSearchResolutionFindsTarget(t *testing.T) {
	oracle := &stepOracle{countAt: func(r float64) int { return int(r*10) + 1 }}
	res, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 3})
	if err != nil {
		t.Fatalf("SearchResolution: %v", err)
	}
	if !res.Achieved {
		t.Fatal("Achieved = false, want true")
	}
	if res.Clusters != 3 {
		t.Errorf("Clusters = %d, want 3", res.Clusters)
	}
	// The scan visits 0.001, 0.101, 0.201 and overshoots at 0.301.
	if res.Resolution < 0.2 || res.Resolution >= 0.3 {
		t.Errorf("Resolution = %g, want in [0.2, 0.3)", res.Resolution)
	}
	if res.OracleCalls != 4 {
		t.Errorf("OracleCalls = %d, want 4", res.OracleCalls)
	}
}

func TestSearchResolutionLargestMatchWins(t *testing.T) {
	oracle := &stepOracle{countAt: func(r float64) int {
		switch {
		case r < 0.2:
			return int(r*10) + 1
		case r < 0.6:
			return 3
		default:
			return 5
		}
	}}
	res, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 3})
	if err != nil {
		t.Fatalf("SearchResolution: %v", err)
	}
	if !res.Achieved {
		t.Fatal("Achieved = false, want true")
	}
	// Matches at 0.201 through 0.501; the last one wins.
	if res.Resolution < 0.5 || res.Resolution >= 0.6 {
		t.Errorf("Resolution = %g, want in [0.5, 0.6)", res.Resolution)
	}
}

func TestSearchResolutionRefinesStep(t *testing.T) {
	// The target count only exists on a band narrower than the initial
	// step, so the first pass overshoots and the refinement pass at a
	// tenth of the step must find it.
	oracle := &stepOracle{countAt: func(r float64) int {
		switch {
		case r < 0.25:
			return 2
		case r < 0.26:
			return 3
		default:
			return 4
		}
	}}
	res, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 3})
	if err != nil {
		t.Fatalf("SearchResolution: %v", err)
	}
	if !res.Achieved {
		t.Fatal("Achieved = false, want true")
	}
	if res.Resolution < 0.25 || res.Resolution >= 0.26 {
		t.Errorf("Resolution = %g, want in [0.25, 0.26)", res.Resolution)
	}
}

func TestSearchResolutionBestEffort(t *testing.T) {
	oracle := &stepOracle{countAt: func(float64) int { return 2 }}
	res, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 5})
	if err != nil {
		t.Fatalf("SearchResolution: %v", err)
	}
	if res.Achieved {
		t.Error("Achieved = true, want false when the target is unreachable")
	}
	if res.OracleCalls == 0 || res.OracleCalls > 1000 {
		t.Errorf("OracleCalls = %d, want a bounded positive count", res.OracleCalls)
	}
}

func TestSearchResolutionOracleError(t *testing.T) {
	oracle := OracleFunc(func(context.Context, float64, int64) (Labeling, error) {
		return nil, fmt.Errorf("backend unavailable")
	})
	if _, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 3}); err == nil {
		t.Error("expected oracle error to propagate")
	}
}

func TestSearchResolutionValidation(t *testing.T) {
	oracle := &stepOracle{countAt: func(float64) int { return 1 }}
	if _, err := SearchResolution(context.Background(), nil, SearchOptions{TargetClusters: 3}); err == nil {
		t.Error("expected error for nil oracle")
	}
	if _, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 0}); err == nil {
		t.Error("expected error for target < 1")
	}
	if _, err := SearchResolution(context.Background(), oracle, SearchOptions{TargetClusters: 3, Increment: -0.1}); err == nil {
		t.Error("expected error for negative increment")
	}
}
