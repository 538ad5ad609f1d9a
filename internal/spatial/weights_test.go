package spatial

import (
	"math"
	"testing"
)

func grid3x3() [][]float64 {
	coords := make([][]float64, 0, 9)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			coords = append(coords, []float64{float64(x), float64(y)})
		}
	}
	return coords
}

func TestBuildWeightsRowStochastic(t *testing.T) {
	coords := [][]float64{
		{0.1, 0.3}, {1.2, 0.4}, {0.5, 1.8}, {2.2, 2.1},
		{3.0, 0.2}, {1.7, 2.9}, {0.4, 2.4}, {2.8, 1.1},
	}
	m, info, err := BuildWeights(coords, 4, 2, PlatformGeneric)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if info.Rows != 8 {
		t.Errorf("Rows = %d, want 8", info.Rows)
	}
	for i := 0; i < m.NumRows(); i++ {
		if sum := m.RowSum(i); math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sum = %.12f, want 1", i, sum)
		}
	}
}

func TestBuildWeightsGridSelfWeightLargest(t *testing.T) {
	// On a regular grid the forced self-distance is half the spot
	// spacing, so the diagonal strictly dominates every row.
	m, _, err := BuildWeights(grid3x3(), 4, 2, PlatformGrid)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	for i := 0; i < m.NumRows(); i++ {
		self := m.At(i, i)
		if self <= 0 {
			t.Fatalf("row %d has no self weight", i)
		}
		cols, vals := m.Row(i)
		for e, j := range cols {
			if j != i && vals[e] >= self {
				t.Errorf("row %d: weight to %d (%g) >= self weight (%g)", i, j, vals[e], self)
			}
		}
	}
}

func TestBuildWeightsGridDiagonalDistance(t *testing.T) {
	_, info, err := BuildWeights(grid3x3(), 4, 2, PlatformGrid)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if info.MinNeighborDist != 1 {
		t.Errorf("MinNeighborDist = %g, want 1", info.MinNeighborDist)
	}
	if info.DiagonalDist != 0.5 {
		t.Errorf("DiagonalDist = %g, want 0.5", info.DiagonalDist)
	}

	_, info, err = BuildWeights(grid3x3(), 4, 2, PlatformGeneric)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if info.DiagonalDist != 1 {
		t.Errorf("generic DiagonalDist = %g, want 1", info.DiagonalDist)
	}
}

func TestBuildWeightsTrimsOutlierDistances(t *testing.T) {
	// Ten tightly packed cells plus one far outlier: the outlier's
	// neighbor distances land beyond the 99th percentile and are
	// dropped, while every row stays normalized.
	coords := [][]float64{
		{0, 0}, {1, 0}, {2, 0}, {0, 1}, {1, 1},
		{2, 1}, {0, 2}, {1, 2}, {2, 2}, {1, 3},
		{500, 500},
	}
	m, info, err := BuildWeights(coords, 3, 2, PlatformGeneric)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if info.TrimThreshold <= 0 {
		t.Errorf("TrimThreshold = %g, want > 0", info.TrimThreshold)
	}
	if m.NNZ() >= 11*3 {
		t.Errorf("NNZ = %d, expected trimming below %d", m.NNZ(), 11*3)
	}
	for i := 0; i < m.NumRows(); i++ {
		if sum := m.RowSum(i); math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sum = %.12f, want 1", i, sum)
		}
	}
	// The outlier keeps its self weight.
	if m.At(10, 10) <= 0 {
		t.Error("outlier row lost its self weight")
	}
}

func TestBuildWeightsDegenerateCoordinates(t *testing.T) {
	coords := [][]float64{{2, 2}, {2, 2}, {2, 2}}
	m, info, err := BuildWeights(coords, 3, 2, PlatformGeneric)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if !info.Degenerate {
		t.Error("Degenerate = false, want true")
	}
	// Coincident neighbors carry no weight; only the forced diagonal
	// remains, already normalized.
	for i := 0; i < 3; i++ {
		if m.At(i, i) != 1 {
			t.Errorf("At(%d,%d) = %g, want 1", i, i, m.At(i, i))
		}
	}
}

func TestBuildWeightsShrinksK(t *testing.T) {
	coords := [][]float64{{0, 0}, {1, 0}, {0, 1}}
	_, info, err := BuildWeights(coords, 10, 2, PlatformGeneric)
	if err != nil {
		t.Fatalf("BuildWeights: %v", err)
	}
	if info.K != 3 {
		t.Errorf("K = %d, want 3", info.K)
	}
}

func TestBuildWeightsValidation(t *testing.T) {
	square := [][]float64{{0, 0}, {1, 1}}
	cases := []struct {
		name     string
		coords   [][]float64
		k        int
		beta     float64
		platform Platform
	}{
		{"empty", nil, 4, 2, PlatformGeneric},
		{"zero k", square, 0, 2, PlatformGeneric},
		{"zero beta", square, 4, 0, PlatformGeneric},
		{"negative beta", square, 4, -1, PlatformGeneric},
		{"1D coords", [][]float64{{0}, {1}}, 2, 2, PlatformGeneric},
		{"ragged coords", [][]float64{{0, 0}, {1, 1, 1}}, 2, 2, PlatformGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := BuildWeights(tc.coords, tc.k, tc.beta, tc.platform); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	cases := []struct {
		in   string
		want Platform
		ok   bool
	}{
		{"grid", PlatformGrid, true},
		{"visium", PlatformGrid, true},
		{"generic", PlatformGeneric, true},
		{"single_cell", PlatformGeneric, true},
		{"", PlatformGeneric, true},
		{"slide-seq", "", false},
	}
	for _, tc := range cases {
		got, err := ParsePlatform(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParsePlatform(%q) = %v, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParsePlatform(%q) succeeded, want error", tc.in)
		}
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	if got := percentile(sorted, 50); got != 3 {
		t.Errorf("p50 = %g, want 3", got)
	}
	if got := percentile(sorted, 100); got != 5 {
		t.Errorf("p100 = %g, want 5", got)
	}
	if got := percentile([]float64{7}, 99); got != 7 {
		t.Errorf("single value p99 = %g, want 7", got)
	}
	// Interpolated rank: p25 of 5 values sits at rank 1.0 exactly.
	if got := percentile(sorted, 25); got != 2 {
		t.Errorf("p25 = %g, want 2", got)
	}
}
