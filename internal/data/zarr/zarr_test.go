package zarr

import (
	"math"
	"path/filepath"
	"testing"
)

func testStoreData() StoreData {
	return StoreData{
		DatasetName: "fixture",
		Platform:    "grid",
		Genes:       []string{"Gad1", "Slc17a7", "Pvalb"},
		Coordinates: [][]float64{
			{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 2},
		},
		Expression: [][]float64{
			{0, 1, 0},
			{2, 0, 0},
			{0, 3, 1},
			{4, 0, 0},
			{0, 0, 2},
		},
		SmoothedRep: [][]float64{
			{1, 0}, {0.5, 0.5}, {0, 1}, {0.25, 0.75}, {0.1, 0.9},
		},
		Loadings: [][]float64{
			{1, 0, 0.5},
			{0, 1, 0.5},
		},
	}
}

func writeTestStore(t *testing.T, chunkRows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.zarr")
	if err := WriteStore(path, testStoreData(), chunkRows); err != nil {
		t.Fatalf("WriteStore: %v", err)
	}
	return path
}

func assertMatrix(t *testing.T, got, want [][]float64, label string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: %d rows, want %d", label, len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("%s row %d: %d cols, want %d", label, i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			// Stored as float32.
			if math.Abs(got[i][j]-want[i][j]) > 1e-6 {
				t.Errorf("%s[%d][%d] = %g, want %g", label, i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	data := testStoreData()
	// chunkRows 2 forces multi-chunk reads for 5 cells.
	for _, chunkRows := range []int{2, 100} {
		path := writeTestStore(t, chunkRows)
		r, err := NewReader(path)
		if err != nil {
			t.Fatalf("NewReader(chunkRows=%d): %v", chunkRows, err)
		}
		defer r.Close()

		md := r.Metadata()
		if md.NCells != 5 || md.NGenes != 3 || md.NLatent != 2 || md.NDims != 2 {
			t.Errorf("metadata counts = %d/%d/%d/%d", md.NCells, md.NGenes, md.NLatent, md.NDims)
		}
		if md.Platform != "grid" || md.DatasetName != "fixture" {
			t.Errorf("metadata identity = %q/%q", md.DatasetName, md.Platform)
		}
		if md.GeneIndex["Slc17a7"] != 1 {
			t.Errorf("GeneIndex[Slc17a7] = %d, want 1", md.GeneIndex["Slc17a7"])
		}
		if md.Bounds.MinX != 0 || md.Bounds.MaxX != 2 || md.Bounds.MaxY != 2 {
			t.Errorf("Bounds = %+v", md.Bounds)
		}

		coords, err := r.Coordinates()
		if err != nil {
			t.Fatalf("Coordinates: %v", err)
		}
		assertMatrix(t, coords, data.Coordinates, "coordinates")

		rep, err := r.SmoothedRep()
		if err != nil {
			t.Fatalf("SmoothedRep: %v", err)
		}
		assertMatrix(t, rep, data.SmoothedRep, "smoothed rep")

		loadings, err := r.Loadings()
		if err != nil {
			t.Fatalf("Loadings: %v", err)
		}
		assertMatrix(t, loadings, data.Loadings, "loadings")
	}
}

func TestGeneExpressionColumn(t *testing.T) {
	path := writeTestStore(t, 2)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	expr, err := r.GeneExpression("Slc17a7")
	if err != nil {
		t.Fatalf("GeneExpression: %v", err)
	}
	want := []float64{1, 0, 3, 0, 0}
	for i, v := range want {
		if math.Abs(expr[i]-v) > 1e-6 {
			t.Errorf("expr[%d] = %g, want %g", i, expr[i], v)
		}
	}

	if _, err := r.GeneExpression("Nonexistent"); err == nil {
		t.Error("expected error for unknown gene")
	}
}

func TestGetGeneStats(t *testing.T) {
	path := writeTestStore(t, 100)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	// Gad1 column is [0, 2, 0, 4, 0].
	stats, err := r.GetGeneStats("Gad1")
	if err != nil {
		t.Fatalf("GetGeneStats: %v", err)
	}
	if stats.ExpressingCells != 2 || stats.TotalCells != 5 {
		t.Errorf("expressing/total = %d/%d, want 2/5", stats.ExpressingCells, stats.TotalCells)
	}
	if math.Abs(stats.MeanExpression-3) > 1e-6 {
		t.Errorf("MeanExpression = %g, want 3", stats.MeanExpression)
	}
	if math.Abs(stats.MaxExpression-4) > 1e-6 {
		t.Errorf("MaxExpression = %g, want 4", stats.MaxExpression)
	}
	// ceil(0.8*2)-1 = 1, the second positive value.
	if math.Abs(stats.P80Expression-4) > 1e-6 {
		t.Errorf("P80Expression = %g, want 4", stats.P80Expression)
	}
	if stats.Index != 0 {
		t.Errorf("Index = %d, want 0", stats.Index)
	}

	if _, err := r.GetGeneStats("Nonexistent"); err == nil {
		t.Error("expected error for unknown gene")
	}
}

func TestNewReaderMissingStore(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing store")
	}
}

func TestWriteStoreValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zarr")
	if err := WriteStore(path, StoreData{}, 2); err == nil {
		t.Error("expected error for empty store data")
	}

	data := testStoreData()
	data.Expression = data.Expression[:2]
	if err := WriteStore(path, data, 2); err == nil {
		t.Error("expected error for mismatched row counts")
	}
}
