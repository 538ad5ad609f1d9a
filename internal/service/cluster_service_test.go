package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spatialpost/server/internal/clustering"
	"github.com/spatialpost/server/internal/resultstore"
)

type testRegistry struct {
	svc *AnalysisService
}

func (r *testRegistry) Get(datasetID string) *AnalysisService {
	if datasetID == r.svc.DatasetID() {
		return r.svc
	}
	return nil
}

func newTestClusterSetup(t *testing.T) (*ClusterService, *resultstore.Store) {
	t.Helper()

	svc := newTestService(t)
	cs := NewClusterService(&testRegistry{svc: svc})

	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return cs, store
}

func TestExecuteClusterJobKMeans(t *testing.T) {
	cs, store := newTestClusterSetup(t)

	job := &resultstore.Job{
		ID:     "job-km",
		Status: resultstore.JobStatusQueued,
		Params: resultstore.JobParams{
			DatasetID:      "test",
			Method:         "kmeans",
			TargetClusters: 2,
			Seed:           7,
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := cs.ExecuteClusterJob(context.Background(), store, "job-km"); err != nil {
		t.Fatalf("ExecuteClusterJob: %v", err)
	}

	res, err := store.GetResult("job-km")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res == nil {
		t.Fatal("no result saved")
	}
	if res.NumClusters != 2 {
		t.Errorf("NumClusters = %d, want 2", res.NumClusters)
	}
	if !res.Achieved {
		t.Error("Achieved = false, want true")
	}
	if len(res.Labels) != 8 {
		t.Fatalf("labels len = %d, want 8", len(res.Labels))
	}
	// The two latent blocks must land in different clusters.
	if res.Labels[0] == res.Labels[4] {
		t.Errorf("blocks share a cluster: %v", res.Labels)
	}
	for i := 1; i < 4; i++ {
		if res.Labels[i] != res.Labels[0] || res.Labels[4+i] != res.Labels[4] {
			t.Errorf("labels not block-constant: %v", res.Labels)
		}
	}
	if len(res.Palette) != 2 {
		t.Errorf("palette len = %d, want 2", len(res.Palette))
	}
	if res.ChaosScore < 0 {
		t.Errorf("ChaosScore = %g, want >= 0", res.ChaosScore)
	}
}

func TestExecuteClusterJobOracleMethod(t *testing.T) {
	cs, store := newTestClusterSetup(t)

	// Synthetic method: cluster count grows with resolution, capping at
	// the number of cells.
	cs.RegisterOracle("steps", func(rep [][]float64) clustering.Oracle {
		return clustering.OracleFunc(func(ctx context.Context, resolution float64, seed int64) (clustering.Labeling, error) {
			k := int(resolution*10) + 1
			if k > len(rep) {
				k = len(rep)
			}
			labels := make(clustering.Labeling, len(rep))
			for i := range labels {
				labels[i] = i % k
			}
			return labels, nil
		})
	})

	job := &resultstore.Job{
		ID:     "job-or",
		Status: resultstore.JobStatusQueued,
		Params: resultstore.JobParams{
			DatasetID:      "test",
			Method:         "steps",
			TargetClusters: 3,
			Seed:           7,
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := cs.ExecuteClusterJob(context.Background(), store, "job-or"); err != nil {
		t.Fatalf("ExecuteClusterJob: %v", err)
	}

	res, err := store.GetResult("job-or")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res == nil {
		t.Fatal("no result saved")
	}
	if res.NumClusters != 3 {
		t.Errorf("NumClusters = %d, want 3", res.NumClusters)
	}
	if !res.Achieved {
		t.Error("Achieved = false, want true")
	}
	if res.Resolution <= 0 {
		t.Errorf("Resolution = %g, want > 0", res.Resolution)
	}
}

func TestExecuteClusterJobUnknownMethod(t *testing.T) {
	cs, store := newTestClusterSetup(t)

	job := &resultstore.Job{
		ID:     "job-bad",
		Status: resultstore.JobStatusQueued,
		Params: resultstore.JobParams{
			DatasetID:      "test",
			Method:         "leiden",
			TargetClusters: 2,
		},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := cs.ExecuteClusterJob(context.Background(), store, "job-bad"); err == nil {
		t.Fatal("expected error for unregistered method")
	}
}

func TestExecuteClusterJobUnknownDataset(t *testing.T) {
	cs, store := newTestClusterSetup(t)

	job := &resultstore.Job{
		ID:        "job-ds",
		Status:    resultstore.JobStatusQueued,
		Params:    resultstore.JobParams{DatasetID: "nope", Method: "kmeans", TargetClusters: 2},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := cs.ExecuteClusterJob(context.Background(), store, "job-ds"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
}

func TestMethodsListsBuiltins(t *testing.T) {
	cs, _ := newTestClusterSetup(t)
	cs.RegisterOracle("steps", func(rep [][]float64) clustering.Oracle { return nil })

	methods := cs.Methods()
	if len(methods) != 2 || methods[0] != "kmeans" || methods[1] != "steps" {
		t.Fatalf("Methods = %v", methods)
	}
}
