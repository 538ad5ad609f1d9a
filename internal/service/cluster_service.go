package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spatialpost/server/internal/clustering"
	"github.com/spatialpost/server/internal/resultstore"
	"github.com/spatialpost/server/pkg/colormap"
)

// OracleBuilder constructs a clustering oracle bound to a dataset's
// smoothed representation.
type OracleBuilder func(rep [][]float64) clustering.Oracle

// ClusterService executes clustering jobs against registered datasets.
type ClusterService struct {
	registry interface {
		Get(datasetID string) *AnalysisService
	}

	mu      sync.RWMutex
	oracles map[string]OracleBuilder
}

// NewClusterService creates a new cluster service.
func NewClusterService(registry interface{ Get(datasetID string) *AnalysisService }) *ClusterService {
	return &ClusterService{
		registry: registry,
		oracles:  make(map[string]OracleBuilder),
	}
}

// RegisterOracle registers a resolution-driven clustering method under
// a name. Methods registered here are searched with the resolution scan;
// the built-in "kmeans" method takes the target count directly instead.
func (s *ClusterService) RegisterOracle(method string, builder OracleBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oracles[method] = builder
}

// Methods lists available clustering methods.
func (s *ClusterService) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := []string{"kmeans"}
	for m := range s.oracles {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// ExecuteClusterJob runs one clustering job end to end: it labels the
// cells, scores spatial coherence, and persists the result. Called by
// the job manager worker.
func (s *ClusterService) ExecuteClusterJob(ctx context.Context, store *resultstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	store.UpdateJobProgress(jobID, "loading", 0, 3)
	rep, err := svc.Zarr().SmoothedRep()
	if err != nil {
		return fmt.Errorf("failed to load representation: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	store.UpdateJobProgress(jobID, "clustering", 1, 3)
	labels, search, err := s.runClustering(ctx, job.Params, rep)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	store.UpdateJobProgress(jobID, "scoring", 2, 3)
	chaos, err := svc.ChaosScore(ctx, labels)
	if err != nil {
		return fmt.Errorf("failed to score labeling: %w", err)
	}

	numClusters := clustering.Labeling(labels).NumClusters()
	palette := make([]string, numClusters)
	for i, c := range colormap.Palette(numClusters) {
		palette[i] = colormap.Hex(c)
	}

	store.UpdateJobProgress(jobID, "saving", 3, 3)
	return store.SaveResult(&resultstore.JobResult{
		JobID:       jobID,
		Resolution:  search.Resolution,
		Achieved:    search.Achieved,
		NumClusters: numClusters,
		ChaosScore:  chaos,
		Labels:      labels,
		Palette:     palette,
	})
}

func (s *ClusterService) runClustering(ctx context.Context, params resultstore.JobParams, rep [][]float64) (clustering.Labeling, clustering.SearchResult, error) {
	if params.Method == "" || params.Method == "kmeans" {
		// KMeans takes the cluster count directly; no resolution scan.
		labels, err := clustering.KMeans(rep, params.TargetClusters, params.Seed, 100)
		if err != nil {
			return nil, clustering.SearchResult{}, fmt.Errorf("kmeans failed: %w", err)
		}
		return labels, clustering.SearchResult{
			Achieved: labels.NumClusters() == params.TargetClusters,
			Clusters: labels.NumClusters(),
		}, nil
	}

	s.mu.RLock()
	builder, ok := s.oracles[params.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, clustering.SearchResult{}, fmt.Errorf("unknown clustering method: %s", params.Method)
	}

	oracle := builder(rep)
	result, err := clustering.SearchResolution(ctx, oracle, clustering.SearchOptions{
		TargetClusters: params.TargetClusters,
		Increment:      params.Increment,
		Start:          params.StartResolution,
		Seed:           params.Seed,
	})
	if err != nil {
		return nil, clustering.SearchResult{}, fmt.Errorf("resolution search failed: %w", err)
	}

	labels, err := oracle.LabelsAt(ctx, result.Resolution, params.Seed)
	if err != nil {
		return nil, clustering.SearchResult{}, fmt.Errorf("oracle at final resolution %g: %w", result.Resolution, err)
	}
	return labels, result, nil
}
