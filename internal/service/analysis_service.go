// Package service provides business logic for the spatial post-processing server.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"log"
	"sync"

	"github.com/spatialpost/server/internal/cache"
	"github.com/spatialpost/server/internal/data/zarr"
	"github.com/spatialpost/server/internal/reconstruct"
	"github.com/spatialpost/server/internal/render"
	"github.com/spatialpost/server/internal/spatial"
	"github.com/spatialpost/server/pkg/colormap"
)

// AnalysisServiceConfig contains analysis service configuration.
type AnalysisServiceConfig struct {
	DatasetID  string
	Platform   string
	ZarrReader *zarr.Reader
	Cache      *cache.Manager
	Renderer   *render.MapRenderer

	// Weight matrix parameters.
	Neighbors int
	Beta      float64

	// Reconstruction defaults.
	QuantileProb    float64
	RankK           int
	ThresholdMethod string
	Rescale         bool
}

// AnalysisService handles per-dataset analysis: weight matrix
// construction, gene reconstruction, and map rendering.
type AnalysisService struct {
	datasetID string
	platform  spatial.Platform
	zarr      *zarr.Reader
	cache     *cache.Manager
	renderer  *render.MapRenderer

	neighbors int
	beta      float64
	defaults  RestoreOptions

	// Weights are built lazily on first use.
	weightsOnce sync.Once
	weights     *spatial.WeightMatrix
	weightsInfo spatial.BuildInfo
	weightsErr  error
}

// RestoreOptions parametrize a gene restore request. Zero values fall
// back to the configured dataset defaults; Rescale is a pointer so an
// omitted flag is distinguishable from an explicit false.
type RestoreOptions struct {
	QuantileProb float64
	RankK        int
	Method       string
	Rescale      *bool
	Smooth       bool // additionally diffuse the restored vector through the weight matrix
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cfg AnalysisServiceConfig) (*AnalysisService, error) {
	platformName := cfg.Platform
	if platformName == "" {
		if md := cfg.ZarrReader.Metadata(); md != nil {
			platformName = md.Platform
		}
	}
	platform, err := spatial.ParsePlatform(platformName)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", cfg.DatasetID, err)
	}

	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	rescale := cfg.Rescale
	return &AnalysisService{
		datasetID: datasetID,
		platform:  platform,
		zarr:      cfg.ZarrReader,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		neighbors: cfg.Neighbors,
		beta:      cfg.Beta,
		defaults: RestoreOptions{
			QuantileProb: cfg.QuantileProb,
			RankK:        cfg.RankK,
			Method:       cfg.ThresholdMethod,
			Rescale:      &rescale,
		},
	}, nil
}

// DatasetID returns the dataset identifier.
func (s *AnalysisService) DatasetID() string {
	return s.datasetID
}

// Zarr returns the underlying store reader.
func (s *AnalysisService) Zarr() *zarr.Reader {
	return s.zarr
}

// Platform returns the dataset platform.
func (s *AnalysisService) Platform() spatial.Platform {
	return s.platform
}

// Weights returns the spatial weight matrix for the dataset, building
// it on first use.
func (s *AnalysisService) Weights() (*spatial.WeightMatrix, spatial.BuildInfo, error) {
	s.weightsOnce.Do(func() {
		coords, err := s.zarr.Coordinates()
		if err != nil {
			s.weightsErr = fmt.Errorf("failed to read coordinates: %w", err)
			return
		}
		s.weights, s.weightsInfo, s.weightsErr = spatial.BuildWeights(coords, s.neighbors, s.beta, s.platform)
		if s.weightsErr == nil {
			log.Printf("[Analysis] %s: built weight matrix, %d rows, %d nonzeros",
				s.datasetID, s.weightsInfo.Rows, s.weightsInfo.NNZ)
		}
	})
	return s.weights, s.weightsInfo, s.weightsErr
}

// GeneStats returns raw expression statistics for a gene.
func (s *AnalysisService) GeneStats(gene string) (*zarr.GeneStats, error) {
	return s.zarr.GetGeneStats(gene)
}

// RestoreGene reconstructs and thresholds one gene's expression,
// caching the resulting vector.
func (s *AnalysisService) RestoreGene(ctx context.Context, gene string, opts RestoreOptions) (*reconstruct.Result, error) {
	opts = s.fillDefaults(opts)

	method, err := reconstruct.ParseThresholdMethod(opts.Method)
	if err != nil {
		return nil, err
	}

	rescale := opts.Rescale != nil && *opts.Rescale
	key := cache.GeneKey(s.datasetID, gene, string(method), opts.RankK, opts.QuantileProb, rescale)
	if opts.Smooth {
		key += ":smoothed"
	}
	if entry, ok := s.cache.GetRestore(key); ok {
		return &reconstruct.Result{
			Values:        entry.Values,
			Threshold:     entry.Threshold,
			Restored:      entry.Restored,
			RestoredCount: entry.RestoredCount,
			ZeroedCount:   entry.ZeroedCount,
		}, nil
	}

	md := s.zarr.Metadata()
	geneIdx, ok := md.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}

	original, err := s.zarr.GeneExpression(gene)
	if err != nil {
		return nil, err
	}
	rep, err := s.zarr.SmoothedRep()
	if err != nil {
		return nil, err
	}
	loadings, err := s.zarr.Loadings()
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result, err := reconstruct.Reconstruct(reconstruct.Params{
		SmoothedRep:  rep,
		Loadings:     loadings,
		GeneIndex:    geneIdx,
		Original:     original,
		QuantileProb: opts.QuantileProb,
		RankK:        opts.RankK,
		Method:       method,
		Rescale:      rescale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct %s: %w", gene, err)
	}

	if opts.Smooth {
		result.Values, err = s.smoothVector(result.Values)
		if err != nil {
			return nil, err
		}
	}

	if err := s.cache.SetRestore(key, &cache.RestoreEntry{
		Values:        result.Values,
		Threshold:     result.Threshold,
		Restored:      result.Restored,
		RestoredCount: result.RestoredCount,
		ZeroedCount:   result.ZeroedCount,
	}); err != nil {
		log.Printf("[Analysis] %s: failed to cache gene %s: %v", s.datasetID, gene, err)
	}

	return result, nil
}

// RestoreGenes reconstructs several genes concurrently with shared
// store reads.
func (s *AnalysisService) RestoreGenes(ctx context.Context, genes []string, opts RestoreOptions) (map[string]*reconstruct.Result, error) {
	opts = s.fillDefaults(opts)

	method, err := reconstruct.ParseThresholdMethod(opts.Method)
	if err != nil {
		return nil, err
	}

	md := s.zarr.Metadata()
	requests := make([]reconstruct.GeneRequest, 0, len(genes))
	for _, gene := range genes {
		idx, ok := md.GeneIndex[gene]
		if !ok {
			return nil, fmt.Errorf("gene not found: %s", gene)
		}
		original, err := s.zarr.GeneExpression(gene)
		if err != nil {
			return nil, err
		}
		requests = append(requests, reconstruct.GeneRequest{Name: gene, Index: idx, Original: original})
	}

	rep, err := s.zarr.SmoothedRep()
	if err != nil {
		return nil, err
	}
	loadings, err := s.zarr.Loadings()
	if err != nil {
		return nil, err
	}

	return reconstruct.Batch(ctx, rep, loadings, requests, reconstruct.BatchOptions{
		QuantileProb: opts.QuantileProb,
		RankK:        opts.RankK,
		Method:       method,
		Rescale:      opts.Rescale != nil && *opts.Rescale,
	})
}

// LocalDensity returns per-cell local density at the given radius.
func (s *AnalysisService) LocalDensity(radius float64) ([]float64, error) {
	coords, err := s.zarr.Coordinates()
	if err != nil {
		return nil, err
	}
	return spatial.LocalDensity(coords, radius)
}

// ChaosScore computes the spatial coherence score for a labeling of
// this dataset's cells.
func (s *AnalysisService) ChaosScore(ctx context.Context, labels []int) (float64, error) {
	coords, err := s.zarr.Coordinates()
	if err != nil {
		return 0, err
	}
	return spatial.CHAOS(ctx, labels, coords)
}

// RenderExpressionMap renders a PNG of a restored gene, cached by
// request parameters.
func (s *AnalysisService) RenderExpressionMap(ctx context.Context, gene, colormapName string, opts RestoreOptions) ([]byte, error) {
	key := cache.MapKey(s.datasetID, "expr", fmt.Sprintf("%s:%t", gene, opts.Smooth), colormapName, 0)
	if data, ok := s.cache.GetQuery(key); ok {
		return data, nil
	}

	result, err := s.RestoreGene(ctx, gene, opts)
	if err != nil {
		return nil, err
	}
	coords, err := s.zarr.Coordinates()
	if err != nil {
		return nil, err
	}

	valMin, valMax := result.Values[0], result.Values[0]
	for _, v := range result.Values {
		if v < valMin {
			valMin = v
		}
		if v > valMax {
			valMax = v
		}
	}

	data, err := s.renderer.RenderExpressionMap(coords, result.Values, valMin, valMax, colormapName)
	if err != nil {
		return nil, err
	}
	s.cache.SetQuery(key, data)
	return data, nil
}

// WeightStatsJSON returns the weight matrix build report as JSON,
// cached after first computation.
func (s *AnalysisService) WeightStatsJSON() ([]byte, error) {
	key := cache.MapKey(s.datasetID, "weights", "stats", "", 0)
	if data, ok := s.cache.GetQuery(key); ok {
		return data, nil
	}

	_, info, err := s.Weights()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	s.cache.SetQuery(key, data)
	return data, nil
}

// RenderClusterMap renders a PNG of a labeling using a hex palette.
func (s *AnalysisService) RenderClusterMap(labels []int, palette []string) ([]byte, error) {
	coords, err := s.zarr.Coordinates()
	if err != nil {
		return nil, err
	}

	colors := make([]color.RGBA, len(palette))
	for i, hex := range palette {
		c, err := colormap.ParseHex(hex)
		if err != nil {
			return nil, err
		}
		colors[i] = c
	}

	return s.renderer.RenderClusterMap(coords, labels, colors)
}

func (s *AnalysisService) smoothVector(values []float64) ([]float64, error) {
	w, _, err := s.Weights()
	if err != nil {
		return nil, err
	}
	cols := make([][]float64, len(values))
	for i, v := range values {
		cols[i] = []float64{v}
	}
	smoothed, err := w.Smooth(cols)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i := range smoothed {
		out[i] = smoothed[i][0]
	}
	return out, nil
}

func (s *AnalysisService) fillDefaults(opts RestoreOptions) RestoreOptions {
	if opts.QuantileProb == 0 {
		opts.QuantileProb = s.defaults.QuantileProb
	}
	if opts.RankK == 0 {
		opts.RankK = s.defaults.RankK
	}
	if opts.Method == "" {
		opts.Method = s.defaults.Method
	}
	if opts.Rescale == nil {
		opts.Rescale = s.defaults.Rescale
	}
	return opts
}
