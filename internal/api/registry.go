package api

import (
	"github.com/spatialpost/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// DatasetRegistry holds analysis services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.AnalysisService
	defaultDataset string
	datasetOrder   []string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.AnalysisService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
	}
}

// Register adds an analysis service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.AnalysisService) {
	r.services[datasetID] = svc
}

// Get returns the analysis service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.AnalysisService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		info := DatasetInfo{ID: id, Name: id}
		if svc := r.services[id]; svc != nil {
			info.Platform = string(svc.Platform())
		}
		infos = append(infos, info)
	}
	return infos
}
