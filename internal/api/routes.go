package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spatialpost/server/internal/resultstore"
	"github.com/spatialpost/server/internal/service"
)

// ClusterDefaults fill clustering job fields a submit request omits.
type ClusterDefaults struct {
	Method          string
	TargetClusters  int
	Increment       float64
	StartResolution float64
	Seed            int64
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry        *DatasetRegistry
	CORSOrigins     []string
	JobManager      *JobManager
	ClusterService  *service.ClusterService
	ClusterDefaults ClusterDefaults
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Global gene_lookup endpoint (resolves gene -> matching datasets)
	r.Get("/api/gene_lookup", geneLookupHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/genes", genesHandler)
			r.Get("/genes/{gene}/stats", geneStatsHandler)
			r.Post("/genes/{gene}/restore", geneRestoreHandler)
			r.Post("/genes/restore", geneBatchRestoreHandler)
			r.Get("/genes/{gene}/map.png", expressionMapHandler)
			r.Get("/genes/{gene}/map", expressionMapHandler)
			r.Get("/weights/stats", weightStatsHandler)
			r.Get("/density", densityHandler)

			r.Get("/cluster/methods", clusterMethodsHandler(cfg.ClusterService))
			r.Route("/cluster/jobs", func(r chi.Router) {
				r.Post("/", clusterJobSubmitHandler(cfg.JobManager, cfg.ClusterDefaults))
				r.Get("/", clusterJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", clusterJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", clusterJobResultHandler(cfg.JobManager))
				r.Get("/{job_id}/map.png", clusterJobMapHandler(cfg.JobManager))
				r.Delete("/{job_id}", clusterJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the
// analysis service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.AnalysisService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.AnalysisService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
		})
	}
}

// geneLookupHandler resolves a gene to the list of datasets containing it.
func geneLookupHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gene := strings.TrimSpace(r.URL.Query().Get("gene"))
		if gene == "" {
			http.Error(w, "missing required query param: gene", http.StatusBadRequest)
			return
		}

		var matchingDatasets []string
		for _, dsID := range registry.DatasetIDs() {
			svc := registry.Get(dsID)
			if svc == nil {
				continue
			}
			md := svc.Zarr().Metadata()
			if md == nil || md.GeneIndex == nil {
				continue
			}
			if _, ok := md.GeneIndex[gene]; ok {
				matchingDatasets = append(matchingDatasets, dsID)
			}
		}

		writeJSON(w, map[string]interface{}{
			"gene":     gene,
			"datasets": matchingDatasets,
		})
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, svc.Zarr().Metadata())
}

// genesHandler lists gene names, with optional prefix filtering.
func genesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	md := svc.Zarr().Metadata()
	prefix := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
		}
	}

	var genes []string
	for _, g := range md.Genes {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(g), prefix) {
			continue
		}
		genes = append(genes, g)
	}
	sort.Strings(genes)
	total := len(genes)
	if len(genes) > limit {
		genes = genes[:limit]
	}

	writeJSON(w, map[string]interface{}{
		"genes": genes,
		"total": total,
	})
}

func geneStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	gene := chi.URLParam(r, "gene")
	stats, err := svc.GeneStats(gene)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, stats)
}

type restoreRequest struct {
	Genes        []string `json:"genes,omitempty"`
	Method       string   `json:"method"`
	RankK        int      `json:"rank_k"`
	QuantileProb float64  `json:"quantile_prob"`
	// Pointer so an absent field falls back to the dataset default.
	Rescale     *bool `json:"rescale"`
	Smooth      bool  `json:"smooth"`
	IncludeMask bool  `json:"include_mask"`
}

func (req *restoreRequest) options() service.RestoreOptions {
	return service.RestoreOptions{
		QuantileProb: req.QuantileProb,
		RankK:        req.RankK,
		Method:       req.Method,
		Rescale:      req.Rescale,
		Smooth:       req.Smooth,
	}
}

func geneRestoreHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	var req restoreRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	gene := chi.URLParam(r, "gene")
	result, err := svc.RestoreGene(r.Context(), gene, req.options())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]interface{}{
		"gene":           gene,
		"values":         result.Values,
		"threshold":      result.Threshold,
		"restored_count": result.RestoredCount,
		"zeroed_count":   result.ZeroedCount,
	}
	if req.IncludeMask {
		resp["restored"] = result.Restored
	}
	writeJSON(w, resp)
}

func geneBatchRestoreHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Genes) == 0 {
		http.Error(w, "genes is required (at least one gene)", http.StatusBadRequest)
		return
	}
	if len(req.Genes) > 50 {
		http.Error(w, "too many genes (max 50)", http.StatusBadRequest)
		return
	}

	results, err := svc.RestoreGenes(r.Context(), req.Genes, req.options())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"results": results,
	})
}

func expressionMapHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	gene := strings.TrimSuffix(chi.URLParam(r, "gene"), ".png")
	colormapName := r.URL.Query().Get("colormap")
	opts := service.RestoreOptions{
		Smooth: r.URL.Query().Get("smooth") == "true",
	}

	data, err := svc.RenderExpressionMap(r.Context(), gene, colormapName, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func weightStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	data, err := svc.WeightStatsJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func densityHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	radius, err := strconv.ParseFloat(r.URL.Query().Get("radius"), 64)
	if err != nil || radius <= 0 {
		http.Error(w, "radius must be a positive number", http.StatusBadRequest)
		return
	}

	density, err := svc.LocalDensity(radius)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"radius":  radius,
		"density": density,
	})
}

func clusterMethodsHandler(cs *service.ClusterService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cs == nil {
			http.Error(w, "cluster service not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, map[string]interface{}{
			"methods": cs.Methods(),
		})
	}
}

type clusterJobSubmitRequest struct {
	Method          string  `json:"method"`
	TargetClusters  int     `json:"target_clusters"`
	Increment       float64 `json:"increment"`
	StartResolution float64 `json:"start_resolution"`
	Seed            int64   `json:"seed"`
}

func clusterJobSubmitHandler(jm *JobManager, defaults ClusterDefaults) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req clusterJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Fill omitted fields from the configured defaults before validating.
		if req.Method == "" {
			req.Method = defaults.Method
		}
		if req.Method == "" {
			req.Method = "kmeans"
		}
		if req.TargetClusters == 0 {
			req.TargetClusters = defaults.TargetClusters
		}
		if req.Increment == 0 {
			req.Increment = defaults.Increment
		}
		if req.StartResolution == 0 {
			req.StartResolution = defaults.StartResolution
		}
		if req.Seed == 0 {
			req.Seed = defaults.Seed
		}

		if req.TargetClusters < 1 {
			http.Error(w, "target_clusters must be >= 1", http.StatusBadRequest)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		params := resultstore.JobParams{
			DatasetID:       datasetID,
			Method:          req.Method,
			TargetClusters:  req.TargetClusters,
			Increment:       req.Increment,
			StartResolution: req.StartResolution,
			Seed:            req.Seed,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func clusterJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.List(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"jobs": jobs,
		})
	}
}

// lookupDatasetJob loads a job and verifies it belongs to the dataset
// in the URL.
func lookupDatasetJob(jm *JobManager, r *http.Request) *resultstore.Job {
	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		return nil
	}
	if job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func clusterJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := lookupDatasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"error":       job.Error,
		})
	}
}

func clusterJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := lookupDatasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != resultstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		res, err := jm.Store().GetResult(job.ID)
		if err != nil {
			http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if res == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}

		// Labels are omitted unless explicitly requested; they can be large.
		if r.URL.Query().Get("labels") != "true" {
			res.Labels = nil
		}

		writeJSON(w, map[string]interface{}{
			"params": job.Params,
			"result": res,
		})
	}
}

func clusterJobMapHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}

		job := lookupDatasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != resultstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		res, err := jm.Store().GetResult(job.ID)
		if err != nil || res == nil {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}

		data, err := svc.RenderClusterMap(res.Labels, res.Palette)
		if err != nil {
			http.Error(w, "failed to render map: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func clusterJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := lookupDatasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(job.ID)

		writeJSON(w, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": true,
		})
	}
}
