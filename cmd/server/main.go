// Package main is the entry point for the spatial post-processing server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spatialpost/server/internal/api"
	"github.com/spatialpost/server/internal/cache"
	"github.com/spatialpost/server/internal/config"
	"github.com/spatialpost/server/internal/data/zarr"
	"github.com/spatialpost/server/internal/render"
	"github.com/spatialpost/server/internal/resultstore"
	"github.com/spatialpost/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting spatial post-processing server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		GeneCacheSizeMB: cfg.Cache.GeneCacheSizeMB,
		GeneTTL:         time.Duration(cfg.Cache.GeneTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize map renderer (shared across all datasets)
	mapRenderer := render.NewMapRenderer(render.Config{
		ImageSize:       cfg.Render.ImageSize,
		PointSize:       cfg.Render.PointSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		zarrReader, err := zarr.NewReader(ds.StorePath)
		if err != nil {
			log.Fatalf("Failed to open store for dataset %q: %v", datasetID, err)
		}

		md := zarrReader.Metadata()
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.StorePath)
		log.Printf("    Cells: %d, Genes: %d, Latent dims: %d", md.NCells, md.NGenes, md.NLatent)

		analysisService, err := service.NewAnalysisService(service.AnalysisServiceConfig{
			DatasetID:       datasetID,
			Platform:        ds.Platform,
			ZarrReader:      zarrReader,
			Cache:           cacheManager,
			Renderer:        mapRenderer,
			Neighbors:       cfg.Smoothing.Neighbors,
			Beta:            cfg.Smoothing.Beta,
			QuantileProb:    cfg.Reconstruct.QuantileProb,
			RankK:           cfg.Reconstruct.RankK,
			ThresholdMethod: cfg.Reconstruct.ThresholdMethod,
			Rescale:         cfg.Reconstruct.Rescale,
		})
		if err != nil {
			log.Fatalf("Failed to initialize analysis service for dataset %q: %v", datasetID, err)
		}

		registry.Register(datasetID, analysisService)
	}

	// Open the clustering job store (SQLite persistence)
	jobStore, err := resultstore.NewStore(cfg.Data.JobDBPath)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer jobStore.Close()

	// Wire up cluster service as job executor
	clusterService := service.NewClusterService(registry)
	jobManager := api.NewJobManager(jobStore, clusterService.ExecuteClusterJob, api.JobManagerConfig{
		MaxConcurrent: cfg.Clustering.MaxConcurrent,
		RetentionDays: cfg.Clustering.RetentionDays,
	})
	log.Printf("Cluster job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Clustering.MaxConcurrent, cfg.Clustering.RetentionDays, cfg.Data.JobDBPath)

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:       registry,
		CORSOrigins:    cfg.Server.CORSOrigins,
		JobManager:     jobManager,
		ClusterService: clusterService,
		ClusterDefaults: api.ClusterDefaults{
			Method:          cfg.Clustering.Method,
			TargetClusters:  cfg.Clustering.TargetClusters,
			Increment:       cfg.Clustering.Increment,
			StartResolution: cfg.Clustering.StartRes,
			Seed:            cfg.Clustering.Seed,
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
