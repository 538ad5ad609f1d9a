// Package config handles configuration loading for the spatial
// post-processing server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Data        DataConfig        `yaml:"data"`
	Cache       CacheConfig       `yaml:"cache"`
	Smoothing   SmoothingConfig   `yaml:"smoothing"`
	Clustering  ClusteringConfig  `yaml:"clustering"`
	Reconstruct ReconstructConfig `yaml:"reconstruct"`
	Render      RenderConfig      `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one dataset's store location.
type DatasetConfig struct {
	StorePath string `yaml:"store_path"`
	Platform  string `yaml:"platform"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	Datasets       map[string]DatasetConfig `yaml:"datasets"`
	DefaultDataset string                   `yaml:"default_dataset"`
	JobDBPath      string                   `yaml:"job_db_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	GeneCacheSizeMB int `yaml:"gene_cache_size_mb"`
	GeneTTLMinutes  int `yaml:"gene_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// SmoothingConfig contains spatial weight matrix settings.
type SmoothingConfig struct {
	Neighbors int     `yaml:"neighbors"`
	Beta      float64 `yaml:"beta"`
}

// ClusteringConfig contains clustering defaults.
type ClusteringConfig struct {
	Method         string  `yaml:"method"`
	TargetClusters int     `yaml:"target_clusters"`
	Increment      float64 `yaml:"increment"`
	StartRes       float64 `yaml:"start_resolution"`
	Seed           int64   `yaml:"seed"`
	MaxConcurrent  int     `yaml:"max_concurrent_jobs"`
	RetentionDays  int     `yaml:"retention_days"`
}

// ReconstructConfig contains gene reconstruction defaults.
type ReconstructConfig struct {
	QuantileProb    float64 `yaml:"quantile_prob"`
	RankK           int     `yaml:"rank_k"`
	ThresholdMethod string  `yaml:"threshold_method"`
	Rescale         bool    `yaml:"rescale"`
}

// RenderConfig contains map rendering settings.
type RenderConfig struct {
	ImageSize       int     `yaml:"image_size"`
	PointSize       float64 `yaml:"point_size"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration rather than an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Datasets:  map[string]DatasetConfig{},
			JobDBPath: "./data/jobs.db",
		},
		Cache: CacheConfig{
			GeneCacheSizeMB: 256,
			GeneTTLMinutes:  30,
			QueryCacheSize:  1000,
		},
		Smoothing: SmoothingConfig{
			Neighbors: 6,
			Beta:      2,
		},
		Clustering: ClusteringConfig{
			Method:         "kmeans",
			TargetClusters: 7,
			Increment:      0.1,
			StartRes:       0.001,
			Seed:           2023,
			MaxConcurrent:  1,
			RetentionDays:  7,
		},
		Reconstruct: ReconstructConfig{
			QuantileProb:    0.001,
			RankK:           20,
			ThresholdMethod: "alra",
			Rescale:         false,
		},
		Render: RenderConfig{
			ImageSize:       1024,
			PointSize:       3,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Data.DefaultDataset == "" {
		if ids := cfg.Data.DatasetIDs(); len(ids) > 0 {
			cfg.Data.DefaultDataset = ids[0]
		}
	}
	if cfg.Data.JobDBPath == "" {
		cfg.Data.JobDBPath = defaults.Data.JobDBPath
	}
	if cfg.Cache.GeneCacheSizeMB == 0 {
		cfg.Cache.GeneCacheSizeMB = defaults.Cache.GeneCacheSizeMB
	}
	if cfg.Cache.GeneTTLMinutes == 0 {
		cfg.Cache.GeneTTLMinutes = defaults.Cache.GeneTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Smoothing.Neighbors == 0 {
		cfg.Smoothing.Neighbors = defaults.Smoothing.Neighbors
	}
	if cfg.Smoothing.Beta == 0 {
		cfg.Smoothing.Beta = defaults.Smoothing.Beta
	}
	if cfg.Clustering.Method == "" {
		cfg.Clustering.Method = defaults.Clustering.Method
	}
	if cfg.Clustering.TargetClusters == 0 {
		cfg.Clustering.TargetClusters = defaults.Clustering.TargetClusters
	}
	if cfg.Clustering.Increment == 0 {
		cfg.Clustering.Increment = defaults.Clustering.Increment
	}
	if cfg.Clustering.StartRes == 0 {
		cfg.Clustering.StartRes = defaults.Clustering.StartRes
	}
	if cfg.Clustering.Seed == 0 {
		cfg.Clustering.Seed = defaults.Clustering.Seed
	}
	if cfg.Clustering.MaxConcurrent == 0 {
		cfg.Clustering.MaxConcurrent = defaults.Clustering.MaxConcurrent
	}
	if cfg.Clustering.RetentionDays == 0 {
		cfg.Clustering.RetentionDays = defaults.Clustering.RetentionDays
	}
	if cfg.Reconstruct.QuantileProb == 0 {
		cfg.Reconstruct.QuantileProb = defaults.Reconstruct.QuantileProb
	}
	if cfg.Reconstruct.RankK == 0 {
		cfg.Reconstruct.RankK = defaults.Reconstruct.RankK
	}
	if cfg.Reconstruct.ThresholdMethod == "" {
		cfg.Reconstruct.ThresholdMethod = defaults.Reconstruct.ThresholdMethod
	}
	if cfg.Render.ImageSize == 0 {
		cfg.Render.ImageSize = defaults.Render.ImageSize
	}
	if cfg.Render.PointSize == 0 {
		cfg.Render.PointSize = defaults.Render.PointSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

func validate(cfg *Config) error {
	if cfg.Smoothing.Neighbors < 1 {
		return fmt.Errorf("smoothing.neighbors must be >= 1, got %d", cfg.Smoothing.Neighbors)
	}
	if cfg.Smoothing.Beta <= 0 {
		return fmt.Errorf("smoothing.beta must be > 0, got %g", cfg.Smoothing.Beta)
	}
	if cfg.Clustering.TargetClusters < 1 {
		return fmt.Errorf("clustering.target_clusters must be >= 1, got %d", cfg.Clustering.TargetClusters)
	}
	if cfg.Reconstruct.QuantileProb <= 0 || cfg.Reconstruct.QuantileProb >= 1 {
		return fmt.Errorf("reconstruct.quantile_prob must be in (0, 1), got %g", cfg.Reconstruct.QuantileProb)
	}
	if cfg.Reconstruct.RankK < 1 {
		return fmt.Errorf("reconstruct.rank_k must be >= 1, got %d", cfg.Reconstruct.RankK)
	}
	return nil
}

// DatasetIDs returns dataset IDs in deterministic order.
func (d *DataConfig) DatasetIDs() []string {
	ids := make([]string, 0, len(d.Datasets))
	for id := range d.Datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
