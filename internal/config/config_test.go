package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Smoothing.Neighbors != 6 {
		t.Errorf("Neighbors = %d, want 6", cfg.Smoothing.Neighbors)
	}
	if cfg.Clustering.TargetClusters != 7 {
		t.Errorf("TargetClusters = %d, want 7", cfg.Clustering.TargetClusters)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
data:
  datasets:
    brain:
      store_path: /data/brain.zarr
      platform: visium
    liver:
      store_path: /data/liver.zarr
smoothing:
  neighbors: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Smoothing.Neighbors != 10 {
		t.Errorf("Neighbors = %d, want 10", cfg.Smoothing.Neighbors)
	}
	if cfg.Smoothing.Beta != 2 {
		t.Errorf("Beta = %g, want default 2", cfg.Smoothing.Beta)
	}
	if cfg.Reconstruct.ThresholdMethod != "alra" {
		t.Errorf("ThresholdMethod = %q, want default alra", cfg.Reconstruct.ThresholdMethod)
	}
	// Default dataset falls back to the first ID in sorted order.
	if cfg.Data.DefaultDataset != "brain" {
		t.Errorf("DefaultDataset = %q, want brain", cfg.Data.DefaultDataset)
	}
	if got := cfg.Data.Datasets["brain"].Platform; got != "visium" {
		t.Errorf("brain platform = %q, want visium", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"zero beta", "smoothing:\n  beta: -1\n"},
		{"bad quantile", "reconstruct:\n  quantile_prob: 1.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded, want validation error")
			}
		})
	}
}

func TestDatasetIDsSorted(t *testing.T) {
	d := DataConfig{Datasets: map[string]DatasetConfig{
		"c": {}, "a": {}, "b": {},
	}}
	ids := d.DatasetIDs()
	want := []string{"a", "b", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("DatasetIDs = %v, want %v", ids, want)
		}
	}
}
