package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spatialpost/server/internal/resultstore"
)

func newTestJobStore(t *testing.T) *resultstore.Store {
	t.Helper()
	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestJobManagerConfigDefaults(t *testing.T) {
	cfg := JobManagerConfig{}
	cfg.applyDefaults()
	if cfg.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", cfg.MaxConcurrent)
	}
	if cfg.QueueDepth != 100 {
		t.Errorf("QueueDepth = %d, want 100", cfg.QueueDepth)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.RetentionDays)
	}
	if cfg.CleanupPeriod != time.Hour {
		t.Errorf("CleanupPeriod = %v, want 1h", cfg.CleanupPeriod)
	}

	// Explicit settings survive.
	cfg = JobManagerConfig{MaxConcurrent: 4, QueueDepth: 2, RetentionDays: 30}
	cfg.applyDefaults()
	if cfg.MaxConcurrent != 4 || cfg.QueueDepth != 2 || cfg.RetentionDays != 30 {
		t.Errorf("explicit config overwritten: %+v", cfg)
	}
}

func TestJobManagerSubmitBackpressure(t *testing.T) {
	store := newTestJobStore(t)
	// Not started, so nothing drains the queue.
	jm := NewJobManager(store, nil, JobManagerConfig{QueueDepth: 1})

	params := resultstore.JobParams{DatasetID: "test", Method: "kmeans", TargetClusters: 2}
	if _, err := jm.Submit(params); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	overflow, err := jm.Submit(params)
	if err == nil {
		t.Fatal("expected error from Submit on a full queue")
	}
	if overflow != nil {
		t.Fatalf("overflow job = %+v, want nil", overflow)
	}
}

func TestJobManagerRunsJob(t *testing.T) {
	store := newTestJobStore(t)
	executed := make(chan string, 1)
	executor := func(ctx context.Context, s *resultstore.Store, jobID string) error {
		executed <- jobID
		return nil
	}
	jm := NewJobManager(store, executor, JobManagerConfig{MaxConcurrent: 1})
	jm.Start()
	defer jm.Stop()

	job, err := jm.Submit(resultstore.JobParams{DatasetID: "test", Method: "kmeans", TargetClusters: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case id := <-executed:
		if id != job.ID {
			t.Errorf("executed job %s, want %s", id, job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor never ran")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := jm.Get(job.ID)
		if got == nil {
			t.Fatal("job disappeared")
		}
		if got.Status == resultstore.JobStatusCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s, want completed", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
