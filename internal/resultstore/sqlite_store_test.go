package resultstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := &Job{
		ID:     "job-1",
		Status: JobStatusQueued,
		Params: JobParams{
			DatasetID:       "brain",
			Method:          "kmeans",
			TargetClusters:  7,
			Increment:       0.1,
			StartResolution: 0.001,
			Seed:            2023,
		},
		CreatedAt: time.Now(),
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil for existing job")
	}
	if got.Status != JobStatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if got.Params.TargetClusters != 7 {
		t.Errorf("TargetClusters = %d, want 7", got.Params.TargetClusters)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil before start")
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	if err := s.UpdateJobProgress("job-1", "searching", 3, 20); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.UpdateJobStatus("job-1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, err = s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Progress.Phase != "searching" || got.Progress.Done != 3 {
		t.Errorf("Progress = %+v", got.Progress)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}
}

func TestGetJobMissing(t *testing.T) {
	s := newTestStore(t)
	job, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil for missing job, got %+v", job)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-2", Status: JobStatusQueued, Params: JobParams{DatasetID: "brain"}, CreatedAt: time.Now()}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	res := &JobResult{
		JobID:       "job-2",
		Resolution:  0.35,
		Achieved:    true,
		NumClusters: 7,
		ChaosScore:  0.0123,
		Labels:      []int{0, 1, 2, 1, 0, -1, 3},
		Palette:     []string{"#1f77b4", "#ff7f0e"},
	}
	if err := s.SaveResult(res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.GetResult("job-2")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got == nil {
		t.Fatal("GetResult returned nil")
	}
	if got.Resolution != 0.35 || !got.Achieved || got.NumClusters != 7 {
		t.Errorf("result = %+v", got)
	}
	if len(got.Labels) != len(res.Labels) {
		t.Fatalf("labels len = %d, want %d", len(got.Labels), len(res.Labels))
	}
	for i := range res.Labels {
		if got.Labels[i] != res.Labels[i] {
			t.Errorf("labels[%d] = %d, want %d", i, got.Labels[i], res.Labels[i])
		}
	}
	if len(got.Palette) != 2 || got.Palette[0] != "#1f77b4" {
		t.Errorf("palette = %v", got.Palette)
	}
}

func TestGetResultMissing(t *testing.T) {
	s := newTestStore(t)
	res, err := s.GetResult("nope")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res != nil {
		t.Fatal("expected nil for missing result")
	}
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-3", Status: JobStatusQueued, Params: JobParams{DatasetID: "brain"}, CreatedAt: time.Now()}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStarted("job-3"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	got, err := s.GetJob("job-3")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Error != "server restarted" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestListJobsByDataset(t *testing.T) {
	s := newTestStore(t)

	for i, id := range []string{"a", "b"} {
		job := &Job{
			ID:        id,
			Status:    JobStatusQueued,
			Params:    JobParams{DatasetID: "brain"},
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := s.ListJobsByDataset("brain")
	if err != nil {
		t.Fatalf("ListJobsByDataset: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	// Newest first.
	if jobs[0].ID != "b" {
		t.Errorf("jobs[0].ID = %q, want b", jobs[0].ID)
	}

	other, err := s.ListJobsByDataset("liver")
	if err != nil {
		t.Fatalf("ListJobsByDataset: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no jobs for liver, got %d", len(other))
	}
}

func TestDeleteJobRemovesResult(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-4", Status: JobStatusQueued, Params: JobParams{DatasetID: "brain"}, CreatedAt: time.Now()}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.SaveResult(&JobResult{JobID: "job-4", Labels: []int{0, 1}, Palette: []string{"#000000"}}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	if err := s.DeleteJob("job-4"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	if j, _ := s.GetJob("job-4"); j != nil {
		t.Error("job still present after delete")
	}
	if r, _ := s.GetResult("job-4"); r != nil {
		t.Error("result still present after delete")
	}
}
