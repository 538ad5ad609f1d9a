// Package api provides HTTP handlers for the spatial post-processing server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spatialpost/server/internal/resultstore"
)

// JobExecutor runs one clustering job to completion, reporting progress and
// results through the store. A context cancellation means the job was
// cancelled by the user or the server is shutting down.
type JobExecutor func(ctx context.Context, store *resultstore.Store, jobID string) error

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // concurrent clustering jobs (default 1)
	QueueDepth    int // pending jobs before Submit rejects (default 100)
	RetentionDays int // days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

func (cfg *JobManagerConfig) applyDefaults() {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
}

// JobManager runs clustering jobs on a bounded worker pool, persisting their
// lifecycle in the result store it is given. The store stays owned by the
// caller; the manager only drives job rows through it.
type JobManager struct {
	cfg      JobManagerConfig
	store    *resultstore.Store
	executor JobExecutor
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewJobManager creates a job manager over an open result store.
func NewJobManager(store *resultstore.Store, executor JobExecutor, cfg JobManagerConfig) *JobManager {
	cfg.applyDefaults()
	return &JobManager{
		cfg:      cfg,
		store:    store,
		executor: executor,
		queue:    make(chan string, cfg.QueueDepth),
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *resultstore.Store {
	return jm.store
}

// Start recovers interrupted work from a previous run, then launches the
// workers and the retention cleaner.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	}
	for _, job := range queued {
		select {
		case jm.queue <- job.ID:
			log.Printf("[JobManager] re-queued job %s", job.ID)
		default:
			log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop drains the workers gracefully. The store is left open for the caller
// to close.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()
	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	var execErr error
	if jm.executor != nil {
		execErr = jm.executor(ctx, jm.store, jobID)
	}

	status, detail := finishState(ctx, execErr)
	if err := jm.store.UpdateJobStatus(jobID, status, detail); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", jobID, err)
	}
}

// finishState maps an executor outcome to the terminal job status.
func finishState(ctx context.Context, execErr error) (resultstore.JobStatus, string) {
	switch {
	case ctx.Err() == context.Canceled:
		return resultstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		return resultstore.JobStatusFailed, execErr.Error()
	default:
		return resultstore.JobStatusCompleted, ""
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
			if err != nil {
				log.Printf("[JobManager] cleanup error: %v", err)
			} else if deleted > 0 {
				log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
			}
		}
	}
}

// Submit creates a new job and enqueues it. A full queue is an error so the
// caller can surface backpressure instead of silently failing the job.
func (jm *JobManager) Submit(params resultstore.JobParams) (*resultstore.Job, error) {
	job := &resultstore.Job{
		ID:        generateJobID(),
		DatasetID: params.DatasetID,
		Status:    resultstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		jm.store.UpdateJobStatus(job.ID, resultstore.JobStatusFailed, "job queue is full")
		return nil, fmt.Errorf("job queue is full (%d pending)", jm.cfg.QueueDepth)
	}
	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *resultstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns all jobs for a dataset.
func (jm *JobManager) List(datasetID string) ([]*resultstore.Job, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Cancel cancels a running job, or marks a queued one cancelled before a
// worker picks it up.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()
	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == resultstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, resultstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
