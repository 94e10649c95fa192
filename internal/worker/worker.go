// Package worker runs queued pipeline runs from the SQLite job table, one
// at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/storage"
)

// JobType is the job type of a queued pipeline run.
const JobType = "brainstorm_run"

// BusyDelay is how long a run waits before retrying when another run holds
// the machine lock.
const BusyDelay = 30 * time.Second

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	RequeueJob(id string, runAfter time.Time) error
	FailStaleJobs(types []string, reason string) (int, error)
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*research.PipelineRun, error)
}

// Enqueue queues req and returns its run ID, which is also the job ID.
// Runs are not retried on failure.
func Enqueue(store JobStore, req pipeline.Request) (string, error) {
	if _, err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid run request: %w", err)
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding run request: %w", err)
	}
	job := storage.Job{
		ID:          req.RunID,
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing run: %w", err)
	}
	return req.RunID, nil
}

// Worker processes brainstorm_run jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runner Runner
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Recover fails runs a previous process left running. A run cannot be
// resumed, so they are not requeued.
func (w *Worker) Recover() error {
	n, err := w.store.FailStaleJobs([]string{JobType}, "interrupted by process exit")
	if err != nil {
		return fmt.Errorf("failing stale runs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("failed runs interrupted by a previous process", "count", n)
	}
	return nil
}

// Run recovers stale jobs, then polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if err := w.Recover(); err != nil {
		w.logger.Error("worker recovery failed", "error", err)
	}
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single brainstorm_run job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = w.processJob(ctx, job)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		w.logger.Info("run deferred, another run in progress", "job_id", job.ID)
		if err := w.store.RequeueJob(job.ID, time.Now().Add(BusyDelay)); err != nil {
			return true, fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
		return true, nil
	case err != nil:
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var req pipeline.Request
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if req.RunID == "" {
		req.RunID = job.ID
	}

	run, err := w.runner.Run(ctx, req)
	if err != nil {
		return err
	}
	w.logger.Info("queued run finished", "job_id", job.ID, "run_id", run.ID, "status", run.Status)
	return nil
}
