package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/runctx"
)

// ErrJobNotFound is returned when a job id is unknown to the queue.
var ErrJobNotFound = errors.New("job not found")

// Queue runs worker jobs in the background with bounded concurrency. It
// implements the tool runtime's WorkerQueue so spawn_worker returns
// immediately with a job id, and keeps per-job state for monitoring and
// cancellation.
type Queue struct {
	runner *Runner
	logger *slog.Logger
	sem    chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	jobs   map[string]*jobHandle
	closed bool
}

// NewQueue creates a queue with the given concurrency cap.
func NewQueue(runner *Runner, concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Queue{
		runner: runner,
		logger: slog.Default().With("component", "worker_queue"),
		sem:    make(chan struct{}, concurrency),
		jobs:   make(map[string]*jobHandle),
	}
}

// Enqueue schedules a worker job and returns its id without waiting for
// the job to run. The job detaches from the caller's context; enqueuing
// from inside a turn must not tie the worker's lifetime to that turn.
func (q *Queue) Enqueue(_ context.Context, ownerID, task string, config map[string]any) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("enqueue requires an owner")
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())
	handle := &jobHandle{
		ownerID: ownerID,
		task:    task,
		status:  "queued",
		started: time.Now(),
		cancel:  cancel,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel(nil)
		return "", fmt.Errorf("worker queue is shutting down")
	}
	q.jobs[jobID] = handle
	q.wg.Add(1)
	q.mu.Unlock()

	job := Job{
		OwnerID: ownerID,
		Task:    task,
		Config:  config,
		OnStart: handle.workerStarted,
	}
	if agentID, ok := config["agent_id"].(string); ok {
		job.AgentID = agentID
	}
	if secs, ok := config["timeout_seconds"].(float64); ok && secs > 0 {
		job.Timeout = time.Duration(secs * float64(time.Second))
	}

	go func() {
		defer q.wg.Done()
		defer cancel(nil)
		q.sem <- struct{}{}
		defer func() { <-q.sem }()

		result, err := q.runner.Run(runctx.WithToolObserver(ctx, handle), job)
		handle.finish(result, err)
		if err != nil {
			q.logger.Error("worker job failed", "job_id", jobID, "owner_id", ownerID, "error", err)
			return
		}
		q.logger.Info("worker job finished",
			"job_id", jobID,
			"worker_id", result.WorkerID,
			"status", string(result.Status),
			"duration_ms", result.DurationMS)
	}()
	return jobID, nil
}

// Cancel stops a running job. The reason reaches the runner through the
// context cause and ends up in the worker's terminal metadata.
func (q *Queue) Cancel(jobID, reason string) error {
	q.mu.Lock()
	handle, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", jobID, ErrJobNotFound)
	}
	if reason == "" {
		reason = "cancelled by monitor"
	}
	handle.cancel(errors.New(reason))
	return nil
}

// Job returns the monitoring view of a queued or running job.
func (q *Queue) Job(jobID string) (*TrackedJob, error) {
	q.mu.Lock()
	handle, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return &TrackedJob{queue: q, id: jobID, handle: handle}, nil
}

// Drain stops accepting jobs and waits for in-flight workers, up to the
// budget.
func (q *Queue) Drain(budget time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(budget):
		q.logger.Warn("drain budget exhausted with workers still running")
	}
}
