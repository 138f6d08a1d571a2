// Package jobs runs ingestion and rollup work on a single background
// worker. One job executes at a time, which also serializes full rollup
// recomputes against ordinary ingestion runs — both write the shared
// aggregate tables. Callers hold a Handle they can await; whether a request
// is synchronous is an explicit choice, not a timing race.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a job does.
type Kind string

const (
	KindIngest     Kind = "ingest"
	KindRollupFull Kind = "rollup-full"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a snapshot of one unit of background work.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Handle tracks one submitted job.
type Handle struct {
	mu   sync.Mutex
	job  Job
	fn   func(ctx context.Context) (any, error)
	done chan struct{}
}

// Snapshot returns the job's current state.
func (h *Handle) Snapshot() Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Wait blocks until the job finishes or ctx is done, returning the final
// snapshot.
func (h *Handle) Wait(ctx context.Context) (Job, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Runner owns the worker goroutine and the recent-job index.
type Runner struct {
	mu      sync.RWMutex
	jobs    map[string]*Handle
	queue   chan *Handle
	logger  *slog.Logger
	wg      sync.WaitGroup
	started bool
}

// NewRunner builds a Runner with the given queue depth.
func NewRunner(queueDepth int, logger *slog.Logger) *Runner {
	if queueDepth <= 0 {
		queueDepth = 8
	}
	return &Runner{
		jobs:   make(map[string]*Handle),
		queue:  make(chan *Handle, queueDepth),
		logger: logger.With(slog.String("component", "jobs")),
	}
}

// Start launches the single worker. It returns immediately; the worker
// drains the queue until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.worker(ctx)
}

// Drain waits for in-flight work to finish, up to the timeout. Jobs still
// queued are left pending; there is no mid-job cancellation.
func (r *Runner) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout draining job runner")
	}
}

// Submit enqueues work and returns its handle. Callers wanting synchronous
// completion follow up with Handle.Wait.
func (r *Runner) Submit(kind Kind, fn func(ctx context.Context) (any, error)) (*Handle, error) {
	h := &Handle{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		fn:   fn,
		done: make(chan struct{}),
	}

	select {
	case r.queue <- h:
	default:
		return nil, fmt.Errorf("job queue full")
	}

	r.mu.Lock()
	r.jobs[h.job.ID] = h
	r.mu.Unlock()

	r.logger.Info("job submitted",
		slog.String("job_id", h.job.ID),
		slog.String("kind", string(kind)))
	return h, nil
}

// Get looks up a previously submitted job.
func (r *Runner) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.jobs[id]
	return h, ok
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-r.queue:
			r.execute(ctx, h)
		}
	}
}

func (r *Runner) execute(ctx context.Context, h *Handle) {
	now := time.Now().UTC()
	h.mu.Lock()
	h.job.Status = StatusRunning
	h.job.StartedAt = &now
	h.mu.Unlock()

	r.logger.Info("job starting",
		slog.String("job_id", h.job.ID),
		slog.String("kind", string(h.job.Kind)))

	result, err := r.run(ctx, h)

	end := time.Now().UTC()
	h.mu.Lock()
	h.job.CompletedAt = &end
	if err != nil {
		h.job.Status = StatusFailed
		h.job.Error = err.Error()
	} else {
		h.job.Status = StatusCompleted
		h.job.Result = result
	}
	h.mu.Unlock()
	close(h.done)

	if err != nil {
		r.logger.Error("job failed",
			slog.String("job_id", h.job.ID),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Info("job completed",
		slog.String("job_id", h.job.ID),
		slog.Duration("elapsed", end.Sub(now)))
}

// run executes the job body, converting a panic into a failed job instead of
// taking down the worker.
func (r *Runner) run(ctx context.Context, h *Handle) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return h.fn(ctx)
}
