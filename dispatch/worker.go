package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type WorkerOptions struct {
	// Parallel bounds how many jobs run at once.
	Parallel int
	// JobsPerSecond rate-limits job starts across the pool.
	JobsPerSecond int
	// MaxRetries before a job is parked as failed.
	MaxRetries int
	// PollInterval between queue checks when the queue is drained.
	PollInterval time.Duration
}

func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		Parallel:      10,
		JobsPerSecond: 50,
		MaxRetries:    5,
		PollInterval:  time.Second,
	}
}

// Worker drains the queue through registered handlers. Jobs run in parallel
// with no ordering guarantee relative to each other or to the request that
// enqueued them; handler failures are retried with backoff and never surface
// to the originating request.
type Worker struct {
	q        *Queue
	handlers map[string]HandlerFunc
	opts     *WorkerOptions

	limiter *rate.Limiter
	stop    chan chan struct{}
	log     *slog.Logger
}

func NewWorker(q *Queue, opts *WorkerOptions) *Worker {
	if opts == nil {
		opts = DefaultWorkerOptions()
	}
	return &Worker{
		q:        q,
		handlers: make(map[string]HandlerFunc),
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.JobsPerSecond), 1),
		stop:     make(chan chan struct{}, 1),
		log:      slog.With("source", "dispatch"),
	}
}

// Register binds a handler to a job name. Registration happens once during
// wiring, before Start.
func (w *Worker) Register(job string, fn HandlerFunc) {
	w.handlers[job] = fn
}

// Start runs the polling loop until Stop. Blocks; run it in a goroutine.
func (w *Worker) Start() {
	ctx := context.Background()
	w.log.Info("starting job workers", "parallel", w.opts.Parallel)

	sem := semaphore.NewWeighted(int64(w.opts.Parallel))

	for {
		select {
		case stopped := <-w.stop:
			w.log.Info("stopping job workers")
			sem.Acquire(ctx, int64(w.opts.Parallel))
			close(stopped)
			return
		default:
		}

		job, err := w.q.nextEnqueued(ctx)
		if err != nil {
			w.log.Error("failed to poll job queue", "err", err)
			time.Sleep(w.opts.PollInterval)
			continue
		} else if job == nil {
			time.Sleep(w.opts.PollInterval)
			continue
		}

		w.limiter.Wait(ctx)
		sem.Acquire(ctx, 1)
		go func(job *Job) {
			defer sem.Release(1)
			w.runJob(ctx, job)
		}(job)
	}
}

// Stop drains in-flight jobs and returns.
func (w *Worker) Stop(ctx context.Context) error {
	stopped := make(chan struct{})
	w.stop <- stopped
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) runJob(ctx context.Context, job *Job) {
	log := w.log.With("job", job.Name, "id", job.ID)

	err := w.executeJob(ctx, job)
	if err == nil {
		jobsProcessed.WithLabelValues(job.Name, "ok").Inc()
		if cerr := w.q.complete(ctx, job); cerr != nil {
			log.Error("failed to mark job complete", "err", cerr)
		}
		return
	}

	jobsProcessed.WithLabelValues(job.Name, "error").Inc()
	log.Warn("job failed", "retries", job.RetryCount, "err", err)
	if ferr := w.q.fail(ctx, job, w.opts.MaxRetries); ferr != nil {
		log.Error("failed to reschedule job", "err", ferr)
	}
}

func (w *Worker) executeJob(ctx context.Context, job *Job) error {
	fn, ok := w.handlers[job.Name]
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	args, err := decodeArgs(job.Args)
	if err != nil {
		return fmt.Errorf("decoding job args: %w", err)
	}
	return fn(ctx, args)
}
