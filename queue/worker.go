package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quillwiki/quill/errors"
)

// Worker claims and executes jobs one at a time. Multiple workers (in this
// process or others sharing the database) coordinate purely through the
// store's conditional claim writes; a worker never assumes it is alone.
type Worker struct {
	ID       string
	queue    *Queue
	registry *HandlerRegistry
	jobType  string // optional type filter, "" claims any type
	logger   *zap.SugaredLogger
}

// NewWorker creates a worker with a fresh unique ID.
func NewWorker(queue *Queue, registry *HandlerRegistry, jobType string, logger *zap.SugaredLogger) *Worker {
	id := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	return &Worker{
		ID:       id,
		queue:    queue,
		registry: registry,
		jobType:  jobType,
		logger:   logger.With("worker_id", id),
	}
}

// ProcessOne claims and fully processes a single job.
// Returns (false, nil) when no eligible job exists.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(w.ID, w.jobType)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.dispatch(ctx, job)
}

// RunOnce drains the queue: it processes jobs until none are eligible,
// then returns the number processed. Used by `quill worker --once`.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return processed, nil
		default:
		}
		ok, err := w.ProcessOne(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

// Run polls continuously until the context is cancelled: each tick claims
// and processes at most one job. Single workers embed their own loop this
// way; WorkerPool layers error backoff and rate limiting on top.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.ProcessOne(ctx); err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				w.logger.Errorw("Error processing job", "error", err)
			}
		}
	}
}

// dispatch runs the claimed job through its handler and records the outcome.
// The transition errors a lost race can produce (another process swept or
// cancelled the job mid-flight) are logged, not propagated: the job's state
// already reflects the winner.
func (w *Worker) dispatch(ctx context.Context, job *Job) error {
	log := w.logger.With("job_id", job.ID, "job_type", job.Type)

	started, err := w.queue.Start(job.ID, w.ID)
	if err != nil {
		if errors.IsInvalidTransitionError(err) || errors.IsNotFoundError(err) {
			log.Warnw("Lost claim before start", "error", err)
			return nil
		}
		return err
	}
	job = started

	handler := w.registry.Get(job.Type)
	if handler == nil {
		// No handler here; charge a retry so another worker that has one
		// can pick the job up, bounded by the job's retry budget.
		failErr := errors.Newf("no handler registered for job type: %s", job.Type)
		return w.recordFailure(log, job, failErr)
	}

	log.Infow("Executing job", "retries", job.Retries, "max_retries", job.MaxRetries)

	result, execErr := handler.Execute(ctx, job)
	if execErr != nil {
		// Shutdown is not a failure: put the job back without a retry charge.
		select {
		case <-ctx.Done():
			log.Warnw("Execution interrupted by shutdown, releasing job")
			if _, relErr := w.queue.Release(job.ID); relErr != nil && !errors.IsInvalidTransitionError(relErr) {
				log.Errorw("Failed to release interrupted job", "error", relErr)
			}
			return nil
		default:
		}
		return w.recordFailure(log, job, execErr)
	}

	if _, err := w.queue.Complete(job.ID, w.ID, result); err != nil {
		if errors.IsInvalidTransitionError(err) || errors.IsNotFoundError(err) {
			log.Warnw("Lost job before completion", "error", err)
			return nil
		}
		return err
	}
	log.Infow("Job completed")
	return nil
}

// recordFailure routes a handler error through the retry policy.
func (w *Worker) recordFailure(log *zap.SugaredLogger, job *Job, execErr error) error {
	permanent := IsPermanent(execErr)
	code := ClassifyError(execErr)

	failed, err := w.queue.Fail(job.ID, w.ID, execErr.Error(), permanent)
	if err != nil {
		if errors.IsInvalidTransitionError(err) || errors.IsNotFoundError(err) {
			log.Warnw("Lost job before failure could be recorded", "error", err)
			return nil
		}
		return err
	}

	if failed.Status == JobStatusPending {
		log.Warnw("Job failed, retry scheduled",
			"error", execErr,
			"error_code", code,
			"retries", failed.Retries,
			"max_retries", failed.MaxRetries)
	} else {
		log.Errorw("Job failed permanently",
			"error", execErr,
			"error_code", code,
			"retries", failed.Retries,
			"max_retries", failed.MaxRetries,
			"marked_permanent", permanent)
	}
	return nil
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
	JobType      string        `json:"job_type,omitempty"`
	// ClaimRatePerSecond caps how fast the pool claims jobs across all
	// workers. Zero disables the limiter.
	ClaimRatePerSecond float64 `json:"claim_rate_per_second,omitempty"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: 5 * time.Second,
	}
}

// WorkerPool runs a set of workers that poll the queue for jobs.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	config   WorkerPoolConfig
	limiter  *rate.Limiter

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	jobsProcessed int
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Callers must register handlers before calling Start().
func NewWorkerPool(db *sql.DB, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), db, cfg, logger)
}

// NewWorkerPoolWithContext creates a worker pool whose workers stop when the
// given context is cancelled. Useful for tests and server shutdown wiring.
func NewWorkerPoolWithContext(ctx context.Context, db *sql.DB, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	workerCtx, cancel := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if cfg.ClaimRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRatePerSecond), 1)
	}

	return &WorkerPool{
		queue:     NewQueue(db),
		registry:  NewHandlerRegistry(),
		config:    cfg,
		limiter:   limiter,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    logger.Named("pool"),
	}
}

// Queue returns the pool's job queue (useful for enqueuing jobs).
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry for registering job handlers.
// Register before calling Start().
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// Workers returns the number of concurrent workers configured for this pool.
func (wp *WorkerPool) Workers() int {
	return wp.config.Workers
}

// JobsProcessed returns how many jobs this pool has picked up so far.
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}

// Start begins processing jobs with the worker pool.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Recreate the context if a previous Stop() cancelled it, so the pool
	// can be restarted. Must happen before spawning workers.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Debugw("Recreated worker context after previous shutdown")
	default:
	}
	wp.mu.Unlock()

	for i := 0; i < wp.config.Workers; i++ {
		worker := NewWorker(wp.queue, wp.registry, wp.config.JobType, wp.logger)
		wp.wg.Add(1)
		go wp.runWorker(worker)
	}
	wp.logger.Infow("Worker pool started",
		"workers", wp.config.Workers,
		"poll_interval", wp.config.PollInterval,
		"job_type", wp.config.JobType)
}

// Stop gracefully stops the worker pool. Workers finish (or release) their
// current job; a 30-second timeout prevents shutdown from blocking forever.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Warnw("Worker pool stop timeout, workers may still be finishing", "timeout", timeout)
	}
}

// runWorker is the per-worker poll loop. Consecutive errors back off
// exponentially so a broken database does not produce a log storm.
func (wp *WorkerPool) runWorker(worker *Worker) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if wp.limiter != nil {
				if err := wp.limiter.Wait(wp.ctx); err != nil {
					return
				}
			}

			processed, err := worker.ProcessOne(wp.ctx)
			if err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", worker.ID,
					"error", err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off after consecutive errors",
						"worker_id", worker.ID,
						"backoff", backoff)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
				continue
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", worker.ID,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = time.Second

			if processed {
				wp.mu.Lock()
				wp.jobsProcessed++
				wp.mu.Unlock()
			}
		}
	}
}
