package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically reclaims jobs whose worker lease expired: claimed or
// running jobs whose lease clock (started_at, else claimed_at) is older than
// the lease timeout go back to pending. A sweep never charges a retry — a
// crashed worker is the system's fault, not the job's.
//
// Any process may run a sweeper. Concurrent sweeps race on the store's
// conditional updates, so a job is reclaimed exactly once.
type Sweeper struct {
	queue        *Queue
	interval     time.Duration
	leaseTimeout time.Duration
	logger       *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	totalSwept int
}

// NewSweeper creates a sweeper that runs every interval with the given
// lease timeout.
func NewSweeper(queue *Queue, interval, leaseTimeout time.Duration, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		queue:        queue,
		interval:     interval,
		leaseTimeout: leaseTimeout,
		logger:       logger.Named("sweeper"),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Infow("Sweeper started",
		"interval", s.interval,
		"lease_timeout", s.leaseTimeout)
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Infow("Sweeper stopped", "total_swept", s.TotalSwept())
}

// TotalSwept returns how many stale jobs this sweeper has reclaimed.
func (s *Sweeper) TotalSwept() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSwept
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	result, err := s.queue.Sweep(s.leaseTimeout)
	if err != nil {
		s.logger.Errorw("Sweep pass failed", "error", err)
		return
	}
	if result.Swept == 0 {
		return
	}

	s.mu.Lock()
	s.totalSwept += result.Swept
	s.mu.Unlock()

	for _, job := range result.Jobs {
		s.logger.Warnw("Reclaimed stale job",
			"job_id", job.ID,
			"job_type", job.Type,
			"retries", job.Retries)
	}
}
