package queue

import (
	"database/sql"
	"sync"
	"time"

	"github.com/quillwiki/quill/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the engine's front door. It delegates every state transition to
// the Store's conditional writes — cross-process safety lives there, not
// here — and adds subscriber fan-out so in-process observers can follow job
// transitions. The mutex guards only the subscriber list.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue backed by the given database
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store exposes the underlying store for aggregate handlers that read
// directly (the batch-commit handler inspects children this way).
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue creates a single pending job
func (q *Queue) Enqueue(in JobInput) (*Job, error) {
	job, err := q.store.CreateJob(in)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}
	q.notifySubscribers(job)
	return job, nil
}

// EnqueueBatch creates all inputs atomically: either every job is created
// or none is.
func (q *Queue) EnqueueBatch(inputs []JobInput) ([]*Job, error) {
	jobs, err := q.store.CreateBatch(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue batch")
	}
	for _, job := range jobs {
		q.notifySubscribers(job)
	}
	return jobs, nil
}

// Claim hands the best pending job (optionally filtered by type) to the
// given worker, or returns (nil, nil) when the queue is empty for the
// filter.
func (q *Queue) Claim(workerID, jobType string) (*Job, error) {
	job, err := q.store.ClaimNextJob(workerID, jobType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	if job != nil {
		q.notifySubscribers(job)
	}
	return job, nil
}

// Start marks a claimed job as actively executing
func (q *Queue) Start(id int64, workerID string) (*Job, error) {
	job, err := q.store.StartJob(id, workerID)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Complete records a successful result
func (q *Queue) Complete(id int64, workerID string, result []byte) (*Job, error) {
	job, err := q.store.CompleteJob(id, workerID, result)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Fail records a failure and routes it through the retry policy
func (q *Queue) Fail(id int64, workerID string, failure string, permanent bool) (*Job, error) {
	job, err := q.store.FailJob(id, workerID, failure, permanent)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Cancel rejects running and terminal jobs, cancels pending or claimed ones
func (q *Queue) Cancel(id int64) (*Job, error) {
	job, err := q.store.CancelJob(id)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Release returns a claimed/running job to the pool without a retry charge
func (q *Queue) Release(id int64) (*Job, error) {
	job, err := q.store.ReleaseJob(id)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Requeue resets a terminal failed/cancelled job for a fresh manual run
func (q *Queue) Requeue(id int64) (*Job, error) {
	job, err := q.store.RequeueJob(id)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(id int64) (*Job, error) {
	return q.store.GetJob(id)
}

// ListResult pairs a page of jobs with the total matching count
type ListResult struct {
	Entries []*Job `json:"entries"`
	Total   int    `json:"total"`
}

// List returns jobs matching the filter, most recent first, plus the total
func (q *Queue) List(filter ListFilter, limit int) (*ListResult, error) {
	entries, err := q.store.ListJobs(filter, limit)
	if err != nil {
		return nil, err
	}
	total, err := q.store.CountJobs(filter)
	if err != nil {
		return nil, err
	}
	return &ListResult{Entries: entries, Total: total}, nil
}

// Stats returns queue-wide statistics
func (q *Queue) Stats() (*Stats, error) {
	return q.store.Stats()
}

// SweepResult reports one sweeper pass
type SweepResult struct {
	Swept int    `json:"swept"`
	Jobs  []*Job `json:"jobs"`
}

// Sweep reclaims jobs whose lease expired, returning them to pending.
// Zero swept jobs is success, not an error.
func (q *Queue) Sweep(leaseTimeout time.Duration) (*SweepResult, error) {
	jobs, err := q.store.SweepStaleJobs(leaseTimeout)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		q.notifySubscribers(job)
	}
	return &SweepResult{Swept: len(jobs), Jobs: jobs}, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
