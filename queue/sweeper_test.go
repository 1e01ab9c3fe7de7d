package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	quilltest "github.com/quillwiki/quill/internal/testing"
)

// TestKeeperLoopReclaimsAbandonedOrder runs the sweeper loop against a job
// whose worker vanished and waits for the reclaim.
func TestKeeperLoopReclaimsAbandonedOrder(t *testing.T) {
	t.Log("🕰  The Keeper patrols while a worker has gone missing...")

	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)

	job, err := q.Enqueue(JobInput{Type: "render-page"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim("ghost", ""); err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(q, 20*time.Millisecond, 10*time.Millisecond, testLogger())
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	deadline := time.After(2 * time.Second)
	for {
		current, err := q.Get(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if current.Status == JobStatusPending {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper never reclaimed the order: status=%s", current.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if sweeper.TotalSwept() < 1 {
		t.Errorf("sweeper counter not updated: %d", sweeper.TotalSwept())
	}

	t.Log("✓ Abandoned order back in the pool, ghost's lease revoked")
}

// TestKeeperStopsCleanly tests Start/Stop lifecycle
func TestKeeperStopsCleanly(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)

	sweeper := NewSweeper(q, 10*time.Millisecond, time.Hour, testLogger())
	sweeper.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	if sweeper.TotalSwept() != 0 {
		t.Errorf("nothing was stale, yet swept=%d", sweeper.TotalSwept())
	}
}

// TestWorkerPoolProcessesJobs runs a small pool end to end
func TestWorkerPoolProcessesJobs(t *testing.T) {
	db := quilltest.CreateTestDB(t)

	pool := NewWorkerPool(db, WorkerPoolConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	}, testLogger())
	pool.Registry().Register(HandlerFunc{Type: "render-page", Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}})

	created := make([]*Job, 0, 4)
	for i := 0; i < 4; i++ {
		job, err := pool.Queue().Enqueue(JobInput{Type: "render-page"})
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, job)
	}

	pool.Start()
	defer pool.Stop()

	deadline := time.After(3 * time.Second)
	for {
		counts, err := pool.Queue().Stats()
		if err != nil {
			t.Fatal(err)
		}
		if counts.StatusCounts()[JobStatusCompleted] == len(created) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool never finished: %+v", counts.StatusCounts())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if pool.JobsProcessed() < len(created) {
		t.Errorf("pool counter low: %d", pool.JobsProcessed())
	}
}
