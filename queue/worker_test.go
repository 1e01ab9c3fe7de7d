package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quillwiki/quill/errors"
	quilltest "github.com/quillwiki/quill/internal/testing"
)

// ============================================================================
// Scribe & Archivist Worker Test Universe (continued)
// ============================================================================
//
// Here the Archivist gets hands: registered handlers that actually execute
// the orders, the retry policy exercised end to end, and the batch ledger
// where fan-out children meet their fan-in commit.
// ============================================================================

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// countingHandler executes a fixed behavior and records how often it ran.
type countingHandler struct {
	jobType string
	calls   int
	fn      func(job *Job) (json.RawMessage, error)
}

func (h *countingHandler) Name() string { return h.jobType }

func (h *countingHandler) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	h.calls++
	if h.fn != nil {
		return h.fn(job)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// TestRegistryRejectsDuplicates tests the duplicate-registration panic
func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&countingHandler{jobType: "render-page"})

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	registry.Register(&countingHandler{jobType: "render-page"})
}

// TestRegistryLookup tests Get/Has/Names
func TestRegistryLookup(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&countingHandler{jobType: "render-page"})
	registry.Register(HandlerFunc{Type: "rebuild-index", Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, nil
	}})

	if !registry.Has("render-page") || !registry.Has("rebuild-index") {
		t.Error("registered handlers not found")
	}
	if registry.Has("unknown") {
		t.Error("phantom handler reported")
	}
	if registry.Get("unknown") != nil {
		t.Error("Get for unknown type should be nil")
	}
	if len(registry.Names()) != 2 {
		t.Errorf("expected 2 names, got %v", registry.Names())
	}
}

// TestArchivistExecutesOrder tests the worker's full dispatch path
func TestArchivistExecutesOrder(t *testing.T) {
	t.Log("🗃  The Archivist claims, runs, and signs off an order...")

	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()
	handler := &countingHandler{jobType: "render-page"}
	registry.Register(handler)

	created, err := q.Enqueue(JobInput{Type: "render-page"})
	if err != nil {
		t.Fatal(err)
	}

	worker := NewWorker(q, registry, "", testLogger())
	processed, err := worker.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !processed {
		t.Fatal("worker found no work despite a pending order")
	}
	if handler.calls != 1 {
		t.Errorf("handler ran %d times, want 1", handler.calls)
	}

	done, err := q.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != JobStatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if string(done.Result) != `{"ok":true}` {
		t.Errorf("result not recorded: %s", done.Result)
	}

	t.Log("✓ Handler executed once, result persisted")
}

// TestWorkerRetriesTransientFailure tests handler failure routing through
// the retry policy.
func TestWorkerRetriesTransientFailure(t *testing.T) {
	t.Log("🗃  The Archivist stumbles once, then finishes the order...")

	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()

	handler := &countingHandler{jobType: "render-page"}
	handler.fn = func(job *Job) (json.RawMessage, error) {
		if handler.calls == 1 {
			return nil, errors.New("flaky renderer")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	registry.Register(handler)

	created, err := q.Enqueue(JobInput{Type: "render-page", MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}

	worker := NewWorker(q, registry, "", testLogger())

	// First attempt fails and requeues.
	if _, err := worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("first attempt errored: %v", err)
	}
	mid, _ := q.Get(created.ID)
	if mid.Status != JobStatusPending || mid.Retries != 1 {
		t.Fatalf("after failure: status=%s retries=%d, want pending/1", mid.Status, mid.Retries)
	}
	if mid.Error != "flaky renderer" {
		t.Errorf("failure message not recorded: %q", mid.Error)
	}

	// Second attempt succeeds.
	if _, err := worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("second attempt errored: %v", err)
	}
	done, _ := q.Get(created.ID)
	if done.Status != JobStatusCompleted {
		t.Errorf("expected completed after retry, got %s", done.Status)
	}
	if handler.calls != 2 {
		t.Errorf("handler ran %d times, want 2", handler.calls)
	}

	t.Log("✓ Transient failure charged one retry, second run completed")
}

// TestWorkerHonorsPermanentMark tests MarkPermanent short-circuiting retries
func TestWorkerHonorsPermanentMark(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{Type: "render-page", Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, MarkPermanent(errors.New("page deleted"))
	}})

	created, _ := q.Enqueue(JobInput{Type: "render-page", MaxRetries: 5})

	worker := NewWorker(q, registry, "", testLogger())
	if _, err := worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}

	done, _ := q.Get(created.ID)
	if done.Status != JobStatusFailed {
		t.Errorf("permanent failure should be terminal, got %s", done.Status)
	}
	if done.Retries != 0 {
		t.Errorf("permanent failure charged retries: %d", done.Retries)
	}
}

// TestWorkerWithoutHandlerChargesRetry tests the missing-handler path
func TestWorkerWithoutHandlerChargesRetry(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()

	created, _ := q.Enqueue(JobInput{Type: "mystery", MaxRetries: 1})

	worker := NewWorker(q, registry, "", testLogger())
	if _, err := worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}

	job, _ := q.Get(created.ID)
	if job.Status != JobStatusPending || job.Retries != 1 {
		t.Errorf("missing handler should charge a retry: status=%s retries=%d", job.Status, job.Retries)
	}
}

// TestRunOnceDrainsTheQueue tests batch-style draining
func TestRunOnceDrainsTheQueue(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()
	handler := &countingHandler{jobType: "render-page"}
	registry.Register(handler)

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(JobInput{Type: "render-page"}); err != nil {
			t.Fatal(err)
		}
	}

	worker := NewWorker(q, registry, "", testLogger())
	processed, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("drain errored: %v", err)
	}
	if processed != 5 {
		t.Errorf("drained %d orders, want 5", processed)
	}
	if handler.calls != 5 {
		t.Errorf("handler ran %d times, want 5", handler.calls)
	}

	counts, _ := q.Stats()
	if counts.StatusCounts()[JobStatusCompleted] != 5 {
		t.Error("not all orders completed")
	}
}

// TestWorkerRunLoopProcessesAndStops tests the single-worker poll loop
func TestWorkerRunLoopProcessesAndStops(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)
	registry := NewHandlerRegistry()
	registry.Register(HandlerFunc{Type: "render-page", Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}})

	created, err := q.Enqueue(JobInput{Type: "render-page"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	worker := NewWorker(q, registry, "", testLogger())
	go func() {
		done <- worker.Run(ctx, 5*time.Millisecond)
	}()

	deadline := time.After(2 * time.Second)
	for {
		job, err := q.Get(created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == JobStatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never completed, status=%s", job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run loop returned error on cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop after cancel")
	}
}

// TestQueueNotifiesSubscribers tests the in-process fan-out
func TestQueueNotifiesSubscribers(t *testing.T) {
	db := quilltest.CreateTestDB(t)
	q := NewQueue(db)

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	created, err := q.Enqueue(JobInput{Type: "render-page"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-ch:
		if job.ID != created.ID || job.Status != JobStatusPending {
			t.Errorf("unexpected notification: %+v", job)
		}
	default:
		t.Fatal("no notification for enqueue")
	}

	q.Unsubscribe(ch)
	if _, err := q.Enqueue(JobInput{Type: "render-page"}); err != nil {
		t.Fatal(err)
	}
	select {
	case job := <-ch:
		t.Errorf("notification after unsubscribe: %+v", job)
	default:
	}
}
