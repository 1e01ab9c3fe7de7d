package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillwiki/quill/errors"
)

// TypeBatchCommit is the job type of the fan-in aggregator job created for
// every batch. Its handler waits for the batch's children to settle, then
// summarizes their outcomes as its own result.
const TypeBatchCommit = "batch-commit"

// Params keys the batch convention uses. Batch membership is a params
// convention, not a schema column: children carry batch_id, the commit job
// carries batch_id plus the child job ids.
const (
	ParamBatchID     = "batch_id"
	ParamChildJobIDs = "child_job_ids"
)

// CommitParams is the payload of a batch-commit job.
type CommitParams struct {
	BatchID     string  `json:"batch_id"`
	ChildJobIDs []int64 `json:"child_job_ids"`
}

// BatchResult describes a submitted batch.
type BatchResult struct {
	BatchID   string `json:"batch_id"`
	Children  []*Job `json:"children"`
	CommitJob *Job   `json:"commit_job"`
}

// Orchestrator submits two-level batches: N children fanned out for
// independent execution plus one batch-commit job that fans their results
// back in. Submission is atomic — children and commit job are created in a
// single transaction, so an observer never sees a batch without its commit
// job.
type Orchestrator struct {
	queue  *Queue
	logger *zap.SugaredLogger
}

// NewOrchestrator creates a batch orchestrator on top of the queue.
func NewOrchestrator(queue *Queue, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		queue:  queue,
		logger: logger.Named("batch"),
	}
}

// Submit creates the batch. Each child input gets the generated batch_id
// injected into its params; the commit job records the batch_id and the
// children's ids. commitPriority and commitMaxRetries shape the commit job —
// its retry budget doubles as the patience window for slow children.
func (o *Orchestrator) Submit(children []JobInput, commitPriority, commitMaxRetries int) (*BatchResult, error) {
	if len(children) == 0 {
		return nil, errors.NewInvalidRequestError("batch requires at least one child job")
	}

	batchID := uuid.NewString()

	tagged := make([]JobInput, 0, len(children))
	for i, child := range children {
		if child.Type == TypeBatchCommit {
			return nil, errors.NewInvalidRequestError("batch child %d: %s jobs are created by the orchestrator", i, TypeBatchCommit)
		}
		withID, err := injectBatchID(child, batchID)
		if err != nil {
			return nil, errors.Wrapf(err, "batch child %d", i)
		}
		tagged = append(tagged, withID)
	}

	childJobs, commitJob, err := o.queue.Store().CreateBatchWithCommit(tagged, func(childIDs []int64) (JobInput, error) {
		params, err := json.Marshal(CommitParams{BatchID: batchID, ChildJobIDs: childIDs})
		if err != nil {
			return JobInput{}, errors.Wrap(err, "failed to encode commit params")
		}
		return JobInput{
			Type:       TypeBatchCommit,
			Params:     params,
			Priority:   commitPriority,
			MaxRetries: commitMaxRetries,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Infow("Batch submitted",
		"batch_id", batchID,
		"children", len(childJobs),
		"commit_job_id", commitJob.ID)

	return &BatchResult{BatchID: batchID, Children: childJobs, CommitJob: commitJob}, nil
}

// injectBatchID adds the batch_id key to a child's params, preserving
// whatever else the caller put there.
func injectBatchID(in JobInput, batchID string) (JobInput, error) {
	params := map[string]interface{}{}
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return JobInput{}, errors.Wrap(err, "child params must be a JSON object")
		}
	}
	params[ParamBatchID] = batchID

	raw, err := json.Marshal(params)
	if err != nil {
		return JobInput{}, errors.Wrap(err, "failed to encode child params")
	}
	in.Params = raw
	return in, nil
}

// CreateBatchWithCommit inserts the child jobs and a commit job built from
// their assigned ids, all in one transaction.
func (s *Store) CreateBatchWithCommit(children []JobInput, makeCommit func(childIDs []int64) (JobInput, error)) ([]*Job, *Job, error) {
	for i, in := range children {
		if err := in.Validate(); err != nil {
			return nil, nil, errors.Wrapf(err, "batch input %d", i)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, unavailable(err, "failed to begin batch transaction")
	}

	childIDs, err := insertJobsTx(tx, children)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	commitInput, err := makeCommit(childIDs)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := commitInput.Validate(); err != nil {
		tx.Rollback()
		return nil, nil, errors.Wrap(err, "batch commit job")
	}

	commitIDs, err := insertJobsTx(tx, []JobInput{commitInput})
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, unavailable(err, "failed to commit batch")
	}

	childJobs, err := s.getJobs(childIDs)
	if err != nil {
		return nil, nil, err
	}
	commitJob, err := s.GetJob(commitIDs[0])
	if err != nil {
		return nil, nil, err
	}
	return childJobs, commitJob, nil
}

// ChildOutcome summarizes one child job inside a commit result.
type ChildOutcome struct {
	JobID  int64           `json:"job_id"`
	Type   string          `json:"type"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CommitResult is the default aggregate a commit job records.
type CommitResult struct {
	BatchID   string         `json:"batch_id"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	Children  []ChildOutcome `json:"children"`
}

// Aggregator folds settled children into the commit job's result payload.
type Aggregator func(batchID string, children []*Job) (json.RawMessage, error)

// CommitHandler executes batch-commit jobs. When any child is still
// non-terminal it returns ErrChildrenPending, which the worker records as a
// transient failure: the commit job cycles back to pending and is re-examined
// on a later claim, up to its own retry budget.
type CommitHandler struct {
	store     *Store
	aggregate Aggregator
	logger    *zap.SugaredLogger
}

// NewCommitHandler creates the handler with the default aggregator.
// Pass a custom aggregate to shape the recorded result.
func NewCommitHandler(store *Store, aggregate Aggregator, logger *zap.SugaredLogger) *CommitHandler {
	if aggregate == nil {
		aggregate = defaultAggregate
	}
	return &CommitHandler{
		store:     store,
		aggregate: aggregate,
		logger:    logger.Named("batch-commit"),
	}
}

func (h *CommitHandler) Name() string { return TypeBatchCommit }

// Execute checks the batch's children and either defers (children still in
// flight) or aggregates their outcomes.
func (h *CommitHandler) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	var params CommitParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, MarkPermanent(errors.Wrap(err, "invalid commit params"))
	}
	if params.BatchID == "" || len(params.ChildJobIDs) == 0 {
		return nil, MarkPermanent(errors.NewInvalidRequestError("commit params missing batch_id or child_job_ids"))
	}

	children := make([]*Job, 0, len(params.ChildJobIDs))
	pending := 0
	for _, childID := range params.ChildJobIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		child, err := h.store.GetJob(childID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				// A deleted child can never settle; waiting would spin the
				// commit job through its whole retry budget for nothing.
				return nil, MarkPermanent(errors.Wrapf(err, "batch %s child missing", params.BatchID))
			}
			return nil, err
		}
		if !child.Status.IsTerminal() {
			pending++
		}
		children = append(children, child)
	}

	if pending > 0 {
		h.logger.Debugw("Batch children still in flight",
			"batch_id", params.BatchID,
			"pending", pending,
			"total", len(children))
		return nil, errors.Wrapf(ErrChildrenPending, "batch %s: %d of %d children unsettled", params.BatchID, pending, len(children))
	}

	result, err := h.aggregate(params.BatchID, children)
	if err != nil {
		return nil, err
	}

	h.logger.Infow("Batch committed", "batch_id", params.BatchID, "children", len(children))
	return result, nil
}

// defaultAggregate counts outcomes and embeds each child's status, result,
// and error.
func defaultAggregate(batchID string, children []*Job) (json.RawMessage, error) {
	agg := CommitResult{
		BatchID:  batchID,
		Total:    len(children),
		Children: make([]ChildOutcome, 0, len(children)),
	}
	for _, child := range children {
		switch child.Status {
		case JobStatusCompleted:
			agg.Completed++
		case JobStatusFailed:
			agg.Failed++
		case JobStatusCancelled:
			agg.Cancelled++
		}
		agg.Children = append(agg.Children, ChildOutcome{
			JobID:  child.ID,
			Type:   child.Type,
			Status: child.Status,
			Result: child.Result,
			Error:  child.Error,
		})
	}
	raw, err := json.Marshal(agg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode commit result")
	}
	return raw, nil
}

// WaitForBatch polls until the batch's commit job reaches a terminal state
// or the context expires. Convenience for CLI flows that submit and wait.
func (o *Orchestrator) WaitForBatch(ctx context.Context, commitJobID int64, pollInterval time.Duration) (*Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.queue.Get(commitJobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
