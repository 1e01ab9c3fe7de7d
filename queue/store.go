package queue

import (
	"database/sql"
	"time"

	"github.com/quillwiki/quill/errors"
)

const (
	// maxClaimAttempts bounds how many losing CAS races a single claim call
	// will absorb before reporting the queue as empty for this poll.
	maxClaimAttempts = 8
)

// Store handles persistence of jobs. Every state transition is a conditional
// UPDATE keyed on the job's current status: when two callers race for the
// same transition exactly one write matches, and the loser observes the new
// state instead of clobbering it. The job row is the unit of locking; no
// in-memory coordination is assumed, so independent worker processes can
// share one store safely.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// unavailable wraps a driver-level failure so callers can distinguish a
// store outage from a domain rejection.
func unavailable(err error, op string) error {
	return errors.WithDetailf(errors.Wrap(errors.ErrUnavailable, op), "cause: %v", err)
}

// CreateJob inserts a new job in pending state and returns it with its
// assigned id.
func (s *Store) CreateJob(in JobInput) (*Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO jobs (type, params, priority, status, retries, max_retries, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		in.Type,
		nullableJSON(in.Params),
		in.Priority,
		JobStatusPending,
		in.MaxRetries,
		now,
	)
	if err != nil {
		return nil, unavailable(err, "failed to create job")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable(err, "failed to read new job id")
	}

	return s.GetJob(id)
}

// CreateBatch inserts all inputs in one transaction. One invalid input fails
// the whole batch: either every job is created or none is, so a batch can
// never be observed half-created.
func (s *Store) CreateBatch(inputs []JobInput) ([]*Job, error) {
	if len(inputs) == 0 {
		return nil, errors.NewInvalidRequestError("batch requires at least one job")
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, errors.Wrapf(err, "batch input %d", i)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable(err, "failed to begin batch transaction")
	}

	ids, err := insertJobsTx(tx, inputs)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "failed to commit batch")
	}

	return s.getJobs(ids)
}

// insertJobsTx inserts inputs inside an open transaction and returns the
// assigned ids in input order.
func insertJobsTx(tx *sql.Tx, inputs []JobInput) ([]int64, error) {
	now := time.Now().UTC()
	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		res, err := tx.Exec(`
			INSERT INTO jobs (type, params, priority, status, retries, max_retries, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			in.Type,
			nullableJSON(in.Params),
			in.Priority,
			JobStatusPending,
			in.MaxRetries,
			now,
		)
		if err != nil {
			return nil, unavailable(err, "failed to insert batch job")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, unavailable(err, "failed to read batch job id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id int64) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, unavailable(err, "failed to get job")
	}

	return &job, nil
}

// getJobs fetches a set of jobs by id, preserving the requested order.
func (s *Store) getJobs(ids []int64) ([]*Job, error) {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListFilter narrows ListJobs and CountJobs results
type ListFilter struct {
	Status *JobStatus
	Type   string
}

// ListJobs returns jobs matching the filter, most recent first
func (s *Store) ListJobs(filter ListFilter, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	where, args := filterClause(filter)
	query += where + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountJobs returns the total number of jobs matching the filter
func (s *Store) CountJobs(filter ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM jobs`
	where, args := filterClause(filter)

	var count int
	if err := s.db.QueryRow(query+where, args...).Scan(&count); err != nil {
		return 0, unavailable(err, "failed to count jobs")
	}
	return count, nil
}

func filterClause(filter ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, unavailable(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "error iterating jobs")
	}

	return jobs, nil
}

// ClaimNextJob atomically transitions the best pending job to claimed and
// returns it, or (nil, nil) when nothing is claimable. Candidates are
// ordered priority-descending, then oldest-first. The claim itself is a
// single conditional write — "set claimed where status is still pending" —
// so of two racing workers exactly one wins; the loser moves on to the next
// candidate.
func (s *Store) ClaimNextJob(workerID string, jobType string) (*Job, error) {
	if workerID == "" {
		return nil, errors.NewInvalidRequestError("worker id cannot be empty")
	}

	candidateQuery := `SELECT id FROM jobs WHERE status = ?`
	args := []interface{}{JobStatusPending}
	if jobType != "" {
		candidateQuery += ` AND type = ?`
		args = append(args, jobType)
	}
	candidateQuery += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var id int64
		err := s.db.QueryRow(candidateQuery, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // queue empty for this filter
		}
		if err != nil {
			return nil, unavailable(err, "failed to select claim candidate")
		}

		now := time.Now().UTC()
		res, err := s.db.Exec(`
			UPDATE jobs
			SET status = ?, worker_id = ?, claimed_at = ?
			WHERE id = ? AND status = ?`,
			JobStatusClaimed, workerID, now, id, JobStatusPending,
		)
		if err != nil {
			return nil, unavailable(err, "failed to claim job")
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, unavailable(err, "failed to read claim result")
		}
		if affected == 1 {
			return s.GetJob(id)
		}
		// Lost the race; the winner already moved this job out of pending.
	}

	return nil, nil
}

// StartJob transitions claimed -> running. Purely informational: it lets the
// sweeper distinguish "picked up" from "actively executing".
func (s *Store) StartJob(id int64, workerID string) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`+workerClause(workerID),
		append([]interface{}{JobStatusRunning, now, id, JobStatusClaimed}, workerArgs(workerID)...)...,
	)
	if err != nil {
		return nil, unavailable(err, "failed to start job")
	}
	return s.afterTransition(res, id, "start")
}

// CompleteJob transitions running -> completed and records the result.
// The error column is cleared: an error left over from an earlier retried
// attempt has no place on a completed job.
func (s *Store) CompleteJob(id int64, workerID string, result []byte) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, result = ?, error = NULL, completed_at = ?
		WHERE id = ? AND status = ?`+workerClause(workerID),
		append([]interface{}{JobStatusCompleted, nullableJSON(result), now, id, JobStatusRunning}, workerArgs(workerID)...)...,
	)
	if err != nil {
		return nil, unavailable(err, "failed to complete job")
	}
	return s.afterTransition(res, id, "complete")
}

// FailJob records a failure and applies the retry policy: below the retry
// ceiling the job returns to pending with ownership cleared and retries
// incremented; at the ceiling (or for a permanent failure) it becomes
// terminally failed. Valid from running, or from claimed for a
// cannot-start error.
func (s *Store) FailJob(id int64, workerID string, failure string, permanent bool) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable(err, "failed to begin fail transaction")
	}
	defer tx.Rollback()

	var status JobStatus
	var retries, maxRetries int
	err = tx.QueryRow(`SELECT status, retries, max_retries FROM jobs WHERE id = ?`, id).
		Scan(&status, &retries, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, unavailable(err, "failed to read job for failure")
	}

	if status != JobStatusRunning && status != JobStatusClaimed {
		return nil, transitionError(id, "fail", status)
	}

	now := time.Now().UTC()
	var res sql.Result
	if !permanent && retries < maxRetries {
		// Back to the claim pool; the conditional WHERE keeps a concurrent
		// transition from being overwritten.
		res, err = tx.Exec(`
			UPDATE jobs
			SET status = ?, retries = retries + 1, error = ?,
			    worker_id = NULL, claimed_at = NULL, started_at = NULL
			WHERE id = ? AND status = ? AND retries = ?`+workerClause(workerID),
			append([]interface{}{JobStatusPending, failure, id, status, retries}, workerArgs(workerID)...)...,
		)
	} else {
		res, err = tx.Exec(`
			UPDATE jobs
			SET status = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = ? AND retries = ?`+workerClause(workerID),
			append([]interface{}{JobStatusFailed, failure, now, id, status, retries}, workerArgs(workerID)...)...,
		)
	}
	if err != nil {
		return nil, unavailable(err, "failed to record job failure")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable(err, "failed to read failure result")
	}
	if affected == 0 {
		return nil, transitionError(id, "fail", status)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "failed to commit failure")
	}

	return s.GetJob(id)
}

// CancelJob transitions pending or claimed -> cancelled. Running and
// terminal jobs are rejected: the queue has no handle into a handler's
// execution, so a running job cannot be safely interrupted.
func (s *Store) CancelJob(id int64) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		JobStatusCancelled, now, id, JobStatusPending, JobStatusClaimed,
	)
	if err != nil {
		return nil, unavailable(err, "failed to cancel job")
	}
	return s.afterTransition(res, id, "cancel")
}

// ReleaseJob returns a claimed or running job to pending, clearing
// ownership without touching the retry counter. A lease expiry is a
// queue-level fault, not a handler failure.
func (s *Store) ReleaseJob(id int64) (*Job, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, worker_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		JobStatusPending, id, JobStatusClaimed, JobStatusRunning,
	)
	if err != nil {
		return nil, unavailable(err, "failed to release job")
	}
	return s.afterTransition(res, id, "release")
}

// RequeueJob resets a terminally failed or cancelled job for a fresh run:
// back to pending with the retry counter and error cleared. Used by manual
// operator retry, never by the automatic retry policy.
func (s *Store) RequeueJob(id int64) (*Job, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, retries = 0, error = NULL, result = NULL,
		    worker_id = NULL, claimed_at = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		JobStatusPending, id, JobStatusFailed, JobStatusCancelled,
	)
	if err != nil {
		return nil, unavailable(err, "failed to requeue job")
	}
	return s.afterTransition(res, id, "requeue")
}

// SweepStaleJobs finds jobs stuck in claimed or running past the lease
// timeout and returns each to pending with ownership cleared. Retries are
// not incremented. Returns the swept jobs so callers can alert on repeated
// staleness.
func (s *Store) SweepStaleJobs(leaseTimeout time.Duration) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-leaseTimeout)

	rows, err := s.db.Query(`
		SELECT id, status FROM jobs
		WHERE status IN (?, ?)
		  AND COALESCE(started_at, claimed_at) <= ?`,
		JobStatusClaimed, JobStatusRunning, cutoff,
	)
	if err != nil {
		return nil, unavailable(err, "failed to scan for stale jobs")
	}

	type stale struct {
		id     int64
		status JobStatus
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.id, &c.status); err != nil {
			rows.Close()
			return nil, unavailable(err, "failed to scan stale job")
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "error iterating stale jobs")
	}

	swept := make([]*Job, 0, len(candidates))
	for _, c := range candidates {
		res, err := s.db.Exec(`
			UPDATE jobs
			SET status = ?, worker_id = NULL, claimed_at = NULL, started_at = NULL
			WHERE id = ? AND status = ?`,
			JobStatusPending, c.id, c.status,
		)
		if err != nil {
			return nil, unavailable(err, "failed to sweep job")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, unavailable(err, "failed to read sweep result")
		}
		if affected == 0 {
			continue // the worker finished (or another sweeper won) in the meantime
		}
		job, err := s.GetJob(c.id)
		if err != nil {
			return nil, err
		}
		swept = append(swept, job)
	}

	return swept, nil
}

// afterTransition turns a conditional-update result into the updated job or
// a precise rejection.
func (s *Store) afterTransition(res sql.Result, id int64, op string) (*Job, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable(err, "failed to read rows affected")
	}
	if affected == 1 {
		return s.GetJob(id)
	}

	// Zero rows: either the job is missing or it is not in the required
	// starting state. Look it up to report which.
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	return nil, transitionError(id, op, job.Status)
}

func transitionError(id int64, op string, status JobStatus) error {
	err := errors.Wrapf(errors.ErrInvalidTransition, "cannot %s job %d", op, id)
	return errors.WithDetailf(err, "current status: %s", status)
}

// workerClause appends an ownership check when a worker id is supplied.
// Admin paths pass "" and skip the check.
func workerClause(workerID string) string {
	if workerID == "" {
		return ""
	}
	return " AND worker_id = ?"
}

func workerArgs(workerID string) []interface{} {
	if workerID == "" {
		return nil
	}
	return []interface{}{workerID}
}

func nullableJSON(raw []byte) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
