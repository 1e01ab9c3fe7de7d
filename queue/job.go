// Package queue implements Quill's persistent background job engine: the
// durable job record, the atomic claim protocol that hands exclusive
// ownership to exactly one worker, the retry and stale-lease policies, and
// the two-level batch (fan-out children / fan-in aggregator) pattern the
// authoring tools use for multi-page operations.
package queue

import (
	"encoding/json"
	"time"

	"github.com/quillwiki/quill/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusClaimed, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status permits no further transitions.
// A failed job that still has retries left never reaches this state with
// status failed; the retry policy sends it back to pending instead.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the unit of schedulable work.
//
// The engine is domain-agnostic: Type identifies which registered handler
// executes the job and Params carries handler-specific data the queue never
// inspects. Ownership fields (WorkerID, ClaimedAt, StartedAt) are only
// populated while a worker holds the claim lock.
type Job struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	Status     JobStatus       `json:"status"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobInput describes a job to be created. Params may be nil.
type JobInput struct {
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
}

// Validate checks a JobInput before it reaches the store
func (in JobInput) Validate() error {
	if in.Type == "" {
		return errors.NewInvalidRequestError("job type cannot be empty")
	}
	if in.MaxRetries < 0 {
		return errors.NewInvalidRequestError("max retries cannot be negative")
	}
	if len(in.Params) > 0 && !json.Valid(in.Params) {
		return errors.NewInvalidRequestError("job params must be valid JSON")
	}
	return nil
}

// NewJobInput builds a JobInput from a params map.
func NewJobInput(jobType string, params map[string]interface{}, priority, maxRetries int) (JobInput, error) {
	in := JobInput{
		Type:       jobType,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return JobInput{}, errors.Wrap(err, "failed to marshal job params")
		}
		in.Params = raw
	}
	if err := in.Validate(); err != nil {
		return JobInput{}, err
	}
	return in, nil
}

// ParamsMap decodes the job's params payload into a generic map.
// Returns an empty map for jobs created without params.
func (j *Job) ParamsMap() (map[string]interface{}, error) {
	if len(j.Params) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(j.Params, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to decode params for job %d", j.ID)
	}
	return m, nil
}

// Duration returns how long the job executed, or zero if it never ran to a
// terminal state.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
