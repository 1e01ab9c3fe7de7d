package queue

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned from a job row before they
// are folded into the Job struct.
type JobScanArgs struct {
	Params      sql.NullString
	WorkerID    sql.NullString
	Result      sql.NullString
	ErrorMsg    sql.NullString
	ClaimedAt   sql.NullTime
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations for the job and scan args,
// in the order expected by the standard job SELECT query
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&args.Params,
		&job.Priority,
		&job.Status,
		&job.Retries,
		&job.MaxRetries,
		&args.WorkerID,
		&args.Result,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.ClaimedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs folds the scanned nullable columns into the job struct
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Params.Valid {
		job.Params = []byte(args.Params.String)
	}
	if args.WorkerID.Valid {
		job.WorkerID = args.WorkerID.String
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.ClaimedAt.Valid {
		job.ClaimedAt = &args.ClaimedAt.Time
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, type, params, priority, status,
		retries, max_retries, worker_id,
		result, error,
		created_at, claimed_at, started_at, completed_at`
}
