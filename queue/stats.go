package queue

import (
	"github.com/quillwiki/quill/errors"
)

// TypeStats aggregates one job type's history
type TypeStats struct {
	ByStatus      map[JobStatus]int `json:"by_status"`
	AvgDurationMs float64           `json:"avg_duration_ms"`
	FailureRate   float64           `json:"failure_rate"`
}

// Stats summarizes the whole queue
type Stats struct {
	TotalJobs int                   `json:"total_jobs"`
	ByType    map[string]*TypeStats `json:"by_type"`
}

// Stats returns queue-wide statistics: total job count and, per type,
// counts by status, average execution duration of completed jobs, and the
// failure rate among resolved (completed or terminally failed) jobs.
// An empty queue yields zero values, never an error.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByType: make(map[string]*TypeStats)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&stats.TotalJobs); err != nil {
		return nil, unavailable(err, "failed to count jobs")
	}

	rows, err := s.db.Query(`SELECT type, status, COUNT(*) FROM jobs GROUP BY type, status`)
	if err != nil {
		return nil, unavailable(err, "failed to aggregate jobs by status")
	}
	defer rows.Close()

	for rows.Next() {
		var jobType, status string
		var count int
		if err := rows.Scan(&jobType, &status, &count); err != nil {
			return nil, unavailable(err, "failed to scan status aggregate")
		}
		ts := stats.ByType[jobType]
		if ts == nil {
			ts = &TypeStats{ByStatus: make(map[JobStatus]int)}
			stats.ByType[jobType] = ts
		}
		ts.ByStatus[JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "error iterating status aggregates")
	}

	// Average wall-clock duration of completed executions, in milliseconds.
	durRows, err := s.db.Query(`
		SELECT type, AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
		GROUP BY type`,
		JobStatusCompleted,
	)
	if err != nil {
		return nil, unavailable(err, "failed to aggregate durations")
	}
	defer durRows.Close()

	for durRows.Next() {
		var jobType string
		var avgMs float64
		if err := durRows.Scan(&jobType, &avgMs); err != nil {
			return nil, unavailable(err, "failed to scan duration aggregate")
		}
		if ts := stats.ByType[jobType]; ts != nil {
			ts.AvgDurationMs = avgMs
		}
	}
	if err := durRows.Err(); err != nil {
		return nil, unavailable(err, "error iterating duration aggregates")
	}

	for _, ts := range stats.ByType {
		resolved := ts.ByStatus[JobStatusCompleted] + ts.ByStatus[JobStatusFailed]
		if resolved > 0 {
			ts.FailureRate = float64(ts.ByStatus[JobStatusFailed]) / float64(resolved)
		}
	}

	return stats, nil
}

// StatusCounts returns quick per-status totals across all types.
func (st *Stats) StatusCounts() map[JobStatus]int {
	counts := make(map[JobStatus]int)
	for _, ts := range st.ByType {
		for status, n := range ts.ByStatus {
			counts[status] += n
		}
	}
	return counts
}

// ParseStatusFilter converts a CLI/API status string into a filter value.
// An empty string means no filter.
func ParseStatusFilter(status string) (*JobStatus, error) {
	if status == "" {
		return nil, nil
	}
	if !IsValidStatus(status) {
		return nil, errors.NewInvalidRequestError("unknown status %q", status)
	}
	s := JobStatus(status)
	return &s, nil
}
