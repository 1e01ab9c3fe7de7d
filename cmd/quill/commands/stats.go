package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/queue"
)

// StatsCmd shows queue-wide statistics
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Queue-wide statistics",
	Long: `Show totals, per-type status counts, average execution duration of
completed jobs, and the failure rate among resolved jobs. An empty
queue reports zeroes, not an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd)
	},
}

func runStats(cmd *cobra.Command) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := queue.NewQueue(database).Stats()
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(stats)
	}

	fmt.Printf("Total jobs: %d\n", stats.TotalJobs)
	if stats.TotalJobs == 0 {
		return nil
	}

	counts := stats.StatusCounts()
	fmt.Printf("  pending %d | claimed %d | running %d | completed %d | failed %d | cancelled %d\n\n",
		counts[queue.JobStatusPending],
		counts[queue.JobStatusClaimed],
		counts[queue.JobStatusRunning],
		counts[queue.JobStatusCompleted],
		counts[queue.JobStatusFailed],
		counts[queue.JobStatusCancelled])

	names := make([]string, 0, len(stats.ByType))
	for name := range stats.ByType {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-22s %-10s %-10s %-12s %s\n", "TYPE", "COMPLETED", "FAILED", "AVG MS", "FAIL RATE")
	for _, name := range names {
		ts := stats.ByType[name]
		fmt.Printf("%-22s %-10d %-10d %-12.0f %.1f%%\n",
			truncate(name, 22),
			ts.ByStatus[queue.JobStatusCompleted],
			ts.ByStatus[queue.JobStatusFailed],
			ts.AvgDurationMs,
			ts.FailureRate*100)
	}
	return nil
}
