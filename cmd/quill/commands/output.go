package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/queue"
)

// jsonMode reads the root --json flag.
func jsonMode(cmd *cobra.Command) bool {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return jsonOutput
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor renders a job status with pterm color accents.
func statusColor(status queue.JobStatus) string {
	switch status {
	case queue.JobStatusCompleted:
		return pterm.Green(string(status))
	case queue.JobStatusFailed:
		return pterm.Red(string(status))
	case queue.JobStatusCancelled:
		return pterm.Gray(string(status))
	case queue.JobStatusRunning:
		return pterm.LightCyan(string(status))
	case queue.JobStatusClaimed:
		return pterm.Yellow(string(status))
	default:
		return string(status)
	}
}

// printJobRow prints one job in the list table layout.
func printJobRow(job *queue.Job) {
	fmt.Printf("%-8d %-22s %-10s %4d  %3d/%-3d  %s\n",
		job.ID,
		truncate(job.Type, 22),
		statusColor(job.Status),
		job.Priority,
		job.Retries, job.MaxRetries,
		job.CreatedAt.Local().Format("2006-01-02 15:04"))
}

// printJobDetail prints the full record for status output.
func printJobDetail(job *queue.Job) {
	fmt.Printf("Job %d\n", job.ID)
	fmt.Printf("  Type:     %s\n", job.Type)
	fmt.Printf("  Status:   %s\n", statusColor(job.Status))
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Retries:  %d/%d\n", job.Retries, job.MaxRetries)
	if job.WorkerID != "" {
		fmt.Printf("  Worker:   %s\n", job.WorkerID)
	}
	if len(job.Params) > 0 {
		fmt.Printf("  Params:   %s\n", string(job.Params))
	}
	if len(job.Result) > 0 {
		fmt.Printf("  Result:   %s\n", string(job.Result))
	}
	if job.Error != "" {
		fmt.Printf("  Error:    %s\n", pterm.Red(job.Error))
	}
	fmt.Println()
	fmt.Printf("  Created:   %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if job.ClaimedAt != nil {
		fmt.Printf("  Claimed:   %s\n", job.ClaimedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		if d := job.Duration(); d > 0 {
			fmt.Printf("  Duration:  %s\n", d)
		}
	}
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
