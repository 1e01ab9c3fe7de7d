package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/errors"
	"github.com/quillwiki/quill/queue"
)

// ListCmd lists jobs
var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, most recent first, optionally filtered.

Status filters:
  pending    - Waiting to be claimed
  claimed    - Picked up by a worker, not yet executing
  running    - Currently executing
  completed  - Finished successfully
  failed     - Terminally failed (retry budget exhausted)
  cancelled  - Withdrawn before execution

Examples:
  quill list                      # List recent jobs
  quill list --status failed      # Only terminal failures
  quill list --type render-page   # Only one job type
  quill list --limit 50 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		typeFilter, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		return runList(cmd, statusFilter, typeFilter, limit)
	},
}

// CreateCmd enqueues a single job
var CreateCmd = &cobra.Command{
	Use:   "create <type> [key=value ...]",
	Short: "Enqueue a job",
	Long: `Enqueue a job of the given type. Positional key=value pairs become
the job's params object.

Examples:
  quill create render-page page=Home
  quill create rebuild-index --priority 10
  quill create render-page page=About --max-retries 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		return runCreate(cmd, args[0], args[1:], priority, maxRetries)
	},
}

// StatusCmd shows one job in detail
var StatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		return runStatus(cmd, id)
	},
}

// CancelCmd cancels a pending or claimed job
var CancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or claimed job",
	Long: `Cancel a job before it executes. Running jobs cannot be cancelled:
the engine has no handle into a handler's execution. Terminal jobs are
already settled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		return runCancel(cmd, id)
	},
}

// RetryCmd requeues a failed or cancelled job
var RetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed or cancelled job",
	Long: `Give a terminally failed or cancelled job a fresh run. The retry
counter, error, and result are reset; the job rejoins the pending pool
as if newly created.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		return runRetry(cmd, id)
	},
}

// TypesCmd lists known job types
var TypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List known job types",
	Long: `List job types: the engine's built-in types plus every type
observed in the job store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTypes(cmd)
	},
}

func init() {
	ListCmd.Flags().String("status", "", "Filter by status")
	ListCmd.Flags().String("type", "", "Filter by job type")
	ListCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	CreateCmd.Flags().Int("priority", 0, "Scheduling priority (higher first)")
	CreateCmd.Flags().Int("max-retries", -1, "Retry budget (default from config)")
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.NewInvalidRequestError("invalid job id %q", raw)
	}
	return id, nil
}

// parseParams turns positional key=value pairs into a params map.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errors.NewInvalidRequestError("params must be key=value, got %q", pair)
		}
		params[key] = value
	}
	return params, nil
}

func runList(cmd *cobra.Command, statusFilter, typeFilter string, limit int) error {
	status, err := queue.ParseStatusFilter(statusFilter)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	q := queue.NewQueue(database)
	result, err := q.List(queue.ListFilter{Status: status, Type: typeFilter}, limit)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(result)
	}

	if len(result.Entries) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-8s %-22s %-10s %4s  %-7s  %s\n", "ID", "TYPE", "STATUS", "PRI", "RETRY", "CREATED")
	fmt.Printf("%-8s %-22s %-10s %4s  %-7s  %s\n", "--", "----", "------", "---", "-----", "-------")
	for _, job := range result.Entries {
		printJobRow(job)
	}
	fmt.Printf("\nShowing %d of %d job(s)\n", len(result.Entries), result.Total)
	return nil
}

func runCreate(cmd *cobra.Command, jobType string, pairs []string, priority, maxRetries int) error {
	params, err := parseParams(pairs)
	if err != nil {
		return err
	}

	if maxRetries < 0 {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		maxRetries = cfg.Queue.DefaultMaxRetries
	}

	in, err := queue.NewJobInput(jobType, params, priority, maxRetries)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewQueue(database).Enqueue(in)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(job)
	}
	pterm.Success.Printf("Job %d created (%s, priority %d)\n", job.ID, job.Type, job.Priority)
	return nil
}

func runStatus(cmd *cobra.Command, id int64) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewQueue(database).Get(id)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(job)
	}
	printJobDetail(job)
	return nil
}

func runCancel(cmd *cobra.Command, id int64) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewQueue(database).Cancel(id)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(job)
	}
	pterm.Success.Printf("Job %d cancelled\n", job.ID)
	return nil
}

func runRetry(cmd *cobra.Command, id int64) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := queue.NewQueue(database).Requeue(id)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(job)
	}
	pterm.Success.Printf("Job %d requeued\n", job.ID)
	return nil
}

func runTypes(cmd *cobra.Command) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := queue.NewQueue(database).Stats()
	if err != nil {
		return err
	}

	seen := map[string]bool{queue.TypeBatchCommit: true}
	types := []string{queue.TypeBatchCommit}
	for name := range stats.ByType {
		if !seen[name] {
			seen[name] = true
			types = append(types, name)
		}
	}
	sort.Strings(types[1:])

	if jsonMode(cmd) {
		return printJSON(map[string]interface{}{"types": types})
	}
	fmt.Println("Known job types:")
	for _, name := range types {
		if name == queue.TypeBatchCommit {
			fmt.Printf("  %s (built-in)\n", name)
		} else {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}
