package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/errors"
	"github.com/quillwiki/quill/logger"
	"github.com/quillwiki/quill/queue"
)

// WorkerCmd runs a worker loop against the shared job store
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker loop",
	Long: `Run a worker process that claims and executes jobs.

Multiple worker processes may run against the same database; the claim
protocol guarantees each job is owned by exactly one of them. The
batch-commit handler is always registered. External handlers are bound
with --exec: the job's params arrive on the command's stdin as JSON
and its stdout is recorded as the result.

Modes:
  continuous (default) - Poll until interrupted; a background sweeper
                         reclaims leases from crashed workers.
  --once               - Drain eligible jobs, then exit. Used by cron
                         and tests.

Examples:
  quill worker                                   # Continuous, config defaults
  quill worker --workers 3 --poll 2              # 3 workers, 2s poll
  quill worker --type render-page --once         # Drain one type and exit
  quill worker --exec render-page=/usr/local/bin/render-page`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		pollSeconds, _ := cmd.Flags().GetInt("poll")
		workers, _ := cmd.Flags().GetInt("workers")
		once, _ := cmd.Flags().GetBool("once")
		execBindings, _ := cmd.Flags().GetStringArray("exec")
		return runWorker(cmd, jobType, pollSeconds, workers, once, execBindings)
	},
}

func init() {
	WorkerCmd.Flags().String("type", "", "Only claim jobs of this type")
	WorkerCmd.Flags().Int("poll", 0, "Poll interval in seconds (default from config)")
	WorkerCmd.Flags().Int("workers", 0, "Number of concurrent workers (default from config)")
	WorkerCmd.Flags().Bool("once", false, "Drain eligible jobs and exit")
	WorkerCmd.Flags().StringArray("exec", nil, "Bind a job type to a command: type=/path/to/cmd (repeatable)")
}

// registerHandlers fills a registry with the worker's handler set: the
// built-in batch-commit handler plus any --exec bindings.
func registerHandlers(registry *queue.HandlerRegistry, store *queue.Store, execBindings []string) error {
	registry.Register(queue.NewCommitHandler(store, nil, logger.Logger))

	for _, binding := range execBindings {
		jobType, command, found := strings.Cut(binding, "=")
		if !found || jobType == "" || command == "" {
			return errors.NewInvalidRequestError("exec binding must be type=command, got %q", binding)
		}
		registry.Register(queue.NewExecHandler(jobType, command, nil, 0, logger.Logger))
	}
	return nil
}

func runWorker(cmd *cobra.Command, jobType string, pollSeconds, workers int, once bool, execBindings []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = cfg.Queue.Workers
	}
	pollInterval := cfg.Queue.PollInterval()
	if pollSeconds > 0 {
		pollInterval = time.Duration(pollSeconds) * time.Second
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	q := queue.NewQueue(database)

	if once {
		registry := queue.NewHandlerRegistry()
		if err := registerHandlers(registry, q.Store(), execBindings); err != nil {
			return err
		}
		worker := queue.NewWorker(q, registry, jobType, logger.Logger)
		processed, err := worker.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if jsonMode(cmd) {
			return printJSON(map[string]interface{}{"processed": processed})
		}
		pterm.Success.Printf("Processed %d job(s)\n", processed)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := queue.NewWorkerPoolWithContext(ctx, database, queue.WorkerPoolConfig{
		Workers:            workers,
		PollInterval:       pollInterval,
		JobType:            jobType,
		ClaimRatePerSecond: cfg.Queue.ClaimRatePerSecond,
	}, logger.Logger)

	if err := registerHandlers(pool.Registry(), pool.Queue().Store(), execBindings); err != nil {
		return err
	}

	pool.Start()

	var sweeper *queue.Sweeper
	if cfg.Queue.SweepIntervalSeconds > 0 {
		sweeper = queue.NewSweeper(pool.Queue(), cfg.Queue.SweepInterval(), cfg.Queue.LeaseTimeout(), logger.Logger)
		sweeper.Start(ctx)
	}

	fmt.Printf("Worker started\n")
	fmt.Printf("  Workers:       %d\n", workers)
	fmt.Printf("  Poll interval: %v\n", pollInterval)
	if jobType != "" {
		fmt.Printf("  Type filter:   %s\n", jobType)
	}
	if sweeper != nil {
		fmt.Printf("  Sweep every:   %v (lease %v)\n", cfg.Queue.SweepInterval(), cfg.Queue.LeaseTimeout())
	}
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	if sweeper != nil {
		sweeper.Stop()
	}
	pool.Stop()
	cancel()

	pterm.Success.Printf("Worker stopped after %d job(s)\n", pool.JobsProcessed())
	return nil
}
