package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/logger"
	"github.com/quillwiki/quill/queue"
)

// Job types the batch subcommands fan out to. The handlers themselves are
// registered by worker processes.
const (
	typeImprovePage = "improve-page"
	typeCreatePage  = "create-page"
)

// BatchCmd submits fan-out batches
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit a fan-out batch with a commit job",
	Long: `Submit a batch: one child job per item, all sealed with a shared
batch_id, plus a batch-commit job that waits for the children to settle
and then aggregates their results.

Subcommands:
  improve <pages...>  - One improve-page job per page
  create <pages...>   - One create-page job per page

Examples:
  quill batch improve Home About Contact
  quill batch create "Style Guide" --priority 5
  quill batch improve Home --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// BatchImproveCmd fans out improve-page jobs
var BatchImproveCmd = &cobra.Command{
	Use:   "improve <pages...>",
	Short: "Batch-improve wiki pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, typeImprovePage, args)
	},
}

// BatchCreateCmd fans out create-page jobs
var BatchCreateCmd = &cobra.Command{
	Use:   "create <pages...>",
	Short: "Batch-create wiki pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, typeCreatePage, args)
	},
}

func init() {
	for _, sub := range []*cobra.Command{BatchImproveCmd, BatchCreateCmd} {
		sub.Flags().Int("priority", 0, "Priority for the child jobs")
		sub.Flags().Int("max-retries", -1, "Retry budget per child (default from config)")
		sub.Flags().Bool("wait", false, "Block until the commit job settles")
	}
	BatchCmd.AddCommand(BatchImproveCmd)
	BatchCmd.AddCommand(BatchCreateCmd)
}

func runBatch(cmd *cobra.Command, childType string, pages []string) error {
	priority, _ := cmd.Flags().GetInt("priority")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	wait, _ := cmd.Flags().GetBool("wait")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if maxRetries < 0 {
		maxRetries = cfg.Queue.DefaultMaxRetries
	}

	children := make([]queue.JobInput, 0, len(pages))
	for _, page := range pages {
		params, err := json.Marshal(map[string]string{"page": page})
		if err != nil {
			return err
		}
		children = append(children, queue.JobInput{
			Type:       childType,
			Params:     params,
			Priority:   priority,
			MaxRetries: maxRetries,
		})
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	q := queue.NewQueue(database)
	orch := queue.NewOrchestrator(q, logger.Logger)

	// The commit job's retry budget is its patience window for slow
	// children, so it gets a larger budget than the children themselves.
	commitRetries := maxRetries*len(children) + len(children)
	batch, err := orch.Submit(children, priority, commitRetries)
	if err != nil {
		return err
	}

	if !wait {
		if jsonMode(cmd) {
			return printJSON(batch)
		}
		pterm.Success.Printf("Batch %s submitted: %d child job(s), commit job %d\n",
			batch.BatchID, len(batch.Children), batch.CommitJob.ID)
		for _, child := range batch.Children {
			pterm.Printf("  job %d: %s\n", child.ID, child.Type)
		}
		return nil
	}

	pterm.Info.Printf("Batch %s submitted, waiting for commit job %d...\n",
		batch.BatchID, batch.CommitJob.ID)

	commit, err := orch.WaitForBatch(context.Background(), batch.CommitJob.ID, 2*time.Second)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(commit)
	}
	if commit.Status == queue.JobStatusCompleted {
		pterm.Success.Printf("Batch %s committed\n", batch.BatchID)
		if len(commit.Result) > 0 {
			pterm.Printf("%s\n", string(commit.Result))
		}
	} else {
		pterm.Error.Printf("Batch %s commit ended %s: %s\n", batch.BatchID, commit.Status, commit.Error)
	}
	return nil
}
