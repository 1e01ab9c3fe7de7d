package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/cmd/quill/commands"
	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - wiki background job engine",
	Long: `Quill - background job queue and worker coordination for the wiki.

Jobs are durable records in a shared store; any number of worker
processes claim and execute them through atomic conditional writes, so
no coordinator is needed.

Available commands:
  list    - List jobs
  create  - Enqueue a job
  status  - Show one job in detail
  cancel  - Cancel a pending or claimed job
  retry   - Requeue a failed or cancelled job
  sweep   - Reclaim jobs from vanished workers
  stats   - Queue-wide statistics
  batch   - Submit a fan-out batch with a commit job
  worker  - Run a worker loop
  types   - List known job types

Examples:
  quill create render-page page=Home --priority 5
  quill worker --once
  quill batch improve Home About Contact
  quill list --status failed --json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			if err := config.UseFile(configPath); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable JSON output")
	rootCmd.PersistentFlags().String("config", "", "Path to an explicit config file (TOML)")

	rootCmd.AddCommand(commands.ListCmd)
	rootCmd.AddCommand(commands.CreateCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.TypesCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
