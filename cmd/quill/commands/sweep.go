package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/queue"
)

// SweepCmd reclaims jobs whose worker lease expired
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim jobs from vanished workers",
	Long: `Run one sweep pass: jobs stuck in claimed or running past the lease
timeout go back to pending with ownership cleared. A sweep never
charges a retry. Zero swept jobs is success.

Long-running worker processes sweep automatically; this command is for
operators and cron.

Examples:
  quill sweep                # Use the configured lease timeout
  quill sweep --lease 120    # Treat leases older than 120s as stale`,
	RunE: func(cmd *cobra.Command, args []string) error {
		leaseSeconds, _ := cmd.Flags().GetInt("lease")
		return runSweep(cmd, leaseSeconds)
	},
}

func init() {
	SweepCmd.Flags().Int("lease", 0, "Lease timeout in seconds (default from config)")
}

func runSweep(cmd *cobra.Command, leaseSeconds int) error {
	leaseTimeout := time.Duration(leaseSeconds) * time.Second
	if leaseSeconds <= 0 {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		leaseTimeout = cfg.Queue.LeaseTimeout()
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	result, err := queue.NewQueue(database).Sweep(leaseTimeout)
	if err != nil {
		return err
	}

	if jsonMode(cmd) {
		return printJSON(result)
	}

	if result.Swept == 0 {
		pterm.Info.Printf("No stale jobs (lease timeout %s)\n", leaseTimeout)
		return nil
	}
	pterm.Success.Printf("Reclaimed %d stale job(s)\n", result.Swept)
	for _, job := range result.Jobs {
		pterm.Printf("  job %d (%s) back to pending\n", job.ID, job.Type)
	}
	return nil
}
