package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/farmsync"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync in the background until interrupted",
	Long: `Run the sync scheduler in the foreground. A cycle runs every sync
interval, and sooner after an aborted cycle's backoff expires. On SIGINT or
SIGTERM pending registrations get one final flush before exit.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var daemonInterval time.Duration

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Override the sync interval")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return fmt.Errorf("daemon needs a registration service: set --api-url or FARMSYNC_API_URL")
	}
	cfg.AutoSync = true
	if daemonInterval > 0 {
		cfg.SyncInterval = daemonInterval
	}

	report := func(result *farmsync.CycleResult) {
		if result.Outcome == farmsync.CycleSkipped {
			return
		}
		_ = outputCycleResult(cmd, result)
	}

	client, err := newClient(cfg, farmsync.WithResultHandler(report))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !outputJSON {
		printInfo(cmd.OutOrStdout(), "Syncing %s every %s (Ctrl+C to stop)", cfg.Workspace, cfg.SyncInterval)
	}
	<-ctx.Done()

	if !outputJSON {
		printInfo(cmd.OutOrStdout(), "Stopping, flushing pending registrations")
	}
	return client.Close()
}
