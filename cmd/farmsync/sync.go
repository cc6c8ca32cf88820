package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/farmsync"
	"github.com/spf13/cobra"
)

var errSyncAborted = errors.New("sync aborted")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Submit pending registrations now",
	Long: `Run one sync cycle: check connectivity, submit pending registrations in a
single batch and record the outcome of each one.

Exits non-zero when the cycle is aborted, for example when the
registration service is unreachable.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var retryCmd = &cobra.Command{
	Use:   "retry [temp-id]",
	Short: "Queue failed registrations for submission again",
	Long: `Move a failed registration, or every failed registration when no temp ID
is given, back to pending. Use --sync to submit right away.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRetry,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List farmers changed on the registration service since the last sync",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var retrySync bool

func init() {
	retryCmd.Flags().BoolVar(&retrySync, "sync", false, "Run a sync cycle after queueing")
	rootCmd.AddCommand(syncCmd, retryCmd, statusCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	return syncNow(cmd, client)
}

func syncNow(cmd *cobra.Command, client *farmsync.Client) error {
	result, err := withSpinner(cmd.ErrOrStderr(), "Syncing registrations", func() (*farmsync.CycleResult, error) {
		return client.Sync(cmd.Context())
	})
	if errors.Is(err, farmsync.ErrOffline) {
		return fmt.Errorf("sync unavailable: no registration service configured or offline mode is on")
	}
	if err != nil {
		return err
	}
	if err := outputCycleResult(cmd, result); err != nil {
		return err
	}
	if result.Outcome == farmsync.CycleAborted {
		return errSyncAborted
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	queued := 1
	if len(args) == 1 {
		err = client.Requeue(ctx, args[0])
	} else {
		queued, err = client.RetryFailed(ctx)
	}
	if errors.Is(err, farmsync.ErrInvalidTransition) {
		return fmt.Errorf("registration %s is already synced", args[0])
	}
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if !retrySync {
		if outputJSON {
			return outputAsJSON(cmd, map[string]int{"queued": queued})
		}
		if queued == 0 {
			printInfo(cmd.OutOrStdout(), "No failed registrations to retry")
		} else {
			printSuccess(cmd.OutOrStdout(), "Queued %d registrations for submission", queued)
		}
		return nil
	}
	return syncNow(cmd, client)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.RemoteStatus(cmd.Context())
	if errors.Is(err, farmsync.ErrOffline) {
		return fmt.Errorf("remote status unavailable: no registration service configured or offline mode is on")
	}
	if err != nil {
		return fmt.Errorf("remote status: %w", err)
	}
	return outputRemoteStatus(cmd, status)
}
