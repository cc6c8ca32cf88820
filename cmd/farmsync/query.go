package main

import (
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <temp-id>",
	Short: "Show a registration with its children and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List registrations waiting to be submitted",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List registrations rejected by the registration service",
	Args:  cobra.NoArgs,
	RunE:  runFailed,
}

func init() {
	rootCmd.AddCommand(showCmd, pendingCmd, failedCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	record, err := client.Get(ctx, args[0])
	if err != nil {
		return err
	}
	children, err := client.Children(ctx, args[0])
	if err != nil {
		return err
	}
	history, err := client.Ledger(ctx, args[0])
	if err != nil {
		return err
	}
	return outputRecordDetail(cmd, recordDetail{Record: record, Children: children, History: history})
}

func runPending(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Pending(cmd.Context())
	if err != nil {
		return err
	}
	return outputRecordList(cmd, records, "No pending registrations.")
}

func runFailed(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Failed(cmd.Context())
	if err != nil {
		return err
	}
	return outputRecordList(cmd, records, "No failed registrations.")
}
