package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperengineering/farmsync"
	"github.com/hyperengineering/farmsync/internal/workspace"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local registration counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export registrations and their children as JSON",
	Long: `Write registrations with their land parcels and crops as one JSON
document, for hand-over from a device that cannot sync.`,
	Example: `  farmsync export -o handover.json
  farmsync export --status pending,failed`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var backupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "Write a consistent copy of the local database",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List workspaces on this device",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaces,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
FARMSYNC_* environment variables and flags. The API token is redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var (
	statsHealth    bool
	exportStatuses []string
	exportOutput   string
)

func init() {
	statsCmd.Flags().BoolVar(&statsHealth, "health", false, "Also check store health and service reachability")
	exportCmd.Flags().StringSliceVar(&exportStatuses, "status", nil, "Only export these statuses: pending, synced, failed")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	rootCmd.AddCommand(statsCmd, exportCmd, backupCmd, workspacesCmd, configCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	var health *farmsync.HealthStatus
	if statsHealth {
		h := client.HealthCheck(ctx)
		health = &h
	}
	return outputStats(cmd, client.Config(), stats, health)
}

func runExport(cmd *cobra.Command, args []string) error {
	var filter farmsync.ExportFilter
	for _, s := range exportStatuses {
		filter.Statuses = append(filter.Statuses, farmsync.SyncStatus(strings.TrimSpace(s)))
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := client.Export(cmd.Context(), filter, w); err != nil {
		if exportOutput != "" {
			_ = os.Remove(exportOutput)
		}
		return fmt.Errorf("export: %w", err)
	}
	if exportOutput != "" {
		printSuccess(cmd.ErrOrStderr(), "Exported to %s", exportOutput)
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Backup(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"backup": args[0]})
	}
	printSuccess(cmd.OutOrStdout(), "Backup written to %s", args[0])
	return nil
}

func runWorkspaces(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ids, err := workspace.List("")
	if err != nil {
		return err
	}

	if outputJSON {
		if ids == nil {
			ids = []string{}
		}
		return outputAsJSON(cmd, map[string]interface{}{"current": cfg.Workspace, "workspaces": ids})
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No workspaces found.")
		return nil
	}
	for _, id := range ids {
		marker := "  "
		if id == cfg.Workspace {
			marker = "* "
		}
		fmt.Fprintf(out, "%s%s\n", marker, id)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.APIToken != "" {
		cfg.APIToken = "[REDACTED]"
	}

	if outputJSON {
		return outputAsJSON(cmd, cfg)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
