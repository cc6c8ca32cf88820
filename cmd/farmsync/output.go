package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperengineering/farmsync"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputText prints text to the command's stdout.
func outputText(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// outputError prints an error to stderr with the API token redacted.
func outputError(w io.Writer, err error) {
	printError(w, "%s", scrubToken(err.Error()))
}

func scrubToken(msg string) string {
	for _, token := range []string{cfgAPIToken, effectiveToken} {
		if token != "" {
			msg = strings.ReplaceAll(msg, token, "[REDACTED]")
		}
	}
	return msg
}

// summarize renders "First Last (NRC)" from a registration payload.
func summarize(payload json.RawMessage) string {
	doc := gjson.ParseBytes(payload)
	name := strings.TrimSpace(doc.Get("personal_info.first_name").String() + " " + doc.Get("personal_info.last_name").String())
	nrc := doc.Get("nrc_number").String()
	switch {
	case name != "" && nrc != "":
		return fmt.Sprintf("%s (%s)", name, nrc)
	case name != "":
		return name
	case nrc != "":
		return nrc
	}
	return "(unnamed registration)"
}

// outputRecord prints a single record in the configured format.
func outputRecord(cmd *cobra.Command, record *farmsync.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, record)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Temp ID: %s\n", record.TempID)
	fmt.Fprintf(out, "Status:  %s\n", renderStatus(string(record.Status)))
	if record.PermanentID != "" {
		fmt.Fprintf(out, "Farmer:  %s\n", record.PermanentID)
	}
	fmt.Fprintf(out, "Name:    %s\n", summarize(record.Payload))
	return nil
}

type recordDetail struct {
	*farmsync.Record
	Children []farmsync.Child       `json:"children"`
	History  []farmsync.LedgerEntry `json:"history"`
}

func outputRecordDetail(cmd *cobra.Command, detail recordDetail) error {
	if outputJSON {
		return outputAsJSON(cmd, detail)
	}

	out := cmd.OutOrStdout()
	if err := outputRecord(cmd, detail.Record); err != nil {
		return err
	}
	fmt.Fprintf(out, "Attempts: %d  Revision: %d\n", detail.Attempts, detail.Revision)
	if detail.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", detail.LastError)
	}
	fmt.Fprintf(out, "Created: %s\n", detail.CreatedAt.Format(time.RFC3339))

	if len(detail.Children) > 0 {
		fmt.Fprintf(out, "\nChildren (%d):\n", len(detail.Children))
		for _, c := range detail.Children {
			fmt.Fprintf(out, "  %s  %-11s %s\n", c.ID, c.Kind, string(c.Payload))
		}
	}
	if len(detail.History) > 0 {
		fmt.Fprintln(out, "\nHistory:")
		for _, e := range detail.History {
			line := fmt.Sprintf("  %s  %s", e.RecordedAt.Format(time.RFC3339), e.Event)
			if e.Detail != "" {
				line += ": " + e.Detail
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

// outputRecordList prints records one per line, or empty when there are none.
func outputRecordList(cmd *cobra.Command, records []farmsync.Record, empty string) error {
	if outputJSON {
		if records == nil {
			records = []farmsync.Record{}
		}
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, empty)
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s  %-8s %s\n", r.TempID, renderStatus(string(r.Status)), summarize(r.Payload))
		if r.LastError != "" {
			printMuted(out, "    %s (attempt %d)", r.LastError, r.Attempts)
		}
	}
	return nil
}

// outputCycleResult prints the result of a sync cycle.
func outputCycleResult(cmd *cobra.Command, result *farmsync.CycleResult) error {
	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	switch result.Outcome {
	case farmsync.CycleSkipped:
		printWarning(out, "%s", result.Message)
		return nil
	case farmsync.CycleAborted:
		printWarning(out, "Sync aborted: %s", scrubToken(result.Message))
		printMuted(out, "%d records remain pending", result.Remaining)
		return nil
	}

	if result.Synced == 0 && result.Failed == 0 && result.Superseded == 0 {
		printInfo(out, "Nothing to sync")
		return nil
	}
	printSuccess(out, "Sync complete (took %s): %d synced, %d failed, %d remaining",
		result.Duration.Round(time.Millisecond), result.Synced, result.Failed, result.Remaining)
	if result.Superseded > 0 {
		printMuted(out, "%d records were edited during submission and stay pending", result.Superseded)
	}
	for _, e := range result.Errors {
		printError(out, "%s rejected: %s", e.TempID, e.Message)
	}
	return nil
}

// outputStats prints local store statistics.
func outputStats(cmd *cobra.Command, cfg farmsync.Config, stats *farmsync.Stats, health *farmsync.HealthStatus) error {
	if outputJSON {
		payload := map[string]interface{}{
			"workspace": cfg.Workspace,
			"database":  cfg.LocalPath,
			"stats":     stats,
		}
		if health != nil {
			payload["health"] = health
		}
		return outputAsJSON(cmd, payload)
	}

	out := cmd.OutOrStdout()
	printLabel(out, "Workspace: ")
	fmt.Fprintln(out, cfg.Workspace)
	printLabel(out, "Database:  ")
	fmt.Fprintln(out, cfg.LocalPath)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Registrations: %d\n", stats.Total)
	fmt.Fprintf(out, "  %s %d\n", renderStatus("pending")+":", stats.PendingCount)
	fmt.Fprintf(out, "  %s  %d\n", renderStatus("synced")+":", stats.SyncedCount)
	fmt.Fprintf(out, "  %s  %d\n", renderStatus("failed")+":", stats.FailedCount)
	fmt.Fprintf(out, "Children: %d\n", stats.ChildCount)
	if stats.LastSync.IsZero() {
		fmt.Fprintln(out, "Last sync: never")
	} else {
		fmt.Fprintf(out, "Last sync: %s\n", stats.LastSync.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Schema version: %s\n", stats.SchemaVersion)

	if health != nil {
		fmt.Fprintln(out)
		if health.Healthy {
			printSuccess(out, "Store healthy")
		} else {
			printError(out, "Store unhealthy: %s", health.Error)
		}
		if health.RemoteReachable {
			printSuccess(out, "Registration service reachable")
		} else {
			printWarning(out, "Registration service unreachable")
		}
	}
	return nil
}

// outputRemoteStatus prints farmers changed on the remote side.
func outputRemoteStatus(cmd *cobra.Command, status *farmsync.RemoteStatus) error {
	if outputJSON {
		return outputAsJSON(cmd, status)
	}

	out := cmd.OutOrStdout()
	if len(status.Farmers) == 0 {
		fmt.Fprintln(out, "No remote changes since the last sync.")
		return nil
	}
	fmt.Fprintf(out, "Remote changes (%d):\n", status.UpdatesCount)
	for _, f := range status.Farmers {
		fmt.Fprintf(out, "  %s  %-10s %s\n", f.FarmerID, f.Status, f.UpdatedAt)
	}
	return nil
}
