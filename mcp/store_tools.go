package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/farmsync"
	"github.com/hyperengineering/farmsync/internal/workspace"
)

// handleStats handles the farmsync_stats tool call.
func (s *Server) handleStats(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return failure("get stats failed: %v", err), nil
	}

	cfg := s.client.Config()
	return &ToolResult{Content: formatStats(cfg.Workspace, cfg.LocalPath, stats, s.client.SyncState())}, nil
}

// handleWorkspaceList handles the farmsync_workspace_list tool call.
func (s *Server) handleWorkspaceList(_ context.Context, _ map[string]any) (*ToolResult, error) {
	ids, err := workspace.List("")
	if err != nil {
		return failure("list workspaces failed: %v", err), nil
	}
	return &ToolResult{Content: formatWorkspaceList(ids, s.client.Config().Workspace)}, nil
}

// handleRemoteStatus handles the farmsync_remote_status tool call.
func (s *Server) handleRemoteStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	status, err := s.client.RemoteStatus(ctx)
	if err != nil {
		if errors.Is(err, farmsync.ErrOffline) {
			return failure("Remote status unavailable: registration service not configured (offline mode)"), nil
		}
		return failure("remote status failed: %v", err), nil
	}
	return &ToolResult{Content: formatRemoteStatus(status)}, nil
}

// formatStats formats store statistics for display.
func formatStats(workspaceID, path string, stats *farmsync.Stats, state farmsync.EngineState) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Workspace: %s\n", workspaceID))
	sb.WriteString(fmt.Sprintf("Database: %s\n", path))
	sb.WriteString(fmt.Sprintf("Schema version: %s\n\n", stats.SchemaVersion))

	sb.WriteString("Registrations:\n")
	sb.WriteString(fmt.Sprintf("  Total:   %d\n", stats.Total))
	sb.WriteString(fmt.Sprintf("  Pending: %d\n", stats.PendingCount))
	sb.WriteString(fmt.Sprintf("  Synced:  %d\n", stats.SyncedCount))
	sb.WriteString(fmt.Sprintf("  Failed:  %d\n", stats.FailedCount))
	sb.WriteString(fmt.Sprintf("  Land parcels and crops: %d\n\n", stats.ChildCount))

	if stats.LastSync.IsZero() {
		sb.WriteString("Last sync: never\n")
	} else {
		sb.WriteString(fmt.Sprintf("Last sync: %s (%s)\n", formatTimestamp(stats.LastSync), formatRelativeTime(stats.LastSync)))
	}
	sb.WriteString(fmt.Sprintf("Sync engine: %s\n", state))

	return sb.String()
}

func formatWorkspaceList(ids []string, current string) string {
	if len(ids) == 0 {
		return "No workspaces found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Workspaces (%d):\n\n", len(ids)))
	for _, id := range ids {
		marker := " "
		if id == current {
			marker = "*"
		}
		sb.WriteString(fmt.Sprintf(" %s %s\n", marker, id))
	}
	return sb.String()
}

func formatRemoteStatus(status *farmsync.RemoteStatus) string {
	if status.UpdatesCount == 0 {
		return "No remote changes since the last sync."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d farmer(s) changed remotely:\n\n", status.UpdatesCount))
	for _, f := range status.Farmers {
		updated := f.UpdatedAt
		if t, err := time.Parse(time.RFC3339Nano, f.UpdatedAt); err == nil {
			updated = formatRelativeTime(t)
		}
		sb.WriteString(fmt.Sprintf("  %s  %s  %s\n", f.FarmerID, f.Status, updated))
	}
	return sb.String()
}

// formatRelativeTime formats a timestamp as relative time (e.g., "2h ago").
func formatRelativeTime(t time.Time) string {
	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		mins := int(duration.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	default:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
