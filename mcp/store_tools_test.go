package mcp_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/farmsync"
	fsmcp "github.com/hyperengineering/farmsync/mcp"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Stats Tool Tests
// =============================================================================

func TestTool_Stats(t *testing.T) {
	server, _ := newOfflineServer(t)
	callOK(t, server, "farmsync_register", map[string]any{"payload": farmerJSON})

	out := callOK(t, server, "farmsync_stats", nil)
	for _, want := range []string{"Pending: 1", "Last sync: never", "Sync engine: idle", "test.db"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestTool_Stats_AfterSync(t *testing.T) {
	server, _ := newOnlineServer(t)
	callOK(t, server, "farmsync_register", map[string]any{"payload": farmerJSON})
	callOK(t, server, "farmsync_sync", nil)

	out := callOK(t, server, "farmsync_stats", nil)
	if !strings.Contains(out, "Synced:  1") || !strings.Contains(out, "just now") {
		t.Errorf("stats output = %q, want 1 synced just now", out)
	}
}

// =============================================================================
// Workspace Tool Tests
// =============================================================================

func TestTool_WorkspaceList(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FARMSYNC_WORKSPACE", "")

	for _, id := range []string{"eastern/chipata", "lusaka"} {
		client, err := farmsync.New(farmsync.Config{Workspace: id}, farmsync.WithLogger(zaptest.NewLogger(t)))
		if err != nil {
			t.Fatalf("farmsync.New(%s) returned error: %v", id, err)
		}
		_ = client.Close()
	}

	client, err := farmsync.New(farmsync.Config{Workspace: "lusaka"}, farmsync.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("farmsync.New() returned error: %v", err)
	}
	defer func() { _ = client.Close() }()

	out := callOK(t, fsmcp.NewServer(client), "farmsync_workspace_list", nil)
	if !strings.Contains(out, "Workspaces (2)") {
		t.Errorf("workspace list = %q, want 2 workspaces", out)
	}
	if !strings.Contains(out, "* lusaka") || !strings.Contains(out, "  eastern/chipata") {
		t.Errorf("workspace list = %q, want lusaka marked current", out)
	}
}

func TestTool_WorkspaceList_Empty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	client, err := farmsync.New(farmsync.Config{LocalPath: filepath.Join(t.TempDir(), "elsewhere.db")},
		farmsync.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("farmsync.New() returned error: %v", err)
	}
	defer func() { _ = client.Close() }()

	out := callOK(t, fsmcp.NewServer(client), "farmsync_workspace_list", nil)
	if out != "No workspaces found." {
		t.Errorf("workspace list = %q, want none", out)
	}
}

// =============================================================================
// Remote Status Tool Tests
// =============================================================================

func TestTool_RemoteStatus_OfflineMode(t *testing.T) {
	server, _ := newOfflineServer(t)

	result, err := server.CallTool(context.Background(), "farmsync_remote_status", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "offline") {
		t.Errorf("CallTool() = %+v, want offline error", result)
	}
}

func TestTool_RemoteStatus_NoChanges(t *testing.T) {
	server, _ := newOnlineServer(t)

	out := callOK(t, server, "farmsync_remote_status", nil)
	if out != "No remote changes since the last sync." {
		t.Errorf("remote status = %q", out)
	}
}
