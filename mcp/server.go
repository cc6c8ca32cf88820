package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/farmsync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with farmsync tools.
type Server struct {
	client    *farmsync.Client
	mcpServer *server.MCPServer
	session   *Session
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NewServer creates a new MCP server with farmsync tools registered.
func NewServer(client *farmsync.Client) *Server {
	s := &Server{
		client:  client,
		session: NewSession(),
	}

	s.mcpServer = server.NewMCPServer(
		"farmsync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "farmsync_register", Description: "Capture a new farmer registration for later sync"},
		{Name: "farmsync_attach", Description: "Attach a land parcel or crop to a registration"},
		{Name: "farmsync_update", Description: "Edit a registration that has not been synced yet"},
		{Name: "farmsync_show", Description: "Show one registration with its children and history"},
		{Name: "farmsync_pending", Description: "List registrations waiting to be synced"},
		{Name: "farmsync_failed", Description: "List registrations the registration service rejected"},
		{Name: "farmsync_sync", Description: "Run one sync cycle against the registration service"},
		{Name: "farmsync_retry_failed", Description: "Move every rejected registration back to pending"},
		{Name: "farmsync_stats", Description: "Show local store statistics for the current workspace"},
		{Name: "farmsync_workspace_list", Description: "List workspaces with a local database"},
		{Name: "farmsync_remote_status", Description: "List farmers changed on the registration service since the last sync"},
	}
}

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"farmsync_register":       s.handleRegister,
		"farmsync_attach":         s.handleAttach,
		"farmsync_update":         s.handleUpdate,
		"farmsync_show":           s.handleShow,
		"farmsync_pending":        s.handlePending,
		"farmsync_failed":         s.handleFailed,
		"farmsync_sync":           s.handleSync,
		"farmsync_retry_failed":   s.handleRetryFailed,
		"farmsync_stats":          s.handleStats,
		"farmsync_workspace_list": s.handleWorkspaceList,
		"farmsync_remote_status":  s.handleRemoteStatus,
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers()[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return h(ctx, args)
}

func (s *Server) registerTools() {
	handlers := s.handlers()
	recordArg := mcp.WithString("record",
		mcp.Description("Session ref (R1, R2, ...) or temp ID of the registration"),
		mcp.Required(),
	)
	payloadArg := func(what string) mcp.ToolOption {
		return mcp.WithString("payload",
			mcp.Description(what+" as a JSON object"),
			mcp.Required(),
		)
	}

	s.mcpServer.AddTool(mcp.NewTool("farmsync_register",
		mcp.WithDescription("Capture a new farmer registration. The record is stored locally as pending and gets a session ref (R1, R2, ...) usable by the other tools."),
		payloadArg("Farmer registration: personal_info, nrc_number, address and any other fields"),
	), adapt(handlers["farmsync_register"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_attach",
		mcp.WithDescription("Attach a land parcel or crop to a registration. Children travel with their farmer on the next sync."),
		recordArg,
		mcp.WithString("kind",
			mcp.Description("Child kind"),
			mcp.Enum(string(farmsync.ChildLandParcel), string(farmsync.ChildCrop)),
			mcp.Required(),
		),
		payloadArg("Land parcel or crop details"),
	), adapt(handlers["farmsync_attach"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_update",
		mcp.WithDescription("Replace the payload of a registration that has not been synced. A rejected registration returns to pending."),
		recordArg,
		payloadArg("Corrected farmer registration"),
	), adapt(handlers["farmsync_update"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_show",
		mcp.WithDescription("Show one registration with its land parcels, crops and change history."),
		recordArg,
	), adapt(handlers["farmsync_show"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_pending",
		mcp.WithDescription("List registrations waiting for their first successful sync, oldest first."),
	), adapt(handlers["farmsync_pending"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_failed",
		mcp.WithDescription("List registrations the registration service rejected, with the rejection reason."),
	), adapt(handlers["farmsync_failed"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_sync",
		mcp.WithDescription("Run one sync cycle now. Requires FARMSYNC_API_URL and FARMSYNC_API_TOKEN to be configured."),
	), adapt(handlers["farmsync_sync"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_retry_failed",
		mcp.WithDescription("Move every rejected registration back to pending so the next sync resubmits it."),
	), adapt(handlers["farmsync_retry_failed"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_stats",
		mcp.WithDescription("Show record counts, last sync time and database location for the current workspace."),
	), adapt(handlers["farmsync_stats"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_workspace_list",
		mcp.WithDescription("List workspaces that have a local database. Read-only."),
	), adapt(handlers["farmsync_workspace_list"]))

	s.mcpServer.AddTool(mcp.NewTool("farmsync_remote_status",
		mcp.WithDescription("List farmers whose registration changed on the registration service since the last sync."),
	), adapt(handlers["farmsync_remote_status"]))
}

// adapt wraps an internal handler as an mcp-go tool handler.
func adapt(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func failure(format string, a ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, a...), IsError: true}
}

// Internal handlers

func (s *Server) handleRegister(ctx context.Context, args map[string]any) (*ToolResult, error) {
	payload, err := payloadArg(args)
	if err != nil {
		return failure("%v", err), nil
	}

	rec, err := s.client.Register(ctx, payload)
	if err != nil {
		return failure("register failed: %v", err), nil
	}

	ref := s.session.Track(rec.TempID)
	return &ToolResult{Content: fmt.Sprintf("Registered %s [%s]\n  Status: %s\nUse farmsync_attach with record=%s to add land parcels or crops.",
		ref, rec.TempID, rec.Status, ref)}, nil
}

func (s *Server) handleAttach(ctx context.Context, args map[string]any) (*ToolResult, error) {
	tempID, ok := s.recordArg(args)
	if !ok {
		return failure("record is required"), nil
	}
	kind := farmsync.ChildKind(stringArg(args, "kind"))
	if !kind.IsValid() {
		return failure("invalid kind: %q (want land_parcel or crop)", kind), nil
	}
	payload, err := payloadArg(args)
	if err != nil {
		return failure("%v", err), nil
	}

	child, err := s.client.AttachChild(ctx, tempID, kind, payload)
	if err != nil {
		var fk *farmsync.ForeignKeyError
		if errors.As(err, &fk) {
			return failure("no registration %q in this workspace", fk.ParentTempID), nil
		}
		if errors.Is(err, farmsync.ErrInvalidTransition) {
			return failure("%s is already synced; children can no longer be attached", tempID), nil
		}
		return failure("attach failed: %v", err), nil
	}

	return &ToolResult{Content: fmt.Sprintf("Attached %s [%s] to %s", child.Kind, child.ID, s.session.Track(tempID))}, nil
}

func (s *Server) handleUpdate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	tempID, ok := s.recordArg(args)
	if !ok {
		return failure("record is required"), nil
	}
	payload, err := payloadArg(args)
	if err != nil {
		return failure("%v", err), nil
	}

	if err := s.client.UpdatePayload(ctx, tempID, payload); err != nil {
		if errors.Is(err, farmsync.ErrInvalidTransition) {
			return failure("%s is already synced and can no longer be edited", tempID), nil
		}
		return failure("update failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Updated %s; it will be submitted on the next sync.", s.session.Track(tempID))}, nil
}

func (s *Server) handleShow(ctx context.Context, args map[string]any) (*ToolResult, error) {
	tempID, ok := s.recordArg(args)
	if !ok {
		return failure("record is required"), nil
	}

	rec, err := s.client.Get(ctx, tempID)
	if err != nil {
		if errors.Is(err, farmsync.ErrNotFound) {
			return failure("no registration %q in this workspace", tempID), nil
		}
		return failure("show failed: %v", err), nil
	}
	children, err := s.client.Children(ctx, tempID)
	if err != nil {
		return failure("show failed: %v", err), nil
	}
	ledger, err := s.client.Ledger(ctx, tempID)
	if err != nil {
		return failure("show failed: %v", err), nil
	}

	return &ToolResult{Content: formatRecordDetail(s.session.Track(tempID), rec, children, ledger)}, nil
}

func (s *Server) handlePending(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	records, err := s.client.Pending(ctx)
	if err != nil {
		return failure("list pending failed: %v", err), nil
	}
	return &ToolResult{Content: s.formatRecordList("pending", records)}, nil
}

func (s *Server) handleFailed(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	records, err := s.client.Failed(ctx)
	if err != nil {
		return failure("list failed records failed: %v", err), nil
	}
	return &ToolResult{Content: s.formatRecordList("failed", records)}, nil
}

func (s *Server) handleSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	result, err := s.client.Sync(ctx)
	if err != nil {
		if errors.Is(err, farmsync.ErrOffline) {
			return failure("Sync unavailable: registration service not configured (offline mode)"), nil
		}
		return failure("sync failed: %v", err), nil
	}
	return &ToolResult{Content: s.formatCycleResult(result), IsError: !result.Success}, nil
}

func (s *Server) handleRetryFailed(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	n, err := s.client.RetryFailed(ctx)
	if err != nil {
		return failure("retry failed: %v", err), nil
	}
	if n == 0 {
		return &ToolResult{Content: "No failed registrations to retry."}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Moved %d registration(s) back to pending.", n)}, nil
}

// recordArg resolves the record argument through the session.
func (s *Server) recordArg(args map[string]any) (string, bool) {
	v := strings.TrimSpace(stringArg(args, "record"))
	if v == "" {
		return "", false
	}
	return s.session.Lookup(v), true
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// payloadArg accepts the payload either as a JSON string or as an object.
func payloadArg(args map[string]any) (json.RawMessage, error) {
	switch v := args["payload"].(type) {
	case nil:
		return nil, errors.New("payload is required")
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, errors.New("payload is required")
		}
		return json.RawMessage(v), nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("payload must be a JSON object, got %T", v)
	}
}

// Formatting functions

func (s *Server) formatRecordList(label string, records []farmsync.Record) string {
	if len(records) == 0 {
		return fmt.Sprintf("No %s registrations.", label)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d %s registration(s):\n\n", len(records), label))
	for _, r := range records {
		sb.WriteString(fmt.Sprintf("[%s] %s  %s\n", s.session.Track(r.TempID), r.TempID, summarize(r.Payload)))
		sb.WriteString(fmt.Sprintf("    Created: %s | Attempts: %d\n", r.CreatedAt.Format("2006-01-02 15:04"), r.Attempts))
		if r.LastError != "" {
			sb.WriteString(fmt.Sprintf("    Last error: %s\n", r.LastError))
		}
	}
	return sb.String()
}

func formatRecordDetail(ref string, r *farmsync.Record, children []farmsync.Child, ledger []farmsync.LedgerEntry) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Registration %s [%s]\n", ref, r.TempID))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", r.Status))
	if r.PermanentID != "" {
		sb.WriteString(fmt.Sprintf("  Farmer ID: %s\n", r.PermanentID))
	}
	if r.LastError != "" {
		sb.WriteString(fmt.Sprintf("  Last error: %s\n", r.LastError))
	}
	sb.WriteString(fmt.Sprintf("  Attempts: %d\n", r.Attempts))
	sb.WriteString(fmt.Sprintf("  Payload: %s\n", truncate(string(r.Payload), 400)))

	if len(children) > 0 {
		sb.WriteString("\nChildren:\n")
		for _, c := range children {
			sb.WriteString(fmt.Sprintf("  - %s [%s] %s\n", c.Kind, c.ID, truncate(string(c.Payload), 120)))
		}
	}

	if len(ledger) > 0 {
		sb.WriteString("\nHistory:\n")
		for _, e := range ledger {
			line := fmt.Sprintf("  %s  %s", e.RecordedAt.Format("2006-01-02 15:04:05"), e.Event)
			if e.Detail != "" {
				line += ": " + e.Detail
			}
			sb.WriteString(line + "\n")
		}
	}

	return sb.String()
}

func (s *Server) formatCycleResult(r *farmsync.CycleResult) string {
	var sb strings.Builder

	switch r.Outcome {
	case farmsync.CycleSkipped:
		return "A sync cycle is already running."
	case farmsync.CycleAborted:
		sb.WriteString(fmt.Sprintf("Sync aborted: %s\nNo local records were changed.", r.Message))
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("Sync completed in %s: %d synced, %d failed, %d remaining\n",
		r.Duration.Round(time.Millisecond), r.Synced, r.Failed, r.Remaining))
	if r.Superseded > 0 {
		sb.WriteString(fmt.Sprintf("%d records were edited during submission and will be resubmitted.\n", r.Superseded))
	}
	for _, e := range r.Errors {
		sb.WriteString(fmt.Sprintf("  [%s] rejected: %s\n", s.session.Track(e.TempID), e.Message))
	}
	if r.Failed > 0 {
		sb.WriteString("Fix rejected registrations with farmsync_update, then sync again.")
	}
	return sb.String()
}

// summarize picks a human label out of an opaque registration payload.
func summarize(payload json.RawMessage) string {
	var doc struct {
		PersonalInfo struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"personal_info"`
		NRC string `json:"nrc_number"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	name := strings.TrimSpace(doc.PersonalInfo.FirstName + " " + doc.PersonalInfo.LastName)
	if doc.NRC != "" {
		return strings.TrimSpace(name + " (" + doc.NRC + ")")
	}
	return name
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
