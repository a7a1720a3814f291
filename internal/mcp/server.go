package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/forge/internal/agent"
	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/store"
)

const defaultLogLimit = 50

// Sync is the part of the sync engine exposed as tools.
type Sync interface {
	Status() models.SyncStatus
	LastError() error
	PendingChanges() []models.PendingChange
	Conflicts() []models.FileConflict
	Write(ctx context.Context, p, content string, origin models.ChangeOrigin) error
	DeleteFile(ctx context.Context, p string) error
	ResolveConflict(ctx context.Context, p string, resolution models.ConflictResolution) error
	ResolveWithContent(ctx context.Context, p, content string) error
}

// Server wraps the sync engine and the agent runner and exposes them as MCP tools.
type Server struct {
	sync    Sync
	runner  *agent.Runner
	history store.Store
}

// NewServer creates the MCP server wrapper. history may be nil.
func NewServer(sync Sync, runner *agent.Runner, history store.Store) *Server {
	return &Server{
		sync:    sync,
		runner:  runner,
		history: history,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("forge", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.listConflictsTool())
	srv.AddTool(s.resolveConflictTool())
	srv.AddTool(s.writeFileTool())
	srv.AddTool(s.agentRunTool())
	srv.AddTool(s.agentStatusTool())
	srv.AddTool(s.agentRollbackTool())
	srv.AddTool(s.agentLogsTool())
	srv.AddTool(s.agentHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Sync tools
// ---------------------------------------------------------------------------

// forge_sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_sync_status",
		mcp.WithDescription("Get the sync engine status (idle, syncing, conflict, error), the last error and the changes waiting to be flushed to the runtime."),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type pendingOut struct {
		Path      string `json:"path"`
		Kind      string `json:"kind"`
		Origin    string `json:"origin"`
		Timestamp string `json:"timestamp"`
	}

	pending := s.sync.PendingChanges()
	out := struct {
		Status    string       `json:"status"`
		LastError string       `json:"last_error,omitempty"`
		Pending   []pendingOut `json:"pending"`
		Conflicts int          `json:"conflicts"`
	}{
		Status:    string(s.sync.Status()),
		Pending:   make([]pendingOut, len(pending)),
		Conflicts: len(s.sync.Conflicts()),
	}
	if err := s.sync.LastError(); err != nil {
		out.LastError = err.Error()
	}
	for i, c := range pending {
		out.Pending[i] = pendingOut{
			Path:      c.Path,
			Kind:      string(c.Kind),
			Origin:    string(c.Origin),
			Timestamp: c.Timestamp.Format(time.RFC3339),
		}
	}
	return jsonResult(out, "sync status")
}

// forge_list_conflicts
func (s *Server) listConflictsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_list_conflicts",
		mcp.WithDescription("List files whose local and runtime content both changed since the last sync. Returns both versions so a resolution can be chosen."),
	)
	return tool, s.handleListConflicts
}

func (s *Server) handleListConflicts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type conflictOut struct {
		Path          string `json:"path"`
		LocalContent  string `json:"local_content"`
		RemoteContent string `json:"remote_content"`
		DetectedAt    string `json:"detected_at"`
	}

	conflicts := s.sync.Conflicts()
	out := make([]conflictOut, len(conflicts))
	for i, c := range conflicts {
		out[i] = conflictOut{
			Path:          c.Path,
			LocalContent:  c.LocalContent,
			RemoteContent: c.RemoteContent,
			DetectedAt:    c.DetectedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out, "conflicts")
}

// forge_resolve_conflict
func (s *Server) resolveConflictTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_resolve_conflict",
		mcp.WithDescription("Resolve a recorded conflict. keep_local writes the local version, use_remote adopts the runtime version, merge combines both when the edits do not overlap. Passing content resolves with that text instead."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Project-relative file path")),
		mcp.WithString("resolution", mcp.Description("keep_local, use_remote or merge"), mcp.Enum("keep_local", "use_remote", "merge")),
		mcp.WithString("content", mcp.Description("Manually merged content; overrides resolution")),
	)
	return tool, s.handleResolveConflict
}

func (s *Server) handleResolveConflict(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}

	args := request.GetArguments()
	if content, ok := args["content"].(string); ok {
		if err := s.sync.ResolveWithContent(ctx, p, content); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve %s: %v", p, err)), nil
		}
		return jsonResult(map[string]any{"path": p, "resolution": "manual", "status": string(s.sync.Status())}, "resolution")
	}

	resolution := models.ConflictResolution(request.GetString("resolution", ""))
	if !resolution.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid resolution: %q (must be keep_local, use_remote, or merge)", resolution)), nil
	}
	if err := s.sync.ResolveConflict(ctx, p, resolution); err != nil {
		if errors.Is(err, filesync.ErrMergeConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("%s has overlapping edits; resolve with keep_local, use_remote or explicit content", p)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve %s: %v", p, err)), nil
	}
	return jsonResult(map[string]any{"path": p, "resolution": string(resolution), "status": string(s.sync.Status())}, "resolution")
}

// forge_write_file
func (s *Server) writeFileTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_write_file",
		mcp.WithDescription("Write or delete a project file through the sync engine. A write that would overwrite an independent runtime change is held as a conflict instead."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Project-relative file path")),
		mcp.WithString("content", mcp.Description("New file content")),
		mcp.WithBoolean("delete", mcp.Description("Delete the file instead of writing it")),
	)
	return tool, s.handleWriteFile
}

func (s *Server) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}

	if request.GetBool("delete", false) {
		if err := s.sync.DeleteFile(ctx, p); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete %s: %v", p, err)), nil
		}
		return jsonResult(map[string]any{"path": p, "deleted": true}, "result")
	}

	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	if err := s.sync.Write(ctx, p, content, models.OriginAgent); err != nil {
		if errors.Is(err, filesync.ErrConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("conflict on %s: the runtime changed since the last sync; use forge_list_conflicts and forge_resolve_conflict", p)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to write %s: %v", p, err)), nil
	}
	return jsonResult(map[string]any{"path": p, "bytes": len(content)}, "result")
}

// ---------------------------------------------------------------------------
// Agent tools
// ---------------------------------------------------------------------------

type runOut struct {
	RunID       string              `json:"run_id,omitempty"`
	State       string              `json:"state"`
	UserRequest string              `json:"user_request,omitempty"`
	Plan        string              `json:"plan,omitempty"`
	Progress    agent.Progress      `json:"progress"`
	CurrentStep string              `json:"current_step,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	Rollback    int                 `json:"rollback_changes"`
	Error       string              `json:"error,omitempty"`
	Questions   []string            `json:"questions,omitempty"`
	Report      *models.AgentReport `json:"report,omitempty"`
}

func runSummary(st agent.State) runOut {
	out := runOut{
		RunID:       st.RunID,
		State:       string(st.Phase),
		UserRequest: st.UserRequest,
		Progress:    st.Progress(),
		RetryCount:  st.RetryCount,
		Rollback:    len(st.Rollback),
		Error:       st.Error,
		Report:      st.Report,
	}
	if st.Plan != nil {
		out.Plan = st.Plan.Summary
	}
	if step, ok := st.CurrentStepInfo(); ok && st.Processing {
		out.CurrentStep = step.Title
	}
	if st.Analysis != nil {
		out.Questions = st.Analysis.Questions
	}
	return out
}

// forge_agent_run
func (s *Server) agentRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_agent_run",
		mcp.WithDescription("Run the agent loop on a request: analyze, plan, execute each step through the sync engine, test and report. Blocks until the run completes or fails."),
		mcp.WithString("request", mcp.Required(), mcp.Description("What to build or change")),
	)
	return tool, s.handleAgentRun
}

func (s *Server) handleAgentRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := request.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request"), nil
	}
	final, err := s.runner.Run(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent run not started: %v", err)), nil
	}
	return jsonResult(runSummary(final), "run")
}

// forge_agent_status
func (s *Server) agentStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_agent_status",
		mcp.WithDescription("Get the agent's current state, plan, step progress, retry count and pending rollback changes."),
	)
	return tool, s.handleAgentStatus
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(runSummary(s.runner.Store().State()), "status")
}

// forge_agent_rollback
func (s *Server) agentRollbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_agent_rollback",
		mcp.WithDescription("Undo the changes of a failed agent run, last change first, and return the agent to idle."),
	)
	return tool, s.handleAgentRollback
}

func (s *Server) handleAgentRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := len(s.runner.Store().State().Rollback)
	if err := s.runner.Rollback(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rollback failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"restored": n, "state": string(s.runner.Store().State().Phase)}, "rollback")
}

// forge_agent_logs
func (s *Server) agentLogsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_agent_logs",
		mcp.WithDescription("Get agent log entries, oldest first. Without run_id returns the most recent entries across runs; with run_id, falls back to stored history for past runs."),
		mcp.WithString("run_id", mcp.Description("Run ID to filter by")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
	)
	return tool, s.handleAgentLogs
}

func (s *Server) handleAgentLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	limit := request.GetInt("limit", defaultLogLimit)

	var logs []models.LogEntry
	if runID == "" {
		logs = s.runner.Store().Logs()
	} else {
		logs = s.runner.Store().RunLogs(runID)
		if len(logs) == 0 && s.history != nil {
			stored, err := s.history.ListAgentLogs(ctx, runID, limit)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to list logs: %v", err)), nil
			}
			logs = stored
		}
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}

	type logOut struct {
		RunID     string `json:"run_id,omitempty"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}
	out := make([]logOut, len(logs))
	for i, l := range logs {
		out[i] = logOut{
			RunID:     l.RunID,
			Level:     string(l.Level),
			Message:   l.Message,
			Timestamp: l.Timestamp.Format(time.RFC3339),
		}
	}
	return jsonResult(out, "logs")
}

// forge_agent_history
func (s *Server) agentHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_agent_history",
		mcp.WithDescription("List past agent runs, newest first, with their final state and step counts."),
		mcp.WithString("state", mcp.Description("Filter by final state: COMPLETED, FAILED, ...")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	)
	return tool, s.handleAgentHistory
}

func (s *Server) handleAgentHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("run history not configured"), nil
	}
	runs, err := s.history.ListAgentRuns(ctx, store.RunListFilter{
		State: models.AgentState(request.GetString("state", "")),
		Limit: request.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.AgentRun{}
	}
	return jsonResult(runs, "runs")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
