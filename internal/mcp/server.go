package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/store"
)

// Server exposes the reliability subsystem to agents as MCP tools.
type Server struct {
	adapter *adapter.Adapter
	control SafetyControl
	version string
}

// SafetyControl reads and changes safe mode and builds health reports
// somewhere other than this process, normally the running agentsafe server.
type SafetyControl interface {
	SafeMode(ctx context.Context) (SafeModeState, error)
	SetSafeMode(ctx context.Context, enabled bool, reason string) (SafeModeState, error)
	Health(ctx context.Context) (*adapter.Health, error)
}

// SafeModeState is the safe mode reported by a SafetyControl.
type SafeModeState struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
	Changed bool   `json:"changed"`
}

// ErrControlUnavailable is returned by a SafetyControl that cannot be reached.
var ErrControlUnavailable = errors.New("safety control unavailable")

// Report sources.
const (
	SourceServer = "server"
	SourceLocal  = "local"
)

// Option configures a Server.
type Option func(*Server)

// WithSafetyControl routes safe mode and health through c. Reads fall back
// to this process when c is unavailable; changes do not.
func WithSafetyControl(c SafetyControl) Option {
	return func(s *Server) { s.control = c }
}

// NewServer creates the MCP server wrapper.
func NewServer(a *adapter.Adapter, version string, opts ...Option) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{adapter: a, version: version}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("agentsafe", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.safetyHealthTool())
	srv.AddTool(s.safetyModeTool())
	srv.AddTool(s.listAlertsTool())
	srv.AddTool(s.recoveryOptionsTool())
	srv.AddTool(s.checkpointsTool())
	srv.AddTool(s.rollbackOptionsTool())
	srv.AddTool(s.recoveryPointsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// safety_health
func (s *Server) safetyHealthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("safety_health",
		mcp.WithDescription("Report host resources, safe mode, paused agents, active tasks, file locks, unresolved alerts and repository safety status."),
	)
	return tool, s.handleSafetyHealth
}

type healthOut struct {
	Source string `json:"source"`
	Note   string `json:"note,omitempty"`
	*adapter.Health
}

func (s *Server) handleSafetyHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var note string
	if s.control != nil {
		h, err := s.control.Health(ctx)
		if err == nil {
			return jsonResult(healthOut{Source: SourceServer, Health: h})
		}
		if !errors.Is(err, ErrControlUnavailable) {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build health report: %v", err)), nil
		}
		note = "server not running; safe mode and agent pauses are only known to the server"
	}

	h, err := s.adapter.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build health report: %v", err)), nil
	}
	return jsonResult(healthOut{Source: SourceLocal, Note: note, Health: h})
}

// safety_mode
func (s *Server) safetyModeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("safety_mode",
		mcp.WithDescription("Show, enable or disable safe mode. While safe mode is on no agent may start or continue risky work."),
		mcp.WithString("action", mcp.Description("status (default), enable or disable"), mcp.Enum("status", "enable", "disable")),
		mcp.WithString("reason", mcp.Description("Why safe mode is changing; required to enable")),
	)
	return tool, s.handleSafetyMode
}

type safeModeOut struct {
	SafeModeState
	Source string `json:"source"`
	Note   string `json:"note,omitempty"`
}

func (s *Server) handleSafetyMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := request.GetString("action", "status")
	reason := strings.TrimSpace(request.GetString("reason", ""))

	switch action {
	case "status", "disable":
	case "enable":
		if reason == "" {
			return mcp.NewToolResultError("reason is required to enable safe mode"), nil
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}

	var note string
	if s.control != nil {
		var (
			state SafeModeState
			err   error
		)
		if action == "status" {
			state, err = s.control.SafeMode(ctx)
		} else {
			state, err = s.control.SetSafeMode(ctx, action == "enable", reason)
		}
		if err == nil {
			return jsonResult(safeModeOut{SafeModeState: state, Source: SourceServer})
		}
		if action != "status" || !errors.Is(err, ErrControlUnavailable) {
			return mcp.NewToolResultError(fmt.Sprintf("failed to %s safe mode: %v", action, err)), nil
		}
		note = "server not running; this process has its own safe mode"
	}

	mon := s.adapter.Monitor()
	changed := false
	if action != "status" {
		changed = mon.SetSafeMode(ctx, action == "enable", reason)
	}
	return jsonResult(safeModeOut{
		SafeModeState: SafeModeState{Enabled: mon.IsSafeMode(), Reason: mon.SafeModeReason(), Changed: changed},
		Source:        SourceLocal,
		Note:          note,
	})
}

// safety_alerts
func (s *Server) listAlertsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("safety_alerts",
		mcp.WithDescription("List safety alerts, newest first."),
		mcp.WithBoolean("unresolved", mcp.Description("Only unresolved alerts (default true)")),
		mcp.WithString("agent", mcp.Description("Filter by agent name")),
		mcp.WithNumber("limit", mcp.Description("Maximum alerts to return (default 20)")),
	)
	return tool, s.handleListAlerts
}

func (s *Server) handleListAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alerts, err := s.adapter.Monitor().Alerts(ctx, store.AlertFilter{
		UnresolvedOnly: request.GetBool("unresolved", true),
		AgentName:      request.GetString("agent", ""),
		Limit:          request.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list alerts: %v", err)), nil
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	return jsonResult(alerts)
}

// task_recovery_options
func (s *Server) recoveryOptionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("task_recovery_options",
		mcp.WithDescription("List interrupted tasks (in progress, paused or errored) with their newest checkpoints, so work can be resumed after a crash."),
		mcp.WithString("agent", mcp.Description("Filter by agent name")),
	)
	return tool, s.handleRecoveryOptions
}

func (s *Server) handleRecoveryOptions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := s.adapter.RecoveryOptions(ctx, request.GetString("agent", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list recovery options: %v", err)), nil
	}

	type taskOut struct {
		TaskID      string   `json:"task_id"`
		Agent       string   `json:"agent"`
		Description string   `json:"description"`
		Status      string   `json:"status"`
		Step        string   `json:"step"`
		Progress    int      `json:"progress"`
		Checkpoints []string `json:"checkpoints"`
	}
	out := make([]taskOut, len(opts))
	for i, o := range opts {
		ids := make([]string, len(o.Checkpoints))
		for j, cp := range o.Checkpoints {
			ids[j] = cp.ID
		}
		out[i] = taskOut{
			TaskID:      o.Task.ID,
			Agent:       o.Task.AgentName,
			Description: o.Task.Description,
			Status:      string(o.Task.Status),
			Step:        o.Task.CurrentStep,
			Progress:    o.Task.Progress,
			Checkpoints: ids,
		}
	}
	return jsonResult(out)
}

// task_checkpoints
func (s *Server) checkpointsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("task_checkpoints",
		mcp.WithDescription("List a task's checkpoints, oldest first. Conversation history is omitted."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleCheckpoints
}

func (s *Server) handleCheckpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	type checkpointOut struct {
		ID        string               `json:"id"`
		Type      string               `json:"type"`
		Timestamp string               `json:"timestamp"`
		Step      string               `json:"step"`
		Progress  int                  `json:"progress"`
		Notes     string               `json:"notes,omitempty"`
		Rollback  *models.RollbackData `json:"rollback,omitempty"`
	}
	out := []checkpointOut{}
	for cp, err := range s.adapter.Tasks().ListCheckpoints(ctx, taskID) {
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list checkpoints: %v", err)), nil
		}
		out = append(out, checkpointOut{
			ID:        cp.ID,
			Type:      string(cp.Type),
			Timestamp: cp.Timestamp.Format(time.RFC3339),
			Step:      cp.CurrentStep,
			Progress:  cp.Progress,
			Notes:     cp.Notes,
			Rollback:  cp.Rollback,
		})
	}
	return jsonResult(out)
}

// task_rollback_options
func (s *Server) rollbackOptionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("task_rollback_options",
		mcp.WithDescription("List where a task can be rolled back to: its checkpoints and its agent's backup branches, newest first."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleRollbackOptions
}

func (s *Server) handleRollbackOptions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	opts, err := s.adapter.GetRollbackOptions(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list rollback options: %v", err)), nil
	}
	return jsonResult(opts)
}

// recovery_points
func (s *Server) recoveryPointsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("recovery_points",
		mcp.WithDescription("List git backup branches that files can be restored from."),
		mcp.WithString("agent", mcp.Description("Filter by agent name")),
	)
	return tool, s.handleRecoveryPoints
}

func (s *Server) handleRecoveryPoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ops := s.adapter.Git()
	if ops == nil {
		return mcp.NewToolResultError("no repository configured"), nil
	}
	points, err := ops.ListRecoveryPoints(ctx, request.GetString("agent", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list recovery points: %v", err)), nil
	}
	if points == nil {
		points = []git.RecoveryPoint{}
	}
	return jsonResult(points)
}
