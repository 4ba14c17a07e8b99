package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent check safety state before it acts and find recovery
points after a crash. Configure it in the agent with:

  {
    "mcpServers": {
      "agentsafe": { "command": "agentsafe", "args": ["mcp", "--repo", "/path/to/repo"] }
    }
  }

Available tools: safety_health, safety_mode, safety_alerts,
task_recovery_options, task_checkpoints, task_rollback_options,
recovery_points

safety_health and safety_mode use the server at serve.addr, since safe mode
lives in its memory. Without a server, reads are answered from this process
and marked "source": "local".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		srv := mcp.NewServer(rt.adapter, buildVersion, mcp.WithSafetyControl(serverSafety{newAPIClient()}))
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// serverSafety is the running server's safe mode and health, seen through
// its API.
type serverSafety struct {
	c *apiClient
}

func (s serverSafety) SafeMode(ctx context.Context) (mcp.SafeModeState, error) {
	var state mcp.SafeModeState
	err := s.c.do(ctx, http.MethodGet, "/api/v1/safe-mode", nil, &state)
	return state, controlErr(err)
}

func (s serverSafety) SetSafeMode(ctx context.Context, enabled bool, reason string) (mcp.SafeModeState, error) {
	var state mcp.SafeModeState
	body := map[string]any{"enabled": enabled, "reason": reason}
	err := s.c.do(ctx, http.MethodPost, "/api/v1/safe-mode", body, &state)
	return state, controlErr(err)
}

func (s serverSafety) Health(ctx context.Context) (*adapter.Health, error) {
	var h adapter.Health
	if err := s.c.do(ctx, http.MethodGet, "/api/v1/health", nil, &h); err != nil {
		return nil, controlErr(err)
	}
	return &h, nil
}

func controlErr(err error) error {
	if errors.Is(err, errServerDown) {
		return fmt.Errorf("%w: %w", mcp.ErrControlUnavailable, err)
	}
	return err
}
