package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var agentPauseReason string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Pause or resume an agent on the running server",
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Stop an agent from starting new work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentPauseRun(cmd.Context(), args[0])
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Let a paused agent work again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentResumeRun(cmd.Context(), args[0])
	},
}

func init() {
	agentPauseCmd.Flags().StringVarP(&agentPauseReason, "reason", "r", "", "Why the agent is paused (required)")
	agentCmd.AddCommand(agentPauseCmd, agentResumeCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentPauseRun(ctx context.Context, name string) error {
	reason := strings.TrimSpace(agentPauseReason)
	if reason == "" {
		return fmt.Errorf("--reason is required")
	}
	if dryRun {
		ui.DryRunMsg("Would pause agent %s", name)
		return nil
	}
	path := "/api/v1/agents/" + url.PathEscape(name) + "/pause"
	if err := newAPIClient().do(ctx, http.MethodPost, path, map[string]string{"reason": reason}, nil); err != nil {
		return err
	}
	ui.Warning("Agent %s paused: %s", name, reason)
	return nil
}

func agentResumeRun(ctx context.Context, name string) error {
	if dryRun {
		ui.DryRunMsg("Would resume agent %s", name)
		return nil
	}
	var resp struct {
		WasPaused bool `json:"was_paused"`
	}
	path := "/api/v1/agents/" + url.PathEscape(name) + "/resume"
	if err := newAPIClient().do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}
	if !resp.WasPaused {
		ui.Info("Agent %s was not paused", name)
		return nil
	}
	ui.Success("Agent %s resumed", name)
	return nil
}
