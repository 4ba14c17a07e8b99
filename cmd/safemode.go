package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/output"
)

var safeModeReason string

var safeModeCmd = &cobra.Command{
	Use:   "safe-mode",
	Short: "Show or change safe mode on the running server",
	Long: `Show or change safe mode on the running server.

While safe mode is on no agent may start a task or commit. Running bare
'agentsafe safe-mode' is the same as 'agentsafe safe-mode status'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return safeModeStatusRun(cmd.Context())
	},
}

var safeModeOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Enable safe mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return safeModeSetRun(cmd.Context(), true)
	},
}

var safeModeOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Disable safe mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return safeModeSetRun(cmd.Context(), false)
	},
}

var safeModeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show safe mode state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return safeModeStatusRun(cmd.Context())
	},
}

func init() {
	safeModeOnCmd.Flags().StringVarP(&safeModeReason, "reason", "r", "", "Why safe mode is being enabled (required)")
	safeModeOffCmd.Flags().StringVarP(&safeModeReason, "reason", "r", "", "Why safe mode is being cleared")
	safeModeCmd.AddCommand(safeModeOnCmd, safeModeOffCmd, safeModeStatusCmd)
	rootCmd.AddCommand(safeModeCmd)
}

type safeModeState struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
	Changed bool   `json:"changed"`
}

func safeModeSetRun(ctx context.Context, enabled bool) error {
	reason := strings.TrimSpace(safeModeReason)
	if enabled && reason == "" {
		return fmt.Errorf("--reason is required to enable safe mode")
	}
	if dryRun {
		ui.DryRunMsg("Would set safe mode to %v", enabled)
		return nil
	}

	var state safeModeState
	body := map[string]any{"enabled": enabled, "reason": reason}
	if err := newAPIClient().do(ctx, http.MethodPost, "/api/v1/safe-mode", body, &state); err != nil {
		return err
	}
	if asJSON {
		return ui.JSON(state)
	}
	switch {
	case !state.Changed:
		ui.Info("Safe mode already %s", onOff(state.Enabled))
	case state.Enabled:
		ui.Warning("Safe mode enabled: %s", state.Reason)
	default:
		ui.Success("Safe mode disabled")
	}
	return nil
}

func safeModeStatusRun(ctx context.Context) error {
	var state safeModeState
	if err := newAPIClient().do(ctx, http.MethodGet, "/api/v1/safe-mode", nil, &state); err != nil {
		return err
	}
	if asJSON {
		return ui.JSON(state)
	}
	if state.Enabled {
		fmt.Fprintf(ui.Out, "Safe mode: %s (%s)\n", output.Red("on"), state.Reason)
	} else {
		fmt.Fprintf(ui.Out, "Safe mode: %s\n", output.Green("off"))
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
