package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/output"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show resources, safe mode, alerts and repository safety",
	Long: `Show the current health report.

The report comes from the running server when there is one. Otherwise it is
built locally, and safe mode and agent pauses, which only the server holds,
show as off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return healthRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func healthRun(ctx context.Context) error {
	h, err := fetchHealth(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return ui.JSON(h)
	}
	printHealth(h)
	return nil
}

func fetchHealth(ctx context.Context) (*adapter.Health, error) {
	var h adapter.Health
	err := newAPIClient().do(ctx, http.MethodGet, "/api/v1/health", nil, &h)
	if err == nil {
		return &h, nil
	}
	if !errors.Is(err, errServerDown) {
		return nil, err
	}

	ui.VerboseLog("server not running, building report locally")
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.adapter.Health(ctx)
}

func printHealth(h *adapter.Health) {
	w := ui.Out
	if h.Score != nil {
		fmt.Fprintf(w, "Safety score: %s/100  (resources %d, alerts %d, control %d, repository %d)\n\n",
			output.HealthColor(h.Score.Total), h.Score.Resources, h.Score.Alerts, h.Score.Control, h.Score.Repository)
	}

	if h.HealthReport == nil {
		return
	}
	if h.SafeMode {
		fmt.Fprintf(w, "Safe mode:      %s (%s)\n", output.Red("on"), h.SafeModeReason)
	} else {
		fmt.Fprintf(w, "Safe mode:      %s\n", output.Green("off"))
	}
	fmt.Fprintf(w, "Monitor:        %s\n", output.Bool(h.MonitorRunning, false))

	if r := h.Resources; r != nil {
		fmt.Fprintf(w, "Resources:      CPU %.1f%%  memory %.1f%%  disk %.1f%%  load %.2f",
			r.CPU, r.Memory, r.Disk, r.Load1)
		if r.Temperature != nil {
			fmt.Fprintf(w, "  temp %.1fC", *r.Temperature)
		}
		fmt.Fprintln(w)
	}
	if h.ResourceError != "" {
		fmt.Fprintf(w, "Resource error: %s\n", output.Red(h.ResourceError))
	}
	for _, warning := range h.Warnings {
		ui.Warning("%s", warning)
	}

	fmt.Fprintf(w, "Active tasks:   %d (%s)\n", h.ActiveTasks, orNone(h.ActiveAgents))
	fmt.Fprintf(w, "Paused agents:  %s\n", orNone(h.PausedAgents))
	fmt.Fprintf(w, "File locks:     %d\n", len(h.FileLocks))

	if h.Repo != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Repository branch:  %s\n", output.Cyan(h.Repo.Branch))
		fmt.Fprintf(w, "  protected:        %s\n", output.Bool(h.Repo.OnProtectedBranch, true))
		fmt.Fprintf(w, "  dirty:            %s\n", output.Bool(h.Repo.Dirty, true))
		fmt.Fprintf(w, "  hook installed:   %s\n", output.Bool(h.Repo.HookInstalled, false))
		fmt.Fprintf(w, "  backups:          %d", h.Repo.BackupCount)
		if h.Repo.LatestBackup != "" {
			fmt.Fprintf(w, " (latest %s)", h.Repo.LatestBackup)
		}
		fmt.Fprintln(w)
		for _, rec := range h.Repo.Recommendations {
			ui.Info("%s", rec)
		}
	}
	if h.RepoError != "" {
		ui.Warning("repository: %s", h.RepoError)
	}

	if len(h.UnresolvedAlerts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Unresolved alerts (%d):\n", len(h.UnresolvedAlerts))
		printAlerts(h.UnresolvedAlerts)
	}
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
