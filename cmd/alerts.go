package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/output"
	"github.com/joescharf/agentsafe/internal/store"
)

var (
	alertsAll   bool
	alertsAgent string
	alertsLimit int
	alertsSince time.Duration
	alertNotes  string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List or resolve safety alerts",
	Long: `List or resolve safety alerts.

Running bare 'agentsafe alerts' is the same as 'agentsafe alerts list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return alertsListRun(cmd.Context())
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return alertsListRun(cmd.Context())
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alertsResolveRun(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{alertsCmd, alertsListCmd} {
		c.Flags().BoolVarP(&alertsAll, "all", "a", false, "Include resolved alerts")
		c.Flags().StringVar(&alertsAgent, "agent", "", "Only alerts for this agent")
		c.Flags().IntVarP(&alertsLimit, "limit", "l", 50, "Maximum alerts to show")
		c.Flags().DurationVar(&alertsSince, "since", 0, "Only alerts newer than this (e.g. 24h)")
	}
	alertsResolveCmd.Flags().StringVar(&alertNotes, "notes", "", "Resolution notes")

	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)
	rootCmd.AddCommand(alertsCmd)
}

func alertsListRun(ctx context.Context) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	filter := store.AlertFilter{
		UnresolvedOnly: !alertsAll,
		AgentName:      alertsAgent,
		Limit:          alertsLimit,
	}
	if alertsSince > 0 {
		filter.Since = time.Now().UTC().Add(-alertsSince)
	}
	alerts, err := s.ListAlerts(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		if alerts == nil {
			alerts = []*models.Alert{}
		}
		return ui.JSON(alerts)
	}
	if len(alerts) == 0 {
		ui.Info("No alerts")
		return nil
	}
	printAlerts(alerts)
	return nil
}

func printAlerts(alerts []*models.Alert) {
	table := ui.Table([]string{"ID", "Level", "Event", "Agent", "Title", "When", "Resolved"})
	for _, a := range alerts {
		agent := a.Agent()
		if agent == "" {
			agent = "-"
		}
		resolved := "no"
		if a.Resolved {
			resolved = "yes"
		}
		_ = table.Append([]string{
			a.ID,
			output.LevelColor(string(a.Level)),
			string(a.EventType),
			agent,
			a.Title,
			a.Timestamp.Local().Format(time.DateTime),
			resolved,
		})
	}
	_ = table.Render()
}

func alertsResolveRun(ctx context.Context, id string) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would resolve alert %s", id)
		return nil
	}
	if err := s.ResolveAlert(ctx, id, alertNotes); err != nil {
		return err
	}
	ui.Success("Resolved alert %s", id)
	return nil
}
