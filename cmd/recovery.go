package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/output"
	"github.com/joescharf/agentsafe/internal/taskstate"
)

var recoveryAgent string

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Find where interrupted work can be recovered from",
}

var recoveryPointsCmd = &cobra.Command{
	Use:   "points",
	Short: "List backup branches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoveryPointsRun(cmd.Context())
	},
}

var recoveryOptionsCmd = &cobra.Command{
	Use:   "options",
	Short: "List interrupted tasks and their newest checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoveryOptionsRun(cmd.Context())
	},
}

func init() {
	recoveryCmd.PersistentFlags().StringVar(&recoveryAgent, "agent", "", "Only this agent")
	recoveryCmd.AddCommand(recoveryPointsCmd, recoveryOptionsCmd)
	rootCmd.AddCommand(recoveryCmd)
}

func recoveryPointsRun(ctx context.Context) error {
	ops, err := requireGit()
	if err != nil {
		return err
	}
	points, err := ops.ListRecoveryPoints(ctx, recoveryAgent)
	if err != nil {
		return err
	}
	if asJSON {
		if points == nil {
			points = []git.RecoveryPoint{}
		}
		return ui.JSON(points)
	}
	if len(points) == 0 {
		ui.Info("No backup branches")
		return nil
	}

	table := ui.Table([]string{"Branch", "Agent", "Commit", "Created"})
	for _, p := range points {
		_ = table.Append([]string{
			output.Cyan(p.Branch),
			p.Agent,
			shortSHA(p.CommitSHA),
			p.Timestamp.Local().Format(time.DateTime),
		})
	}
	return table.Render()
}

func recoveryOptionsRun(ctx context.Context) error {
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	opts, err := rt.adapter.RecoveryOptions(ctx, recoveryAgent)
	if err != nil {
		return err
	}
	if asJSON {
		if opts == nil {
			opts = []taskstate.RecoveryOption{}
		}
		return ui.JSON(opts)
	}
	if len(opts) == 0 {
		ui.Success("No interrupted tasks")
		return nil
	}

	table := ui.Table([]string{"Task", "Agent", "Status", "Step", "Progress", "Checkpoints"})
	for _, o := range opts {
		ids := make([]string, len(o.Checkpoints))
		for i, cp := range o.Checkpoints {
			ids[i] = fmt.Sprintf("%s (%s)", cp.ID, cp.Type)
		}
		_ = table.Append([]string{
			o.Task.ID,
			o.Task.AgentName,
			output.StatusColor(string(o.Task.Status)),
			o.Task.CurrentStep,
			fmt.Sprintf("%d%%", o.Task.Progress),
			strings.Join(ids, "\n"),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	ui.Info("Resume with: agentsafe task resume <task> [--checkpoint <id>]")
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
