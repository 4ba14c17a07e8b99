package cmd

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/output"
	"github.com/joescharf/agentsafe/internal/store"
)

var (
	taskAgent      string
	taskStatuses   string
	taskLimit      int
	taskCheckpoint string
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Inspect, resume and roll back agent tasks",
	Long: `Inspect, resume and roll back agent tasks.

Running bare 'agentsafe task' is the same as 'agentsafe task list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd.Context())
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd.Context())
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(cmd.Context(), args[0])
	},
}

var taskCheckpointsCmd = &cobra.Command{
	Use:   "checkpoints <id>",
	Short: "List a task's checkpoints, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCheckpointsRun(cmd.Context(), args[0])
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Restore a task from a checkpoint and leave it paused for its agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskResumeRun(cmd.Context(), args[0])
	},
}

var taskRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Roll a failed task and its working branch back to a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRollbackRun(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{taskCmd, taskListCmd} {
		c.Flags().StringVar(&taskAgent, "agent", "", "Only tasks for this agent")
		c.Flags().StringVarP(&taskStatuses, "status", "s", "", "Comma-separated statuses (e.g. paused,error)")
		c.Flags().IntVarP(&taskLimit, "limit", "l", 50, "Maximum tasks to show")
	}
	taskResumeCmd.Flags().StringVar(&taskCheckpoint, "checkpoint", "", "Checkpoint ID (default: latest)")
	taskRollbackCmd.Flags().StringVar(&taskCheckpoint, "checkpoint", "", "Checkpoint ID (required)")
	_ = taskRollbackCmd.MarkFlagRequired("checkpoint")

	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskCheckpointsCmd, taskResumeCmd, taskRollbackCmd)
	rootCmd.AddCommand(taskCmd)
}

// parseStatuses splits a comma list and rejects unknown statuses.
func parseStatuses(s string) ([]models.TaskStatus, error) {
	var out []models.TaskStatus
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st := models.TaskStatus(part)
		if !st.Valid() {
			return nil, &models.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", part)}
		}
		out = append(out, st)
	}
	return out, nil
}

func taskListRun(ctx context.Context) error {
	statuses, err := parseStatuses(taskStatuses)
	if err != nil {
		return err
	}
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(ctx, store.TaskFilter{AgentName: taskAgent, Statuses: statuses, Limit: taskLimit})
	if err != nil {
		return err
	}
	if asJSON {
		if tasks == nil {
			tasks = []*models.Task{}
		}
		return ui.JSON(tasks)
	}
	if len(tasks) == 0 {
		ui.Info("No tasks")
		return nil
	}

	table := ui.Table([]string{"ID", "Agent", "Type", "Status", "Step", "Progress", "Updated"})
	for _, t := range tasks {
		_ = table.Append([]string{
			t.ID,
			t.AgentName,
			t.TaskType,
			output.StatusColor(string(t.Status)),
			t.CurrentStep,
			strconv.Itoa(t.Progress) + "%",
			t.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return table.Render()
}

func taskShowRun(ctx context.Context, id string) error {
	s, err := getStore(ctx)
	if err != nil {
		return err
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return ui.JSON(t)
	}

	w := ui.Out
	fmt.Fprintf(w, "Task:        %s\n", output.Cyan(t.ID))
	fmt.Fprintf(w, "Agent:       %s\n", t.AgentName)
	fmt.Fprintf(w, "Description: %s\n", t.Description)
	fmt.Fprintf(w, "Type:        %s\n", t.TaskType)
	fmt.Fprintf(w, "Status:      %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(w, "Step:        %s (%d%%)\n", t.CurrentStep, t.Progress)
	fmt.Fprintf(w, "Checkpoints: %d\n", len(t.Checkpoints))
	fmt.Fprintf(w, "Errors:      %d\n", t.ErrorCount)
	if t.LastError != nil {
		fmt.Fprintf(w, "Last error:  %s\n", output.Red(*t.LastError))
	}
	fmt.Fprintf(w, "Created:     %s\n", t.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:     %s\n", t.UpdatedAt.Local().Format(time.DateTime))

	if len(t.Context) > 0 {
		fmt.Fprintln(w, "\nContext:")
		for _, k := range slices.Sorted(maps.Keys(t.Context)) {
			fmt.Fprintf(w, "  %-16s %v\n", k, t.Context[k])
		}
	}

	if n := len(t.Conversation); n > 0 {
		const tail = 5
		fmt.Fprintf(w, "\nConversation (%d entries", n)
		start := 0
		if n > tail {
			start = n - tail
			fmt.Fprintf(w, ", last %d", tail)
		}
		fmt.Fprintln(w, "):")
		for _, e := range t.Conversation[start:] {
			fmt.Fprintf(w, "  [%s] %s: %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Role, e.Content)
		}
	}
	return nil
}

func taskCheckpointsRun(ctx context.Context, id string) error {
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.tasks.GetTask(ctx, id); err != nil {
		return err
	}
	cps, err := rt.tasks.Checkpoints(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		if cps == nil {
			cps = []*models.Checkpoint{}
		}
		return ui.JSON(cps)
	}
	if len(cps) == 0 {
		ui.Info("No checkpoints")
		return nil
	}

	table := ui.Table([]string{"ID", "Type", "When", "Step", "Progress", "Backup", "Notes"})
	for _, cp := range cps {
		backup := "-"
		if cp.Rollback != nil && cp.Rollback.BackupBranch != "" {
			backup = cp.Rollback.BackupBranch
		}
		_ = table.Append([]string{
			cp.ID,
			string(cp.Type),
			cp.Timestamp.Local().Format(time.DateTime),
			cp.CurrentStep,
			strconv.Itoa(cp.Progress) + "%",
			backup,
			cp.Notes,
		})
	}
	return table.Render()
}

func taskResumeRun(ctx context.Context, id string) error {
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if dryRun {
		ui.DryRunMsg("Would restore task %s from checkpoint %s", id, orLatest(taskCheckpoint))
		return nil
	}
	t, err := rt.tasks.ResumeFromCheckpoint(ctx, id, taskCheckpoint)
	if err != nil {
		return err
	}
	ui.Success("Task %s restored to %q at %d%% and paused", t.ID, t.CurrentStep, t.Progress)
	ui.Info("Agent %s can continue it", t.AgentName)
	return nil
}

func taskRollbackRun(ctx context.Context, id string) error {
	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := rt.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would roll back task %s to checkpoint %s", id, taskCheckpoint)
		return nil
	}

	h, err := rt.tasks.Acquire(ctx, id, t.AgentName)
	if err != nil {
		return err
	}
	defer rt.tasks.Release(h)

	res, err := rt.adapter.RollbackTask(ctx, h, taskCheckpoint)
	if err != nil {
		return err
	}
	ui.Success("Task %s rolled back to %q at %d%%", res.Task.ID, res.Task.CurrentStep, res.Task.Progress)
	if res.Branch != "" {
		ui.Info("Branch %s reset to %s", res.Branch, res.RestoredSHA)
	}
	return nil
}

func orLatest(id string) string {
	if id == "" {
		return "(latest)"
	}
	return id
}
