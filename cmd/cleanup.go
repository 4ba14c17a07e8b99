package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished tasks, resolved alerts and backup branches",
	Long: `Delete tasks, checkpoints, alerts and backup branches older than the
retention period. Tasks that are still in progress or held by an agent are
kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanupRun(cmd.Context())
	},
}

func init() {
	cleanupCmd.Flags().Duration("retention", 30*24*time.Hour, "Keep anything newer than this")
	_ = viper.BindPFlag("cleanup.retention", cleanupCmd.Flags().Lookup("retention"))
	rootCmd.AddCommand(cleanupCmd)
}

func cleanupRun(ctx context.Context) error {
	retention := viper.GetDuration("cleanup.retention")
	if dryRun {
		ui.DryRunMsg("Would delete everything older than %s", retention)
		return nil
	}

	rt, err := newRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := rt.adapter.Cleanup(ctx, retention)
	if stats != nil && asJSON {
		if jerr := ui.JSON(stats); jerr != nil {
			return jerr
		}
	}
	if err != nil {
		return err
	}
	if !asJSON {
		ui.Success("Removed %d tasks, %d checkpoints, %d alerts, %d branches",
			stats.Tasks, stats.Checkpoints, stats.Alerts, stats.Branches)
	}
	return nil
}
