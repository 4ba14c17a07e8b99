package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage the repository protection hook",
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a pre-commit hook that rejects commits on protected branches",
	Long: `Install a pre-commit hook that rejects commits on protected branches.

Any existing hook content is kept; reinstalling replaces only the
agentsafe block.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hookInstallRun(cmd.Context())
	},
}

func init() {
	hookCmd.AddCommand(hookInstallCmd)
	rootCmd.AddCommand(hookCmd)
}

func hookInstallRun(ctx context.Context) error {
	ops, err := requireGit()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would install protection hook in %s for %s", ops.Repo(), strings.Join(ops.ProtectedBranches(), ", "))
		return nil
	}
	path, changed, err := ops.InstallProtectionHook(ctx)
	if err != nil {
		return err
	}
	if !changed {
		ui.Info("Protection hook already up to date: %s", path)
		return nil
	}
	ui.Success("Protection hook installed: %s", path)
	ui.VerboseLog("protected branches: %s", strings.Join(ops.ProtectedBranches(), ", "))
	return nil
}
