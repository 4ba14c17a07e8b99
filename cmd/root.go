package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentsafe/internal/output"
	"github.com/joescharf/agentsafe/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	verbose bool
	dryRun  bool
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentsafe",
	Short: "Reliability and recovery for code-modifying agents",
	Long: `agentsafe keeps autonomous coding agents recoverable.
It checkpoints task state, backs up branches before agents touch them,
watches host resources and agent errors, and enters safe mode when
things go wrong.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/agentsafe/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "Repository agents work in (default: repo.path)")
	_ = viper.BindPFlag("repo.path", rootCmd.PersistentFlags().Lookup("repo"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTSAFE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers a default for every configuration key.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "agentsafe.db"))
	viper.SetDefault("log.level", "info")

	viper.SetDefault("repo.path", "")
	viper.SetDefault("repo.base_branch", "main")
	viper.SetDefault("repo.protected_branches", []string{"main", "master"})
	viper.SetDefault("repo.author_name", "")
	viper.SetDefault("repo.author_email", "")
	viper.SetDefault("repo.pull_requests", false)

	viper.SetDefault("serve.addr", "127.0.0.1:7787")
	viper.SetDefault("serve.allowed_origins", []string{})

	viper.SetDefault("tasks.auto_checkpoint_interval", "10m")

	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.alert_cooldown", "5m")
	viper.SetDefault("monitor.error_threshold", 5)
	viper.SetDefault("monitor.error_window", "10m")
	viper.SetDefault("monitor.safe_mode_on_agent_errors", true)
	viper.SetDefault("monitor.disk_path", "/")
	viper.SetDefault("monitor.thresholds.cpu_warn", 70.0)
	viper.SetDefault("monitor.thresholds.cpu_critical", 80.0)
	viper.SetDefault("monitor.thresholds.mem_warn", 75.0)
	viper.SetDefault("monitor.thresholds.mem_critical", 85.0)
	viper.SetDefault("monitor.thresholds.disk_warn", 85.0)
	viper.SetDefault("monitor.thresholds.disk_critical", 95.0)
	viper.SetDefault("monitor.thresholds.load_warn", 2.0)
	viper.SetDefault("monitor.thresholds.load_critical", 4.0)
	viper.SetDefault("monitor.thresholds.temp_warn", 65.0)
	viper.SetDefault("monitor.thresholds.temp_critical", 75.0)

	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.min_level", "error")
	viper.SetDefault("notify.buffer", 64)

	viper.SetDefault("cleanup.retention", "720h")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
	logger = newLogger(viper.GetString("log.level"))

	// Initialize store lazily; only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays parseable.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// getStore returns the shared store, initializing it on first call.
func getStore(ctx context.Context) (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
