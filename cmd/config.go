package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentsafe"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage agentsafe configuration.

Running bare 'agentsafe config' is the same as 'agentsafe config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# agentsafe configuration
# See: agentsafe config show (for effective values and sources)

# State/data directory (default: ~/.config/agentsafe)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/agentsafe/agentsafe.db)
# db_path: {{ .DBPath }}

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"

# Repository agents work in. Leave empty to run without git backups.
repo:
  path: "{{ .RepoPath }}"
  # Branch pull requests target
  base_branch: "{{ .BaseBranch }}"
  # Branches agents may never commit to or roll back
  protected_branches: [{{ .ProtectedBranches }}]
  # Open a pull request with the gh CLI when a task completes
  pull_requests: {{ .PullRequests }}

serve:
  # Address for the API, event stream and /metrics
  addr: "{{ .ServeAddr }}"
  # Browser origins allowed on the event stream (default: localhost only)
  # allowed_origins: ["dash.example.com"]

tasks:
  # How often in-progress tasks are checkpointed automatically (0 disables)
  auto_checkpoint_interval: {{ .AutoCheckpoint }}

monitor:
  interval: {{ .MonitorInterval }}
  # Agent errors within error_window that trigger safe mode
  error_threshold: {{ .ErrorThreshold }}
  error_window: {{ .ErrorWindow }}
  # Percent for cpu/mem/disk, raw 1-minute load average, degrees C for temp
  # thresholds:
  #   cpu_warn: 70
  #   cpu_critical: 80

notify:
  # Slack or Discord compatible incoming webhook
  webhook_url: "{{ .WebhookURL }}"
  # Lowest alert level sent to the webhook
  min_level: "{{ .MinLevel }}"

cleanup:
  retention: {{ .Retention }}
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	LogLevel          string
	RepoPath          string
	BaseBranch        string
	ProtectedBranches string
	PullRequests      bool
	ServeAddr         string
	AutoCheckpoint    string
	MonitorInterval   string
	ErrorThreshold    int
	ErrorWindow       string
	WebhookURL        string
	MinLevel          string
	Retention         string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	var quoted []string
	for _, b := range viper.GetStringSlice("repo.protected_branches") {
		quoted = append(quoted, strconv.Quote(b))
	}
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		LogLevel:          viper.GetString("log.level"),
		RepoPath:          viper.GetString("repo.path"),
		BaseBranch:        viper.GetString("repo.base_branch"),
		ProtectedBranches: strings.Join(quoted, ", "),
		PullRequests:      viper.GetBool("repo.pull_requests"),
		ServeAddr:         viper.GetString("serve.addr"),
		AutoCheckpoint:    viper.GetDuration("tasks.auto_checkpoint_interval").String(),
		MonitorInterval:   viper.GetDuration("monitor.interval").String(),
		ErrorThreshold:    viper.GetInt("monitor.error_threshold"),
		ErrorWindow:       viper.GetDuration("monitor.error_window").String(),
		WebhookURL:        viper.GetString("notify.webhook_url"),
		MinLevel:          viper.GetString("notify.min_level"),
		Retention:         viper.GetDuration("cleanup.retention").String(),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "AGENTSAFE_STATE_DIR"},
	{Key: "db_path", EnvVar: "AGENTSAFE_DB_PATH"},
	{Key: "log.level", EnvVar: "AGENTSAFE_LOG_LEVEL"},
	{Key: "repo.path", EnvVar: "AGENTSAFE_REPO_PATH"},
	{Key: "repo.base_branch", EnvVar: "AGENTSAFE_REPO_BASE_BRANCH"},
	{Key: "repo.protected_branches", EnvVar: "AGENTSAFE_REPO_PROTECTED_BRANCHES"},
	{Key: "repo.pull_requests", EnvVar: "AGENTSAFE_REPO_PULL_REQUESTS"},
	{Key: "serve.addr", EnvVar: "AGENTSAFE_SERVE_ADDR"},
	{Key: "serve.allowed_origins", EnvVar: "AGENTSAFE_SERVE_ALLOWED_ORIGINS"},
	{Key: "tasks.auto_checkpoint_interval", EnvVar: "AGENTSAFE_TASKS_AUTO_CHECKPOINT_INTERVAL"},
	{Key: "monitor.interval", EnvVar: "AGENTSAFE_MONITOR_INTERVAL"},
	{Key: "monitor.error_threshold", EnvVar: "AGENTSAFE_MONITOR_ERROR_THRESHOLD"},
	{Key: "monitor.error_window", EnvVar: "AGENTSAFE_MONITOR_ERROR_WINDOW"},
	{Key: "monitor.safe_mode_on_agent_errors", EnvVar: "AGENTSAFE_MONITOR_SAFE_MODE_ON_AGENT_ERRORS"},
	{Key: "notify.webhook_url", EnvVar: "AGENTSAFE_NOTIFY_WEBHOOK_URL"},
	{Key: "notify.min_level", EnvVar: "AGENTSAFE_NOTIFY_MIN_LEVEL"},
	{Key: "cleanup.retention", EnvVar: "AGENTSAFE_CLEANUP_RETENTION"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-34s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'agentsafe config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
