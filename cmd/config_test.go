package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/agentsafe/internal/output"
)

// testEnv sets up isolated config dir, viper, logger and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)

	// Initialize output and a quiet logger
	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	// Each test gets its own database
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	return dir
}

// stdout returns what the command wrote to ui.Out so far.
func stdout() string {
	return ui.Out.(*bytes.Buffer).String()
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agentsafe configuration")
	assert.Contains(t, string(data), "raw 1-minute load average")

	// The rendered file is valid YAML holding the current values.
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	repo := parsed["repo"].(map[string]any)
	assert.Equal(t, "main", repo["base_branch"])
	assert.Equal(t, []any{"main", "master"}, repo["protected_branches"])
	assert.Equal(t, "127.0.0.1:7787", parsed["serve"].(map[string]any)["addr"])
}

func TestConfigInit_RoundTrip(t *testing.T) {
	dir := testEnv(t)
	viper.Set("monitor.error_threshold", 9)
	require.NoError(t, configInitRun())

	viper.Reset()
	setDefaults(dir)
	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())

	assert.Equal(t, 9, viper.GetInt("monitor.error_threshold"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("tasks.auto_checkpoint_interval"))
	assert.Equal(t, 720*time.Hour, viper.GetDuration("cleanup.retention"))
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agentsafe configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	t.Setenv("AGENTSAFE_SERVE_ADDR", "0.0.0.0:9000")
	viper.SetEnvPrefix("AGENTSAFE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := configShowRun()
	require.NoError(t, err)
	out := stdout()
	assert.Contains(t, out, "0.0.0.0:9000  (env: AGENTSAFE_SERVE_ADDR)")
	assert.Contains(t, out, "(file)")
}

func TestMonitorConfig(t *testing.T) {
	testEnv(t)
	viper.Set("monitor.interval", "1m")
	viper.Set("monitor.thresholds.cpu_critical", 90.0)
	viper.Set("monitor.safe_mode_on_agent_errors", false)

	cfg := monitorConfig()
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 90.0, cfg.Thresholds.CPUCritical)
	assert.Equal(t, 70.0, cfg.Thresholds.CPUWarn)
	assert.Equal(t, 5, cfg.ErrorThreshold)
	assert.False(t, cfg.SafeModeOnAgentErrors)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	t.Setenv("AGENTSAFE_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "AGENTSAFE_TEST_KEY", fileValues), "env")

	// From file
	assert.Contains(t, detectSource("key_a", "AGENTSAFE_KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "AGENTSAFE_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestConfigInit_DryRun(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	err := configInitRun()
	require.NoError(t, err)

	// File should NOT have been created
	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err), "config file should not exist in dry-run mode")
}
