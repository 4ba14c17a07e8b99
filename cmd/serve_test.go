package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentsafe/internal/api"
	"github.com/joescharf/agentsafe/internal/daemon"
	"github.com/joescharf/agentsafe/internal/mcp"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "agentsafe-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "agentsafe-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
	assert.Contains(t, stdout(), "not running")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "agentsafe-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

// startTestServer serves the API for a runtime built from the test config
// and points serve.addr at it.
func startTestServer(t *testing.T) *runtime {
	t.Helper()
	rt, err := newRuntime(context.Background(), runtimeOptions{live: true})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	srv := httptest.NewServer(api.NewServer(rt.adapter, rt.hub, logger).Router())
	t.Cleanup(srv.Close)
	viper.Set("serve.addr", srv.URL)
	return rt
}

func TestSafeModeCommands(t *testing.T) {
	testEnv(t)
	rt := startTestServer(t)
	ctx := context.Background()

	safeModeReason = ""
	err := safeModeSetRun(ctx, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--reason")

	safeModeReason = "disk filling up"
	t.Cleanup(func() { safeModeReason = "" })
	require.NoError(t, safeModeSetRun(ctx, true))
	assert.True(t, rt.monitor.IsSafeMode())
	assert.Equal(t, "disk filling up", rt.monitor.SafeModeReason())

	require.NoError(t, safeModeStatusRun(ctx))
	assert.Contains(t, stdout(), "disk filling up")

	require.NoError(t, safeModeSetRun(ctx, false))
	assert.False(t, rt.monitor.IsSafeMode())
}

func TestAgentCommands(t *testing.T) {
	testEnv(t)
	rt := startTestServer(t)
	ctx := context.Background()

	agentPauseReason = ""
	require.Error(t, agentPauseRun(ctx, "alpha"))

	agentPauseReason = "looping on the same file"
	t.Cleanup(func() { agentPauseReason = "" })
	require.NoError(t, agentPauseRun(ctx, "alpha"))
	assert.True(t, rt.monitor.IsAgentPaused("alpha"))

	require.NoError(t, agentResumeRun(ctx, "alpha"))
	assert.False(t, rt.monitor.IsAgentPaused("alpha"))

	require.NoError(t, agentResumeRun(ctx, "alpha"))
	assert.Contains(t, stdout(), "was not paused")
}

func TestAPIClient_ServerDown(t *testing.T) {
	testEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	viper.Set("serve.addr", addr)

	err := safeModeStatusRun(context.Background())
	assert.ErrorIs(t, err, errServerDown)
}

func TestHealthRun_Local(t *testing.T) {
	testEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	viper.Set("serve.addr", srv.URL)
	srv.Close()
	asJSON = true
	t.Cleanup(func() { asJSON = false })

	// With no server the report is built locally.
	require.NoError(t, healthRun(context.Background()))
	assert.Contains(t, stdout(), `"safe_mode": false`)
	assert.Contains(t, stdout(), `"score"`)
}

func TestServerSafety(t *testing.T) {
	testEnv(t)
	rt := startTestServer(t)
	ctx := context.Background()
	ctrl := serverSafety{newAPIClient()}

	state, err := ctrl.SetSafeMode(ctx, true, "CPU 97.0%")
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.True(t, rt.monitor.IsSafeMode(), "the server's monitor changed")

	state, err = ctrl.SafeMode(ctx)
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Equal(t, "CPU 97.0%", state.Reason)

	h, err := ctrl.Health(ctx)
	require.NoError(t, err)
	require.NotNil(t, h.HealthReport)
	assert.True(t, h.SafeMode)

	_, err = ctrl.SetSafeMode(ctx, true, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, mcp.ErrControlUnavailable)
}

func TestServerSafety_ServerDown(t *testing.T) {
	testEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	viper.Set("serve.addr", srv.URL)
	srv.Close()

	_, err := serverSafety{newAPIClient()}.SafeMode(context.Background())
	assert.ErrorIs(t, err, mcp.ErrControlUnavailable)
	assert.ErrorIs(t, err, errServerDown)
}
