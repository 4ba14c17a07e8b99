package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
	"github.com/joescharf/agentsafe/internal/notify"
	"github.com/joescharf/agentsafe/internal/store"
	"github.com/joescharf/agentsafe/internal/taskstate"
)

type steadyPoller struct{}

func (steadyPoller) PollResources(context.Context) (monitor.ResourceSnapshot, error) {
	return monitor.ResourceSnapshot{CPU: 5, Memory: 10, Disk: 20, At: time.Now().UTC()}, nil
}

func setupTestServer(t *testing.T) (*Server, *adapter.Adapter, *notify.Hub) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub()
	tasks := taskstate.NewManager(s, taskstate.WithAutoCheckpointInterval(0), taskstate.WithLogger(logger))
	t.Cleanup(tasks.Close)
	mon := monitor.New(s,
		monitor.WithPoller(steadyPoller{}),
		monitor.WithNotifier(hub),
		monitor.WithMetrics(monitor.NewMetrics()),
		monitor.WithLogger(logger),
	)
	a := adapter.New(tasks, mon, adapter.WithNotifier(hub), adapter.WithLogger(logger))
	return NewServer(a, hub, logger), a, hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["safe_mode"])
	assert.Equal(t, false, body["overloaded"])
	assert.NotContains(t, body, "repo", "no repository configured")
}

func TestSafeMode_API(t *testing.T) {
	srv, a, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/safe-mode", `{"enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "enabling needs a reason")

	w = do(t, router, "POST", "/api/v1/safe-mode", `{"enabled":true,"reason":"disk at 97%"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp safeModeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, safeModeResponse{Enabled: true, Reason: "disk at 97%", Changed: true}, resp)
	assert.True(t, a.Monitor().IsSafeMode())

	w = do(t, router, "GET", "/api/v1/safe-mode", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Equal(t, "disk at 97%", resp.Reason)

	w = do(t, router, "POST", "/api/v1/safe-mode", `{"enabled":false,"reason":"disk cleaned"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
	assert.True(t, resp.Changed)

	w = do(t, router, "POST", "/api/v1/safe-mode", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlerts_API(t *testing.T) {
	srv, a, _ := setupTestServer(t)
	router := srv.Router()
	a.Monitor().SetSafeMode(context.Background(), true, "cpu critical")

	w := do(t, router, "GET", "/api/v1/alerts?unresolved=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []*models.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.EventManualIntervention, alerts[0].EventType)

	w = do(t, router, "POST", "/api/v1/alerts/"+alerts[0].ID+"/resolve", `{"notes":"load shed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved models.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "load shed", resolved.ResolutionNotes)

	w = do(t, router, "GET", "/api/v1/alerts?unresolved=true", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.Empty(t, alerts)

	w = do(t, router, "POST", "/api/v1/alerts/missing/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/alerts?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, router, "GET", "/api/v1/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasks_API(t *testing.T) {
	srv, a, _ := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	w := do(t, router, "GET", "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	h, err := a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	require.NoError(t, err)

	w = do(t, router, "GET", "/api/v1/tasks?agent=alpha&status=in_progress,paused", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []*models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, h.ID(), tasks[0].ID)

	w = do(t, router, "GET", "/api/v1/tasks?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/tasks/"+h.ID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, models.TaskStatusInProgress, task.Status)

	w = do(t, router, "GET", "/api/v1/tasks/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/tasks/"+h.ID()+"/checkpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cps []*models.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cps))
	require.Len(t, cps, 1)
	assert.Equal(t, models.CheckpointMilestone, cps[0].Type)

	w = do(t, router, "GET", "/api/v1/tasks/"+h.ID()+"/rollback-options", "")
	require.Equal(t, http.StatusOK, w.Code)
	var opts []adapter.RollbackOption
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opts))
	require.Len(t, opts, 1)
	assert.Equal(t, cps[0].ID, opts[0].ID)

	w = do(t, router, "GET", "/api/v1/recovery-options?agent=alpha", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec []taskstate.RecoveryOption
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Len(t, rec, 1)

	w = do(t, router, "GET", "/api/v1/recovery-points", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAgents_API(t *testing.T) {
	srv, a, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/agents/alpha/pause", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/agents/alpha/pause", `{"reason":"too many retries"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, a.Monitor().IsAgentPaused("alpha"))

	_, err := a.StartTaskWithReliability(context.Background(), "alpha", "x", "docs", false)
	assert.ErrorIs(t, err, models.ErrSafeMode)

	w = do(t, router, "POST", "/api/v1/agents/alpha/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"agent":"alpha","paused":false,"was_paused":true}`, w.Body.String())
	assert.False(t, a.Monitor().IsAgentPaused("alpha"))
}

func TestWriteErr_StatusMapping(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	tests := []struct {
		err  error
		want int
	}{
		{&models.NotFoundError{Kind: "task", ID: "x"}, http.StatusNotFound},
		{&models.ValidationError{Field: "f", Msg: "bad"}, http.StatusBadRequest},
		{&models.InvalidTransitionError{TaskID: "x", From: models.TaskStatusCompleted, To: models.TaskStatusPaused}, http.StatusConflict},
		{&models.FileLockedError{Path: "/a", Holder: "beta"}, http.StatusConflict},
		{&models.SafeModeActiveError{Reason: "cpu"}, http.StatusServiceUnavailable},
		{&models.StoreError{Op: "get", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		srv.writeErr(w, tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/tasks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics_API(t *testing.T) {
	srv, a, _ := setupTestServer(t)
	a.Monitor().SetSafeMode(context.Background(), true, "drill")

	w := do(t, srv.Router(), "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentsafe_safe_mode 1")
}

func TestEvents_Websocket(t *testing.T) {
	srv, _, hub := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events?kinds=safe_mode", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/safe-mode", "application/json", strings.NewReader(`{"enabled":true,"reason":"drill"}`))
	require.NoError(t, err)
	resp.Body.Close()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var n notify.Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, notify.KindSafeMode, n.Kind)
	assert.Equal(t, "drill", n.Message)
}
