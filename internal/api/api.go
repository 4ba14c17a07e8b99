package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/notify"
	"github.com/joescharf/agentsafe/internal/store"
)

const maxBodyBytes = 1 << 20

// Server provides the REST API handlers.
type Server struct {
	adapter *adapter.Adapter
	hub     *notify.Hub
	logger  *slog.Logger
}

// NewServer creates a new API server. hub may be nil, in which case the
// event stream is not served.
func NewServer(a *adapter.Adapter, hub *notify.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{adapter: a, hub: hub, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/safe-mode", s.getSafeMode)
	mux.HandleFunc("POST /api/v1/safe-mode", s.setSafeMode)

	mux.HandleFunc("GET /api/v1/alerts", s.listAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.resolveAlert)

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/checkpoints", s.listCheckpoints)
	mux.HandleFunc("GET /api/v1/tasks/{id}/rollback-options", s.rollbackOptions)

	mux.HandleFunc("GET /api/v1/recovery-options", s.recoveryOptions)
	mux.HandleFunc("GET /api/v1/recovery-points", s.recoveryPoints)

	mux.HandleFunc("POST /api/v1/agents/{name}/pause", s.pauseAgent)
	mux.HandleFunc("POST /api/v1/agents/{name}/resume", s.resumeAgent)

	if s.hub != nil {
		mux.Handle("GET /api/v1/events", s.hub)
	}
	if m := s.adapter.Monitor().Metrics(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return s.requestLog(bodyLimit(corsMiddleware(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps typed errors to HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrFileLocked):
		status = http.StatusConflict
	case errors.Is(err, models.ErrSafeMode):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &models.ValidationError{Field: "limit", Msg: "must be a non-negative integer"}
	}
	return n, nil
}

// --- Health & safe mode ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.adapter.Health(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type safeModeResponse struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
	Changed bool   `json:"changed"`
}

func (s *Server) getSafeMode(w http.ResponseWriter, r *http.Request) {
	mon := s.adapter.Monitor()
	writeJSON(w, http.StatusOK, safeModeResponse{Enabled: mon.IsSafeMode(), Reason: mon.SafeModeReason()})
}

func (s *Server) setSafeMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool   `json:"enabled"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Enabled && strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required to enable safe mode")
		return
	}
	mon := s.adapter.Monitor()
	changed := mon.SetSafeMode(r.Context(), req.Enabled, req.Reason)
	writeJSON(w, http.StatusOK, safeModeResponse{Enabled: mon.IsSafeMode(), Reason: mon.SafeModeReason(), Changed: changed})
}

// --- Alerts ---

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		UnresolvedOnly: q.Get("unresolved") == "true",
		AgentName:      q.Get("agent"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	filter.Limit = limit

	alerts, err := s.adapter.Monitor().Alerts(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	a, err := s.adapter.Monitor().ResolveAlert(r.Context(), r.PathValue("id"), req.Notes)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{AgentName: q.Get("agent")}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := models.TaskStatus(strings.TrimSpace(st))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	filter.Limit = limit

	tasks, err := s.adapter.Tasks().ListTasks(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.adapter.Tasks().GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.adapter.Tasks().Checkpoints(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if cps == nil {
		cps = []*models.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) rollbackOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.adapter.GetRollbackOptions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// --- Recovery ---

func (s *Server) recoveryOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.adapter.RecoveryOptions(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) recoveryPoints(w http.ResponseWriter, r *http.Request) {
	ops := s.adapter.Git()
	if ops == nil {
		writeJSON(w, http.StatusOK, []git.RecoveryPoint{})
		return
	}
	points, err := ops.ListRecoveryPoints(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if points == nil {
		points = []git.RecoveryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Agents ---

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	name := r.PathValue("name")
	s.adapter.Monitor().PauseAgent(r.Context(), name, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "paused": true, "reason": req.Reason})
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	was := s.adapter.Monitor().ResumeAgent(name)
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "paused": false, "was_paused": was})
}
