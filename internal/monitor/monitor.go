// Package monitor watches host resources, agent error rates and file
// conflicts, and owns the global safe-mode gate.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/notify"
	"github.com/joescharf/agentsafe/internal/store"
)

// Config controls the monitor loop and escalation rules.
type Config struct {
	Interval              time.Duration
	AlertCooldown         time.Duration
	ErrorThreshold        int
	ErrorWindow           time.Duration
	SafeModeOnAgentErrors bool
	Thresholds            Thresholds
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		AlertCooldown:         5 * time.Minute,
		ErrorThreshold:        5,
		ErrorWindow:           10 * time.Minute,
		SafeModeOnAgentErrors: true,
		Thresholds:            DefaultThresholds(),
	}
}

// Monitor raises safety alerts and arbitrates safe mode.
type Monitor struct {
	store    store.Store
	poller   ResourcePoller
	notifier notify.Notifier
	metrics  *Metrics
	files    *FileAccessTracker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	safeMu     sync.RWMutex
	safeMode   bool
	safeReason string
	safeSince  time.Time

	mu           sync.Mutex
	paused       map[string]string
	lastAlert    map[string]time.Time
	agentErrors  map[string][]time.Time
	lastSnapshot *ResourceSnapshot
	running      bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

// WithPoller sets the resource poller.
func WithPoller(p ResourcePoller) Option {
	return func(m *Monitor) { m.poller = p }
}

// WithNotifier sets where alerts and safe-mode changes are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor. Safe mode starts off.
func New(s store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:       s,
		poller:      NewSystemPoller("/"),
		notifier:    notify.Nop{},
		files:       NewFileAccessTracker(),
		logger:      slog.Default(),
		cfg:         DefaultConfig(),
		now:         func() time.Time { return time.Now().UTC() },
		paused:      make(map[string]string),
		lastAlert:   make(map[string]time.Time),
		agentErrors: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the active configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Metrics returns the collectors, or nil.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// Files returns the file access tracker.
func (m *Monitor) Files() *FileAccessTracker { return m.files }

// PollResources reads resources once, bounded by half the poll interval.
func (m *Monitor) PollResources(ctx context.Context) (ResourceSnapshot, error) {
	timeout := m.cfg.Interval / 2
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap, err := m.poller.PollResources(ctx)
	m.mu.Lock()
	if err == nil {
		m.lastSnapshot = &snap
	}
	m.mu.Unlock()

	if err != nil {
		m.metrics.pollFailed()
		return snap, err
	}
	m.metrics.observeSnapshot(snap)
	return snap, nil
}

// Check polls once and acts on the result: warnings become alerts, critical
// readings also turn safe mode on. A failed poll raises a warning alert and
// never changes safe mode.
func (m *Monitor) Check(ctx context.Context) error {
	snap, err := m.PollResources(ctx)
	if err != nil {
		m.logger.Warn("resource poll failed", "error", err)
		if m.allow("poll_failed") {
			m.raise(ctx, &models.Alert{
				EventType:   models.EventResourceWarning,
				Level:       models.AlertWarning,
				Title:       "Resource metrics unavailable",
				Description: err.Error(),
			})
		}
		return err
	}

	// The cooldown limits repeated alerts only; every critical reading
	// re-enters safe mode.
	for _, a := range Evaluate(snap, m.cfg.Thresholds) {
		if m.allow(string(a.EventType)) {
			m.raise(ctx, a)
		}
		if a.Level == models.AlertCritical {
			m.SetSafeMode(ctx, true, a.Description)
		}
	}
	return nil
}

// BootCheck re-evaluates resources once at startup, since safe mode is not
// persisted across restarts.
func (m *Monitor) BootCheck(ctx context.Context) (*ResourceSnapshot, error) {
	if err := m.Check(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := *m.lastSnapshot
	return &snap, nil
}

// Run checks resources every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("safety monitor started", "interval", m.cfg.Interval)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		_ = m.Check(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("safety monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether Run is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// allow applies the per-key alert cooldown.
func (m *Monitor) allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return false
	}
	m.lastAlert[key] = now
	return true
}

// raise persists an alert and announces it. Persistence is best-effort: a
// store failure is logged and the alert is still announced.
func (m *Monitor) raise(ctx context.Context, a *models.Alert) *models.Alert {
	if a.ID == "" {
		a.ID = store.NewID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}
	if err := m.store.CreateAlert(ctx, a); err != nil {
		m.logger.Error("persist alert failed", "alert", a.Title, "error", err)
	}
	m.metrics.alertRaised(a)
	m.logger.Log(ctx, alertLogLevel(a.Level), "safety alert", "event", a.EventType, "level", a.Level, "title", a.Title, "agent", a.Agent())

	if a.Level.Rank() >= models.AlertError.Rank() {
		_ = m.notifier.Notify(ctx, notify.FromAlert(a))
	}
	return a
}

func alertLogLevel(l models.AlertLevel) slog.Level {
	switch l {
	case models.AlertInfo:
		return slog.LevelInfo
	case models.AlertWarning:
		return slog.LevelWarn
	}
	return slog.LevelError
}

// RecordAgentError counts an agent error in the sliding window and raises an
// error alert for it. When the count exceeds the threshold a critical alert
// follows and, if configured, safe mode turns on.
func (m *Monitor) RecordAgentError(ctx context.Context, agent, taskID string, cause error) *models.Alert {
	now := m.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	m.mu.Lock()
	cutoff := now.Add(-m.cfg.ErrorWindow)
	recent := slices.DeleteFunc(m.agentErrors[agent], func(t time.Time) bool { return !t.After(cutoff) })
	recent = append(recent, now)
	m.agentErrors[agent] = recent
	count := len(recent)
	m.mu.Unlock()

	m.metrics.agentError(agent)
	alert := m.raise(ctx, &models.Alert{
		EventType:   models.EventAgentError,
		Level:       models.AlertError,
		AgentName:   &agent,
		Title:       fmt.Sprintf("Agent %s reported an error", agent),
		Description: msg,
		Data:        map[string]any{"task_id": taskID, "recent_errors": count},
	})

	if m.cfg.ErrorThreshold > 0 && count > m.cfg.ErrorThreshold && m.allow("agent_errors:"+agent) {
		m.raise(ctx, &models.Alert{
			EventType:   models.EventAgentError,
			Level:       models.AlertCritical,
			AgentName:   &agent,
			Title:       fmt.Sprintf("Agent %s error rate exceeded", agent),
			Description: fmt.Sprintf("%d errors within %s", count, m.cfg.ErrorWindow),
			Data:        map[string]any{"task_id": taskID, "recent_errors": count, "threshold": m.cfg.ErrorThreshold},
		})
		if m.cfg.SafeModeOnAgentErrors {
			m.SetSafeMode(ctx, true, fmt.Sprintf("agent %s exceeded %d errors within %s", agent, m.cfg.ErrorThreshold, m.cfg.ErrorWindow))
		}
	}
	return alert
}

// ErrorCount returns agent's errors within the current window.
func (m *Monitor) ErrorCount(agent string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.ErrorWindow)
	n := 0
	for _, t := range m.agentErrors[agent] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// AcquireFileLock claims path for agent on behalf of taskID. A conflict
// raises a file_conflict warning and returns false; it never waits.
func (m *Monitor) AcquireFileLock(ctx context.Context, agent, taskID, path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, &models.ValidationError{Field: "path", Msg: "required"}
	}
	holder, ok := m.files.Acquire(agent, taskID, path)
	m.metrics.setFileLocks(len(m.files.Locks("")))
	if ok {
		return true, nil
	}

	m.metrics.fileConflict()
	key := NormalizePath(path)
	if m.allow("file_conflict:" + key + ":" + agent) {
		m.raise(ctx, &models.Alert{
			EventType:   models.EventFileConflict,
			Level:       models.AlertWarning,
			AgentName:   &agent,
			Title:       "File access conflict",
			Description: fmt.Sprintf("%s requested %s, held by %s", agent, key, holder),
			Data:        map[string]any{"path": key, "holder": holder, "task_id": taskID},
		})
	}
	return false, nil
}

// ReleaseFileLock frees path if agent holds it.
func (m *Monitor) ReleaseFileLock(agent, path string) bool {
	ok := m.files.Release(agent, path)
	m.metrics.setFileLocks(len(m.files.Locks("")))
	return ok
}

// ReleaseTaskLocks frees every file acquired for taskID.
func (m *Monitor) ReleaseTaskLocks(taskID string) int {
	n := m.files.ReleaseTask(taskID)
	m.metrics.setFileLocks(len(m.files.Locks("")))
	return n
}

// SetSafeMode turns safe mode on or off and reports whether it changed.
// Turning it on while already on keeps the original reason.
func (m *Monitor) SetSafeMode(ctx context.Context, enabled bool, reason string) bool {
	m.safeMu.Lock()
	if m.safeMode == enabled {
		m.safeMu.Unlock()
		return false
	}
	m.safeMode = enabled
	if enabled {
		m.safeReason = reason
		m.safeSince = m.now()
	} else {
		m.safeReason = ""
		m.safeSince = time.Time{}
	}
	m.safeMu.Unlock()

	m.metrics.setSafeMode(enabled)
	if enabled {
		m.logger.Error("safe mode activated", "reason", reason)
		m.raise(ctx, &models.Alert{
			EventType:   models.EventManualIntervention,
			Level:       models.AlertCritical,
			Title:       "Safe mode activated",
			Description: reason,
			Data:        map[string]any{"reason": reason},
		})
		_ = m.notifier.Notify(ctx, notify.Notification{
			Kind: notify.KindSafeMode, Level: models.AlertCritical,
			Title: "Safe mode activated", Message: reason,
			Data: map[string]any{"enabled": true},
		})
		return true
	}

	m.logger.Info("safe mode deactivated", "reason", reason)
	_ = m.notifier.Notify(ctx, notify.Notification{
		Kind: notify.KindSafeMode, Level: models.AlertInfo,
		Title: "Safe mode deactivated", Message: reason,
		Data: map[string]any{"enabled": false},
	})
	return true
}

// IsSafeMode reports whether safe mode is active.
func (m *Monitor) IsSafeMode() bool {
	m.safeMu.RLock()
	defer m.safeMu.RUnlock()
	return m.safeMode
}

// SafeModeReason returns why safe mode was turned on, or "".
func (m *Monitor) SafeModeReason() string {
	m.safeMu.RLock()
	defer m.safeMu.RUnlock()
	return m.safeReason
}

// CheckSafeMode returns *models.SafeModeActiveError while safe mode is on.
func (m *Monitor) CheckSafeMode() error {
	m.safeMu.RLock()
	defer m.safeMu.RUnlock()
	if m.safeMode {
		return &models.SafeModeActiveError{Reason: m.safeReason}
	}
	return nil
}

// PauseAgent stops agent from starting new work until ResumeAgent.
func (m *Monitor) PauseAgent(ctx context.Context, agent, reason string) {
	m.mu.Lock()
	m.paused[agent] = reason
	m.mu.Unlock()

	m.raise(ctx, &models.Alert{
		EventType:   models.EventManualIntervention,
		Level:       models.AlertWarning,
		AgentName:   &agent,
		Title:       "Agent paused: " + agent,
		Description: reason,
		Data:        map[string]any{"reason": reason},
	})
}

// ResumeAgent clears a pause. It reports whether agent was paused.
func (m *Monitor) ResumeAgent(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[agent]
	delete(m.paused, agent)
	if ok {
		m.logger.Info("agent resumed", "agent", agent)
	}
	return ok
}

// AgentPauseReason reports whether agent is paused and why.
func (m *Monitor) AgentPauseReason(agent string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.paused[agent]
	return reason, ok
}

// IsAgentPaused reports whether agent is paused individually or by safe mode.
func (m *Monitor) IsAgentPaused(agent string) bool {
	if m.IsSafeMode() {
		return true
	}
	_, ok := m.AgentPauseReason(agent)
	return ok
}

// PausedAgents returns the individually paused agents, sorted.
func (m *Monitor) PausedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.paused))
}

// Alerts lists stored alerts.
func (m *Monitor) Alerts(ctx context.Context, filter store.AlertFilter) ([]*models.Alert, error) {
	return m.store.ListAlerts(ctx, filter)
}

// ResolveAlert marks an alert resolved.
func (m *Monitor) ResolveAlert(ctx context.Context, id, notes string) (*models.Alert, error) {
	if err := m.store.ResolveAlert(ctx, id, notes); err != nil {
		return nil, err
	}
	return m.store.GetAlert(ctx, id)
}

// CleanupAlerts deletes alerts older than retention.
func (m *Monitor) CleanupAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, &models.ValidationError{Field: "retention", Msg: "must be positive"}
	}
	return m.store.DeleteAlertsBefore(ctx, m.now().Add(-retention))
}

// HealthReport is a point-in-time view of the subsystem.
type HealthReport struct {
	Timestamp        time.Time         `json:"timestamp"`
	Resources        *ResourceSnapshot `json:"resources,omitempty"`
	ResourceError    string            `json:"resource_error,omitempty"`
	Overloaded       bool              `json:"overloaded"`
	Warnings         []string          `json:"warnings"`
	SafeMode         bool              `json:"safe_mode"`
	SafeModeReason   string            `json:"safe_mode_reason,omitempty"`
	SafeModeSince    *time.Time        `json:"safe_mode_since,omitempty"`
	MonitorRunning   bool              `json:"monitor_running"`
	ActiveAgents     []string          `json:"active_agents"`
	ActiveTasks      int               `json:"active_tasks"`
	PausedAgents     []string          `json:"paused_agents"`
	UnresolvedAlerts []*models.Alert   `json:"unresolved_alerts"`
	FileLocks        []FileLock        `json:"file_locks"`
}

// HealthReport polls resources and summarizes the current state. A failed
// poll is reported in ResourceError, with the last good reading if any.
func (m *Monitor) HealthReport(ctx context.Context) (*HealthReport, error) {
	r := &HealthReport{
		Timestamp: m.now(),
		Warnings:  []string{},
	}

	snap, err := m.PollResources(ctx)
	if err != nil {
		r.ResourceError = err.Error()
		m.mu.Lock()
		if m.lastSnapshot != nil {
			last := *m.lastSnapshot
			r.Resources = &last
		}
		m.mu.Unlock()
	} else {
		r.Resources = &snap
	}
	if r.Resources != nil {
		critical, warnings := Classify(*r.Resources, m.cfg.Thresholds)
		r.Overloaded = len(critical) > 0
		r.Warnings = append(critical, warnings...)
		if r.Warnings == nil {
			r.Warnings = []string{}
		}
	}

	m.safeMu.RLock()
	r.SafeMode, r.SafeModeReason = m.safeMode, m.safeReason
	if m.safeMode {
		since := m.safeSince
		r.SafeModeSince = &since
	}
	m.safeMu.RUnlock()

	r.MonitorRunning = m.Running()
	r.PausedAgents = orEmpty(m.PausedAgents())
	r.FileLocks = m.files.Locks("")

	active, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusInProgress}})
	if err != nil {
		return nil, fmt.Errorf("health report: %w", err)
	}
	agents := map[string]struct{}{}
	for _, t := range active {
		agents[t.AgentName] = struct{}{}
	}
	r.ActiveTasks = len(active)
	r.ActiveAgents = orEmpty(slices.Sorted(maps.Keys(agents)))

	r.UnresolvedAlerts, err = m.store.ListAlerts(ctx, store.AlertFilter{UnresolvedOnly: true, Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("health report: %w", err)
	}
	return r, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
