package taskstate

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
)

// Handle is the single-writer capability for one task. It is issued by
// CreateTask or Acquire to the owning agent and must not be shared.
type Handle struct {
	mgr   *Manager
	id    string
	agent string

	mu             sync.Mutex
	task           *models.Task
	lastCheckpoint time.Time
	released       bool
}

// ID returns the task ID.
func (h *Handle) ID() string { return h.id }

// Agent returns the owning agent's name.
func (h *Handle) Agent() string { return h.agent }

// Task returns a copy of the live task state.
func (h *Handle) Task() *models.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Clone()
}

// Status returns the live task status.
func (h *Handle) Status() models.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Status
}

func (m *Manager) startTimer(h *Handle) {
	if m.interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.timers[h.id]; running {
		return
	}
	stop := make(chan struct{})
	m.timers[h.id] = stop
	go m.runTimer(h, stop)
}

// stopTimer signals the timer goroutine and returns without waiting for it,
// since the goroutine may be blocked on the handle lock held by the caller.
func (m *Manager) stopTimer(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.timers[taskID]; ok {
		close(stop)
		delete(m.timers, taskID)
	}
}

func (m *Manager) runTimer(h *Handle, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.autoCheckpoint(h, stop)
		}
	}
}

func (m *Manager) autoCheckpoint(h *Handle, stop <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-stop:
		return
	default:
	}
	if h.released || h.task.Status != models.TaskStatusInProgress {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	if _, err := m.saveCheckpointLocked(ctx, h, models.CheckpointAuto, "auto checkpoint"); err != nil {
		m.logger.Error("auto checkpoint failed", "task_id", h.id, "error", err)
	}
}
