package taskstate

import (
	"context"
	"slices"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/store"
)

const (
	maxRecoveryTasks       = 10
	checkpointsPerRecovery = 3
)

// RecoveryOption is an interrupted task and its newest checkpoints.
type RecoveryOption struct {
	Task        *models.Task         `json:"task"`
	Checkpoints []*models.Checkpoint `json:"checkpoints"`
}

// RecoveryOptions lists interrupted tasks (in progress, paused or errored),
// newest first, optionally for one agent.
func (m *Manager) RecoveryOptions(ctx context.Context, agent string) ([]RecoveryOption, error) {
	tasks, err := m.ListTasks(ctx, store.TaskFilter{
		AgentName: agent,
		Statuses: []models.TaskStatus{
			models.TaskStatusInProgress,
			models.TaskStatusPaused,
			models.TaskStatusError,
		},
		Limit: maxRecoveryTasks,
	})
	if err != nil {
		return nil, err
	}

	opts := make([]RecoveryOption, 0, len(tasks))
	for _, t := range tasks {
		cps, err := m.Checkpoints(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		slices.Reverse(cps)
		if len(cps) > checkpointsPerRecovery {
			cps = cps[:checkpointsPerRecovery]
		}
		opts = append(opts, RecoveryOption{Task: t, Checkpoints: cps})
	}
	return opts, nil
}

// CleanupStats reports what Cleanup removed.
type CleanupStats struct {
	Tasks       int64 `json:"tasks"`
	Checkpoints int64 `json:"checkpoints"`
}

// Cleanup deletes tasks, with their checkpoints, that have not been updated
// within retention. Tasks still in progress or held by a live handle are kept.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (CleanupStats, error) {
	var stats CleanupStats
	if retention <= 0 {
		return stats, &models.ValidationError{Field: "retention", Msg: "must be positive"}
	}
	cutoff := m.now().Add(-retention)

	tasks, err := m.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return stats, err
	}

	// Held across the delete: Acquire reserves its handle under the same
	// lock before reading the task.
	m.mu.Lock()
	var ids []string
	for _, t := range tasks {
		if t.Status == models.TaskStatusInProgress || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, held := m.owned[t.ID]; held {
			continue
		}
		ids = append(ids, t.ID)
		stats.Checkpoints += int64(len(t.Checkpoints))
	}
	err = m.retry(ctx, "delete tasks", func() error {
		n, err := m.store.DeleteTasks(ctx, ids)
		stats.Tasks = n
		return err
	})
	m.mu.Unlock()
	if err != nil {
		return CleanupStats{}, err
	}

	m.logger.Info("task cleanup complete", "tasks", stats.Tasks, "checkpoints", stats.Checkpoints, "cutoff", cutoff)
	return stats, nil
}
