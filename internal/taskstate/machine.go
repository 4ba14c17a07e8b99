package taskstate

import "github.com/joescharf/agentsafe/internal/models"

// transitions lists the legal status moves. Completed has no entry: it is terminal.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusCreated:    {models.TaskStatusInProgress},
	models.TaskStatusInProgress: {models.TaskStatusInProgress, models.TaskStatusPaused, models.TaskStatusError, models.TaskStatusCompleted},
	models.TaskStatusPaused:     {models.TaskStatusPaused, models.TaskStatusInProgress},
	models.TaskStatusError:      {models.TaskStatusInProgress, models.TaskStatusRolledBack},
	models.TaskStatusRolledBack: {models.TaskStatusInProgress},
}

// CanTransition reports whether a task may move from one status to another.
// Staying in_progress or paused is allowed so step and progress can be updated.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
