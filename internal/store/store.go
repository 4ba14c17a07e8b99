package store

import (
	"context"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
)

// TaskFilter specifies filters for listing tasks.
type TaskFilter struct {
	AgentName string
	Statuses  []models.TaskStatus
	Limit     int
}

// AlertFilter specifies filters for listing alerts.
type AlertFilter struct {
	UnresolvedOnly bool
	AgentName      string
	Since          time.Time
	Limit          int
}

// Store defines the persistence interface for task state, checkpoints and alerts.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// UpdateTask writes t only if the stored version still equals t.Version,
	// then bumps t.Version. A stale version yields *models.ConflictError.
	UpdateTask(ctx context.Context, t *models.Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	DeleteTasks(ctx context.Context, ids []string) (int64, error)

	// Checkpoints
	// AppendCheckpoint inserts cp and updates t in one transaction.
	AppendCheckpoint(ctx context.Context, cp *models.Checkpoint, t *models.Task) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)

	// Alerts
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ResolveAlert(ctx context.Context, id, notes string) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error)
	DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
