package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentsafe/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes every write. Tasks with different IDs can
	// still be written from many goroutines without "database is locked".
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(p), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a ULID. IDs from one process sort in creation order.
func NewID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// --- Tasks ---

const taskColumns = `id, agent_name, description, task_type, status, current_step, progress,
	context, conversation, checkpoint_ids, error_count, last_error, version, created_at, updated_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	ctxJSON, convJSON, cpJSON, err := encodeTaskBlobs(t)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_states (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentName, t.Description, t.TaskType, string(t.Status), t.CurrentStep, t.Progress,
		ctxJSON, convJSON, cpJSON, t.ErrorCount, t.LastError, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	return updateTask(ctx, s.db, t)
}

func updateTask(ctx context.Context, ex execer, t *models.Task) error {
	ctxJSON, convJSON, cpJSON, err := encodeTaskBlobs(t)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	updatedAt := time.Now().UTC()

	result, err := ex.ExecContext(ctx,
		`UPDATE task_states SET status=?, current_step=?, progress=?, context=?, conversation=?,
		checkpoint_ids=?, error_count=?, last_error=?, version=version+1, updated_at=?
		WHERE id=? AND version=?`,
		string(t.Status), t.CurrentStep, t.Progress, ctxJSON, convJSON,
		cpJSON, t.ErrorCount, t.LastError, updatedAt, t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var current int64
		err := ex.QueryRowContext(ctx, "SELECT version FROM task_states WHERE id = ?", t.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return &models.NotFoundError{Kind: "task", ID: t.ID}
		}
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return &models.ConflictError{TaskID: t.ID, Version: t.Version}
	}
	t.Version++
	t.UpdatedAt = updatedAt
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task_states WHERE 1=1`
	var args []any

	if filter.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, filter.AgentName)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) DeleteTasks(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE task_id = ?", id); err != nil {
			return 0, fmt.Errorf("delete checkpoints for %s: %w", id, err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM task_states WHERE id = ?", id)
		if err != nil {
			return 0, fmt.Errorf("delete task %s: %w", id, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return total, nil
}

func encodeTaskBlobs(t *models.Task) (ctxJSON, convJSON, cpJSON string, err error) {
	if ctxJSON, err = marshalJSON(t.Context, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encode context: %w", err)
	}
	if convJSON, err = marshalJSON(t.Conversation, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encode conversation: %w", err)
	}
	if cpJSON, err = marshalJSON(t.Checkpoints, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encode checkpoint ids: %w", err)
	}
	return ctxJSON, convJSON, cpJSON, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var status, ctxJSON, convJSON, cpJSON string
	var lastError sql.NullString

	err := row.Scan(&t.ID, &t.AgentName, &t.Description, &t.TaskType, &status, &t.CurrentStep, &t.Progress,
		&ctxJSON, &convJSON, &cpJSON, &t.ErrorCount, &lastError, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(convJSON), &t.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(cpJSON), &t.Checkpoints); err != nil {
		return nil, fmt.Errorf("decode checkpoint ids: %w", err)
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	return t, nil
}

// --- Checkpoints ---

const checkpointColumns = `id, task_id, agent_name, checkpoint_type, timestamp, current_step, progress,
	context, conversation, rollback_data, notes`

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *models.Checkpoint, t *models.Task) error {
	if cp.ID == "" {
		cp.ID = NewID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	ctxJSON, err := marshalJSON(cp.Context, "{}")
	if err != nil {
		return fmt.Errorf("append checkpoint: encode context: %w", err)
	}
	convJSON, err := marshalJSON(cp.Conversation, "[]")
	if err != nil {
		return fmt.Errorf("append checkpoint: encode conversation: %w", err)
	}
	var rollback sql.NullString
	if cp.Rollback != nil {
		data, err := json.Marshal(cp.Rollback)
		if err != nil {
			return fmt.Errorf("append checkpoint: encode rollback data: %w", err)
		}
		rollback = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, cp.AgentName, string(cp.Type), cp.Timestamp.UTC(), cp.CurrentStep, cp.Progress,
		ctxJSON, convJSON, rollback, cp.Notes,
	)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}

	if t != nil {
		version, updatedAt := t.Version, t.UpdatedAt
		if err := updateTask(ctx, tx, t); err != nil {
			t.Version, t.UpdatedAt = version, updatedAt
			return err
		}
		if err := tx.Commit(); err != nil {
			t.Version, t.UpdatedAt = version, updatedAt
			return fmt.Errorf("append checkpoint: %w", err)
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY timestamp ASC, seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY timestamp DESC, seq DESC LIMIT 1`, taskID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: "latest for task " + taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var cpType, ctxJSON, convJSON string
	var rollback sql.NullString

	err := row.Scan(&cp.ID, &cp.TaskID, &cp.AgentName, &cpType, &cp.Timestamp, &cp.CurrentStep, &cp.Progress,
		&ctxJSON, &convJSON, &rollback, &cp.Notes)
	if err != nil {
		return nil, err
	}

	cp.Type = models.CheckpointType(cpType)
	if err := json.Unmarshal([]byte(ctxJSON), &cp.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(convJSON), &cp.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if rollback.Valid {
		cp.Rollback = &models.RollbackData{}
		if err := json.Unmarshal([]byte(rollback.String), cp.Rollback); err != nil {
			return nil, fmt.Errorf("decode rollback data: %w", err)
		}
	}
	if cp.Context == nil {
		cp.Context = map[string]any{}
	}
	return cp, nil
}

// --- Alerts ---

const alertColumns = `id, event_type, level, timestamp, agent_name, title, description, data,
	resolved, resolved_at, resolution_notes`

func (s *SQLiteStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	dataJSON, err := marshalJSON(a.Data, "{}")
	if err != nil {
		return fmt.Errorf("create alert: encode data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO safety_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.EventType), string(a.Level), a.Timestamp.UTC(), a.AgentName, a.Title, a.Description, dataJSON,
		boolToInt(a.Resolved), a.ResolvedAt, a.ResolutionNotes,
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM safety_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "alert", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, id, notes string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE safety_alerts SET resolved = 1, resolved_at = ?, resolution_notes = ? WHERE id = ?`,
		time.Now().UTC(), notes, id,
	)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Kind: "alert", ID: id}
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM safety_alerts WHERE 1=1`
	var args []any

	if filter.UnresolvedOnly {
		query += " AND resolved = 0"
	}
	if filter.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, filter.AgentName)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM safety_alerts WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return result.RowsAffected()
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	a := &models.Alert{}
	var eventType, level, dataJSON string
	var agent sql.NullString
	var resolved int
	var resolvedAt sql.NullTime

	err := row.Scan(&a.ID, &eventType, &level, &a.Timestamp, &agent, &a.Title, &a.Description, &dataJSON,
		&resolved, &resolvedAt, &a.ResolutionNotes)
	if err != nil {
		return nil, err
	}

	a.EventType = models.AlertEventType(eventType)
	a.Level = models.AlertLevel(level)
	a.Resolved = resolved != 0
	if agent.Valid {
		a.AgentName = &agent.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if err := json.Unmarshal([]byte(dataJSON), &a.Data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return a, nil
}
