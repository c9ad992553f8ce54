package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// TerminalStatus reports whether a task status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Task is a long-running, persisted unit of work owned by the worker pool.
type Task struct {
	ID                  string
	Kind                string
	Status              string
	Preferences         string // JSON-encoded preferences object
	CurrentPhase        string
	CurrentPhaseMessage string
	ProgressPercent     float64
	ErrorMessage        string
	ResultSummary       string // JSON-encoded summary
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	LastHeartbeatAt     *time.Time
}

const taskColumns = `task_id, kind, status, preferences, current_phase, current_phase_message,
	progress_percent, error_message, result_summary, created_at, started_at, completed_at, last_heartbeat_at`

// CreateTask inserts a new task row in state pending.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Preferences == "" {
		t.Preferences = "{}"
	}
	if t.ResultSummary == "" {
		t.ResultSummary = "{}"
	}
	_, err := s.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Kind, t.Status, t.Preferences, t.CurrentPhase, t.CurrentPhaseMessage,
		t.ProgressPercent, t.ErrorMessage, t.ResultSummary,
		t.CreatedAt.Format(time.RFC3339), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt), fmtTimePtr(t.LastHeartbeatAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// SaveTask updates every mutable field of an existing task row.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	res, err := s.Exec(ctx, `
		UPDATE tasks SET
			status = ?, preferences = ?, current_phase = ?, current_phase_message = ?,
			progress_percent = ?, error_message = ?, result_summary = ?,
			started_at = ?, completed_at = ?, last_heartbeat_at = ?
		WHERE task_id = ?
	`, t.Status, t.Preferences, t.CurrentPhase, t.CurrentPhaseMessage,
		t.ProgressPercent, t.ErrorMessage, t.ResultSummary,
		fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt), fmtTimePtr(t.LastHeartbeatAt), t.ID)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTaskStatus transitions a task's status and bookkeeping fields.
// Terminal transitions set completed_at; a transition to running sets
// started_at and a fresh heartbeat.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status, errorMessage string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if TerminalStatus(t.Status) {
		return fmt.Errorf("task %s already terminal (%s)", id, t.Status)
	}

	now := time.Now().UTC()
	t.Status = status
	t.ErrorMessage = errorMessage
	switch {
	case status == TaskRunning:
		t.StartedAt = &now
		t.LastHeartbeatAt = &now
	case TerminalStatus(status):
		t.CompletedAt = &now
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	}
	return s.SaveTask(ctx, t)
}

// HeartbeatTask refreshes a running task's last_heartbeat_at.
func (s *Store) HeartbeatTask(ctx context.Context, id string) error {
	res, err := s.Exec(ctx, `UPDATE tasks SET last_heartbeat_at = ? WHERE task_id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("heartbeat task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTaskProgress records the task's current phase, message, and
// overall progress percentage.
func (s *Store) UpdateTaskProgress(ctx context.Context, id, phase, message string, percent float64) error {
	_, err := s.Exec(ctx, `
		UPDATE tasks SET current_phase = ?, current_phase_message = ?, progress_percent = ?
		WHERE task_id = ?
	`, phase, message, percent, id)
	if err != nil {
		return fmt.Errorf("update task progress %s: %w", id, err)
	}
	return nil
}

// ListTasksByStatus returns tasks with the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]*Task, error) {
	rows, err := s.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return scanTasks(rows)
}

// ListStaleTasks returns pending/running tasks whose last heartbeat (or
// creation time, if never heartbeaten) is older than the cutoff.
func (s *Store) ListStaleTasks(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?)
		  AND COALESCE(last_heartbeat_at, created_at) < ?
		ORDER BY created_at
	`, TaskPending, TaskRunning, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return scanTasks(rows)
}

// CountTasksByStatus returns a per-status task count.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var createdAt string
	var startedAt, completedAt, heartbeatAt sql.NullString

	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.Preferences, &t.CurrentPhase, &t.CurrentPhaseMessage,
		&t.ProgressPercent, &t.ErrorMessage, &t.ResultSummary,
		&createdAt, &startedAt, &completedAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	t.LastHeartbeatAt = parseTimePtr(heartbeatAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	defer func() { _ = rows.Close() }()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
