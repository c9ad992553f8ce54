package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueueEntry is a durable record of an enqueued task. Workers claim
// straight from this table in priority-then-FIFO order, so pending
// submissions survive a restart.
type QueueEntry struct {
	TaskID     string
	Priority   int
	EnqueuedAt time.Time
	Attempts   int
}

// queueTimeLayout is fixed width, unlike RFC3339Nano which trims
// trailing zeros, so the string ORDER BY on enqueued_at matches
// chronological order at nanosecond precision.
const queueTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EnqueueTask inserts a queue entry for a task. Enqueue times carry
// nanosecond precision so equal-priority entries keep FIFO order.
func (s *Store) EnqueueTask(ctx context.Context, taskID string, priority int) error {
	_, err := s.Exec(ctx, `
		INSERT INTO queue_entries (task_id, priority, enqueued_at, attempts)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(task_id) DO NOTHING
	`, taskID, priority, time.Now().UTC().Format(queueTimeLayout))
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

// DequeueTask removes a task's queue entry.
func (s *Store) DequeueTask(ctx context.Context, taskID string) error {
	_, err := s.Exec(ctx, `DELETE FROM queue_entries WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("dequeue task %s: %w", taskID, err)
	}
	return nil
}

// ListQueueEntries returns all queue entries in priority-then-FIFO order.
func (s *Store) ListQueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.Query(ctx, `
		SELECT task_id, priority, enqueued_at, attempts
		FROM queue_entries
		ORDER BY priority DESC, enqueued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var enqueuedAt string
		if err := rows.Scan(&e.TaskID, &e.Priority, &enqueuedAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// CountQueueEntries returns the number of queued tasks.
func (s *Store) CountQueueEntries(ctx context.Context) (int, error) {
	var n int
	err := s.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}
