package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskEvent is one immutable audit record. Old/New carry the before/after
// values for status changes, or free-form detail for other event types.
type TaskEvent struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	EventType string    `db:"event_type"`
	Old       *string   `db:"old_value"`
	New       *string   `db:"new_value"`
	Timestamp time.Time `db:"-"`
}

type taskEventRow struct {
	ID        int64          `db:"id"`
	TaskID    string         `db:"task_id"`
	EventType string         `db:"event_type"`
	Old       sql.NullString `db:"old_value"`
	New       sql.NullString `db:"new_value"`
	Timestamp string         `db:"timestamp"`
}

// AppendTaskEvent appends to the audit history. Records are never updated
// or overwritten.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, eventType string, oldValue, newValue *string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_events (task_id, event_type, old_value, new_value, timestamp) VALUES (?, ?, ?, ?, ?)",
		taskID, eventType, nullStr(oldValue), nullStr(newValue), fmtTime(ts))
	if err != nil {
		return fmt.Errorf("append event %s for task %s: %w", eventType, taskID, err)
	}
	return nil
}

// ListTaskEvents returns the audit history for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	var rows []taskEventRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM task_events WHERE task_id = ? ORDER BY id ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}

	events := make([]TaskEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, TaskEvent{
			ID:        r.ID,
			TaskID:    r.TaskID,
			EventType: r.EventType,
			Old:       strPtr(r.Old),
			New:       strPtr(r.New),
			Timestamp: parseTime(r.Timestamp),
		})
	}
	return events, nil
}

// CountTaskEvents returns the total number of audit rows across all tasks.
func (s *Store) CountTaskEvents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM task_events"); err != nil {
		return 0, fmt.Errorf("count task events: %w", err)
	}
	return count, nil
}

// TaskLog is one diagnostic log line attached to a task.
type TaskLog struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
	Timestamp time.Time `db:"-"`
}

type taskLogRow struct {
	ID        int64  `db:"id"`
	TaskID    string `db:"task_id"`
	Level     string `db:"level"`
	Message   string `db:"message"`
	Timestamp string `db:"timestamp"`
}

// AppendTaskLog records a diagnostic line for a task.
func (s *Store) AppendTaskLog(ctx context.Context, taskID, level, message string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, timestamp, level, message) VALUES (?, ?, ?, ?)",
		taskID, fmtTime(ts), level, message)
	if err != nil {
		return fmt.Errorf("append log for task %s: %w", taskID, err)
	}
	return nil
}

// ListTaskLogs returns a task's log lines, oldest first.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string) ([]TaskLog, error) {
	var rows []taskLogRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM task_logs WHERE task_id = ? ORDER BY id ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("list logs for task %s: %w", taskID, err)
	}

	logs := make([]TaskLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, TaskLog{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Level:     r.Level,
			Message:   r.Message,
			Timestamp: parseTime(r.Timestamp),
		})
	}
	return logs, nil
}
