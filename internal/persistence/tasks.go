package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/agentcal/internal/task"
)

// queuedOrder is the dispatch ordering: priority rank descending, then the
// earliest of scheduled_at/created_at ascending.
const queuedOrder = `
	CASE priority
		WHEN 'urgent' THEN 4
		WHEN 'high' THEN 3
		WHEN 'medium' THEN 2
		ELSE 1
	END DESC,
	datetime(COALESCE(scheduled_at, created_at)) ASC,
	datetime(created_at) ASC`

// CreateTask inserts a task row and its dependency edges. Dependency
// validation must already have happened.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, title, description, status, priority, agent_kind, agent_id,
			branch, retry_count, max_retries,
			scheduled_at, started_at, completed_at,
			estimated_duration_min, actual_duration_min,
			session, workdir_path, log_path,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority),
		string(t.AgentKind), nullStr(t.AgentID),
		nullStr(t.Branch), t.RetryCount, t.MaxRetries,
		fmtTimePtr(t.ScheduledAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		t.EstimatedDurationMin, nullInt(t.ActualDurationMin),
		nullStr(t.Session), nullStr(t.WorkdirPath), nullStr(t.LogPath),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}

	return s.InsertDependencies(ctx, t.ID, t.DependsOn)
}

// UpdateTask rewrites every mutable column from t. created_at is kept.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			project_id = ?, title = ?, description = ?, status = ?, priority = ?,
			agent_kind = ?, agent_id = ?, branch = ?,
			retry_count = ?, max_retries = ?,
			scheduled_at = ?, started_at = ?, completed_at = ?,
			estimated_duration_min = ?, actual_duration_min = ?,
			session = ?, workdir_path = ?, log_path = ?,
			updated_at = ?
		WHERE id = ?
	`,
		t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority),
		string(t.AgentKind), nullStr(t.AgentID), nullStr(t.Branch),
		t.RetryCount, t.MaxRetries,
		fmtTimePtr(t.ScheduledAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		t.EstimatedDurationMin, nullInt(t.ActualDurationMin),
		nullStr(t.Session), nullStr(t.WorkdirPath), nullStr(t.LogPath),
		fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

// GetTask loads a task with its dependency and blocked-by sets.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	return s.hydrate(ctx, &row)
}

func (s *Store) hydrate(ctx context.Context, row *taskRow) (*task.Task, error) {
	dependsOn, err := s.Dependencies(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	blockedBy, err := s.UnmetDependencies(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return row.toTask(dependsOn, blockedBy), nil
}

func (s *Store) hydrateAll(ctx context.Context, rows []taskRow) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := s.hydrate(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// TaskFilter narrows ListTasks. Status matches the persisted status; the
// derived queued/blocked split is the caller's concern.
type TaskFilter struct {
	ProjectID string
	Status    task.Status
	Date      string // YYYY-MM-DD against scheduled_at ?? started_at ?? created_at
}

// ListTasks returns tasks matching the filter, newest schedule first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Date != "" {
		where = append(where, "date(COALESCE(scheduled_at, started_at, created_at)) = date(?)")
		args = append(args, filter.Date)
	}

	query := "SELECT * FROM tasks WHERE " + joinAnd(where) +
		" ORDER BY datetime(COALESCE(scheduled_at, started_at, created_at)) DESC"

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return s.hydrateAll(ctx, rows)
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

// ListQueued returns all queued tasks in dispatch order.
func (s *Store) ListQueued(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM tasks WHERE status = 'queued' ORDER BY "+queuedOrder)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	return s.hydrateAll(ctx, rows)
}

// ListRunning returns running tasks ordered by start time.
func (s *Store) ListRunning(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM tasks WHERE status = 'running' ORDER BY datetime(COALESCE(started_at, created_at)) ASC")
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	return s.hydrateAll(ctx, rows)
}

// CountRunning returns the number of currently running tasks.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM tasks WHERE status = 'running'"); err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return count, nil
}

// TaskProjects maps each existing id in ids to its project. Missing ids are
// simply absent from the result.
func (s *Store) TaskProjects(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	query, args, err := sqlx.In("SELECT id, project_id FROM tasks WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID        string         `db:"id"`
		ProjectID sql.NullString `db:"project_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("resolve task projects: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		projectID := DefaultProjectID
		if r.ProjectID.Valid && r.ProjectID.String != "" {
			projectID = r.ProjectID.String
		}
		out[r.ID] = projectID
	}
	return out, nil
}

// MarkRunningIfQueued is the scheduler's compare-and-set transition: the
// task moves to running only if, at write time, it is still queued and the
// running count is still under the concurrency ceiling. Both the scheduled
// and the manual dispatch route go through this single admission check, so
// no interleaving of the two can exceed the ceiling. Execution metadata is
// write-once-then-sticky via COALESCE.
func (s *Store) MarkRunningIfQueued(ctx context.Context, id string, meta task.ExecMeta, limit int, now time.Time) (bool, error) {
	ts := fmtTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'running',
			session = COALESCE(session, ?),
			branch = COALESCE(branch, ?),
			workdir_path = COALESCE(workdir_path, ?),
			log_path = COALESCE(log_path, ?),
			started_at = COALESCE(started_at, ?),
			updated_at = ?
		WHERE id = ? AND status = 'queued'
			AND (SELECT COUNT(*) FROM tasks WHERE status = 'running') < ?
	`, nullStr(meta.Session), nullStr(meta.Branch), nullStr(meta.WorkdirPath), nullStr(meta.LogPath), ts, ts, id, limit)
	if err != nil {
		return false, fmt.Errorf("dispatch task %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteTask removes a task together with its dependency edges (both
// directions), logs, and audit history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	statements := []string{
		"DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_task_id = ?",
		"DELETE FROM task_logs WHERE task_id = ?",
		"DELETE FROM task_events WHERE task_id = ?",
		"DELETE FROM tasks WHERE id = ?",
	}
	args := [][]interface{}{
		{id, id}, {id}, {id}, {id},
	}
	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt, args[i]...); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	return nil
}
