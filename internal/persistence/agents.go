package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentcal/internal/task"
)

// GetAgent loads a single agent.
func (s *Store) GetAgent(ctx context.Context, id string) (*task.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM agents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return row.toAgent(), nil
}

// ListAgents returns all agents, optionally scoped to a project.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]*task.Agent, error) {
	var rows []agentRow
	var err error
	if projectID == "" {
		err = s.db.SelectContext(ctx, &rows, "SELECT * FROM agents ORDER BY name ASC")
	} else {
		err = s.db.SelectContext(ctx, &rows, "SELECT * FROM agents WHERE project_id = ? ORDER BY name ASC", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]*task.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// UpsertAgent inserts or updates an agent's identity fields. The stat
// counters are never written here: they belong exclusively to the
// transition aggregator.
func (s *Store) UpsertAgent(ctx context.Context, a *task.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, name, kind, status, current_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = COALESCE(NULLIF(excluded.name, ''), agents.name),
			kind = excluded.kind,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			updated_at = excluded.updated_at
	`, a.ID, nullStr(a.ProjectID), a.Name, string(a.Kind), string(a.Status),
		nullStr(a.CurrentTaskID), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// SetAgentBusy marks the agent busy on the given task.
func (s *Store) SetAgentBusy(ctx context.Context, agentID, taskID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = 'busy', current_task_id = ?, updated_at = ? WHERE id = ?",
		taskID, fmtTime(now), agentID)
	if err != nil {
		return fmt.Errorf("mark agent %s busy: %w", agentID, err)
	}
	return nil
}

// SetAgentIdle releases the agent without touching its counters.
func (s *Store) SetAgentIdle(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = 'idle', current_task_id = NULL, updated_at = ? WHERE id = ?",
		fmtTime(now), agentID)
	if err != nil {
		return fmt.Errorf("mark agent %s idle: %w", agentID, err)
	}
	return nil
}

// ApplyAgentTerminal records one finished task on the agent's counters and
// releases it. The incremental mean uses the pre-increment total as its
// divisor base; an unknown duration leaves the average untouched.
func (s *Store) ApplyAgentTerminal(ctx context.Context, agentID string, success bool, durationMin *int, now time.Time) error {
	successInc, failInc := 0, 1
	if success {
		successInc, failInc = 1, 0
	}

	dur := nullInt(durationMin)
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			total_tasks = total_tasks + 1,
			success_count = success_count + ?,
			fail_count = fail_count + ?,
			avg_duration_min = CASE
				WHEN ? IS NULL THEN avg_duration_min
				WHEN total_tasks = 0 THEN ?
				ELSE ROUND(((avg_duration_min * total_tasks) + ?) / (total_tasks + 1), 2)
			END,
			status = 'idle',
			current_task_id = NULL,
			updated_at = ?
		WHERE id = ?
	`, successInc, failInc, dur, dur, dur, fmtTime(now), agentID)
	if err != nil {
		return fmt.Errorf("apply terminal stats to agent %s: %w", agentID, err)
	}
	return nil
}
