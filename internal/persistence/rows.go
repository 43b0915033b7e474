package persistence

import (
	"database/sql"
	"time"

	"github.com/aristath/agentcal/internal/task"
)

// Timestamps are stored as RFC3339 TEXT, with nanoseconds kept when
// present, so rows stay portable and readable in the raw database.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

type taskRow struct {
	ID                   string         `db:"id"`
	ProjectID            sql.NullString `db:"project_id"`
	Title                string         `db:"title"`
	Description          string         `db:"description"`
	Status               string         `db:"status"`
	Priority             string         `db:"priority"`
	AgentKind            string         `db:"agent_kind"`
	AgentID              sql.NullString `db:"agent_id"`
	Branch               sql.NullString `db:"branch"`
	RetryCount           int            `db:"retry_count"`
	MaxRetries           int            `db:"max_retries"`
	ScheduledAt          sql.NullString `db:"scheduled_at"`
	StartedAt            sql.NullString `db:"started_at"`
	CompletedAt          sql.NullString `db:"completed_at"`
	EstimatedDurationMin int            `db:"estimated_duration_min"`
	ActualDurationMin    sql.NullInt64  `db:"actual_duration_min"`
	Session              sql.NullString `db:"session"`
	WorkdirPath          sql.NullString `db:"workdir_path"`
	LogPath              sql.NullString `db:"log_path"`
	CreatedAt            string         `db:"created_at"`
	UpdatedAt            string         `db:"updated_at"`
}

func (r *taskRow) toTask(dependsOn, blockedBy []string) *task.Task {
	projectID := DefaultProjectID
	if r.ProjectID.Valid && r.ProjectID.String != "" {
		projectID = r.ProjectID.String
	}

	return &task.Task{
		ID:                   r.ID,
		ProjectID:            projectID,
		Title:                r.Title,
		Description:          r.Description,
		Status:               task.Status(r.Status),
		Priority:             task.Priority(r.Priority),
		AgentKind:            task.AgentKind(r.AgentKind),
		AgentID:              strPtr(r.AgentID),
		Branch:               strPtr(r.Branch),
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		ScheduledAt:          parseTimePtr(r.ScheduledAt),
		StartedAt:            parseTimePtr(r.StartedAt),
		CompletedAt:          parseTimePtr(r.CompletedAt),
		EstimatedDurationMin: r.EstimatedDurationMin,
		ActualDurationMin:    intPtr(r.ActualDurationMin),
		Session:              strPtr(r.Session),
		WorkdirPath:          strPtr(r.WorkdirPath),
		LogPath:              strPtr(r.LogPath),
		DependsOn:            dependsOn,
		BlockedBy:            blockedBy,
		CreatedAt:            parseTime(r.CreatedAt),
		UpdatedAt:            parseTime(r.UpdatedAt),
	}
}

type agentRow struct {
	ID             string         `db:"id"`
	ProjectID      sql.NullString `db:"project_id"`
	Name           string         `db:"name"`
	Kind           string         `db:"kind"`
	Status         string         `db:"status"`
	CurrentTaskID  sql.NullString `db:"current_task_id"`
	TotalTasks     int            `db:"total_tasks"`
	SuccessCount   int            `db:"success_count"`
	FailCount      int            `db:"fail_count"`
	AvgDurationMin float64        `db:"avg_duration_min"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r *agentRow) toAgent() *task.Agent {
	return &task.Agent{
		ID:            r.ID,
		ProjectID:     strPtr(r.ProjectID),
		Name:          r.Name,
		Kind:          task.AgentKind(r.Kind),
		Status:        task.AgentStatus(r.Status),
		CurrentTaskID: strPtr(r.CurrentTaskID),
		Stats: task.AgentStats{
			TotalTasks:     r.TotalTasks,
			SuccessCount:   r.SuccessCount,
			FailCount:      r.FailCount,
			AvgDurationMin: r.AvgDurationMin,
		},
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}
