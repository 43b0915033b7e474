package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentcal/internal/task"
)

type projectRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r *projectRow) toProject() *task.Project {
	return &task.Project{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
}

// CreateProject inserts a project row.
func (s *Store) CreateProject(ctx context.Context, p *task.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject loads a single project.
func (s *Store) GetProject(ctx context.Context, id string) (*task.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM projects WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return row.toProject(), nil
}

// ListProjects returns all projects by name.
func (s *Store) ListProjects(ctx context.Context) ([]*task.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM projects ORDER BY name ASC"); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	projects := make([]*task.Project, 0, len(rows))
	for i := range rows {
		projects = append(projects, rows[i].toProject())
	}
	return projects, nil
}

// EnsureProject inserts the project if it does not exist yet, keeping an
// existing row untouched.
func (s *Store) EnsureProject(ctx context.Context, id, name string, now time.Time) error {
	if name == "" {
		name = "Project " + id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES (?, ?, '', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, name, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("ensure project %s: %w", id, err)
	}
	return nil
}
