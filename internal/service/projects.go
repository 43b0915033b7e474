package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentcal/internal/task"
)

// CreateProject registers a new workspace for tasks and agents.
func (s *Service) CreateProject(ctx context.Context, name, description string) (*task.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, task.Validationf("name", "name is required")
	}

	now := time.Now().UTC()
	p := &task.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject loads one project.
func (s *Service) GetProject(ctx context.Context, id string) (*task.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects returns every project, default workspace included.
func (s *Service) ListProjects(ctx context.Context) ([]*task.Project, error) {
	return s.store.ListProjects(ctx)
}
