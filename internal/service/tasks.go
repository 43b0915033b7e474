package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/graph"
	"github.com/aristath/agentcal/internal/lifecycle"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/prompt"
	"github.com/aristath/agentcal/internal/task"
)

// CreateInput is the payload for a direct task creation. Zero values fall
// back to the documented defaults.
type CreateInput struct {
	Title                string
	Description          string
	ProjectID            string
	Status               task.Status
	Priority             task.Priority
	AgentKind            task.AgentKind
	AgentID              *string
	DependsOn            []string
	ScheduledAt          *time.Time
	EstimatedDurationMin *int
	MaxRetries           *int
}

func (in *CreateInput) defaults() {
	if in.ProjectID == "" {
		in.ProjectID = persistence.DefaultProjectID
	}
	if in.Status == "" {
		in.Status = task.StatusQueued
	}
	if in.Priority == "" {
		in.Priority = task.PriorityMedium
	}
	if in.AgentKind == "" {
		in.AgentKind = task.DefaultKind
	}
}

func (in *CreateInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return task.Validationf("title", "is required")
	}
	if !in.Status.Persistable() {
		return task.Validationf("status", "%q is invalid", in.Status)
	}
	if !in.Priority.Valid() {
		return task.Validationf("priority", "%q is invalid", in.Priority)
	}
	if !in.AgentKind.Valid() {
		return task.Validationf("agent_type", "must be codex or claude")
	}
	if in.EstimatedDurationMin != nil && *in.EstimatedDurationMin < 0 {
		return task.Validationf("estimated_duration_min", "must be non-negative")
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return task.Validationf("max_retries", "must be non-negative")
	}
	return nil
}

// CreateTask validates the input and dependency set, inserts the task
// inside one transaction with its audit record, announces it, and nudges
// the scheduler.
func (s *Service) CreateTask(ctx context.Context, in CreateInput) (*task.Task, error) {
	in.defaults()
	if err := in.validate(); err != nil {
		return nil, err
	}

	if in.ProjectID != persistence.DefaultProjectID {
		if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				return nil, task.Validationf("project_id", "unknown project %s", in.ProjectID)
			}
			return nil, err
		}
	}

	id := uuid.NewString()
	if err := s.graph.Validate(ctx, id, in.ProjectID, in.DependsOn); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:                   id,
		ProjectID:            in.ProjectID,
		Title:                strings.TrimSpace(in.Title),
		Description:          in.Description,
		Status:               in.Status,
		Priority:             in.Priority,
		AgentKind:            in.AgentKind,
		AgentID:              in.AgentID,
		MaxRetries:           3,
		ScheduledAt:          in.ScheduledAt,
		EstimatedDurationMin: 30,
		DependsOn:            in.DependsOn,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.MaxRetries != nil {
		t.MaxRetries = *in.MaxRetries
	}
	if in.EstimatedDurationMin != nil {
		t.EstimatedDurationMin = *in.EstimatedDurationMin
	}

	err := s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.CreateTask(ctx, t); err != nil {
			return err
		}
		status := string(t.Status)
		return tx.AppendTaskEvent(ctx, id, lifecycle.EventCreated, nil, &status, now)
	})
	if err != nil {
		return nil, err
	}

	created, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.TaskEvent{
		Type: events.EventTypeTaskCreated, Task: created, Source: "api", Timestamp: now,
	})
	s.kickScheduler()
	return created, nil
}

// PromptOutcome is the result of a prompt-driven creation. Task is nil on
// a dry run.
type PromptOutcome struct {
	Task   *task.Task  `json:"task,omitempty"`
	Parsed task.Draft  `json:"parsed"`
	Parser prompt.Meta `json:"parser"`
	DryRun bool        `json:"dry_run"`
}

// CreateTaskFromPrompt interprets a natural language prompt into a draft
// and, unless dryRun is set, creates the task through the normal path.
func (s *Service) CreateTaskFromPrompt(ctx context.Context, promptText, projectID string, dryRun bool) (*PromptOutcome, error) {
	promptText = strings.TrimSpace(promptText)
	if promptText == "" {
		return nil, task.Validationf("prompt", "is required")
	}

	parsed, err := s.interp.Interpret(ctx, promptText, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "interpret prompt")
	}

	outcome := &PromptOutcome{Parsed: parsed.Draft, Parser: parsed.Parser, DryRun: dryRun}
	if dryRun {
		return outcome, nil
	}

	created, err := s.CreateTask(ctx, CreateInput{
		Title:       parsed.Draft.Title,
		Description: parsed.Draft.Description,
		ProjectID:   projectID,
		Priority:    parsed.Draft.Priority,
		AgentKind:   parsed.Draft.AgentKind,
		ScheduledAt: parsed.Draft.ScheduledAt,
		DependsOn:   parsed.Draft.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	outcome.Task = created
	return outcome, nil
}

// GetTask loads one task with its dependency sets.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ListFilter narrows ListTasks. Status may be any persisted status or the
// derived blocked/queued split.
type ListFilter struct {
	ProjectID string
	Status    task.Status
	Date      string
}

// ListTasks returns tasks for a project, optionally narrowed by status and
// calendar date. Filtering on queued or blocked resolves the derived view:
// queued excludes blocked tasks and vice versa.
func (s *Service) ListTasks(ctx context.Context, filter ListFilter) ([]*task.Task, error) {
	if filter.Date != "" && !dateRe.MatchString(filter.Date) {
		return nil, task.Validationf("date", "must be YYYY-MM-DD")
	}
	derived := filter.Status == task.StatusBlocked || filter.Status == task.StatusQueued
	if filter.Status != "" && !derived && !filter.Status.Persistable() {
		return nil, task.Validationf("status", "%q is invalid", filter.Status)
	}

	stored := persistence.TaskFilter{ProjectID: filter.ProjectID, Date: filter.Date}
	if filter.Status != "" {
		if derived {
			stored.Status = task.StatusQueued
		} else {
			stored.Status = filter.Status
		}
	}

	tasks, err := s.store.ListTasks(ctx, stored)
	if err != nil {
		return nil, err
	}
	if !derived {
		return tasks, nil
	}

	matched := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Observed() == filter.Status {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// UpdateInput carries a partial task update. Plain pointers mean "set when
// non-nil"; Opt fields distinguish clearing a nullable column from leaving
// it alone. A nil DependsOn keeps the current edge set.
type UpdateInput struct {
	Title       *string
	Description *string
	Status      *task.Status
	Priority    *task.Priority
	AgentKind   *task.AgentKind
	AgentID     OptStr
	ProjectID   *string

	Branch     OptStr
	RetryCount *int
	MaxRetries *int

	ScheduledAt          OptTime
	StartedAt            OptTime
	CompletedAt          OptTime
	EstimatedDurationMin *int
	ActualDurationMin    OptInt

	Session     OptStr
	WorkdirPath OptStr
	LogPath     OptStr

	DependsOn *[]string
}

func (in *UpdateInput) validate() error {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return task.Validationf("title", "must be non-empty")
	}
	if in.Status != nil && !in.Status.Persistable() {
		return task.Validationf("status", "%q is invalid", *in.Status)
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return task.Validationf("priority", "%q is invalid", *in.Priority)
	}
	if in.AgentKind != nil && !in.AgentKind.Valid() {
		return task.Validationf("agent_type", "must be codex or claude")
	}
	if in.ProjectID != nil && strings.TrimSpace(*in.ProjectID) == "" {
		return task.Validationf("project_id", "must be non-empty")
	}
	for field, value := range map[string]*int{
		"retry_count":            in.RetryCount,
		"max_retries":            in.MaxRetries,
		"estimated_duration_min": in.EstimatedDurationMin,
	} {
		if value != nil && *value < 0 {
			return task.Validationf(field, "must be non-negative")
		}
	}
	return nil
}

// UpdateTask applies a partial update. Status transitions get their
// timestamps stamped and duration derived centrally, the audit record and
// agent aggregation ride in the same transaction, and the appropriate
// event is published after commit.
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateInput) (*task.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	oldStatus := existing.Status

	in.apply(existing)

	if in.DependsOn != nil || in.ProjectID != nil {
		deps := existing.DependsOn
		if in.DependsOn != nil {
			deps = *in.DependsOn
		}
		if err := s.graph.Validate(ctx, id, existing.ProjectID, deps); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	existing.UpdatedAt = now
	lifecycle.Stamp(existing, now)
	if in.ActualDurationMin.Set {
		// An explicitly provided duration, including null, wins over the
		// derived one.
		existing.ActualDurationMin = in.ActualDurationMin.Value
	}

	var fresh *task.Task
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.UpdateTask(ctx, existing); err != nil {
			return err
		}
		if in.DependsOn != nil {
			if err := tx.ReplaceDependencies(ctx, id, *in.DependsOn); err != nil {
				return err
			}
		}
		if oldStatus != existing.Status {
			if err := lifecycle.RecordStatusChange(ctx, tx, id, oldStatus, existing.Status, now); err != nil {
				return err
			}
		}
		if err := lifecycle.AggregateAgent(ctx, tx, id, oldStatus, existing.Status,
			existing.AgentID, existing.ActualDurationMin, now); err != nil {
			return err
		}
		fresh, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishTaskChange(fresh, "api", now)
	s.publishAgentStatus(ctx, fresh.AgentID, "api", now)
	if oldStatus != fresh.Status || in.DependsOn != nil {
		s.kickScheduler()
	}
	return fresh, nil
}

func (in *UpdateInput) apply(t *task.Task) {
	if in.Title != nil {
		t.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Status != nil {
		t.Status = *in.Status
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.AgentKind != nil {
		t.AgentKind = *in.AgentKind
	}
	if in.AgentID.Set {
		t.AgentID = in.AgentID.Value
	}
	if in.ProjectID != nil {
		t.ProjectID = strings.TrimSpace(*in.ProjectID)
	}
	if in.Branch.Set {
		t.Branch = in.Branch.Value
	}
	if in.RetryCount != nil {
		t.RetryCount = *in.RetryCount
	}
	if in.MaxRetries != nil {
		t.MaxRetries = *in.MaxRetries
	}
	if in.ScheduledAt.Set {
		t.ScheduledAt = in.ScheduledAt.Value
	}
	if in.StartedAt.Set {
		t.StartedAt = in.StartedAt.Value
	}
	if in.CompletedAt.Set {
		t.CompletedAt = in.CompletedAt.Value
	}
	if in.EstimatedDurationMin != nil {
		t.EstimatedDurationMin = *in.EstimatedDurationMin
	}
	if in.ActualDurationMin.Set {
		t.ActualDurationMin = in.ActualDurationMin.Value
	}
	if in.Session.Set {
		t.Session = in.Session.Value
	}
	if in.WorkdirPath.Set {
		t.WorkdirPath = in.WorkdirPath.Value
	}
	if in.LogPath.Set {
		t.LogPath = in.LogPath.Value
	}
}

// DeleteTask removes a task with its edges, logs, and audit history, and
// releases its agent if it was running.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := lifecycle.AggregateAgent(ctx, tx, id, existing.Status, task.StatusArchived,
			existing.AgentID, existing.ActualDurationMin, now); err != nil {
			return err
		}
		return tx.DeleteTask(ctx, id)
	})
	if err != nil {
		return err
	}

	s.kickScheduler()
	return nil
}

// DependencyTree builds the depth-annotated dependency view for a task.
func (s *Service) DependencyTree(ctx context.Context, id string) (*graph.Tree, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.graph.Tree(ctx, id)
}

func (s *Service) publishTaskChange(t *task.Task, source string, now time.Time) {
	eventType := events.EventTypeTaskUpdated
	switch t.Status {
	case task.StatusCompleted:
		eventType = events.EventTypeTaskCompleted
	case task.StatusFailed:
		eventType = events.EventTypeTaskFailed
	}
	s.bus.Publish(events.TaskEvent{Type: eventType, Task: t, Source: source, Timestamp: now})
}

func (s *Service) publishAgentStatus(ctx context.Context, agentID *string, source string, now time.Time) {
	if agentID == nil {
		return
	}
	agent, err := s.store.GetAgent(ctx, *agentID)
	if err != nil {
		return
	}
	s.bus.Publish(events.AgentStatusEvent{Agent: agent, Source: source, Timestamp: now})
}
