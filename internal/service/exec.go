package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/lifecycle"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/scheduler"
	"github.com/aristath/agentcal/internal/task"
)

// StartRefusedError reports why a manual start was rejected by the gate.
type StartRefusedError struct {
	Decision *scheduler.StartDecision
}

func (e *StartRefusedError) Error() string {
	return fmt.Sprintf("task cannot start: %s", e.Decision.Reason)
}

func (e *StartRefusedError) Unwrap() error { return task.ErrConflictingState }

// StartOutcome is a successful manual dispatch.
type StartOutcome struct {
	Task      *task.Task       `json:"task"`
	Execution *executor.Result `json:"execution"`
}

// StartTask dispatches one task on demand. The same gate the scheduler
// uses decides eligibility; the spawn happens outside any transaction and
// the transition re-checks both the queued status and the concurrency
// ceiling at write time, so a concurrent dispatcher tick can neither
// double-dispatch the task nor push the running count past the limit.
func (s *Service) StartTask(ctx context.Context, id string, agentID OptStr) (*StartOutcome, error) {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := scheduler.CanStart(ctx, s.store, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !decision.OK {
		return nil, &StartRefusedError{Decision: decision}
	}

	description := existing.Description
	if description == "" {
		description = existing.Title
	}
	result, err := s.exec.Spawn(ctx, description, existing.AgentKind)
	if err != nil {
		return nil, err
	}
	meta := executor.ParseSpawnOutput(result.Stdout)

	assignee := existing.AgentID
	if agentID.Set {
		assignee = agentID.Value
	}

	limit, err := s.store.MaxConcurrentAgentsValue(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var fresh *task.Task
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		transitioned, err := tx.MarkRunningIfQueued(ctx, id, meta, limit, now)
		if err != nil {
			return err
		}
		if !transitioned {
			return &StartRefusedError{Decision: &scheduler.StartDecision{
				OK: false, BlockedBy: []string{}, Reason: "dispatch slot lost to a concurrent start",
			}}
		}

		if agentID.Set {
			current, err := tx.GetTask(ctx, id)
			if err != nil {
				return err
			}
			current.AgentID = assignee
			if err := tx.UpdateTask(ctx, current); err != nil {
				return err
			}
		}

		old, next := string(task.StatusQueued), string(task.StatusRunning)
		if err := tx.AppendTaskEvent(ctx, id, lifecycle.EventSpawned, &old, &next, now); err != nil {
			return err
		}
		if err := lifecycle.AggregateAgent(ctx, tx, id, task.StatusQueued, task.StatusRunning, assignee, nil, now); err != nil {
			return err
		}
		fresh, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TaskEvent{
		Type: events.EventTypeTaskUpdated, Task: fresh, Source: "api", Timestamp: now,
	})
	s.publishAgentStatus(ctx, fresh.AgentID, "api", now)
	return &StartOutcome{Task: fresh, Execution: result}, nil
}

// RedirectTask delivers a steering message to a task's running agent
// session. Executor failures propagate to the caller.
func (s *Service) RedirectTask(ctx context.Context, id, message string, session *string) (*executor.Result, error) {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, task.Validationf("message", "is required")
	}

	target := existing.Session
	if session != nil && strings.TrimSpace(*session) != "" {
		trimmed := strings.TrimSpace(*session)
		target = &trimmed
	}
	if target == nil {
		return nil, task.Validationf("session", "is required for redirect")
	}

	result, err := s.exec.Signal(ctx, *target, message)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.AppendTaskLog(ctx, id, "info", "redirect: "+message, now); err != nil {
			return err
		}
		return tx.AppendTaskEvent(ctx, id, lifecycle.EventRedirected, nil, &message, now)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.LogAppendEvent{TaskID: id, Line: message, Timestamp: now})
	return result, nil
}

// KillTask terminates a task's agent session and finalizes the task to
// failed. The transition happens even when the executor refuses the
// terminate, in which case the executor error is still returned; the
// session is gone as far as the store is concerned either way.
func (s *Service) KillTask(ctx context.Context, id string) (*task.Task, error) {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Session == nil {
		return nil, task.Validationf("session", "is missing for this task")
	}

	_, execErr := s.exec.Terminate(ctx, *existing.Session)

	now := time.Now().UTC()
	oldStatus := existing.Status
	duration := lifecycle.DeriveDurationMin(existing.StartedAt, &now)

	existing.Status = task.StatusFailed
	existing.CompletedAt = &now
	if existing.ActualDurationMin == nil {
		existing.ActualDurationMin = duration
	}
	existing.UpdatedAt = now

	var fresh *task.Task
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.UpdateTask(ctx, existing); err != nil {
			return err
		}
		old, next := string(oldStatus), string(task.StatusFailed)
		if err := tx.AppendTaskEvent(ctx, id, lifecycle.EventKilled, &old, &next, now); err != nil {
			return err
		}
		if err := lifecycle.AggregateAgent(ctx, tx, id, oldStatus, task.StatusFailed,
			existing.AgentID, existing.ActualDurationMin, now); err != nil {
			return err
		}
		var err error
		fresh, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TaskEvent{
		Type: events.EventTypeTaskFailed, Task: fresh, Source: "api", Timestamp: now,
	})
	s.publishAgentStatus(ctx, fresh.AgentID, "api", now)
	s.kickScheduler()

	if execErr != nil {
		return fresh, execErr
	}
	return fresh, nil
}

// RetryTask requeues a finished task for another attempt. Refused with
// ConflictingState once retry_count has reached max_retries. The execution
// timestamps and derived duration are cleared so the next run is measured
// from scratch.
func (s *Service) RetryTask(ctx context.Context, id string) (*task.Task, error) {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.RetryCount >= existing.MaxRetries {
		return nil, fmt.Errorf("max retries reached (%d/%d): %w",
			existing.RetryCount, existing.MaxRetries, task.ErrConflictingState)
	}

	now := time.Now().UTC()
	oldStatus := existing.Status

	existing.Status = task.StatusQueued
	existing.RetryCount++
	existing.StartedAt = nil
	existing.CompletedAt = nil
	existing.ActualDurationMin = nil
	existing.UpdatedAt = now

	var fresh *task.Task
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.UpdateTask(ctx, existing); err != nil {
			return err
		}
		old, next := string(oldStatus), string(task.StatusQueued)
		if err := tx.AppendTaskEvent(ctx, id, lifecycle.EventRetried, &old, &next, now); err != nil {
			return err
		}
		if err := lifecycle.AggregateAgent(ctx, tx, id, oldStatus, task.StatusQueued,
			existing.AgentID, nil, now); err != nil {
			return err
		}
		var err error
		fresh, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TaskEvent{
		Type: events.EventTypeTaskUpdated, Task: fresh, Source: "api", Timestamp: now,
	})
	s.kickScheduler()
	return fresh, nil
}

// QueueSnapshot returns the current dispatch queue view.
func (s *Service) QueueSnapshot(ctx context.Context) (*scheduler.QueueStatus, error) {
	return scheduler.Status(ctx, s.store, time.Now().UTC())
}

// CanStart evaluates the start gate without dispatching.
func (s *Service) CanStart(ctx context.Context, id string) (*scheduler.StartDecision, error) {
	return scheduler.CanStart(ctx, s.store, id, time.Now().UTC())
}

// ListAgents returns the agents of a project with their stat counters.
func (s *Service) ListAgents(ctx context.Context, projectID string) ([]*task.Agent, error) {
	if projectID == "" {
		projectID = persistence.DefaultProjectID
	}
	return s.store.ListAgents(ctx, projectID)
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*task.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// MaxConcurrentAgents returns the effective concurrency ceiling.
func (s *Service) MaxConcurrentAgents(ctx context.Context) (int, error) {
	return s.store.MaxConcurrentAgentsValue(ctx)
}

// SetMaxConcurrentAgents clamps and persists the ceiling, then nudges the
// scheduler so a raised limit takes effect immediately.
func (s *Service) SetMaxConcurrentAgents(ctx context.Context, value int) (int, error) {
	applied, err := s.store.SetMaxConcurrentAgents(ctx, value)
	if err != nil {
		return 0, err
	}
	s.kickScheduler()
	return applied, nil
}
