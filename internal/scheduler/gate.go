package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// Start-refusal reasons, in the order they are checked.
const (
	ReasonNotFound         = "task not found"
	ReasonUnmetDeps        = "dependencies not completed"
	ReasonNotYetScheduled  = "scheduled_at is in the future"
	ReasonConcurrencyLimit = "concurrency limit reached"
)

// StartDecision is the verdict on whether a task may start right now.
type StartDecision struct {
	OK        bool     `json:"ok"`
	BlockedBy []string `json:"blocked_by"`
	Reason    string   `json:"reason,omitempty"`
}

// CanStart evaluates the start gate for one task. Checks run in a fixed
// order so callers always see the most fundamental refusal first: missing
// task, unmet dependencies, wrong status, future schedule, then capacity.
func CanStart(ctx context.Context, store *persistence.Store, taskID string, now time.Time) (*StartDecision, error) {
	t, err := store.GetTask(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return &StartDecision{OK: false, BlockedBy: []string{}, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if len(t.BlockedBy) > 0 {
		return &StartDecision{OK: false, BlockedBy: t.BlockedBy, Reason: ReasonUnmetDeps}, nil
	}
	if t.Status != task.StatusQueued {
		return &StartDecision{
			OK:        false,
			BlockedBy: []string{},
			Reason:    fmt.Sprintf("task status is %s", t.Status),
		}, nil
	}
	if !t.ScheduleReady(now) {
		return &StartDecision{OK: false, BlockedBy: []string{}, Reason: ReasonNotYetScheduled}, nil
	}

	limit, err := store.MaxConcurrentAgentsValue(ctx)
	if err != nil {
		return nil, err
	}
	running, err := store.CountRunning(ctx)
	if err != nil {
		return nil, err
	}
	if limit-running <= 0 {
		return &StartDecision{OK: false, BlockedBy: []string{}, Reason: ReasonConcurrencyLimit}, nil
	}

	return &StartDecision{OK: true, BlockedBy: []string{}}, nil
}
