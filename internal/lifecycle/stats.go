package lifecycle

import (
	"context"
	"time"

	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// AggregateAgent updates the assigned agent's counters and busy/idle flag
// for a task status transition. It must run inside the same transaction as
// the status write. No-op when the task has no agent.
//
// Rules:
//   - entering running: agent busy, current task set;
//   - entering a terminal status from a non-terminal one: counters and
//     incremental mean update, then idle (the old-status guard prevents
//     double-counting redundant terminal writes);
//   - leaving running for any other non-terminal status: idle.
func AggregateAgent(ctx context.Context, tx *persistence.Store, taskID string, old, next task.Status, agentID *string, durationMin *int, now time.Time) error {
	if agentID == nil || *agentID == "" {
		return nil
	}

	if next == task.StatusRunning {
		return tx.SetAgentBusy(ctx, *agentID, taskID, now)
	}

	if next.Terminal() && !old.Terminal() {
		return tx.ApplyAgentTerminal(ctx, *agentID, next == task.StatusCompleted, durationMin, now)
	}

	if old == task.StatusRunning {
		return tx.SetAgentIdle(ctx, *agentID, now)
	}

	return nil
}
