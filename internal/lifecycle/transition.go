// Package lifecycle centralizes the side effects of task status
// transitions (timestamp stamping, duration derivation, audit records)
// and the agent stat aggregation that must ride in the same transaction.
package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// Audit event types.
const (
	EventCreated            = "created"
	EventStatusChanged      = "status_changed"
	EventSpawned            = "spawned"
	EventSpawnedByScheduler = "spawned_by_scheduler"
	EventSchedulerSpawnFail = "scheduler_spawn_failed"
	EventKilled             = "killed"
	EventRetried            = "retried"
	EventRedirected         = "redirected"
	EventSyncedCreated      = "synced_created"
)

// DeriveDurationMin computes round((completed-started)/60s) in whole
// minutes. Returns nil when either endpoint is missing or the interval is
// negative.
func DeriveDurationMin(startedAt, completedAt *time.Time) *int {
	if startedAt == nil || completedAt == nil {
		return nil
	}
	delta := completedAt.Sub(*startedAt)
	if delta < 0 {
		return nil
	}
	minutes := int(math.Round(delta.Minutes()))
	return &minutes
}

// Stamp applies the transition side effects to t in place, regardless of
// which path triggered the transition:
//   - entering running without a started_at stamps it now;
//   - entering a terminal status without a completed_at stamps it now, and
//     derives actual_duration_min when still unset (left nil when the
//     start time is missing or the interval is negative).
func Stamp(t *task.Task, now time.Time) {
	if t.Status == task.StatusRunning && t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}

	if t.Status.Terminal() {
		if t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
		if t.ActualDurationMin == nil {
			t.ActualDurationMin = DeriveDurationMin(t.StartedAt, t.CompletedAt)
		}
	}
}

// RecordStatusChange appends the immutable audit record for a status
// change. Call inside the owning transaction.
func RecordStatusChange(ctx context.Context, tx *persistence.Store, taskID string, old, next task.Status, now time.Time) error {
	oldValue := string(old)
	newValue := string(next)
	return tx.AppendTaskEvent(ctx, taskID, EventStatusChanged, &oldValue, &newValue, now)
}
