package scheduler

import (
	"context"
	"time"

	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// QueueEntry pairs a waiting task with its 1-indexed dispatch position.
// Blocked tasks have no position.
type QueueEntry struct {
	Task          *task.Task `json:"task"`
	QueuePosition *int       `json:"queue_position"`
}

// QueueStatus is a point-in-time view of the dispatch queue.
type QueueStatus struct {
	GeneratedAt         time.Time    `json:"generated_at"`
	MaxConcurrentAgents int          `json:"max_concurrent_agents"`
	RunningCount        int          `json:"running_count"`
	AvailableSlots      int          `json:"available_slots"`
	RunningTasks        []*task.Task `json:"running_tasks"`
	QueuedTasks         []QueueEntry `json:"queued_tasks"`
	BlockedTasks        []QueueEntry `json:"blocked_tasks"`
}

// Status builds the current queue view: running tasks oldest-start first,
// then queued tasks in dispatch order with their positions, and blocked
// tasks separately.
func Status(ctx context.Context, store *persistence.Store, now time.Time) (*QueueStatus, error) {
	limit, err := store.MaxConcurrentAgentsValue(ctx)
	if err != nil {
		return nil, err
	}
	running, err := store.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := store.ListQueued(ctx)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{
		GeneratedAt:         now,
		MaxConcurrentAgents: limit,
		RunningCount:        len(running),
		RunningTasks:        running,
		QueuedTasks:         []QueueEntry{},
		BlockedTasks:        []QueueEntry{},
	}
	if slots := limit - len(running); slots > 0 {
		status.AvailableSlots = slots
	}

	position := 1
	for _, t := range queued {
		if t.Blocked() {
			status.BlockedTasks = append(status.BlockedTasks, QueueEntry{Task: t})
			continue
		}
		p := position
		status.QueuedTasks = append(status.QueuedTasks, QueueEntry{Task: t, QueuePosition: &p})
		position++
	}
	return status, nil
}
