// Package scheduler decides which queued task may start next. The
// dispatcher ticks on a timer, respects the global concurrency ceiling,
// orders eligible tasks by priority, and hands them to the executor one at
// a time. The executor call never happens inside a store transaction.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/lifecycle"
	applog "github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// DefaultInterval is how often the dispatcher scans the queue.
const DefaultInterval = 30 * time.Second

// Dispatcher is the priority dispatch loop.
type Dispatcher struct {
	store *persistence.Store
	bus   *events.Bus
	exec  executor.Executor
	log   *logrus.Logger

	interval time.Duration
	trigger  chan struct{}
	inFlight atomic.Bool

	// snapshot remembers each queued task's derived queued/blocked state
	// between ticks so flips can be announced.
	snapshot map[string]task.Status
}

// NewDispatcher builds a dispatcher ticking at the given interval.
func NewDispatcher(store *persistence.Store, bus *events.Bus, exec executor.Executor, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		store:    store,
		bus:      bus,
		exec:     exec,
		log:      applog.GetLogger(),
		interval: interval,
		trigger:  make(chan struct{}, 1),
		snapshot: make(map[string]task.Status),
	}
}

// Trigger requests an immediate tick. Non-blocking; concurrent requests
// collapse into one.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. A tick that arrives while the previous
// one is still dispatching is skipped rather than stacked.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		case <-d.trigger:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)

	if err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		d.log.WithError(err).Error("dispatch tick failed")
	}
}

// RunOnce performs a single dispatch pass.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	limit, err := d.store.MaxConcurrentAgentsValue(ctx)
	if err != nil {
		return err
	}
	running, err := d.store.CountRunning(ctx)
	if err != nil {
		return err
	}
	queued, err := d.store.ListQueued(ctx)
	if err != nil {
		return err
	}

	d.announceFlips(queued, now)

	available := limit - running
	if available <= 0 {
		return nil
	}

	// ListQueued already orders by priority rank then effective schedule
	// time; only blocked and not-yet-due tasks are filtered out here.
	for _, t := range queued {
		if available <= 0 {
			break
		}
		if t.Blocked() || !t.ScheduleReady(now) {
			continue
		}
		if d.dispatch(ctx, t, limit, now) {
			available--
		}
	}
	return nil
}

// announceFlips diffs the queued/blocked view against the previous tick
// and publishes an update for every task whose derived state changed.
func (d *Dispatcher) announceFlips(queued []*task.Task, now time.Time) {
	next := make(map[string]task.Status, len(queued))
	for _, t := range queued {
		status := t.Observed()
		next[t.ID] = status
		if previous, seen := d.snapshot[t.ID]; seen && previous != status {
			d.bus.Publish(events.TaskEvent{
				Type: events.EventTypeTaskUpdated, Task: t, Source: "scheduler", Timestamp: now,
			})
		}
	}
	d.snapshot = next
}

// dispatch starts one task. The spawn happens before any transaction is
// opened; the queued-to-running transition is guarded against both a
// concurrent writer moving the task off queued and a manual start filling
// the last slot while the spawn was in flight. Returns true only when a
// slot was actually consumed.
func (d *Dispatcher) dispatch(ctx context.Context, t *task.Task, limit int, now time.Time) bool {
	description := t.Description
	if description == "" {
		description = t.Title
	}

	result, err := d.exec.Spawn(ctx, description, t.AgentKind)
	if err != nil {
		d.recordSpawnFailure(ctx, t.ID, err, now)
		return false
	}
	meta := executor.ParseSpawnOutput(result.Stdout)

	var fresh *task.Task
	err = d.store.WithTx(ctx, func(tx *persistence.Store) error {
		transitioned, err := tx.MarkRunningIfQueued(ctx, t.ID, meta, limit, now)
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}

		old, next := string(task.StatusQueued), string(task.StatusRunning)
		if err := tx.AppendTaskEvent(ctx, t.ID, lifecycle.EventSpawnedByScheduler, &old, &next, now); err != nil {
			return err
		}
		if err := lifecycle.AggregateAgent(ctx, tx, t.ID, task.StatusQueued, task.StatusRunning, t.AgentID, nil, now); err != nil {
			return err
		}

		fresh, err = tx.GetTask(ctx, t.ID)
		return err
	})
	if err != nil {
		d.log.WithError(err).WithField("task_id", t.ID).Error("dispatch transition failed")
		return false
	}
	if fresh == nil {
		// Lost the race: the task left queued under us, or a manual
		// start took the last slot. No slot was consumed either way.
		return false
	}

	d.bus.Publish(events.TaskEvent{
		Type: events.EventTypeTaskUpdated, Task: fresh, Source: "scheduler", Timestamp: now,
	})
	d.publishAgentStatus(ctx, fresh.AgentID, now)
	return true
}

// recordSpawnFailure leaves the task queued for the next tick and writes
// the failure to the task's log and audit history.
func (d *Dispatcher) recordSpawnFailure(ctx context.Context, taskID string, spawnErr error, now time.Time) {
	d.log.WithError(spawnErr).WithField("task_id", taskID).Warn("scheduler spawn failed")

	err := d.store.WithTx(ctx, func(tx *persistence.Store) error {
		message := fmt.Sprintf("scheduler spawn failed: %v", spawnErr)
		if err := tx.AppendTaskLog(ctx, taskID, "error", message, now); err != nil {
			return err
		}
		old := string(task.StatusQueued)
		reason := spawnErr.Error()
		return tx.AppendTaskEvent(ctx, taskID, lifecycle.EventSchedulerSpawnFail, &old, &reason, now)
	})
	if err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Error("recording spawn failure failed")
	}
}

func (d *Dispatcher) publishAgentStatus(ctx context.Context, agentID *string, now time.Time) {
	if agentID == nil {
		return
	}
	agent, err := d.store.GetAgent(ctx, *agentID)
	if err != nil {
		return
	}
	d.bus.Publish(events.AgentStatusEvent{Agent: agent, Source: "scheduler", Timestamp: now})
}
