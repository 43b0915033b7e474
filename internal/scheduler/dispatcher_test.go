package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

type fakeExecutor struct {
	mu      sync.Mutex
	spawned []string
	err     error
	stdout  string
}

func (f *fakeExecutor) Spawn(_ context.Context, description string, _ task.AgentKind) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.spawned = append(f.spawned, description)
	stdout := f.stdout
	if stdout == "" {
		stdout = "session: sched-test\nbranch: work/test\n"
	}
	return &executor.Result{Command: "spawn-agent.sh", Stdout: stdout}, nil
}

func (f *fakeExecutor) Signal(context.Context, string, string) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (f *fakeExecutor) Terminate(context.Context, string) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (f *fakeExecutor) spawnedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newDispatchTest(t *testing.T) (*persistence.Store, *events.Bus, *fakeExecutor, *Dispatcher) {
	t.Helper()
	store, err := persistence.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	exec := &fakeExecutor{}
	return store, bus, exec, NewDispatcher(store, bus, exec, time.Minute)
}

func seedTask(t *testing.T, store *persistence.Store, id string, priority task.Priority, mutate func(*task.Task)) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID:                   id,
		ProjectID:            persistence.DefaultProjectID,
		Title:                "task " + id,
		Description:          "work on " + id,
		Status:               task.StatusQueued,
		Priority:             priority,
		AgentKind:            task.KindCodex,
		MaxRetries:           3,
		EstimatedDurationMin: 30,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if mutate != nil {
		mutate(tk)
	}
	require.NoError(t, store.CreateTask(context.Background(), tk))
	return tk
}

func TestDispatchPrefersUrgentUnderLimit(t *testing.T) {
	ctx := context.Background()
	store, _, exec, dispatcher := newDispatchTest(t)

	_, err := store.SetMaxConcurrentAgents(ctx, 1)
	require.NoError(t, err)

	seedTask(t, store, "t-high", task.PriorityHigh, nil)
	seedTask(t, store, "t-urgent", task.PriorityUrgent, nil)

	require.NoError(t, dispatcher.RunOnce(ctx))

	assert.Equal(t, 1, exec.spawnedCount())

	urgent, err := store.GetTask(ctx, "t-urgent")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, urgent.Status)
	require.NotNil(t, urgent.Session)
	assert.Equal(t, "sched-test", *urgent.Session)
	require.NotNil(t, urgent.StartedAt)

	high, err := store.GetTask(ctx, "t-high")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, high.Status)

	status, err := Status(ctx, store, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, status.RunningCount)
	assert.Equal(t, 0, status.AvailableSlots)
	require.Len(t, status.QueuedTasks, 1)
	assert.Equal(t, "t-high", status.QueuedTasks[0].Task.ID)
	require.NotNil(t, status.QueuedTasks[0].QueuePosition)
	assert.Equal(t, 1, *status.QueuedTasks[0].QueuePosition)
}

func TestDispatchNeverExceedsCeiling(t *testing.T) {
	ctx := context.Background()
	store, _, exec, dispatcher := newDispatchTest(t)

	_, err := store.SetMaxConcurrentAgents(ctx, 2)
	require.NoError(t, err)

	for _, id := range []string{"t-1", "t-2", "t-3", "t-4"} {
		seedTask(t, store, id, task.PriorityMedium, nil)
	}

	require.NoError(t, dispatcher.RunOnce(ctx))
	assert.Equal(t, 2, exec.spawnedCount())

	running, err := store.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	// Capacity is exhausted, so another tick dispatches nothing.
	require.NoError(t, dispatcher.RunOnce(ctx))
	assert.Equal(t, 2, exec.spawnedCount())
}

func TestDispatchSkipsBlockedUntilDependencyCompletes(t *testing.T) {
	ctx := context.Background()
	store, bus, exec, dispatcher := newDispatchTest(t)

	seedTask(t, store, "t-b", task.PriorityMedium, nil)
	seedTask(t, store, "t-a", task.PriorityUrgent, func(tk *task.Task) {
		tk.DependsOn = []string{"t-b"}
	})

	require.NoError(t, dispatcher.RunOnce(ctx))

	// Only the dependency runs; the urgent task stays blocked.
	a, err := store.GetTask(ctx, "t-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, a.Status)
	assert.Equal(t, []string{"t-b"}, a.BlockedBy)
	assert.Equal(t, task.StatusBlocked, a.Observed())

	b, err := store.GetTask(ctx, "t-b")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, b.Status)

	// Complete the dependency out of band.
	b.Status = task.StatusCompleted
	require.NoError(t, store.UpdateTask(ctx, b))

	taskCh := bus.Subscribe(events.TopicTask, 16)
	require.NoError(t, dispatcher.RunOnce(ctx))

	a, err = store.GetTask(ctx, "t-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, a.Status)
	assert.Equal(t, 2, exec.spawnedCount())

	// The blocked-to-queued flip and the dispatch both announce updates.
	var updates int
	pending := len(taskCh)
	for i := 0; i < pending; i++ {
		e := <-taskCh
		if e.EventType() == events.EventTypeTaskUpdated {
			updates++
		}
	}
	assert.GreaterOrEqual(t, updates, 2)
}

func TestDispatchSpawnFailureKeepsTaskQueued(t *testing.T) {
	ctx := context.Background()
	store, _, exec, dispatcher := newDispatchTest(t)
	exec.err = errors.New("tmux unavailable")

	seedTask(t, store, "t-1", task.PriorityMedium, nil)

	require.NoError(t, dispatcher.RunOnce(ctx))

	tk, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)

	history, err := store.ListTaskEvents(ctx, "t-1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	var sawFailure bool
	for _, event := range history {
		if event.EventType == "scheduler_spawn_failed" {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)

	logs, err := store.ListTaskLogs(ctx, "t-1")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "error", logs[0].Level)
	assert.Contains(t, logs[0].Message, "tmux unavailable")

	// Once the executor recovers the task dispatches normally.
	exec.err = nil
	require.NoError(t, dispatcher.RunOnce(ctx))
	tk, err = store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, tk.Status)
}

func TestDispatchHonorsFutureSchedule(t *testing.T) {
	ctx := context.Background()
	store, _, exec, dispatcher := newDispatchTest(t)

	future := time.Now().UTC().Add(time.Hour)
	seedTask(t, store, "t-later", task.PriorityUrgent, func(tk *task.Task) {
		tk.ScheduledAt = &future
	})
	seedTask(t, store, "t-now", task.PriorityLow, nil)

	require.NoError(t, dispatcher.RunOnce(ctx))

	assert.Equal(t, 1, exec.spawnedCount())
	later, err := store.GetTask(ctx, "t-later")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, later.Status)
	now, err := store.GetTask(ctx, "t-now")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, now.Status)
}

// gatedExecutor parks the first spawn until release is closed so a test
// can interleave other writers with an in-flight tick. Later spawns pass
// straight through.
type gatedExecutor struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExecutor) Spawn(context.Context, string, task.AgentKind) (*executor.Result, error) {
	g.entered <- struct{}{}
	<-g.release
	return &executor.Result{Stdout: "session: gated\n"}, nil
}

func (g *gatedExecutor) Signal(context.Context, string, string) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (g *gatedExecutor) Terminate(context.Context, string) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func TestDispatchYieldsSlotTakenDuringSpawn(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := &gatedExecutor{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	dispatcher := NewDispatcher(store, events.NewBus(), exec, time.Minute)

	_, err = store.SetMaxConcurrentAgents(ctx, 1)
	require.NoError(t, err)

	seedTask(t, store, "t-tick", task.PriorityUrgent, nil)
	seedTask(t, store, "t-manual", task.PriorityLow, nil)

	done := make(chan error, 1)
	go func() { done <- dispatcher.RunOnce(ctx) }()
	<-exec.entered

	// A manual start lands while the tick is parked inside the spawn.
	// It takes the only slot.
	ok, err := store.MarkRunningIfQueued(ctx, "t-manual", task.ExecMeta{}, 1, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	close(exec.release)
	require.NoError(t, <-done)

	// The tick's transition found the slot gone and backed off, so the
	// ceiling holds across the interleaving.
	running, err := store.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	tick, err := store.GetTask(ctx, "t-tick")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tick.Status)
	manual, err := store.GetTask(ctx, "t-manual")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, manual.Status)
}

func TestTickAnnouncesBlockedToQueuedFlip(t *testing.T) {
	ctx := context.Background()
	store, bus, _, dispatcher := newDispatchTest(t)

	// Capacity is fully occupied so ticks only observe the queue and
	// nothing dispatches.
	_, err := store.SetMaxConcurrentAgents(ctx, 1)
	require.NoError(t, err)
	seedTask(t, store, "t-busy", task.PriorityMedium, func(tk *task.Task) {
		tk.Status = task.StatusRunning
	})

	seedTask(t, store, "t-dep", task.PriorityMedium, nil)
	seedTask(t, store, "t-waiting", task.PriorityMedium, func(tk *task.Task) {
		tk.DependsOn = []string{"t-dep"}
	})

	// First tick records the derived states; no flip has happened yet.
	taskCh := bus.Subscribe(events.TopicTask, 16)
	require.NoError(t, dispatcher.RunOnce(ctx))
	assert.Empty(t, taskCh)

	// The dependency completes out of band, with no status write on the
	// waiting task itself.
	dep, err := store.GetTask(ctx, "t-dep")
	require.NoError(t, err)
	dep.Status = task.StatusCompleted
	require.NoError(t, store.UpdateTask(ctx, dep))

	require.NoError(t, dispatcher.RunOnce(ctx))

	// The flip from blocked to queued is announced as a task update.
	require.Len(t, taskCh, 1)
	event := <-taskCh
	assert.Equal(t, events.EventTypeTaskUpdated, event.EventType())
	update, ok := event.(events.TaskEvent)
	require.True(t, ok)
	assert.Equal(t, "t-waiting", update.Task.ID)
	assert.Equal(t, task.StatusQueued, update.Task.Observed())
}

func TestDispatchMarksAssignedAgentBusy(t *testing.T) {
	ctx := context.Background()
	store, _, _, dispatcher := newDispatchTest(t)

	now := time.Now().UTC()
	require.NoError(t, store.UpsertAgent(ctx, &task.Agent{
		ID: "agent-1", Name: "Worker", Kind: task.KindCodex,
		Status: task.AgentIdle, CreatedAt: now, UpdatedAt: now,
	}))
	agentID := "agent-1"
	seedTask(t, store, "t-1", task.PriorityMedium, func(tk *task.Task) {
		tk.AgentID = &agentID
	})

	require.NoError(t, dispatcher.RunOnce(ctx))

	agent, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, task.AgentBusy, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "t-1", *agent.CurrentTaskID)
}
