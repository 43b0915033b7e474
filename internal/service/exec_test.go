package service

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/scheduler"
	"github.com/aristath/agentcal/internal/task"
)

// slotStealExecutor marks another queued task running while the spawn is
// in flight, reproducing a scheduler tick landing between the gate check
// and the guarded transition.
type slotStealExecutor struct {
	store    *persistence.Store
	stealID  string
	stdout   string
	terminal executor.Result
}

func (s *slotStealExecutor) Spawn(ctx context.Context, _ string, _ task.AgentKind) (*executor.Result, error) {
	ok, err := s.store.MarkRunningIfQueued(ctx, s.stealID, task.ExecMeta{}, 1, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("steal target was not queued")
	}
	return &executor.Result{Stdout: s.stdout}, nil
}

func (s *slotStealExecutor) Signal(context.Context, string, string) (*executor.Result, error) {
	return &s.terminal, nil
}

func (s *slotStealExecutor) Terminate(context.Context, string) (*executor.Result, error) {
	return &s.terminal, nil
}

func TestStartTaskDispatchesAndReassigns(t *testing.T) {
	svc, store, exec, _ := newServiceTest(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.UpsertAgent(ctx, &task.Agent{
		ID: "agent-2", Name: "Relief", Kind: task.KindCodex,
		Status: task.AgentIdle, CreatedAt: now, UpdatedAt: now,
	}))

	created, err := svc.CreateTask(ctx, CreateInput{Title: "manual work"})
	require.NoError(t, err)

	outcome, err := svc.StartTask(ctx, created.ID, OptStr{Set: true, Value: strRef("agent-2")})
	require.NoError(t, err)

	assert.Equal(t, 1, exec.spawns)
	assert.Equal(t, task.StatusRunning, outcome.Task.Status)
	require.NotNil(t, outcome.Task.Session)
	assert.Equal(t, "api-test", *outcome.Task.Session)
	require.NotNil(t, outcome.Task.StartedAt)
	require.NotNil(t, outcome.Task.AgentID)
	assert.Equal(t, "agent-2", *outcome.Task.AgentID)

	agent, err := store.GetAgent(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, task.AgentBusy, agent.Status)

	history, err := store.ListTaskEvents(ctx, created.ID)
	require.NoError(t, err)
	var spawned bool
	for _, event := range history {
		if event.EventType == "spawned" {
			spawned = true
		}
	}
	assert.True(t, spawned)
}

func TestStartTaskRefusedByGate(t *testing.T) {
	svc, store, exec, _ := newServiceTest(t)
	ctx := context.Background()

	dep, err := svc.CreateTask(ctx, CreateInput{Title: "dependency"})
	require.NoError(t, err)
	blocked, err := svc.CreateTask(ctx, CreateInput{
		Title: "blocked", DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	_, err = svc.StartTask(ctx, blocked.ID, OptStr{})
	var refused *StartRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, scheduler.ReasonUnmetDeps, refused.Decision.Reason)
	assert.Equal(t, []string{dep.ID}, refused.Decision.BlockedBy)
	assert.ErrorIs(t, err, task.ErrConflictingState)
	assert.Equal(t, 0, exec.spawns)

	// At capacity the gate refuses before the executor is touched.
	_, err = store.SetMaxConcurrentAgents(ctx, 1)
	require.NoError(t, err)
	occupied, err := store.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	occupied.Status = task.StatusRunning
	require.NoError(t, store.UpdateTask(ctx, occupied))

	other, err := svc.CreateTask(ctx, CreateInput{Title: "waiting"})
	require.NoError(t, err)
	_, err = svc.StartTask(ctx, other.ID, OptStr{})
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, scheduler.ReasonConcurrencyLimit, refused.Decision.Reason)
	assert.Equal(t, 0, exec.spawns)
}

func TestStartTaskStaysQueuedWhenSlotIsLost(t *testing.T) {
	svc, store, _, _ := newServiceTest(t)
	ctx := context.Background()

	_, err := store.SetMaxConcurrentAgents(ctx, 1)
	require.NoError(t, err)

	target, err := svc.CreateTask(ctx, CreateInput{Title: "manual pick"})
	require.NoError(t, err)
	rival, err := svc.CreateTask(ctx, CreateInput{Title: "scheduler pick"})
	require.NoError(t, err)

	svc.exec = &slotStealExecutor{
		store: store, stealID: rival.ID, stdout: "session: stolen\n",
	}

	// The gate passes, the spawn succeeds, but the last slot is taken
	// while the spawn is in flight. The guarded transition must refuse
	// rather than let a second task run past the ceiling.
	_, err = svc.StartTask(ctx, target.ID, OptStr{})
	var refused *StartRefusedError
	require.ErrorAs(t, err, &refused)

	got, err := store.GetTask(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)

	running, err := store.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
}

func TestKillTaskFinalizesEvenWhenTerminateFails(t *testing.T) {
	svc, store, exec, _ := newServiceTest(t)
	ctx := context.Background()
	exec.killErr = errors.New("no such session")

	created, err := svc.CreateTask(ctx, CreateInput{Title: "runaway"})
	require.NoError(t, err)

	started := time.Now().UTC().Add(-30 * time.Minute)
	running, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	running.Status = task.StatusRunning
	running.Session = strRef("swarm-runaway")
	running.StartedAt = &started
	require.NoError(t, store.UpdateTask(ctx, running))

	got, err := svc.KillTask(ctx, created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such session")
	assert.Equal(t, 1, exec.terminates)

	// The task finalizes regardless of the executor's answer.
	require.NotNil(t, got)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ActualDurationMin)
	assert.Equal(t, 30, *got.ActualDurationMin)

	reloaded, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, reloaded.Status)

	history, err := store.ListTaskEvents(ctx, created.ID)
	require.NoError(t, err)
	var killed bool
	for _, event := range history {
		if event.EventType == "killed" {
			killed = true
		}
	}
	assert.True(t, killed)
}

func TestKillTaskRequiresSession(t *testing.T) {
	svc, _, exec, _ := newServiceTest(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, CreateInput{Title: "sessionless"})
	require.NoError(t, err)

	_, err = svc.KillTask(ctx, created.ID)
	var verr *task.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session", verr.Field)
	assert.Equal(t, 0, exec.terminates)
}

func TestRetryTaskRequeuesAndClearsExecution(t *testing.T) {
	svc, store, _, _ := newServiceTest(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, CreateInput{Title: "flaky"})
	require.NoError(t, err)

	now := time.Now().UTC()
	started := now.Add(-20 * time.Minute)
	duration := 20
	failed, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	failed.Status = task.StatusFailed
	failed.StartedAt = &started
	failed.CompletedAt = &now
	failed.ActualDurationMin = &duration
	require.NoError(t, store.UpdateTask(ctx, failed))

	got, err := svc.RetryTask(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ActualDurationMin)

	history, err := store.ListTaskEvents(ctx, created.ID)
	require.NoError(t, err)
	var retried bool
	for _, event := range history {
		if event.EventType == "retried" {
			retried = true
		}
	}
	assert.True(t, retried)
}

func TestRetryTaskRefusedOnceRetriesExhausted(t *testing.T) {
	svc, store, _, _ := newServiceTest(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, CreateInput{Title: "spent", MaxRetries: intRef(1)})
	require.NoError(t, err)

	failed, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	failed.Status = task.StatusFailed
	failed.RetryCount = 1
	require.NoError(t, store.UpdateTask(ctx, failed))

	_, err = svc.RetryTask(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrConflictingState)

	reloaded, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
}
