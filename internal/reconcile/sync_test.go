package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

func newSyncTest(t *testing.T) (*persistence.Store, *events.Bus, string) {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := filepath.Join(t.TempDir(), "active-tasks.json")
	return store, events.NewBus(), ledger
}

func writeLedger(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSyncCreatesTasksFromLedger(t *testing.T) {
	ctx := context.Background()
	store, bus, ledger := newSyncTest(t)
	taskCh := bus.Subscribe(events.TopicTask, 16)
	agentCh := bus.Subscribe(events.TopicAgent, 16)

	writeLedger(t, ledger, `{
		"tasks": [
			{"id": "t-1", "title": "Build importer", "status": "active", "agent_id": "agent-1", "agent_name": "Worker One"},
			{"tmux_session": "swarm-3", "task": "Review the queue", "state": "pending", "depends_on": ["t-1"]}
		]
	}`)

	syncer := NewSyncer(store, bus, ledger, 0)
	result := syncer.SyncOnce(ctx)

	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Updated)
	require.NotNil(t, result.Source)
	assert.Equal(t, ledger, *result.Source)

	created, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, created.Status)
	require.NotNil(t, created.AgentID)
	assert.Equal(t, "agent-1", *created.AgentID)

	synthesized, err := store.GetTask(ctx, "session:swarm-3")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, synthesized.Status)
	assert.Equal(t, []string{"t-1"}, synthesized.DependsOn)
	assert.Equal(t, []string{"t-1"}, synthesized.BlockedBy)

	agent, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, task.AgentBusy, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "t-1", *agent.CurrentTaskID)

	taskEvents := drainEvents(taskCh)
	require.Len(t, taskEvents, 2)
	for _, e := range taskEvents {
		assert.Equal(t, events.EventTypeTaskCreated, e.EventType())
	}
	assert.Len(t, drainEvents(agentCh), 1)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, bus, ledger := newSyncTest(t)

	writeLedger(t, ledger, `[
		{"id": "t-1", "title": "Build importer", "status": "running", "agent_id": "agent-1"},
		{"id": "t-2", "title": "Write docs", "status": "queued", "depends_on": ["t-1"]}
	]`)

	syncer := NewSyncer(store, bus, ledger, 0)
	first := syncer.SyncOnce(ctx)
	require.Empty(t, first.Errors)
	require.Equal(t, 2, first.Created)

	auditRows, err := store.CountTaskEvents(ctx)
	require.NoError(t, err)

	taskCh := bus.Subscribe(events.TopicTask, 16)
	agentCh := bus.Subscribe(events.TopicAgent, 16)

	second := syncer.SyncOnce(ctx)
	assert.Empty(t, second.Errors)
	assert.Equal(t, 2, second.Scanned)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 0, second.Skipped)

	auditRowsAfter, err := store.CountTaskEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, auditRows, auditRowsAfter, "unchanged ledger must not append audit rows")
	assert.Empty(t, drainEvents(taskCh), "unchanged ledger must not publish task events")
	assert.Empty(t, drainEvents(agentCh), "unchanged ledger must not publish agent events")
}

func TestSyncAppliesStatusChange(t *testing.T) {
	ctx := context.Background()
	store, bus, ledger := newSyncTest(t)

	writeLedger(t, ledger, `[{"id": "t-1", "title": "Build importer", "status": "running", "agent_id": "agent-1"}]`)
	syncer := NewSyncer(store, bus, ledger, 0)
	require.Empty(t, syncer.SyncOnce(ctx).Errors)

	taskCh := bus.Subscribe(events.TopicTask, 16)
	agentCh := bus.Subscribe(events.TopicAgent, 16)

	writeLedger(t, ledger, `[{"id": "t-1", "title": "Build importer", "status": "done", "agent_id": "agent-1"}]`)
	result := syncer.SyncOnce(ctx)

	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Updated)

	updated, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, updated.Status)

	agent, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, task.AgentIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	history, err := store.ListTaskEvents(ctx, "t-1")
	require.NoError(t, err)
	var statusChanges int
	for _, event := range history {
		if event.EventType == "status_changed" {
			statusChanges++
		}
	}
	assert.Equal(t, 1, statusChanges)

	taskEvents := drainEvents(taskCh)
	require.Len(t, taskEvents, 1)
	assert.Equal(t, events.EventTypeTaskCompleted, taskEvents[0].EventType())
	assert.Len(t, drainEvents(agentCh), 1, "busy to idle flip publishes one agent event")
}

func TestSyncSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store, bus, ledger := newSyncTest(t)

	writeLedger(t, ledger, `[
		{"title": "no identity"},
		{"id": "t-1", "title": "fine"}
	]`)

	result := NewSyncer(store, bus, ledger, 0).SyncOnce(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Created)
}

func TestSyncReportsMissingLedger(t *testing.T) {
	ctx := context.Background()
	store, bus, _ := newSyncTest(t)

	missing := filepath.Join(t.TempDir(), "nope", "active-tasks.json")
	result := NewSyncer(store, bus, missing, 0).SyncOnce(ctx)

	assert.Nil(t, result.Source)
	assert.Equal(t, 0, result.Scanned)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not found")
}

func TestSyncReplacesDependencyEdges(t *testing.T) {
	ctx := context.Background()
	store, bus, ledger := newSyncTest(t)
	syncer := NewSyncer(store, bus, ledger, 0)

	writeLedger(t, ledger, `[
		{"id": "t-1", "title": "base"},
		{"id": "t-2", "title": "dependent", "depends_on": ["t-1"]}
	]`)
	require.Empty(t, syncer.SyncOnce(ctx).Errors)

	writeLedger(t, ledger, `[
		{"id": "t-1", "title": "base"},
		{"id": "t-3", "title": "new base"},
		{"id": "t-2", "title": "dependent", "depends_on": ["t-3"]}
	]`)
	result := syncer.SyncOnce(ctx)
	assert.Empty(t, result.Errors)

	dependent, err := store.GetTask(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-3"}, dependent.DependsOn)
}
