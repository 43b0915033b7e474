package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/prompt"
	"github.com/aristath/agentcal/internal/task"
)

type stubExecutor struct {
	mu         sync.Mutex
	spawnErr   error
	signalErr  error
	killErr    error
	spawns     int
	terminates int
	signals    []string
}

func (f *stubExecutor) Spawn(_ context.Context, _ string, _ task.AgentKind) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawns++
	return &executor.Result{Stdout: "session: api-test\nbranch: work/api\n"}, nil
}

func (f *stubExecutor) Signal(_ context.Context, session, message string) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return nil, f.signalErr
	}
	f.signals = append(f.signals, session+": "+message)
	return &executor.Result{}, nil
}

func (f *stubExecutor) Terminate(context.Context, string) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return &executor.Result{}, f.killErr
}

type stubTrigger struct{ count int }

func (s *stubTrigger) Trigger() { s.count++ }

func newServiceTest(t *testing.T) (*Service, *persistence.Store, *stubExecutor, *events.Bus) {
	t.Helper()
	store, err := persistence.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	exec := &stubExecutor{}
	svc := New(store, bus, exec, prompt.Heuristic{})
	return svc, store, exec, bus
}

func timeRef(t time.Time) *time.Time { return &t }

func strRef(s string) *string { return &s }

func statusRef(s task.Status) *task.Status { return &s }
