package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	applog "github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/task"
)

// BreakerExecutor wraps an Executor with one circuit breaker per agent
// kind. A consistently failing spawn path trips the breaker, and dispatch
// then fails fast while the affected tasks stay queued. The breaker never
// retries: failures are still reported exactly once to the caller.
type BreakerExecutor struct {
	inner Executor
	log   *logrus.Logger

	mu       sync.Mutex
	breakers map[task.AgentKind]*gobreaker.CircuitBreaker
}

// NewBreakerExecutor wraps inner with per-kind circuit breakers.
func NewBreakerExecutor(inner Executor) *BreakerExecutor {
	return &BreakerExecutor{
		inner:    inner,
		log:      applog.GetLogger(),
		breakers: make(map[task.AgentKind]*gobreaker.CircuitBreaker),
	}
}

func (b *BreakerExecutor) breaker(kind task.AgentKind) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[kind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.log.WithField("agent_kind", name).Warnf("spawn circuit breaker: %s -> %s", from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not an executor failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	b.breakers[kind] = cb
	return cb
}

// Spawn implements Executor through the kind's circuit breaker.
func (b *BreakerExecutor) Spawn(ctx context.Context, description string, kind task.AgentKind) (*Result, error) {
	out, err := b.breaker(kind).Execute(func() (interface{}, error) {
		return b.inner.Spawn(ctx, description, kind)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &task.ExecutorError{Op: "spawn", Err: err}
		}
		return nil, err
	}
	return out.(*Result), nil
}

// Signal bypasses the breaker: user-initiated redirects must propagate
// their own failures.
func (b *BreakerExecutor) Signal(ctx context.Context, session, message string) (*Result, error) {
	return b.inner.Signal(ctx, session, message)
}

// Terminate bypasses the breaker: a kill must always be attempted.
func (b *BreakerExecutor) Terminate(ctx context.Context, session string) (*Result, error) {
	return b.inner.Terminate(ctx, session)
}
