// Package executor is the contract with the external process that actually
// launches, messages, and terminates agents. The engine reports executor
// failures but never retries them on its own.
package executor

import (
	"context"

	"github.com/aristath/agentcal/internal/task"
)

// Result carries the captured output of one executor invocation.
type Result struct {
	Command string `json:"command"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// Executor launches and controls agent processes.
type Executor interface {
	// Spawn starts an agent of the given kind working on description.
	// The returned stdout is parsed for execution metadata (session,
	// branch, workdir, log path).
	Spawn(ctx context.Context, description string, kind task.AgentKind) (*Result, error)

	// Signal delivers a message to a running agent session.
	Signal(ctx context.Context, session, message string) (*Result, error)

	// Terminate kills a running agent session.
	Terminate(ctx context.Context, session string) (*Result, error)
}
