// Package prompt turns free-form natural language into structured task
// drafts. The heuristic interpreter covers the common phrasings (priority
// words, agent names, relative dates, dependency references) without any
// external service.
package prompt

import (
	"context"
	"time"

	"github.com/aristath/agentcal/internal/task"
)

// Meta records which interpreter produced a draft.
type Meta struct {
	Provider string  `json:"provider"`
	Model    *string `json:"model"`
	Fallback bool    `json:"fallback"`
	Reason   string  `json:"reason,omitempty"`
}

// Result is a parsed draft plus provenance.
type Result struct {
	Draft  task.Draft `json:"parsed"`
	Parser Meta       `json:"parser"`
}

// Interpreter parses a prompt into a task draft relative to now.
type Interpreter interface {
	Interpret(ctx context.Context, prompt string, now time.Time) (*Result, error)
}
