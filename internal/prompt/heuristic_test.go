package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcal/internal/task"
)

func interpret(t *testing.T, promptText string, now time.Time) task.Draft {
	t.Helper()
	res, err := Heuristic{}.Interpret(context.Background(), promptText, now)
	require.NoError(t, err)
	return res.Draft
}

func TestInterpretPriority(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		prompt string
		want   task.Priority
	}{
		{"fix the login bug asap", task.PriorityUrgent},
		{"p0 outage in the billing worker", task.PriorityUrgent},
		{"write release notes, high priority", task.PriorityHigh},
		{"this one is important", task.PriorityHigh},
		{"clean up stale branches with low priority", task.PriorityLow},
		{"refactor the parser", task.PriorityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			assert.Equal(t, tt.want, interpret(t, tt.prompt, now).Priority)
		})
	}
}

func TestInterpretAgentKind(t *testing.T) {
	now := time.Now()

	assert.Equal(t, task.KindClaude, interpret(t, "draft the RFC using claude", now).AgentKind)
	assert.Equal(t, task.KindClaude, interpret(t, "ask the anthropic model to review", now).AgentKind)
	assert.Equal(t, task.KindCodex, interpret(t, "implement the migration script", now).AgentKind)
}

func TestInterpretDependsOn(t *testing.T) {
	now := time.Now()

	draft := interpret(t, "ship the dashboard after TASK-AB12, depends on task-cd34", now)
	assert.Equal(t, []string{"task-ab12", "task-cd34"}, draft.DependsOn)

	draft = interpret(t, "deploy blocked by release-42", now)
	assert.Equal(t, []string{"release-42"}, draft.DependsOn)

	assert.Empty(t, interpret(t, "no references here", now).DependsOn)
}

func TestInterpretScheduledAt(t *testing.T) {
	// Wednesday.
	now := time.Date(2026, 3, 4, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		name   string
		prompt string
		want   *time.Time
	}{
		{
			name:   "tomorrow default morning",
			prompt: "review the queue tomorrow",
			want:   timePtr(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)),
		},
		{
			name:   "today with meridiem time",
			prompt: "run the audit today at 3pm",
			want:   timePtr(time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)),
		},
		{
			name:   "next week with 24h time",
			prompt: "rotate keys next week at 14:30",
			want:   timePtr(time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC)),
		},
		{
			name:   "weekday name rolls forward",
			prompt: "ship it friday",
			want:   timePtr(time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)),
		},
		{
			name:   "same weekday means next occurrence",
			prompt: "plan for wednesday",
			want:   timePtr(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)),
		},
		{
			name:   "absolute date",
			prompt: "freeze on 2026-04-01 at 12:15",
			want:   timePtr(time.Date(2026, 4, 1, 12, 15, 0, 0, time.UTC)),
		},
		{
			name:   "no schedule",
			prompt: "just do it whenever",
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := interpret(t, tt.prompt, now).ScheduledAt
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestInferTitle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "strips schedule and priority phrasing",
			prompt: "Fix the importer tomorrow at 9am with high priority",
			want:   "Fix the importer",
		},
		{
			name:   "strips agent and dependency phrasing",
			prompt: "Write docs using claude after task-abc1",
			want:   "Write docs",
		},
		{
			name:   "first line only",
			prompt: "Update the schema\nwith all the gory details below",
			want:   "Update the schema",
		},
		{
			name:   "empty prompt",
			prompt: "   ",
			want:   "Untitled task",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTitle(tt.prompt))
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
