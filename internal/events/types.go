package events

import (
	"time"

	"github.com/aristath/agentcal/internal/task"
)

// Event is the base interface for everything published on the bus. The
// push-fanout layer consumes these; the engine never awaits delivery.
type Event interface {
	EventType() string
	Topic() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicLog   = "log"
)

// Event type constants
const (
	EventTypeTaskCreated   = "task:created"
	EventTypeTaskUpdated   = "task:updated"
	EventTypeTaskCompleted = "task:completed"
	EventTypeTaskFailed    = "task:failed"
	EventTypeAgentStatus   = "agent:status"
	EventTypeLogAppend     = "log:append"
)

// TaskEvent is published whenever a task is created or changes, including
// derived blocked/queued flips observed by the scheduler.
type TaskEvent struct {
	Type      string // one of the task:* event types
	Task      *task.Task
	Source    string // "api", "scheduler", "sync"
	Timestamp time.Time
}

func (e TaskEvent) EventType() string { return e.Type }
func (e TaskEvent) Topic() string     { return TopicTask }

// AgentStatusEvent is published when an agent's availability or current
// task changes.
type AgentStatusEvent struct {
	Agent     *task.Agent
	Source    string
	Timestamp time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) Topic() string     { return TopicAgent }

// LogAppendEvent is published when a diagnostic line is attached to a task.
type LogAppendEvent struct {
	TaskID    string
	Line      string
	Timestamp time.Time
}

func (e LogAppendEvent) EventType() string { return EventTypeLogAppend }
func (e LogAppendEvent) Topic() string     { return TopicLog }
