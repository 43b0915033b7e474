package task

import "time"

// AgentStatus is a worker's availability state.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the closed agent-status set.
func (s AgentStatus) Valid() bool {
	return s == AgentIdle || s == AgentBusy || s == AgentOffline
}

// AgentStats are running counters derived exclusively by the stat
// aggregator reacting to task transitions.
type AgentStats struct {
	TotalTasks     int     `db:"total_tasks" json:"total_tasks"`
	SuccessCount   int     `db:"success_count" json:"success_count"`
	FailCount      int     `db:"fail_count" json:"fail_count"`
	AvgDurationMin float64 `db:"avg_duration_min" json:"avg_duration_min"`
}

// Agent is a worker identity. It executes at most one task at a time;
// CurrentTaskID is null unless the agent is busy.
type Agent struct {
	ID            string      `db:"id" json:"id"`
	ProjectID     *string     `db:"project_id" json:"project_id"`
	Name          string      `db:"name" json:"name"`
	Kind          AgentKind   `db:"kind" json:"kind"`
	Status        AgentStatus `db:"status" json:"status"`
	CurrentTaskID *string     `db:"current_task_id" json:"current_task_id"`
	Stats         AgentStats  `json:"stats"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
