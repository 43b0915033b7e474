package task

import "time"

// Draft is a proposed task produced by a prompt interpreter. It carries the
// descriptive and scheduling fields plus a proposed dependency set, and is
// turned into a Task through the normal creation path.
type Draft struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	AgentKind   AgentKind  `json:"agent_type"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	DependsOn   []string   `json:"depends_on"`
}
