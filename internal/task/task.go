package task

import "time"

// Status is a task's persisted lifecycle status. StatusBlocked is never
// stored: it is derived for display whenever a queued task has unmet
// dependencies.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPROpen    Status = "pr_open"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"

	// StatusBlocked is the derived, read-only view of a queued task with
	// unmet dependencies.
	StatusBlocked Status = "blocked"
)

// PersistedStatuses is the closed set of statuses a task row may carry.
var PersistedStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPROpen,
	StatusCompleted,
	StatusFailed,
	StatusArchived,
}

// Persistable reports whether s may be written to storage.
func (s Status) Persistable() bool {
	for _, known := range PersistedStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a task's execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders queued tasks for dispatch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the dispatch ordering weight: urgent=4 down to low=1.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the closed priority set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AgentKind identifies which kind of worker executes a task.
type AgentKind string

const (
	KindCodex  AgentKind = "codex"
	KindClaude AgentKind = "claude"

	// DefaultKind is the conservative fallback when an external record
	// carries an unrecognized kind.
	DefaultKind = KindCodex
)

// Valid reports whether k is one of the closed agent-kind set.
func (k AgentKind) Valid() bool {
	return k == KindCodex || k == KindClaude
}

// ExecMeta is the execution metadata recorded once a task starts. Each
// field is write-once-then-sticky: a recorded value is never clobbered.
type ExecMeta struct {
	Session     *string
	Branch      *string
	WorkdirPath *string
	LogPath     *string
}

// Task is the unit of schedulable work.
type Task struct {
	ID          string    `db:"id" json:"id"`
	ProjectID   string    `db:"project_id" json:"project_id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Status      Status    `db:"status" json:"status"`
	Priority    Priority  `db:"priority" json:"priority"`
	AgentKind   AgentKind `db:"agent_kind" json:"agent_kind"`
	AgentID     *string   `db:"agent_id" json:"agent_id"`

	Branch     *string `db:"branch" json:"branch"`
	RetryCount int     `db:"retry_count" json:"retry_count"`
	MaxRetries int     `db:"max_retries" json:"max_retries"`

	ScheduledAt          *time.Time `json:"scheduled_at"`
	StartedAt            *time.Time `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	EstimatedDurationMin int        `db:"estimated_duration_min" json:"estimated_duration_min"`
	ActualDurationMin    *int       `db:"actual_duration_min" json:"actual_duration_min"`

	Session     *string `db:"session" json:"session"`
	WorkdirPath *string `db:"workdir_path" json:"workdir_path"`
	LogPath     *string `db:"log_path" json:"log_path"`

	// DependsOn is the task's direct dependency set in insertion order.
	// BlockedBy is the subset whose referenced task is not completed.
	DependsOn []string `json:"depends_on"`
	BlockedBy []string `json:"blocked_by"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Blocked reports whether the task is observed as blocked: queued with at
// least one unmet dependency.
func (t *Task) Blocked() bool {
	return t.Status == StatusQueued && len(t.BlockedBy) > 0
}

// Observed returns the status presented to consumers: the persisted status,
// or StatusBlocked for a queued task with unmet dependencies.
func (t *Task) Observed() Status {
	if t.Blocked() {
		return StatusBlocked
	}
	return t.Status
}

// ScheduleReady reports whether the task's scheduled_at allows dispatch at
// the given instant. A nil scheduled_at means "ready whenever".
func (t *Task) ScheduleReady(now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// EffectiveScheduleTime is the dispatch tie-break key: scheduled_at when
// set, otherwise created_at.
func (t *Task) EffectiveScheduleTime() time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}
