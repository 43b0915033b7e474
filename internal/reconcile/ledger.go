// Package reconcile merges an externally authored task ledger into the
// canonical store. The ledger is a JSON file maintained by the agent swarm
// tooling; its records use loose field names and free-form enum spellings,
// so everything is normalized through alias tables before it touches the
// database. The flow is strictly one-directional, ledger to store.
package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/aristath/agentcal/internal/task"
)

const ledgerFileName = "active-tasks.json"

// LedgerPathEnv overrides ledger file discovery when set.
const LedgerPathEnv = "AGENTCAL_LEDGER_PATH"

// Record is one raw ledger entry before normalization.
type Record map[string]interface{}

// ResolveLedgerPath returns the first existing ledger file among the
// explicit path, the env override, and the conventional locations near the
// working directory and the home directory. Empty string means not found.
func ResolveLedgerPath(explicit string) string {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv(LedgerPathEnv); env != "" {
		candidates = append(candidates, env)
	}

	cwd, err := os.Getwd()
	if err == nil {
		for _, dir := range []string{cwd, filepath.Join(cwd, ".."), filepath.Join(cwd, "..", "..")} {
			candidates = append(candidates,
				filepath.Join(dir, ledgerFileName),
				filepath.Join(dir, ".agentcal", ledgerFileName),
			)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".agentcal", ledgerFileName))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// ReadLedger reads and parses the ledger file. The swarm tooling rewrites
// the file in place, so a torn read can surface as invalid JSON; reads are
// retried briefly before giving up.
func ReadLedger(path string) ([]Record, error) {
	var payload interface{}

	read := func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &payload)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), 3)
	if err := backoff.Retry(read, policy); err != nil {
		return nil, errors.Wrapf(err, "read ledger %s", path)
	}

	return extractRecords(payload), nil
}

// extractRecords accepts either a bare array of records or an object
// wrapping one under a conventional key.
func extractRecords(payload interface{}) []Record {
	collect := func(items []interface{}) []Record {
		records := make([]Record, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				records = append(records, Record(m))
			}
		}
		return records
	}

	switch v := payload.(type) {
	case []interface{}:
		return collect(v)
	case map[string]interface{}:
		for _, key := range []string{"tasks", "active_tasks", "items", "data"} {
			if items, ok := v[key].([]interface{}); ok {
				return collect(items)
			}
		}
	}
	return nil
}

// Normalized is a ledger record mapped onto the closed domain enums with a
// stable identity.
type Normalized struct {
	ID          string
	Title       string
	Description string
	Status      task.Status
	Priority    task.Priority
	AgentKind   task.AgentKind
	AgentID     *string
	AgentName   *string

	Branch     *string
	RetryCount int
	MaxRetries int

	ScheduledAt          *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	EstimatedDurationMin int
	ActualDurationMin    *int

	Session     *string
	WorkdirPath *string
	LogPath     *string

	DependsOn []string
}

// Normalize maps a raw record onto the domain model. A record with no
// usable identity (no id field and no session handle) returns false and is
// counted as skipped by the caller.
func Normalize(record Record) (*Normalized, bool) {
	id := asString(record.pick("id", "task_id", "taskId"))
	session := asString(record.pick("session", "tmux_session", "tmuxSession"))
	if id == nil && session != nil {
		synthesized := "session:" + *session
		id = &synthesized
	}
	if id == nil {
		return nil, false
	}

	description := ""
	if d := asString(record.pick("description", "task", "prompt", "message")); d != nil {
		description = *d
	}

	title := asString(record.pick("title", "name"))
	if title == nil {
		derived := deriveTitle(*id, description)
		title = &derived
	}

	n := &Normalized{
		ID:          *id,
		Title:       *title,
		Description: description,
		Status:      mapStatus(record.pick("status", "state")),
		Priority:    mapPriority(record.pick("priority")),
		AgentKind:   mapAgentKind(record.pick("agent_type", "agentType", "agent")),
		AgentID:     asString(record.pick("agent_id", "agentId")),
		AgentName:   asString(record.pick("agent_name", "agentName")),
		Branch:      asString(record.pick("branch")),
		RetryCount:  intOr(record.pick("retry_count", "retryCount"), 0),
		MaxRetries:  intOr(record.pick("max_retries", "maxRetries"), 3),

		ScheduledAt:          asTime(record.pick("scheduled_at", "scheduledAt")),
		StartedAt:            asTime(record.pick("started_at", "startedAt")),
		CompletedAt:          asTime(record.pick("completed_at", "completedAt")),
		EstimatedDurationMin: intOr(record.pick("estimated_duration_min", "estimatedDurationMin"), 30),
		ActualDurationMin:    asInteger(record.pick("actual_duration_min", "actualDurationMin")),

		Session:     session,
		WorkdirPath: asString(record.pick("workdir_path", "workdirPath", "worktree_path", "worktreePath")),
		LogPath:     asString(record.pick("log_path", "logPath")),
		DependsOn:   asStringSlice(record.pick("depends_on", "dependsOn", "dependencies")),
	}
	return n, true
}

func deriveTitle(id, description string) string {
	if description != "" {
		// Truncation counts runes so a multi-byte character is never
		// split mid-sequence.
		runes := []rune(description)
		if len(runes) > 96 {
			return string(runes[:96])
		}
		return description
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Task " + short
}

func (r Record) pick(keys ...string) interface{} {
	for _, key := range keys {
		if value, ok := r[key]; ok {
			return value
		}
	}
	return nil
}

func asString(value interface{}) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func asInteger(value interface{}) *int {
	switch v := value.(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return &n
		}
	}
	return nil
}

func intOr(value interface{}, fallback int) int {
	if n := asInteger(value); n != nil {
		return *n
	}
	return fallback
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(value interface{}) *time.Time {
	s := asString(value)
	if s == nil {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func asStringSlice(value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := asString(item); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// mapStatus folds the ledger's free-form status spellings onto the closed
// status set. Unknown spellings default to queued, the least committal
// state.
func mapStatus(value interface{}) task.Status {
	switch lower(value) {
	case "queued", "queue", "pending":
		return task.StatusQueued
	case "running", "active", "in_progress", "busy":
		return task.StatusRunning
	case "pr_open", "pr-open", "pr", "review":
		return task.StatusPROpen
	case "completed", "done", "success", "finished":
		return task.StatusCompleted
	case "failed", "error", "killed", "cancelled", "canceled":
		return task.StatusFailed
	case "archived":
		return task.StatusArchived
	default:
		return task.StatusQueued
	}
}

func mapPriority(value interface{}) task.Priority {
	p := task.Priority(lower(value))
	if p.Valid() {
		return p
	}
	return task.PriorityMedium
}

func mapAgentKind(value interface{}) task.AgentKind {
	if strings.Contains(lower(value), "claude") {
		return task.KindClaude
	}
	return task.DefaultKind
}

func lower(value interface{}) string {
	s, _ := value.(string)
	return strings.ToLower(strings.TrimSpace(s))
}
