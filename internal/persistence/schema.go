package persistence

import (
	"context"
	"time"
)

// DefaultProjectID scopes tasks and agents that arrive without an explicit
// project, including everything imported by reconciliation.
const (
	DefaultProjectID   = "project_default"
	DefaultProjectName = "Default Workspace"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('codex', 'claude')),
		status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'busy', 'offline')),
		current_task_id TEXT,
		total_tasks INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		fail_count INTEGER DEFAULT 0,
		avg_duration_min REAL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued'
			CHECK(status IN ('queued', 'running', 'pr_open', 'completed', 'failed', 'archived')),
		priority TEXT NOT NULL DEFAULT 'medium'
			CHECK(priority IN ('low', 'medium', 'high', 'urgent')),
		agent_kind TEXT NOT NULL DEFAULT 'codex'
			CHECK(agent_kind IN ('codex', 'claude')),
		agent_id TEXT,
		branch TEXT,
		retry_count INTEGER DEFAULT 0,
		max_retries INTEGER DEFAULT 3,
		scheduled_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		estimated_duration_min INTEGER DEFAULT 30,
		actual_duration_min INTEGER,
		session TEXT,
		workdir_path TEXT,
		log_path TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_task_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_task_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		level TEXT DEFAULT 'info' CHECK(level IN ('info', 'warn', 'error', 'debug')),
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_at ON tasks(scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
	CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// seedDefaults guarantees the default project row exists.
func (s *Store) seedDefaults(ctx context.Context) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, DefaultProjectID, DefaultProjectName, "Default multi-agent workspace", now, now)
	return err
}
