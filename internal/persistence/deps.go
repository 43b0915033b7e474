package persistence

import (
	"context"
	"fmt"
)

// Edge is one directed dependency relation: TaskID depends on DependsOn.
type Edge struct {
	TaskID    string `db:"task_id"`
	DependsOn string `db:"depends_on_task_id"`
}

// Dependencies returns the task's direct depends-on set in insertion order.
func (s *Store) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	deps := []string{}
	err := s.db.SelectContext(ctx, &deps,
		"SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY rowid ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", taskID, err)
	}
	return deps, nil
}

// UnmetDependencies returns the subset of the direct depends-on set whose
// referenced task is not completed. Non-empty means the task is observed
// as blocked.
func (s *Store) UnmetDependencies(ctx context.Context, taskID string) ([]string, error) {
	deps := []string{}
	err := s.db.SelectContext(ctx, &deps, `
		SELECT td.depends_on_task_id
		FROM task_dependencies td
		JOIN tasks t ON t.id = td.depends_on_task_id
		WHERE td.task_id = ? AND t.status != 'completed'
		ORDER BY td.rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("unmet dependencies of %s: %w", taskID, err)
	}
	return deps, nil
}

// InsertDependencies appends edges for taskID, ignoring duplicates.
func (s *Store) InsertDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	for _, dep := range dependsOn {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)",
			taskID, dep)
		if err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", taskID, dep, err)
		}
	}
	return nil
}

// ReplaceDependencies swaps the task's whole edge set for dependsOn.
func (s *Store) ReplaceDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM task_dependencies WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("clear dependencies of %s: %w", taskID, err)
	}
	return s.InsertDependencies(ctx, taskID, dependsOn)
}

// AllEdges returns the full stored edge set, the adjacency view the graph
// engine walks for cycle checks and tree materialization.
func (s *Store) AllEdges(ctx context.Context) ([]Edge, error) {
	edges := []Edge{}
	err := s.db.SelectContext(ctx, &edges,
		"SELECT task_id, depends_on_task_id FROM task_dependencies ORDER BY rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	return edges, nil
}
