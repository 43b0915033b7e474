// Package graph is the dependency-resolution engine: edge validation with
// cycle detection, blocked-by derivation, and dependency-tree
// materialization for display.
package graph

import (
	"context"
	"fmt"

	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// Resolver answers dependency questions over the store's edge set.
type Resolver struct {
	store *persistence.Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store *persistence.Store) *Resolver {
	return &Resolver{store: store}
}

// DependenciesOf returns the direct depends-on set in insertion order.
func (r *Resolver) DependenciesOf(ctx context.Context, taskID string) ([]string, error) {
	return r.store.Dependencies(ctx, taskID)
}

// UnmetDependenciesOf returns the direct dependencies whose task is not
// completed. A non-empty result means the task is observed as blocked.
func (r *Resolver) UnmetDependenciesOf(ctx context.Context, taskID string) ([]string, error) {
	return r.store.UnmetDependencies(ctx, taskID)
}

// adjacency builds the depends-on adjacency view from the stored edge set.
func (r *Resolver) adjacency(ctx context.Context) (map[string][]string, error) {
	edges, err := r.store.AllEdges(ctx)
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}
	return adj, nil
}

// reachable walks depends-on edges from start and reports whether target is
// reachable. Iterative DFS with a visited set; O(V+E) per call.
func reachable(adj map[string][]string, start, target string) bool {
	if start == target {
		return true
	}

	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[current] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Validate checks a proposed dependency set for taskID before anything is
// persisted. It rejects self-references, targets that are missing or in a
// different project, and any edge that would close a cycle. Cycles are
// detected by testing whether a path already exists from the proposed
// target back to taskID in the current edge set.
func (r *Resolver) Validate(ctx context.Context, taskID, projectID string, dependsOn []string) error {
	if len(dependsOn) == 0 {
		return nil
	}

	for _, dep := range dependsOn {
		if dep == taskID {
			return &task.DependencyError{TaskID: taskID, Reason: "task cannot depend on itself"}
		}
	}

	projects, err := r.store.TaskProjects(ctx, dependsOn)
	if err != nil {
		return err
	}
	for _, dep := range dependsOn {
		depProject, ok := projects[dep]
		if !ok {
			return &task.DependencyError{TaskID: taskID, Reason: fmt.Sprintf("unknown task id %s", dep)}
		}
		if depProject != projectID {
			return &task.DependencyError{TaskID: taskID, Reason: fmt.Sprintf("task %s belongs to another project", dep)}
		}
	}

	adj, err := r.adjacency(ctx)
	if err != nil {
		return err
	}
	for _, dep := range dependsOn {
		if reachable(adj, dep, taskID) {
			return &task.DependencyError{
				TaskID: taskID,
				Reason: fmt.Sprintf("dependency cycle detected: %s -> %s -> %s", taskID, dep, taskID),
			}
		}
	}
	return nil
}
