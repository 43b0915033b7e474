package graph

import (
	"context"
	"errors"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentcal/internal/task"
)

// Node is one task in a materialized dependency tree.
type Node struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Status   task.Status   `json:"status"`
	Priority task.Priority `json:"priority"`
}

// TreeEdge is one depends-on relation annotated with its depth below the
// tree root.
type TreeEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Depth int    `json:"depth"`
}

// Tree is the transitive depends-on closure of one task.
type Tree struct {
	TaskID    string     `json:"task_id"`
	BlockedBy []string   `json:"blocked_by"`
	Nodes     []Node     `json:"nodes"`
	Edges     []TreeEdge `json:"edges"`
}

// Tree materializes the full transitive closure of depends-on edges
// reachable from taskID, with depth annotations for display. The walk
// tracks path membership per branch, so it terminates even if stored data
// contains a cycle.
func (r *Resolver) Tree(ctx context.Context, taskID string) (*Tree, error) {
	root, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	adj, err := r.adjacency(ctx)
	if err != nil {
		return nil, err
	}

	depthByEdge := map[[2]string]int{}
	order := []string{taskID}
	seen := map[string]bool{taskID: true}

	var walk func(from string, depth int, path map[string]bool)
	walk = func(from string, depth int, path map[string]bool) {
		for _, to := range adj[from] {
			key := [2]string{from, to}
			if prev, ok := depthByEdge[key]; !ok || depth < prev {
				depthByEdge[key] = depth
			}
			if !seen[to] {
				seen[to] = true
				order = append(order, to)
			}
			if path[to] {
				// Stored cycle: stop this branch instead of looping.
				continue
			}
			path[to] = true
			walk(to, depth+1, path)
			delete(path, to)
		}
	}
	walk(taskID, 1, map[string]bool{taskID: true})

	edges := make([]TreeEdge, 0, len(depthByEdge))
	for key, depth := range depthByEdge {
		edges = append(edges, TreeEdge{From: key[0], To: key[1], Depth: depth})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Depth != edges[j].Depth {
			return edges[i].Depth < edges[j].Depth
		}
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	nodes := make([]Node, 0, len(order))
	for _, id := range r.nodeOrder(order, edges) {
		t, err := r.store.GetTask(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{
			ID:       t.ID,
			Title:    t.Title,
			Status:   t.Observed(),
			Priority: t.Priority,
		})
	}

	return &Tree{
		TaskID:    taskID,
		BlockedBy: root.BlockedBy,
		Nodes:     nodes,
		Edges:     edges,
	}, nil
}

// nodeOrder sorts the closure's node ids topologically (dependencies
// first). Falls back to encounter order when the stored edges contain a
// cycle, which the walk already tolerated.
func (r *Resolver) nodeOrder(encounter []string, edges []TreeEdge) []string {
	if len(edges) == 0 {
		return encounter
	}

	topoEdges := make([]toposort.Edge, 0, len(edges))
	for _, e := range edges {
		// e.From depends on e.To, so e.To must come first.
		topoEdges = append(topoEdges, toposort.Edge{e.To, e.From})
	}

	sorted, err := toposort.Toposort(topoEdges)
	if err != nil {
		return encounter
	}

	inClosure := make(map[string]bool, len(encounter))
	for _, id := range encounter {
		inClosure[id] = true
	}

	ordered := make([]string, 0, len(encounter))
	for _, v := range sorted {
		id, ok := v.(string)
		if ok && inClosure[id] {
			ordered = append(ordered, id)
			delete(inClosure, id)
		}
	}
	// Nodes without edges (the root when it has no deps) keep encounter order.
	for _, id := range encounter {
		if inClosure[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered
}
