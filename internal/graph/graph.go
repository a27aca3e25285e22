// Package graph implements C1: building a task DAG from tasks and explicit
// dependencies, with topological ordering and cycle detection (spec §4.1).
//
// Edge semantics for CP/MC (spec §4.1, open question resolved in DESIGN.md):
// all four dependency types participate in the topological order the same
// way (predecessor before successor); the *arithmetic* binding (which of
// start/finish on each endpoint is linked) is interpreted downstream by
// internal/criticalpath and internal/montecarlo, not here. This package only
// answers "what must come before what".
package graph

import (
	"sort"

	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
)

// Graph is a directed dependency graph over one plan's tasks.
type Graph struct {
	planID  string
	nodes   map[string]*model.Task
	forward map[string][]string // task -> predecessors (must finish/start before it)
	reverse map[string][]string // task -> successors (blocked by it)
	edges   []model.Dependency
	order   []string // topological order, ascending id tie-break
}

// Build constructs a Graph from a plan's tasks and dependencies. It runs
// Kahn's algorithm for the topological order and fails with perr.CycleError
// when residual nodes remain after the sort — spec.md requires the offending
// node ids in that case.
func Build(planID string, tasks []model.Task, deps []model.Dependency) (*Graph, error) {
	g := &Graph{
		planID:  planID,
		nodes:   make(map[string]*model.Task, len(tasks)),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
		edges:   append([]model.Dependency(nil), deps...),
	}

	for i := range tasks {
		t := tasks[i].Clone()
		g.nodes[t.ID] = &t
	}
	for _, d := range deps {
		g.forward[d.SuccessorID] = append(g.forward[d.SuccessorID], d.PredecessorID)
		g.reverse[d.PredecessorID] = append(g.reverse[d.PredecessorID], d.SuccessorID)
	}
	for id := range g.forward {
		sort.Strings(g.forward[id])
	}
	for id := range g.reverse {
		sort.Strings(g.reverse[id])
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topologicalOrder runs Kahn's algorithm, breaking ties by ascending task id
// for determinism (spec §4.1).
func (g *Graph) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.forward[id])
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, succ := range g.reverse[next] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != len(g.nodes) {
		remaining := make([]string, 0, len(g.nodes)-len(order))
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for _, id := range ids {
			if !seen[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, perr.NewCycle(remaining)
	}

	return order, nil
}

// PlanID returns the plan this graph was built for.
func (g *Graph) PlanID() string { return g.planID }

// Order returns the deterministic topological order (ascending id tie-break).
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Task returns the node for id, or nil if absent.
func (g *Graph) Task(id string) *model.Task {
	return g.nodes[id]
}

// Predecessors returns a sorted copy of id's direct predecessor task ids.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.forward[id]...)
}

// Successors returns a sorted copy of id's direct successor task ids.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.reverse[id]...)
}

// Dependencies returns the raw dependency edges this graph was built from,
// including each edge's DependencyType.
func (g *Graph) Dependencies() []model.Dependency {
	return append([]model.Dependency(nil), g.edges...)
}

// DependencyBetween returns the edge (pred -> succ) if one exists.
func (g *Graph) DependencyBetween(pred, succ string) (model.Dependency, bool) {
	for _, d := range g.edges {
		if d.PredecessorID == pred && d.SuccessorID == succ {
			return d, true
		}
	}
	return model.Dependency{}, false
}

// UpstreamClosure returns the transitive set of predecessors of id (not
// including id itself), sorted ascending.
func (g *Graph) UpstreamClosure(id string) []string {
	return g.closure(id, g.forward)
}

// DownstreamClosure returns the transitive set of successors of id (not
// including id itself), sorted ascending.
func (g *Graph) DownstreamClosure(id string) []string {
	return g.closure(id, g.reverse)
}

func (g *Graph) closure(start string, adj map[string][]string) []string {
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, adj[start]...)
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, adj[cur]...)
	}
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WouldCycle reports whether adding an edge pred -> succ would create a
// cycle, by checking whether pred is already reachable from succ (i.e. succ
// is an ancestor of pred, so adding succ as a descendant of pred closes a
// loop). Used by C11's dependency-add pre-check (spec §4.11).
func (g *Graph) WouldCycle(pred, succ string) bool {
	if pred == succ {
		return true
	}
	for _, id := range g.DownstreamClosure(succ) {
		if id == pred {
			return true
		}
	}
	return false
}

// Isolated reports whether id has neither predecessors nor successors.
func (g *Graph) Isolated(id string) bool {
	return len(g.forward[id]) == 0 && len(g.reverse[id]) == 0
}
