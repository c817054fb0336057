package graph

import (
	"fmt"
	"sort"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

// DependencyTree returns every URN transitively reachable from urn over
// depends_on edges, excluding urn itself, in BFS discovery order.
func (g *Graph) DependencyTree(urn string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]struct{}{urn: {}}
	var order []string
	queue := append([]string(nil), g.dependencies[urn]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		order = append(order, current)
		queue = append(queue, g.dependencies[current]...)
	}
	return order
}

// Consumers returns the direct dependents of urn (one hop).
func (g *Graph) Consumers(urn string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[urn]...)
}

// FindPath returns a shortest dependency path from one URN to another, or
// false when none exists. The path includes both endpoints.
func (g *Graph) FindPath(from, to string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if from == to {
		if _, ok := g.nodes[from]; ok {
			return []string{from}, true
		}
		return nil, false
	}

	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.dependencies[current] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = current
			if next == to {
				return rebuildPath(parent, from, to), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func rebuildPath(parent map[string]string, from, to string) []string {
	var rev []string
	for cur := to; cur != ""; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == from {
			break
		}
	}
	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}

// CycleReport describes the cycles found in a scan.
type CycleReport struct {
	// Cycles holds each detected cycle as an ordered URN list, first node
	// repeated at most conceptually (not duplicated in the slice).
	Cycles [][]string `json:"cycles,omitempty"`
	Count  int        `json:"count"`
}

// First returns the first detected cycle, or nil.
func (r CycleReport) First() []string {
	if len(r.Cycles) == 0 {
		return nil
	}
	return r.Cycles[0]
}

// DetectCycles runs an iterative three-color DFS over the whole graph and
// reports every cycle entry point found, with the first cycle spelled out
// as an ordered URN list. Runs in O(V+E).
func (g *Graph) DetectCycles() CycleReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked(nil)
}

// DetectCyclesFrom restricts the scan to the subgraph reachable from roots.
func (g *Graph) DetectCyclesFrom(roots []string) CycleReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked(roots)
}

type color uint8

const (
	white color = iota
	gray
	black
)

type dfsFrame struct {
	urn  string
	next int
}

func (g *Graph) detectCyclesLocked(roots []string) CycleReport {
	colors := make(map[string]color, len(g.nodes))
	var report CycleReport

	if roots == nil {
		roots = make([]string, 0, len(g.nodes))
		for urn := range g.nodes {
			roots = append(roots, urn)
		}
		sort.Strings(roots)
	}

	for _, root := range roots {
		if colors[root] != white {
			continue
		}

		stack := []dfsFrame{{urn: root}}
		colors[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.dependencies[top.urn]
			if top.next < len(deps) {
				next := deps[top.next]
				top.next++
				switch colors[next] {
				case white:
					colors[next] = gray
					stack = append(stack, dfsFrame{urn: next})
				case gray:
					report.Count++
					if len(report.Cycles) == 0 {
						report.Cycles = append(report.Cycles, cycleFromStack(stack, next))
					}
				case black:
				}
				continue
			}
			colors[top.urn] = black
			stack = stack[:len(stack)-1]
		}
	}
	return report
}

// cycleFromStack extracts the ordered cycle closing at entry from the DFS
// stack.
func cycleFromStack(stack []dfsFrame, entry string) []string {
	start := 0
	for i, f := range stack {
		if f.urn == entry {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start)
	for _, f := range stack[start:] {
		cycle = append(cycle, f.urn)
	}
	return cycle
}

// BuildOrder computes a topological order of the transitive dependency
// subgraph of urn (urn last is not guaranteed; dependencies come before
// their dependents). It fails with cycle_detected when the subgraph has a
// cycle, carrying the cycle witness.
func (g *Graph) BuildOrder(urn string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[urn]; !ok {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("no node for urn %s", urn), nil)
	}

	// Collect the subgraph: urn plus everything reachable from it.
	members := map[string]struct{}{urn: {}}
	queue := []string{urn}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.dependencies[current] {
			if _, seen := members[next]; !seen {
				members[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return g.kahnLocked(members)
}

// BuildOrderAll computes a topological order over the whole graph.
func (g *Graph) BuildOrderAll() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make(map[string]struct{}, len(g.nodes))
	for urn := range g.nodes {
		members[urn] = struct{}{}
	}
	return g.kahnLocked(members)
}

// kahnLocked runs Kahn's algorithm over the member set. Edges point from a
// manifest to its dependency, so the result lists dependencies before the
// manifests that need them.
func (g *Graph) kahnLocked(members map[string]struct{}) ([]string, error) {
	// In-degree within the subgraph, counting depends_on edges into each
	// dependency from its dependents.
	indegree := make(map[string]int, len(members))
	for urn := range members {
		indegree[urn] = 0
	}
	for from := range members {
		for _, to := range g.dependencies[from] {
			if _, in := members[to]; in {
				indegree[from]++
			}
		}
	}

	var ready []string
	for urn, deg := range indegree {
		if deg == 0 {
			ready = append(ready, urn)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, dependent := range g.dependents[current] {
			if _, in := members[dependent]; !in {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				sort.Strings(ready)
			}
		}
	}

	if len(order) != len(members) {
		witness := g.detectCyclesLocked(keys(members))
		return nil, errors.NewCycleDetectedError(
			"build order requested on a graph with cycles", nil).
			WithContext("cycle", witness.First()).
			WithContext("cycles", witness.Count)
	}
	return order, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
