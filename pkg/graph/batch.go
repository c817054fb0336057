package graph

import (
	"fmt"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

// Batch is one atomic set of graph additions: all nodes first, then all
// edges.
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// BatchResult reports what a batch did. Per-item errors are collected, not
// fatal; the batch always completes.
type BatchResult struct {
	NodesAdded   int      `json:"nodesAdded"`
	EdgesAdded   int      `json:"edgesAdded"`
	EdgesSkipped int      `json:"edgesSkipped"`
	Errors       []string `json:"errors,omitempty"`
}

// ApplyBatch applies the batch under a single lock acquisition, so readers
// observe either none or all of it.
func (g *Graph) ApplyBatch(b Batch) BatchResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res BatchResult
	for _, n := range b.Nodes {
		if n.URN == "" {
			res.Errors = append(res.Errors, "node without urn skipped")
			continue
		}
		before := len(g.nodes)
		g.addNodeLocked(n)
		if len(g.nodes) > before {
			res.NodesAdded++
		}
	}

	for _, e := range b.Edges {
		before := len(g.relations)
		if err := g.addEdgeLocked(e); err != nil {
			if errors.IsNotFound(err) {
				res.EdgesSkipped++
			} else {
				res.Errors = append(res.Errors, err.Error())
			}
			continue
		}
		if len(g.relations) > before {
			res.EdgesAdded++
		}
	}
	return res
}

// RemoveResult reports the outcome of removing a primary node.
type RemoveResult struct {
	Removed        bool `json:"removed"`
	Downgraded     bool `json:"downgraded"`
	EdgesDropped   int  `json:"edgesDropped"`
	DependentsLeft int  `json:"dependentsLeft"`
}

// RemoveNode removes a manifest's primary node. When dependents still point
// at the URN the node is downgraded to a placeholder and only its outgoing
// relations are dropped, so no surviving source is left with a dangling
// edge. Without dependents the node and every touching relation go away.
func (g *Graph) RemoveNode(urn string) RemoveResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res RemoveResult
	if _, ok := g.nodes[urn]; !ok {
		return res
	}

	dependents := len(g.dependents[urn])
	res.DependentsLeft = dependents

	// Outgoing relations are dropped in both cases.
	for key := range g.relations {
		if key.from == urn {
			delete(g.relations, key)
			res.EdgesDropped++
		}
	}
	for _, to := range g.dependencies[urn] {
		g.dependents[to] = removeFirst(g.dependents[to], urn)
	}
	delete(g.dependencies, urn)

	if dependents > 0 {
		g.nodes[urn] = &Node{URN: urn, Kind: PlaceholderKind, Placeholder: true}
		res.Downgraded = true
		return res
	}

	for key := range g.relations {
		if key.to == urn {
			delete(g.relations, key)
			res.EdgesDropped++
		}
	}
	delete(g.dependents, urn)
	delete(g.nodes, urn)
	res.Removed = true
	return res
}

func removeFirst(list []string, item string) []string {
	for i, v := range list {
		if v == item {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// ValidateInvariants asserts the structural invariants after a batch: every
// edge endpoint has a node, the dependencies and dependents indexes mirror
// each other, and (unless cycles are allowed) the graph is acyclic.
func (g *Graph) ValidateInvariants() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for key := range g.relations {
		if _, ok := g.nodes[key.from]; !ok {
			return errors.NewIntegrityError(
				fmt.Sprintf("edge source %s has no node", key.from), nil)
		}
		if _, ok := g.nodes[key.to]; !ok {
			return errors.NewIntegrityError(
				fmt.Sprintf("edge target %s has no node", key.to), nil)
		}
	}

	for from, tos := range g.dependencies {
		for _, to := range tos {
			if !contains(g.dependents[to], from) {
				return errors.NewIntegrityError(
					fmt.Sprintf("missing mirror: %s -> %s not in dependents", from, to), nil)
			}
		}
	}
	for to, froms := range g.dependents {
		for _, from := range froms {
			if !contains(g.dependencies[from], to) {
				return errors.NewIntegrityError(
					fmt.Sprintf("missing mirror: dependents[%s] lists %s without forward edge", to, from), nil)
			}
		}
	}

	if !g.cfg.AllowCycles {
		report := g.detectCyclesLocked(nil)
		if report.Count > 0 {
			return errors.NewCycleDetectedError(
				fmt.Sprintf("graph has %d cycle(s)", report.Count), nil).
				WithContext("cycle", report.First())
		}
	}
	return nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
