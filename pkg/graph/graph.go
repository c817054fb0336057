// Package graph maintains the directed dependency graph between catalog
// entities. Edges live in a single relation set keyed by (from, kind, to);
// the dependencies and dependents adjacency lists are derived indexes
// maintained under the same lock, so mirror symmetry holds by construction
// and is additionally checked by ValidateInvariants.
package graph

import (
	"fmt"
	"sync"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

// EdgeKind labels a relation.
type EdgeKind string

// Edge kinds
const (
	// EdgeDependsOn links a manifest to a URN it depends on.
	EdgeDependsOn EdgeKind = "depends_on"

	// EdgeExposes links a manifest to a sub-entity such as an API endpoint.
	EdgeExposes EdgeKind = "exposes"
)

// PlaceholderKind is the node kind used when a dependency target has not
// been registered yet.
const PlaceholderKind = "api"

// MissingTargetPolicy selects the batch behavior for edges whose target has
// no node.
type MissingTargetPolicy string

// Missing-target policies
const (
	// MissingTargetPlaceholder inserts a placeholder node (default).
	MissingTargetPlaceholder MissingTargetPolicy = "placeholder"

	// MissingTargetSkip drops the edge.
	MissingTargetSkip MissingTargetPolicy = "skip"
)

// Config holds the recognized graph options.
type Config struct {
	OnMissingTarget MissingTargetPolicy
	AllowCycles     bool
}

// Node is one vertex of the graph. Placeholder nodes stand in for URNs
// referenced before registration and are replaced on later registration.
type Node struct {
	URN         string             `json:"urn"`
	Kind        string             `json:"kind"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
	Placeholder bool               `json:"placeholder,omitempty"`
}

// Edge is one directed, labelled relation.
type Edge struct {
	From     string            `json:"from"`
	Kind     EdgeKind          `json:"kind"`
	To       string            `json:"to"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type relKey struct {
	from string
	kind EdgeKind
	to   string
}

// Graph is the shared dependency graph. One exclusive lock guards the whole
// structure; a batch applied by one writer is observed atomically.
type Graph struct {
	mu  sync.RWMutex
	cfg Config

	nodes     map[string]*Node
	relations map[relKey]Edge

	// Derived adjacency over depends_on relations, in insertion order.
	dependencies map[string][]string
	dependents   map[string][]string
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	if cfg.OnMissingTarget == "" {
		cfg.OnMissingTarget = MissingTargetPlaceholder
	}
	return &Graph{
		cfg:          cfg,
		nodes:        make(map[string]*Node),
		relations:    make(map[relKey]Edge),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// AddNode inserts or upgrades a node. A real node replaces a placeholder
// with the same URN; a placeholder never downgrades a real node.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(n)
}

func (g *Graph) addNodeLocked(n Node) {
	existing, ok := g.nodes[n.URN]
	if ok && !existing.Placeholder {
		return
	}
	if ok && existing.Placeholder && n.Placeholder {
		return
	}
	copied := n
	g.nodes[n.URN] = &copied
}

// AddEdge inserts a relation, deduplicating on (from, kind, to). Missing
// endpoints are handled per the configured policy.
func (g *Graph) AddEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(e)
}

func (g *Graph) addEdgeLocked(e Edge) error {
	if e.From == "" || e.To == "" {
		return errors.NewValidationError("edge endpoints are required", nil)
	}
	if e.Kind == "" {
		e.Kind = EdgeDependsOn
	}

	if _, ok := g.nodes[e.From]; !ok {
		return errors.NewValidationError(
			fmt.Sprintf("edge source %s has no node", e.From), nil).
			WithContext("from", e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		switch g.cfg.OnMissingTarget {
		case MissingTargetSkip:
			return errors.NewNotFoundError(
				fmt.Sprintf("edge target %s has no node", e.To), nil).
				WithContext("to", e.To)
		default:
			g.addNodeLocked(Node{URN: e.To, Kind: PlaceholderKind, Placeholder: true})
		}
	}

	key := relKey{from: e.From, kind: e.Kind, to: e.To}
	if _, dup := g.relations[key]; dup {
		return nil
	}
	g.relations[key] = e

	if e.Kind == EdgeDependsOn {
		g.dependencies[e.From] = append(g.dependencies[e.From], e.To)
		g.dependents[e.To] = append(g.dependents[e.To], e.From)
	}
	return nil
}

// HasNode reports whether the URN has a node entry.
func (g *Graph) HasNode(urn string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[urn]
	return ok
}

// GetNode returns a copy of the node for the URN.
func (g *Graph) GetNode(urn string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[urn]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Dependencies returns the ordered out-neighbors of a URN over depends_on.
func (g *Graph) Dependencies(urn string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependencies[urn]...)
}

// Stats summarizes the graph size.
type Stats struct {
	Nodes        int `json:"nodes"`
	Edges        int `json:"edges"`
	Placeholders int `json:"placeholders"`
}

// Stats returns node and edge counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	placeholders := 0
	for _, n := range g.nodes {
		if n.Placeholder {
			placeholders++
		}
	}
	return Stats{Nodes: len(g.nodes), Edges: len(g.relations), Placeholders: placeholders}
}
