package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

func node(urn string) Node {
	return Node{URN: urn, Kind: "api", Manifest: &manifest.Manifest{URN: urn, Type: manifest.TypeAPI}}
}

func dep(from, to string) Edge {
	return Edge{From: from, Kind: EdgeDependsOn, To: to}
}

func TestAddNodeUpgradeRules(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(Node{URN: "urn:a", Kind: "api", Placeholder: true})
	n, ok := g.GetNode("urn:a")
	require.True(t, ok)
	assert.True(t, n.Placeholder)

	// A real node replaces the placeholder.
	g.AddNode(node("urn:a"))
	n, _ = g.GetNode("urn:a")
	assert.False(t, n.Placeholder)
	require.NotNil(t, n.Manifest)

	// A placeholder never downgrades a real node.
	g.AddNode(Node{URN: "urn:a", Kind: "api", Placeholder: true})
	n, _ = g.GetNode("urn:a")
	assert.False(t, n.Placeholder)

	assert.False(t, g.HasNode("urn:missing"))
	_, ok = g.GetNode("urn:missing")
	assert.False(t, ok)
}

func TestAddEdgePlaceholderPolicy(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))

	// The missing target was materialized as a placeholder.
	n, ok := g.GetNode("urn:b")
	require.True(t, ok)
	assert.True(t, n.Placeholder)
	assert.Equal(t, PlaceholderKind, n.Kind)
	assert.Equal(t, []string{"urn:b"}, g.Dependencies("urn:a"))
}

func TestAddEdgeSkipPolicy(t *testing.T) {
	t.Parallel()

	g := New(Config{OnMissingTarget: MissingTargetSkip})
	g.AddNode(node("urn:a"))
	err := g.AddEdge(dep("urn:a", "urn:b"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, g.HasNode("urn:b"))
	assert.Empty(t, g.Dependencies("urn:a"))
}

func TestAddEdgeValidation(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))

	assert.True(t, errors.IsValidation(g.AddEdge(Edge{From: "", To: "urn:a"})))
	assert.True(t, errors.IsValidation(g.AddEdge(Edge{From: "urn:a", To: ""})))
	assert.True(t, errors.IsValidation(g.AddEdge(dep("urn:ghost", "urn:a"))))
}

func TestAddEdgeDeduplicates(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))
	g.AddNode(node("urn:b"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))

	assert.Equal(t, []string{"urn:b"}, g.Dependencies("urn:a"))
	assert.Equal(t, 1, g.Stats().Edges)

	// A different kind between the same endpoints is a distinct relation.
	require.NoError(t, g.AddEdge(Edge{From: "urn:a", Kind: EdgeExposes, To: "urn:b"}))
	assert.Equal(t, 2, g.Stats().Edges)
	assert.Equal(t, []string{"urn:b"}, g.Dependencies("urn:a"), "exposes edges stay out of the dependency index")
}

func TestApplyBatch(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	res := g.ApplyBatch(Batch{
		Nodes: []Node{node("urn:a"), node("urn:b"), {URN: ""}},
		Edges: []Edge{
			dep("urn:a", "urn:b"),
			dep("urn:a", "urn:c"),
			{From: "", To: "urn:b"},
		},
	})

	assert.Equal(t, 2, res.NodesAdded)
	assert.Equal(t, 2, res.EdgesAdded)
	assert.Equal(t, 0, res.EdgesSkipped)
	assert.Len(t, res.Errors, 2)

	stats := g.Stats()
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 1, stats.Placeholders)
	require.NoError(t, g.ValidateInvariants())
}

func TestApplyBatchSkipPolicyCountsSkips(t *testing.T) {
	t.Parallel()

	g := New(Config{OnMissingTarget: MissingTargetSkip})
	res := g.ApplyBatch(Batch{
		Nodes: []Node{node("urn:a")},
		Edges: []Edge{dep("urn:a", "urn:missing")},
	})
	assert.Equal(t, 1, res.EdgesSkipped)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 0, g.Stats().Edges)
}

func TestRemoveNodeWithoutDependents(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))
	g.AddNode(node("urn:b"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))

	res := g.RemoveNode("urn:a")
	assert.True(t, res.Removed)
	assert.False(t, res.Downgraded)
	assert.Equal(t, 1, res.EdgesDropped)
	assert.Equal(t, 0, res.DependentsLeft)
	assert.False(t, g.HasNode("urn:a"))
	assert.Empty(t, g.Consumers("urn:b"))
	require.NoError(t, g.ValidateInvariants())
}

func TestRemoveNodeDowngradesWhenDependentsRemain(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))
	g.AddNode(node("urn:b"))
	g.AddNode(node("urn:c"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))
	require.NoError(t, g.AddEdge(dep("urn:b", "urn:c")))

	res := g.RemoveNode("urn:b")
	assert.False(t, res.Removed)
	assert.True(t, res.Downgraded)
	assert.Equal(t, 1, res.DependentsLeft)
	assert.Equal(t, 1, res.EdgesDropped, "only the outgoing relation goes")

	n, ok := g.GetNode("urn:b")
	require.True(t, ok)
	assert.True(t, n.Placeholder)
	assert.Nil(t, n.Manifest)

	// The incoming edge from urn:a survives pointing at the placeholder.
	assert.Equal(t, []string{"urn:b"}, g.Dependencies("urn:a"))
	assert.Empty(t, g.Dependencies("urn:b"))
	assert.Empty(t, g.Consumers("urn:c"))
	require.NoError(t, g.ValidateInvariants())
}

func TestRemoveNodeAbsent(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	res := g.RemoveNode("urn:missing")
	assert.False(t, res.Removed)
	assert.False(t, res.Downgraded)
}

func TestValidateInvariantsRejectsCycles(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	g.AddNode(node("urn:a"))
	g.AddNode(node("urn:b"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:b")))
	require.NoError(t, g.AddEdge(dep("urn:b", "urn:a")))

	err := g.ValidateInvariants()
	require.Error(t, err)
	assert.True(t, errors.IsCycleDetected(err))

	permissive := New(Config{AllowCycles: true})
	permissive.AddNode(node("urn:a"))
	permissive.AddNode(node("urn:b"))
	require.NoError(t, permissive.AddEdge(dep("urn:a", "urn:b")))
	require.NoError(t, permissive.AddEdge(dep("urn:b", "urn:a")))
	require.NoError(t, permissive.ValidateInvariants())
}

func TestStats(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	assert.Equal(t, Stats{}, g.Stats())

	g.AddNode(node("urn:a"))
	require.NoError(t, g.AddEdge(dep("urn:a", "urn:ghost")))
	assert.Equal(t, Stats{Nodes: 2, Edges: 1, Placeholders: 1}, g.Stats())
}
