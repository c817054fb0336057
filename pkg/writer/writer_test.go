package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneelinghorse/semantext-hub/pkg/catalog"
	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/graph"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
)

func newWriter(t *testing.T) (*Writer, *catalog.Catalog, *graph.Graph, *persist.Store) {
	t.Helper()
	store, err := persist.NewStore(persist.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	cat := catalog.New()
	g := graph.New(graph.Config{})
	return New(cat, g, store, nil), cat, g, store
}

func orderAPI() *manifest.Manifest {
	return &manifest.Manifest{
		URN:          "urn:proto:api:acme/orders",
		Type:         manifest.TypeAPI,
		Namespace:    "acme",
		Dependencies: []string{"urn:proto:data:acme/customers"},
		Endpoints: []manifest.Endpoint{
			{ID: "listOrders", Method: "GET", Path: "/orders"},
			{Method: "POST", Path: "/orders"},
		},
	}
}

func TestRegisterFanOut(t *testing.T) {
	t.Parallel()

	w, cat, g, store := newWriter(t)
	m := orderAPI()

	res, err := w.Register(context.Background(), "m-1", m, map[string]any{"source": "test"})
	require.NoError(t, err)

	assert.Equal(t, "m-1", res.ManifestID)
	assert.Equal(t, m.URN, res.URN)
	assert.True(t, cat.Has(m.URN))
	assert.Equal(t, 1, res.CatalogSize)

	// Primary node, dependency placeholder, and two endpoint children.
	assert.Equal(t, 4, res.GraphStats.Nodes)
	assert.Equal(t, 1, res.GraphStats.Placeholders)
	assert.Equal(t, 3, res.Batch.EdgesAdded)

	n, ok := g.GetNode(m.URN + "#listOrders")
	require.True(t, ok)
	assert.Equal(t, EndpointNodeKind, n.Kind)
	_, ok = g.GetNode(m.URN + "#post:/orders")
	assert.True(t, ok, "endpoints without an id key on method:path")

	assert.Equal(t, []string{"urn:proto:data:acme/customers"}, g.Dependencies(m.URN))

	for _, phase := range []string{"conflict_check", "prepare", "catalog_add", "graph_apply", "cycle_check", "total"} {
		assert.Contains(t, res.Timings, phase)
	}

	// The registration.completed event reaches the log.
	evs, err := store.ReadEvents(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.RegistrationCompleted, evs[0].EventType)
	assert.Equal(t, m.URN, evs[0].Payload["urn"])
	assert.Equal(t, "test", evs[0].Metadata["source"])
}

func TestRegisterConflict(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	ctx := context.Background()

	_, err := w.Register(ctx, "m-1", orderAPI(), nil)
	require.NoError(t, err)
	assert.True(t, w.CheckURNConflict(orderAPI().URN))

	_, err = w.Register(ctx, "m-2", orderAPI(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "urn_conflict", e.Context["reason"])

	stats := w.Stats()
	assert.Equal(t, 1, stats.Registrations)
	assert.Equal(t, 1, stats.Conflicts)
}

func TestRegisterCancelledContext(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Register(ctx, "m-1", orderAPI(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestRegisterCycleWarning(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	ctx := context.Background()

	a := &manifest.Manifest{
		URN:          "urn:proto:api:acme/a",
		Type:         manifest.TypeAPI,
		Dependencies: []string{"urn:proto:api:acme/b"},
	}
	b := &manifest.Manifest{
		URN:          "urn:proto:api:acme/b",
		Type:         manifest.TypeAPI,
		Dependencies: []string{"urn:proto:api:acme/a"},
	}

	_, err := w.Register(ctx, "m-a", a, nil)
	require.NoError(t, err)

	res, err := w.Register(ctx, "m-b", b, nil)
	require.NoError(t, err, "a cycle warns but does not fail the registration")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "cycle")
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	w, cat, g, _ := newWriter(t)
	ctx := context.Background()
	m := orderAPI()

	_, err := w.Register(ctx, "m-1", m, nil)
	require.NoError(t, err)

	res, err := w.Unregister(ctx, "m-1", m.URN)
	require.NoError(t, err)
	assert.True(t, res.CatalogRemoved)
	assert.True(t, res.Graph.Removed)
	assert.False(t, cat.Has(m.URN))
	assert.False(t, g.HasNode(m.URN))
}

func TestUnregisterDowngradesWhenDependedOn(t *testing.T) {
	t.Parallel()

	w, _, g, _ := newWriter(t)
	ctx := context.Background()

	target := &manifest.Manifest{URN: "urn:proto:data:acme/customers", Type: manifest.TypeData}
	consumer := &manifest.Manifest{
		URN:          "urn:proto:api:acme/orders",
		Type:         manifest.TypeAPI,
		Dependencies: []string{target.URN},
	}
	_, err := w.Register(ctx, "m-t", target, nil)
	require.NoError(t, err)
	_, err = w.Register(ctx, "m-c", consumer, nil)
	require.NoError(t, err)

	res, err := w.Unregister(ctx, "m-t", target.URN)
	require.NoError(t, err)
	assert.True(t, res.CatalogRemoved)
	assert.True(t, res.Graph.Downgraded)
	assert.Equal(t, 1, res.Graph.DependentsLeft)

	n, ok := g.GetNode(target.URN)
	require.True(t, ok)
	assert.True(t, n.Placeholder)
}

func TestUnregisterUnknownURN(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	res, err := w.Unregister(context.Background(), "m-1", "urn:missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Len(t, res.Errors, 2)
}

func TestStatsAggregation(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	ctx := context.Background()

	assert.Equal(t, OpStats{}, w.Stats())

	_, err := w.Register(ctx, "m-1", orderAPI(), nil)
	require.NoError(t, err)

	other := &manifest.Manifest{URN: "urn:proto:data:acme/other", Type: manifest.TypeData}
	second, err := w.Register(ctx, "m-2", other, nil)
	require.NoError(t, err)

	stats := w.Stats()
	assert.Equal(t, 2, stats.Registrations)
	require.NotNil(t, stats.LastResult)
	assert.Equal(t, second.URN, stats.LastResult.URN)
	assert.GreaterOrEqual(t, stats.AvgTotalMS, 0.0)
}

func TestSubscribeReceivesRegistrationEvents(t *testing.T) {
	t.Parallel()

	w, _, _, _ := newWriter(t)
	var got []events.Event
	w.Subscribe(events.RegistrationCompleted, func(e events.Event) { got = append(got, e) })

	_, err := w.Register(context.Background(), "m-1", orderAPI(), nil)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].ManifestID)
}
