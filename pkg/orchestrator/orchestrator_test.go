package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneelinghorse/semantext-hub/pkg/catalog"
	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/graph"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/oplock"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
	"github.com/kneelinghorse/semantext-hub/pkg/pipeline"
	"github.com/kneelinghorse/semantext-hub/pkg/writer"
)

type fixture struct {
	orch    *Orchestrator
	catalog *catalog.Catalog
	graph   *graph.Graph
	store   *persist.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persist.NewStore(persist.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	lock := oplock.NewRuntime(oplock.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	cat := catalog.New()
	g := graph.New(graph.Config{})
	w := writer.New(cat, g, store, nil)
	p := pipeline.New(store, lock, nil)

	return &fixture{orch: New(p, w), catalog: cat, graph: g, store: store}
}

func ordersManifest() *manifest.Manifest {
	return &manifest.Manifest{
		URN:          "urn:proto:api:acme/orders",
		Type:         manifest.TypeAPI,
		Namespace:    "acme",
		Dependencies: []string{"urn:proto:data:acme/customers"},
	}
}

// drive carries a fresh manifest to APPROVED.
func (f *fixture) approve(t *testing.T, ctx context.Context, manifestID string, m *manifest.Manifest) {
	t.Helper()
	_, err := f.orch.Initialize(ctx, manifestID, m)
	require.NoError(t, err)
	_, err = f.orch.SubmitForReview(ctx, manifestID)
	require.NoError(t, err)
	_, err = f.orch.Approve(ctx, manifestID, "alice", "looks good")
	require.NoError(t, err)
}

func TestRegisterEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	m := ordersManifest()
	f.approve(t, ctx, "m-1", m)

	res, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)

	assert.Equal(t, m.URN, res.URN)
	assert.Equal(t, lifecycle.StateRegistered, res.State.State.CurrentState)
	assert.Equal(t, 4, res.State.Version)
	assert.True(t, f.catalog.Has(m.URN))
	assert.True(t, f.graph.HasNode(m.URN))

	// The log carries the full story including both completion events.
	evs, err := f.store.ReadEvents(ctx, "m-1")
	require.NoError(t, err)
	var types []events.Type
	for _, ev := range evs {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, events.RegistrationCompleted)
	assert.Equal(t, events.IntegrationCompleted, types[len(types)-1])
}

func TestRegisterRequiresApprovedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Initialize(ctx, "m-1", ordersManifest())
	require.NoError(t, err)

	_, err = f.orch.Register(ctx, "m-1")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err), "register is not legal from DRAFT")
}

func TestRegisterUnknownManifest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.orch.Register(context.Background(), "m-missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegisterConflictEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.approve(t, ctx, "m-1", ordersManifest())
	_, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)

	// A second manifest claiming the same URN fails the conflict check.
	f.approve(t, ctx, "m-2", ordersManifest())

	var errorEvents []events.Event
	f.orch.Subscribe(events.ErrorOccurred, func(e events.Event) { errorEvents = append(errorEvents, e) })

	_, err = f.orch.Register(ctx, "m-2")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.Len(t, errorEvents, 1)
	assert.Equal(t, "conflict_check", errorEvents[0].Payload["phase"])
	assert.Equal(t, errors.ErrConflict, errorEvents[0].Payload["kind"])

	// The failed manifest stays APPROVED; no partial write happened.
	state, err := f.store.LoadState(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateApproved, state.State.CurrentState)

	evs, err := f.store.ReadEvents(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, events.ErrorOccurred, evs[len(evs)-1].EventType)
}

func TestRejectAndRevertFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Initialize(ctx, "m-1", ordersManifest())
	require.NoError(t, err)
	_, err = f.orch.SubmitForReview(ctx, "m-1")
	require.NoError(t, err)
	state, err := f.orch.Reject(ctx, "m-1", "missing governance owner")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRejected, state.State.CurrentState)

	state, err = f.orch.RevertToDraft(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDraft, state.State.CurrentState)
	assert.Equal(t, "missing governance owner", state.State.RejectionReason,
		"the rejection reason stays on the document as history")
}

func TestUnregisterDelegates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	m := ordersManifest()
	f.approve(t, ctx, "m-1", m)
	_, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)

	res, err := f.orch.Unregister(ctx, "m-1", m.URN)
	require.NoError(t, err)
	assert.True(t, res.CatalogRemoved)
	assert.False(t, f.catalog.Has(m.URN))
	assert.False(t, f.store.Exists("m-1"),
		"unregister retires the persisted lifecycle record")
}

func TestUnregisterThenRegisterAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	m := ordersManifest()
	f.approve(t, ctx, "m-1", m)
	_, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)

	_, err = f.orch.Unregister(ctx, "m-1", m.URN)
	require.NoError(t, err)

	// With the record retired, the same id runs a full fresh lifecycle.
	f.approve(t, ctx, "m-1", m)
	res, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRegistered, res.State.State.CurrentState)
	assert.True(t, f.catalog.Has(m.URN))
}

func TestIntegrationCompletedSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.approve(t, ctx, "m-1", ordersManifest())

	var got []events.Event
	f.orch.Subscribe(events.IntegrationCompleted, func(e events.Event) { got = append(got, e) })

	_, err := f.orch.Register(ctx, "m-1")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, ordersManifest().URN, got[0].Payload["urn"])
}
