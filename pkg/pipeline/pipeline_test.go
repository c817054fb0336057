package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/oplock"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	store, err := persist.NewStore(persist.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return New(store, oplock.NewRuntime(oplock.RetryConfig{}), nil)
}

func sampleManifest() *manifest.Manifest {
	return &manifest.Manifest{
		URN:       "urn:proto:api:acme/orders",
		Type:      manifest.TypeAPI,
		Namespace: "acme",
	}
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()

	v, err := p.Initialize(ctx, "acme-orders", sampleManifest())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, lifecycle.StateDraft, v.State.CurrentState)

	evs, err := p.Store().ReadEvents(ctx, "acme-orders")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ManifestCreated, evs[0].EventType)
}

func TestInitializeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "m-1", sampleManifest())
	require.NoError(t, err)
	_, err = p.Initialize(ctx, "m-1", sampleManifest())
	assert.True(t, errors.IsConflict(err))
}

func TestConcurrentInitialize(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "m-1"

	const callers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Initialize(ctx, id, sampleManifest())
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.IsConflict(err))
	}
	assert.Equal(t, 1, succeeded, "exactly one caller creates the record")

	v, err := p.Store().LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)

	// The losers appended nothing: one manifest.created total.
	evs, err := p.Store().ReadEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ManifestCreated, evs[0].EventType)
}

func TestInitializeValidates(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "", sampleManifest())
	assert.True(t, errors.IsValidation(err))

	_, err = p.Initialize(ctx, "m-1", nil)
	assert.True(t, errors.IsValidation(err))

	_, err = p.Initialize(ctx, "m-1", &manifest.Manifest{Type: manifest.TypeAPI})
	assert.True(t, errors.IsValidation(err), "missing urn must be rejected")
}

func TestHappyPathToRegistered(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "acme-orders"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)

	v, err := p.SubmitForReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, lifecycle.StateReviewed, v.State.CurrentState)

	v, err = p.Approve(ctx, id, "alice", "looks complete")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Version)
	assert.Equal(t, lifecycle.StateApproved, v.State.CurrentState)
	assert.Equal(t, "alice", v.State.Reviewer)

	v, err = p.Register(ctx, id, lifecycle.Context{Reviewer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Version)
	assert.Equal(t, lifecycle.StateRegistered, v.State.CurrentState)

	// One manifest.created plus exactly one state.changed per transition.
	evs, err := p.Store().ReadEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	for _, ev := range evs[1:] {
		assert.Equal(t, events.StateChanged, ev.EventType)
	}
}

func TestRejectionAndResubmission(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "acme-orders"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, id)
	require.NoError(t, err)

	v, err := p.Reject(ctx, id, "missing governance owner")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRejected, v.State.CurrentState)
	assert.Equal(t, "missing governance owner", v.State.RejectionReason)

	v, err = p.RevertToDraft(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDraft, v.State.CurrentState)

	v, err = p.SubmitForReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateReviewed, v.State.CurrentState)
	assert.Equal(t, 5, v.Version, "version keeps increasing across the rejection loop")
}

func TestTransitionGuardFailure(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "m-1"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, id)
	require.NoError(t, err)

	_, err = p.Approve(ctx, id, "", "")
	assert.True(t, errors.IsGuardFailed(err))

	// The failed attempt must not have moved the state or version.
	v, err := p.Store().LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, lifecycle.StateReviewed, v.State.CurrentState)
}

func TestTransitionIllegalEvent(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "m-1", sampleManifest())
	require.NoError(t, err)

	_, err = p.Register(ctx, "m-1", lifecycle.Context{})
	assert.True(t, errors.IsConflict(err), "register straight from DRAFT is illegal")
}

func TestRegisteredIsTerminal(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "m-1"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, id)
	require.NoError(t, err)
	_, err = p.Approve(ctx, id, "alice", "ok")
	require.NoError(t, err)
	_, err = p.Register(ctx, id, lifecycle.Context{})
	require.NoError(t, err)

	_, err = p.RevertToDraft(ctx, id)
	assert.True(t, errors.IsConflict(err))
}

func TestReplayedEventIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "m-1"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)
	first, err := p.SubmitForReview(ctx, id)
	require.NoError(t, err)

	// Same event again: short-circuits, writes nothing, appends nothing.
	second, err := p.SubmitForReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	evs, err := p.Store().ReadEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	assert.EqualValues(t, 1, p.LockCounters().AlreadyApplied)
}

func TestConcurrentIdenticalTransitions(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()
	const id = "m-1"

	_, err := p.Initialize(ctx, id, sampleManifest())
	require.NoError(t, err)

	const callers = 6
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.SubmitForReview(ctx, id)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	v, err := p.Store().LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateReviewed, v.State.CurrentState)

	// Exactly one state.changed regardless of how many callers raced.
	evs, err := p.Store().ReadEvents(ctx, id)
	require.NoError(t, err)
	changed := 0
	for _, ev := range evs {
		if ev.EventType == events.StateChanged {
			changed++
		}
	}
	assert.Equal(t, 1, changed)
}

func TestNotifications(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []events.Type
	p.Subscribe(events.Wildcard, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.EventType)
	})

	_, err := p.Initialize(ctx, "m-1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "m-1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Type{events.ManifestCreated, events.StateChanged}, seen)
}
