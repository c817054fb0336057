// Package pipeline drives the registration lifecycle of a manifest: it
// composes the state-machine kernel, the optimistic-lock runtime, and the
// file persistence layer, and emits lifecycle notifications on every
// successful operation.
package pipeline

import (
	"context"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/oplock"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
	"github.com/kneelinghorse/semantext-hub/pkg/telemetry"
)

// Pipeline is the registration lifecycle engine for persisted manifests.
type Pipeline struct {
	store    *persist.Store
	lock     *oplock.Runtime
	notifier *events.Notifier
	metrics  *telemetry.Metrics
}

// New creates a pipeline over the given store and CAS runtime. metrics may
// be nil; when present, the CAS retry stream is mirrored into it.
func New(store *persist.Store, lock *oplock.Runtime, metrics *telemetry.Metrics) *Pipeline {
	p := &Pipeline{
		store:    store,
		lock:     lock,
		notifier: events.NewNotifier(),
		metrics:  metrics,
	}
	if metrics != nil {
		lock.Observe(func(e oplock.Event) {
			switch e.Kind {
			case oplock.EventRetry:
				metrics.CASRetries.Inc()
			case oplock.EventExhausted:
				metrics.CASExhaustions.Inc()
			case oplock.EventAlreadyApplied:
				metrics.CASShortCuts.Inc()
			case oplock.EventSuccess:
				// Counted per-transition below.
			}
		})
	}
	return p
}

// Subscribe registers a handler for lifecycle notifications of the given
// event type.
func (p *Pipeline) Subscribe(kind events.Type, h events.Handler) {
	p.notifier.Subscribe(kind, h)
}

// Store exposes the underlying persistence layer.
func (p *Pipeline) Store() *persist.Store {
	return p.store
}

// LockCounters returns the CAS runtime's lifetime counters.
func (p *Pipeline) LockCounters() oplock.Counters {
	return p.lock.Counters()
}

// Initialize creates the DRAFT record for a manifest at version 1 and
// appends the manifest.created event. It fails with conflict if any record
// already exists for the id.
func (p *Pipeline) Initialize(ctx context.Context, manifestID string, m *manifest.Manifest) (persist.Versioned, error) {
	if manifestID == "" {
		return persist.Versioned{}, errors.NewValidationError("manifest id is required", nil)
	}
	if err := manifest.Validate(m); err != nil {
		return persist.Versioned{}, err
	}
	now := persist.Now()
	v := persist.Versioned{
		Version: 1,
		State: persist.StateDoc{
			CurrentState: lifecycle.StateDraft,
			Manifest:     m,
			ManifestID:   manifestID,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		UpdatedAt: now,
	}
	// CreateState checks and writes under the store's per-manifest mutex, so
	// racing initializers for the same id see conflict rather than each
	// writing version 1.
	if err := p.store.CreateState(ctx, manifestID, v); err != nil {
		return persist.Versioned{}, err
	}

	ev := events.New(events.ManifestCreated, manifestID,
		map[string]any{"manifest": m},
		map[string]any{"urn": m.URN},
	)
	if err := p.store.AppendEvent(ctx, manifestID, ev); err != nil {
		return persist.Versioned{}, err
	}

	lifecycle.RunEntryAction(lifecycle.StateDraft, manifestID)
	p.notifier.Emit(ev)
	return v, nil
}

// SubmitForReview moves a DRAFT manifest to REVIEWED.
func (p *Pipeline) SubmitForReview(ctx context.Context, manifestID string) (persist.Versioned, error) {
	return p.Transition(ctx, manifestID, lifecycle.EventSubmitForReview, lifecycle.Context{})
}

// Approve moves a REVIEWED manifest to APPROVED, recording the reviewer.
func (p *Pipeline) Approve(ctx context.Context, manifestID, reviewer, notes string) (persist.Versioned, error) {
	return p.Transition(ctx, manifestID, lifecycle.EventApprove, lifecycle.Context{
		Reviewer:    reviewer,
		ReviewNotes: notes,
	})
}

// Reject moves a REVIEWED or APPROVED manifest to REJECTED.
func (p *Pipeline) Reject(ctx context.Context, manifestID, reason string) (persist.Versioned, error) {
	return p.Transition(ctx, manifestID, lifecycle.EventReject, lifecycle.Context{
		RejectionReason: reason,
	})
}

// Register moves an APPROVED manifest to REGISTERED. The caller provides
// the registration context; the orchestrator fills ConflictingURN from the
// catalog conflict check.
func (p *Pipeline) Register(ctx context.Context, manifestID string, tctx lifecycle.Context) (persist.Versioned, error) {
	return p.Transition(ctx, manifestID, lifecycle.EventRegister, tctx)
}

// RevertToDraft moves a manifest back to DRAFT where the table permits.
func (p *Pipeline) RevertToDraft(ctx context.Context, manifestID string) (persist.Versioned, error) {
	return p.Transition(ctx, manifestID, lifecycle.EventRevertToDraft, lifecycle.Context{})
}

// Transition applies one lifecycle event under optimistic locking: consult
// the state machine inside the CAS compute, write the snapshot at
// version+1, append exactly one state.changed event, and emit a
// notification. Replaying the same event against its own outcome
// short-circuits as already applied and appends nothing.
func (p *Pipeline) Transition(
	ctx context.Context,
	manifestID string,
	event lifecycle.Event,
	tctx lifecycle.Context,
) (persist.Versioned, error) {
	read := func(ctx context.Context) (persist.Versioned, error) {
		return p.store.LoadStateWithRecovery(ctx, manifestID)
	}
	write := func(ctx context.Context, v persist.Versioned) error {
		return p.store.SaveStateChecked(ctx, manifestID, v)
	}

	compute := func(current persist.StateDoc, attempt int) (persist.StateDoc, error) {
		if isAlreadyApplied(current, event) {
			return persist.StateDoc{}, oplock.AlreadyApplied
		}

		guardCtx := tctx
		guardCtx.Manifest = current.Manifest

		to, err := lifecycle.CheckTransition(current.CurrentState, event, guardCtx)
		if err != nil {
			return persist.StateDoc{}, err
		}

		next := current
		next.CurrentState = to
		next.UpdatedAt = persist.Now()
		next.LastTransition = &persist.Transition{
			From:      current.CurrentState,
			To:        to,
			Event:     event,
			Timestamp: next.UpdatedAt,
			Attempt:   attempt,
		}
		if tctx.Reviewer != "" {
			next.Reviewer = tctx.Reviewer
		}
		if tctx.ReviewNotes != "" {
			next.ReviewNotes = tctx.ReviewNotes
		}
		if tctx.RejectionReason != "" {
			next.RejectionReason = tctx.RejectionReason
		}
		return next, nil
	}

	v, applied, err := p.lock.CompareAndSwap(ctx, manifestID, read, write, compute)
	if err != nil {
		return persist.Versioned{}, err
	}
	if !applied {
		// Idempotent retry: nothing was written, no duplicate event.
		return v, nil
	}

	lt := v.State.LastTransition
	payload := map[string]any{
		"from":    string(lt.From),
		"to":      string(lt.To),
		"event":   string(event),
		"attempt": lt.Attempt,
	}
	if tctx.Reviewer != "" {
		payload["reviewer"] = tctx.Reviewer
	}
	if tctx.ReviewNotes != "" {
		payload["reviewNotes"] = tctx.ReviewNotes
	}
	if tctx.RejectionReason != "" {
		payload["rejectionReason"] = tctx.RejectionReason
	}

	ev := events.New(events.StateChanged, manifestID, payload,
		map[string]any{"version": v.Version})
	if err := p.store.AppendEvent(ctx, manifestID, ev); err != nil {
		return persist.Versioned{}, err
	}

	lifecycle.RunEntryAction(lt.To, manifestID)
	if p.metrics != nil {
		p.metrics.Transitions.WithLabelValues(string(event)).Inc()
	}
	p.notifier.Emit(ev)
	return v, nil
}

// isAlreadyApplied reports whether the persisted state already reflects the
// requested event: the last transition carries the same event and the state
// it produced is still current.
func isAlreadyApplied(current persist.StateDoc, event lifecycle.Event) bool {
	lt := current.LastTransition
	return lt != nil && lt.Event == event && current.CurrentState == lt.To
}
