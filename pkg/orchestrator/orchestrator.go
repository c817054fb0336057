// Package orchestrator binds the registration pipeline to the registry
// writer at the REGISTER transition. Review-phase transitions pass straight
// through to the pipeline.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
	"github.com/kneelinghorse/semantext-hub/pkg/pipeline"
	"github.com/kneelinghorse/semantext-hub/pkg/writer"
)

// Result aggregates the lifecycle transition and the registry write of one
// registration.
type Result struct {
	ManifestID string            `json:"manifestId"`
	URN        string            `json:"urn"`
	State      persist.Versioned `json:"state"`
	Write      writer.Result     `json:"write"`
}

// Orchestrator wires the pipeline and the writer together.
type Orchestrator struct {
	pipeline *pipeline.Pipeline
	writer   *writer.Writer
	store    *persist.Store
	notifier *events.Notifier
}

// New creates an orchestrator over an existing pipeline and writer.
func New(p *pipeline.Pipeline, w *writer.Writer) *Orchestrator {
	return &Orchestrator{
		pipeline: p,
		writer:   w,
		store:    p.Store(),
		notifier: events.NewNotifier(),
	}
}

// Subscribe registers a handler for orchestration notifications.
func (o *Orchestrator) Subscribe(kind events.Type, h events.Handler) {
	o.notifier.Subscribe(kind, h)
}

// Initialize delegates to the pipeline.
func (o *Orchestrator) Initialize(ctx context.Context, manifestID string, m *manifest.Manifest) (persist.Versioned, error) {
	return o.pipeline.Initialize(ctx, manifestID, m)
}

// SubmitForReview delegates to the pipeline.
func (o *Orchestrator) SubmitForReview(ctx context.Context, manifestID string) (persist.Versioned, error) {
	return o.pipeline.SubmitForReview(ctx, manifestID)
}

// Approve delegates to the pipeline.
func (o *Orchestrator) Approve(ctx context.Context, manifestID, reviewer, notes string) (persist.Versioned, error) {
	return o.pipeline.Approve(ctx, manifestID, reviewer, notes)
}

// Reject delegates to the pipeline.
func (o *Orchestrator) Reject(ctx context.Context, manifestID, reason string) (persist.Versioned, error) {
	return o.pipeline.Reject(ctx, manifestID, reason)
}

// RevertToDraft delegates to the pipeline.
func (o *Orchestrator) RevertToDraft(ctx context.Context, manifestID string) (persist.Versioned, error) {
	return o.pipeline.RevertToDraft(ctx, manifestID)
}

// Register carries an APPROVED manifest through the REGISTER transition and
// the registry write, then appends an integration.completed event
// summarizing both phases. Failures are recorded as error.occurred against
// the manifest and propagated.
func (o *Orchestrator) Register(ctx context.Context, manifestID string) (Result, error) {
	res := Result{ManifestID: manifestID}

	current, err := o.store.LoadStateWithRecovery(ctx, manifestID)
	if err != nil {
		return res, o.fail(ctx, manifestID, "load", err)
	}
	m := current.State.Manifest
	if m == nil {
		return res, o.fail(ctx, manifestID, "load",
			errors.NewValidationError("persisted state has no manifest", nil))
	}
	res.URN = m.URN

	tctx := lifecycle.Context{Reviewer: current.State.Reviewer}
	if o.writer.CheckURNConflict(m.URN) {
		tctx.ConflictingURN = m.URN
		err := errors.NewConflictError(
			fmt.Sprintf("urn %s is already registered", m.URN), nil).
			WithContext("reason", "urn_conflict").
			WithContext("urn", m.URN)
		return res, o.fail(ctx, manifestID, "conflict_check", err)
	}

	state, err := o.pipeline.Register(ctx, manifestID, tctx)
	if err != nil {
		return res, o.fail(ctx, manifestID, "transition", err)
	}
	res.State = state

	write, err := o.writer.Register(ctx, manifestID, m, map[string]any{
		"reviewer": current.State.Reviewer,
	})
	if err != nil {
		return res, o.fail(ctx, manifestID, "registry_write", err)
	}
	res.Write = write

	ev := events.New(events.IntegrationCompleted, manifestID,
		map[string]any{
			"urn":         m.URN,
			"version":     state.Version,
			"catalogSize": write.CatalogSize,
			"timings":     write.Timings,
		}, nil)
	if err := o.store.AppendEvent(ctx, manifestID, ev); err != nil {
		return res, err
	}
	o.notifier.Emit(ev)
	return res, nil
}

// Unregister removes a registered manifest from the catalog and graph and
// retires its persisted lifecycle record, so a later publish of the same URN
// starts a fresh lifecycle instead of replaying a stale REGISTERED snapshot.
func (o *Orchestrator) Unregister(ctx context.Context, manifestID, urn string) (writer.UnregisterResult, error) {
	res, err := o.writer.Unregister(ctx, manifestID, urn)
	if err != nil && !errors.IsNotFound(err) {
		return res, err
	}

	rmErr := o.store.Remove(ctx, manifestID)
	switch {
	case rmErr == nil:
		return res, nil
	case errors.IsNotFound(rmErr):
		return res, err
	default:
		return res, rmErr
	}
}

// fail records an error.occurred event against the manifest and returns the
// original error.
func (o *Orchestrator) fail(ctx context.Context, manifestID, phase string, cause error) error {
	logger.Errorw("registration failed",
		"manifest_id", manifestID, "phase", phase, "error", cause)

	ev := events.New(events.ErrorOccurred, manifestID,
		map[string]any{
			"phase": phase,
			"kind":  errors.Kind(cause),
			"error": cause.Error(),
		}, nil)
	if err := o.store.AppendEvent(ctx, manifestID, ev); err != nil {
		logger.Errorw("failed to append error event",
			"manifest_id", manifestID, "error", err)
	}
	o.notifier.Emit(ev)
	return cause
}
