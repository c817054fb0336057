// Package lifecycle is the pure state-machine kernel for the registration
// lifecycle. It performs no I/O: it validates states and events, resolves
// transitions against a fixed table, evaluates guards, and runs entry
// actions that are limited to structured logging.
package lifecycle

import (
	"fmt"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

// State is a lifecycle state of a manifest registration.
type State string

// Lifecycle states
const (
	StateDraft      State = "DRAFT"
	StateReviewed   State = "REVIEWED"
	StateApproved   State = "APPROVED"
	StateRegistered State = "REGISTERED"
	StateRejected   State = "REJECTED"
)

// Event drives a lifecycle transition.
type Event string

// Lifecycle events
const (
	EventSubmitForReview Event = "submit_for_review"
	EventApprove         Event = "approve"
	EventReject          Event = "reject"
	EventRegister        Event = "register"
	EventRevertToDraft   Event = "revert_to_draft"
)

// transitions is the state x event table. REGISTERED is terminal.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventSubmitForReview: StateReviewed,
	},
	StateReviewed: {
		EventApprove:       StateApproved,
		EventReject:        StateRejected,
		EventRevertToDraft: StateDraft,
	},
	StateApproved: {
		EventReject:        StateRejected,
		EventRegister:      StateRegistered,
		EventRevertToDraft: StateDraft,
	},
	StateRegistered: {},
	StateRejected: {
		EventRevertToDraft: StateDraft,
	},
}

// Context carries the caller-supplied data a transition may need. The
// orchestrator fills ConflictingURN from the catalog conflict check before
// requesting the register event.
type Context struct {
	Manifest        *manifest.Manifest
	Reviewer        string
	ReviewNotes     string
	RejectionReason string
	ConflictingURN  string
}

// IsValidState reports whether s is a known lifecycle state.
func IsValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// IsValidEvent reports whether e is a known lifecycle event.
func IsValidEvent(e Event) bool {
	switch e {
	case EventSubmitForReview, EventApprove, EventReject, EventRegister, EventRevertToDraft:
		return true
	}
	return false
}

// States returns all lifecycle states.
func States() []State {
	return []State{StateDraft, StateReviewed, StateApproved, StateRegistered, StateRejected}
}

// Events returns all lifecycle events.
func Events() []Event {
	return []Event{EventSubmitForReview, EventApprove, EventReject, EventRegister, EventRevertToDraft}
}

// NextState resolves the transition table for (from, event). A terminal
// state reports no_transitions; an unknown pairing reports the event as not
// legal from the current state. Both are conflict errors.
func NextState(from State, event Event) (State, error) {
	if !IsValidState(from) {
		return "", errors.NewValidationError(fmt.Sprintf("unknown state %q", from), nil)
	}
	if !IsValidEvent(event) {
		return "", errors.NewValidationError(fmt.Sprintf("unknown event %q", event), nil)
	}

	outgoing := transitions[from]
	if len(outgoing) == 0 {
		return "", errors.NewConflictError(
			fmt.Sprintf("state %s has no outgoing transitions", from), nil).
			WithContext("reason", "no_transitions").
			WithContext("state", string(from))
	}

	to, ok := outgoing[event]
	if !ok {
		return "", errors.NewConflictError(
			fmt.Sprintf("event %s is not legal from state %s", event, from), nil).
			WithContext("state", string(from)).
			WithContext("event", string(event))
	}
	return to, nil
}

// CheckTransition resolves the transition and evaluates its guard.
func CheckTransition(from State, event Event, ctx Context) (State, error) {
	to, err := NextState(from, event)
	if err != nil {
		return "", err
	}
	if err := EvaluateGuard(event, ctx); err != nil {
		return "", err
	}
	return to, nil
}

// EvaluateGuard runs the guard predicate for an event. A failed guard blocks
// the transition with a human-readable reason.
func EvaluateGuard(event Event, ctx Context) error {
	switch event {
	case EventSubmitForReview:
		if ctx.Manifest == nil || ctx.Manifest.URN == "" {
			return errors.NewGuardFailedError("manifest with a non-empty urn required", nil).
				WithContext("event", string(event))
		}
	case EventApprove:
		if ctx.Reviewer == "" {
			return errors.NewGuardFailedError("reviewer required", nil).
				WithContext("event", string(event))
		}
		if ctx.ReviewNotes == "" {
			return errors.NewGuardFailedError("review notes required", nil).
				WithContext("event", string(event))
		}
	case EventReject:
		if ctx.RejectionReason == "" {
			return errors.NewGuardFailedError("rejection reason required", nil).
				WithContext("event", string(event))
		}
	case EventRegister:
		if ctx.Manifest == nil || ctx.Manifest.URN == "" {
			return errors.NewGuardFailedError("manifest with a non-empty urn required", nil).
				WithContext("event", string(event))
		}
		if ctx.ConflictingURN != "" {
			return errors.NewGuardFailedError(
				fmt.Sprintf("urn %s conflicts with an existing registration", ctx.ConflictingURN), nil).
				WithContext("event", string(event)).
				WithContext("conflictingUrn", ctx.ConflictingURN)
		}
	case EventRevertToDraft:
		// No guard.
	}
	return nil
}

// RunEntryAction performs the entry action for a state. Entry actions only
// log; they never mutate state or perform fallible I/O.
func RunEntryAction(to State, manifestID string) {
	logger.Infow("entered lifecycle state",
		"manifest_id", manifestID,
		"state", string(to),
	)
}
