// Package persist stores per-manifest registration state on disk: a
// versioned snapshot written atomically plus an append-only JSON-Lines event
// log. A missing or corrupted snapshot is reconstructed by replaying the
// event log.
package persist

import (
	"time"

	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

// Transition records the last successful transition applied to a manifest.
type Transition struct {
	From      lifecycle.State `json:"from"`
	To        lifecycle.State `json:"to"`
	Event     lifecycle.Event `json:"event"`
	Timestamp string          `json:"timestamp"`
	Attempt   int             `json:"attempt"`
}

// StateDoc is the lifecycle state document of one manifest.
type StateDoc struct {
	CurrentState    lifecycle.State    `json:"currentState"`
	Manifest        *manifest.Manifest `json:"manifest,omitempty"`
	ManifestID      string             `json:"manifestId"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
	LastTransition  *Transition        `json:"lastTransition,omitempty"`
	Reviewer        string             `json:"reviewer,omitempty"`
	ReviewNotes     string             `json:"reviewNotes,omitempty"`
	RejectionReason string             `json:"rejectionReason,omitempty"`
}

// Versioned wraps a state document with its optimistic version. Version
// starts at 1 on creation and increments by exactly 1 on each successful
// write.
type Versioned struct {
	Version   int      `json:"version"`
	State     StateDoc `json:"state"`
	UpdatedAt string   `json:"updatedAt"`
}

// Now returns the wall-clock timestamp format used in state documents.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
