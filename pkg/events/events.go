// Package events defines the event envelope appended to each manifest's
// event log and the in-process notifier used for lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event.
type Type string

// Event types
const (
	ManifestCreated       Type = "manifest.created"
	StateChanged          Type = "state.changed"
	RegistrationCompleted Type = "registration.completed"
	IntegrationCompleted  Type = "integration.completed"
	ErrorOccurred         Type = "error.occurred"
)

// Event is the envelope appended to the per-manifest event log. Events are
// appended exactly once per successful operation and never rewritten.
type Event struct {
	EventID    string         `json:"eventId"`
	Timestamp  string         `json:"timestamp"`
	EventType  Type           `json:"eventType"`
	ManifestID string         `json:"manifestId"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// New builds an event envelope with a fresh id and the current wall-clock
// timestamp in RFC 3339 form.
func New(eventType Type, manifestID string, payload, metadata map[string]any) Event {
	return Event{
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		EventType:  eventType,
		ManifestID: manifestID,
		Payload:    payload,
		Metadata:   metadata,
	}
}
