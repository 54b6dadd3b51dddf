package form

import (
	"time"

	"github.com/formbridge/fab"
)

// EventKind tags an audit event.
type EventKind string

const (
	EventFormCreated        EventKind = "form.created"
	EventAnswerChanged      EventKind = "answer.changed"
	EventCopyReplaced       EventKind = "copy.replaced"
	EventQuestionSetToggled EventKind = "questionset.toggled"
	EventQuoteSubmitted     EventKind = "quote.submitted"
	EventCarrierOptedIn     EventKind = "carrier.opted_in"
	EventCarrierOptedOut    EventKind = "carrier.opted_out"
)

// Event is an append-only audit record on the form's event log.
type Event struct {
	ID      fab.UUID       `json:"id"`
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent stamps a fresh event. At uses fab.Now so tests can pin time.
func NewEvent(kind EventKind, payload map[string]any) Event {
	return Event{
		ID:      fab.NewUUID(),
		Kind:    kind,
		Payload: payload,
		At:      fab.Now(),
	}
}
