package form

import (
	"time"

	"github.com/formbridge/fab"
)

// MessageKind tags a message's channel.
type MessageKind string

const (
	// MessageNote is an internal note visible to the agency only.
	MessageNote MessageKind = "message.note"
	// MessageBroadcast goes out to every opted-in carrier.
	MessageBroadcast MessageKind = "message.broadcast"
	// MessageCarrier is addressed to a single carrier.
	MessageCarrier MessageKind = "message.carrier"
)

// Message is an append-only entry in the form's conversation log.
type Message struct {
	ID        fab.UUID    `json:"id"`
	Kind      MessageKind `json:"kind"`
	Author    string      `json:"author,omitempty"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage stamps a fresh message. CreatedAt uses fab.Now so tests can pin time.
func NewMessage(kind MessageKind, author, body string) Message {
	return Message{
		ID:        fab.NewUUID(),
		Kind:      kind,
		Author:    author,
		Body:      body,
		CreatedAt: fab.Now(),
	}
}
