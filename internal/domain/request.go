package domain

import "time"

// Request is one inbound chat message interpreted as a possible command.
// An edit is delivered as a new Request sharing the original ID.
type Request struct {
	ID         string
	AuthorID   string
	AuthorName string
	ChannelID  string
	Text       string
	Timestamp  time.Time
}

// EventKind identifies what happened to a chat message.
type EventKind string

const (
	// EventCreated is emitted when a message is posted.
	EventCreated EventKind = "created"
	// EventEdited is emitted when a message's text changes.
	EventEdited EventKind = "edited"
	// EventDeleted is emitted when a message is removed.
	EventDeleted EventKind = "deleted"
)

// Event is a transport notification about a single request.
// For EventDeleted only Request.ID and Request.ChannelID are meaningful.
type Event struct {
	Kind    EventKind
	Request Request
}
