package domain

import "time"

// MessageKind tells who posted a chat message.
type MessageKind string

const (
	// MessageKindUser marks messages posted by people.
	MessageKindUser MessageKind = "user"
	// MessageKindBot marks rendered evaluation results.
	MessageKindBot MessageKind = "bot"
)

// ChatMessage is one entry of a channel transcript.
type ChatMessage struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel"`
	Kind       MessageKind `json:"kind"`
	AuthorID   string      `json:"author_id,omitempty"`
	AuthorName string      `json:"author_name,omitempty"`
	Text       string      `json:"text,omitempty"`
	Content    *Content    `json:"content,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	DeleteAt   *time.Time  `json:"delete_at,omitempty"`
}
