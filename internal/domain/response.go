package domain

import "time"

// Field is a named value displayed inside a rendered message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Content is a rendered chat message.
type Content struct {
	Title  string  `json:"title,omitempty"`
	Body   string  `json:"body,omitempty"`
	Color  string  `json:"color,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// Response is the set of messages delivered for one handling of a request.
type Response struct {
	RequestID  string
	ChannelID  string
	MessageIDs []string
	SentAt     time.Time
}
