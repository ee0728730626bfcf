// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
)

// Repository defines the interface for persisting users and channel
// transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil if not found.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// InsertMessage stores a new chat message.
	InsertMessage(ctx context.Context, msg *domain.ChatMessage) error

	// GetMessage retrieves a live message. Returns domain.ErrMessageNotFound
	// for unknown or deleted messages.
	GetMessage(ctx context.Context, id string) (*domain.ChatMessage, error)

	// UpdateMessageText replaces the text of a live message.
	UpdateMessageText(ctx context.Context, id, text string, at time.Time) error

	// MarkMessageDeleted soft-deletes a message. Returns
	// domain.ErrMessageNotFound when it is unknown or already deleted.
	MarkMessageDeleted(ctx context.Context, id string, at time.Time) error

	// ScheduleMessageDelete records when a live message should be deleted.
	ScheduleMessageDelete(ctx context.Context, id string, at time.Time) error

	// DueMessages returns live messages whose scheduled deletion is at or
	// before now.
	DueMessages(ctx context.Context, now time.Time) ([]*domain.ChatMessage, error)

	// ListMessages returns the newest live messages of a channel, oldest first.
	ListMessages(ctx context.Context, channelID string, limit int) ([]*domain.ChatMessage, error)

	// PurgeDeletedMessages removes messages deleted before the cutoff.
	PurgeDeletedMessages(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
