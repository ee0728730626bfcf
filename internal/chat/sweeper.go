package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
)

const sweepInterval = 30 * time.Second

// StartSweeper runs a background goroutine that deletes messages whose
// scheduled deletion is overdue and purges old deleted messages.
func (h *Hub) StartSweeper(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Message sweeper started", "interval", sweepInterval, "retention", retention)

		// Deadlines that passed while the process was down.
		h.sweep(ctx, retention)
		for {
			select {
			case <-ticker.C:
				h.sweep(ctx, retention)
			case <-ctx.Done():
				slog.Info("Message sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweep performs one pass and returns the number of messages deleted.
func (h *Hub) sweep(ctx context.Context, retention time.Duration) int {
	now := h.now()
	due, err := h.repo.DueMessages(ctx, now)
	if err != nil {
		slog.Error("Sweeper failed to get due messages", "error", err)
		return 0
	}

	deleted := 0
	for _, msg := range due {
		err := h.DeleteMessage(ctx, msg.ID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, domain.ErrMessageNotFound):
		default:
			slog.Warn("Sweeper failed to delete message", "message_id", msg.ID, "error", err)
		}
	}
	if deleted > 0 {
		slog.Info("Sweeper deleted overdue messages", "count", deleted)
	}

	if purged, err := h.repo.PurgeDeletedMessages(ctx, now.Add(-retention)); err != nil {
		slog.Error("Sweeper failed to purge deleted messages", "error", err)
	} else if purged > 0 {
		slog.Info("Sweeper purged deleted messages", "count", purged)
	}
	return deleted
}
