package docker

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = time.Minute

// StartReaper runs a background goroutine that periodically removes the
// containers of idle sessions. The sessions themselves stay registered and
// get a fresh container on their next evaluation.
func (e *Engine) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Container reaper started", "interval", reaperInterval, "ttl", e.idleTTL)

		for {
			select {
			case <-ticker.C:
				e.reapIdle(ctx)
			case <-ctx.Done():
				slog.Info("Container reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapIdle stops the containers of sessions idle for longer than the TTL.
// Busy sessions are skipped.
func (e *Engine) reapIdle(ctx context.Context) int {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	now := e.now()
	reaped := 0
	for _, s := range sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.containerID != "" && now.Sub(s.lastUsed) > e.idleTTL {
			slog.Info("Reaping idle container",
				"user_id", s.User,
				"container_id", s.containerID,
				"idle", now.Sub(s.lastUsed))
			if err := e.runtime.StopContainer(ctx, s.containerID); err != nil {
				slog.Error("Failed to stop idle container",
					"error", err,
					"container_id", s.containerID,
					"user_id", s.User)
			} else {
				s.containerID = ""
				reaped++
			}
		}
		s.mu.Unlock()
	}

	if reaped > 0 {
		slog.Info("Container reaper cleanup completed", "reaped", reaped)
	}
	return reaped
}

// Shutdown stops every session container.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		id := s.ContainerID()
		if id == "" {
			continue
		}
		if err := e.runtime.StopContainer(ctx, id); err != nil {
			slog.Warn("Failed to stop container on shutdown", "container_id", id, "user_id", s.User, "error", err)
		}
	}
}
