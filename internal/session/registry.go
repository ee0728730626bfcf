// Package session maps users to their persistent evaluation sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-eval/internal/engine"
	"golang.org/x/sync/singleflight"
)

// createTimeout bounds a session creation that no caller is waiting on any
// more.
const createTimeout = 2 * time.Minute

// Factory creates a new session for a user.
type Factory interface {
	CreateSession(ctx context.Context, userID string) (engine.Session, error)
}

// Registry owns the userID -> Session map. Sessions are created lazily on
// first use and live as long as the registry.
type Registry struct {
	factory  Factory
	sessions sync.Map // userID -> engine.Session
	group    singleflight.Group
}

// NewRegistry creates a registry backed by factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// GetOrCreate returns the user's session, creating it on first use.
// Concurrent callers for the same user share one creation; callers for
// different users never wait on each other. The shared creation is detached
// from the caller that started it, so one caller giving up does not fail the
// others.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (engine.Session, error) {
	if s, ok := r.sessions.Load(userID); ok {
		return s.(engine.Session), nil
	}

	ch := r.group.DoChan(userID, func() (interface{}, error) {
		if s, ok := r.sessions.Load(userID); ok {
			return s, nil
		}

		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		created, err := r.factory.CreateSession(createCtx, userID)
		if err != nil {
			return nil, fmt.Errorf("create session for %s: %w", userID, err)
		}

		actual, loaded := r.sessions.LoadOrStore(userID, created)
		if !loaded {
			slog.Info("Evaluation session created", "user_id", userID)
		}
		return actual, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(engine.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns the user's session without creating one.
func (r *Registry) Lookup(userID string) (engine.Session, bool) {
	s, ok := r.sessions.Load(userID)
	if !ok {
		return nil, false
	}
	return s.(engine.Session), true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
