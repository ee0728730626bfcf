// Package engine defines the evaluation engine contract used by the
// execution pipeline and the session registry.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
)

// Sentinel errors for evaluation failures.
var (
	// ErrUnsupported indicates code that cannot be evaluated in the current
	// mode, such as empty input or an unterminated statement.
	ErrUnsupported = errors.New("unsupported code")

	// ErrTimeExceeded indicates the evaluation ran past its deadline.
	ErrTimeExceeded = errors.New("allotted time exceeded")
)

// Session is a per-user evaluation context. Its interpreter state is owned
// by the engine that created it.
type Session interface {
	UserID() string
	CreatedAt() time.Time
}

// Engine evaluates code inside user sessions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Evaluate must honor cancellation and return promptly once ctx is done.
// - Errors: wrap ErrUnsupported / ErrTimeExceeded so callers can use errors.Is.
// - Ownership: a Session is only ever passed back to the engine that created it.
type Engine interface {
	// CreateSession builds a fresh session for userID.
	CreateSession(ctx context.Context, userID string) (Session, error)

	// Evaluate runs code and returns one unit per top-level statement,
	// in submission order.
	Evaluate(ctx context.Context, s Session, code string) ([]domain.EvaluationUnit, error)

	// Diagnostics returns the engine's diagnostics for the unit's snippet.
	Diagnostics(ctx context.Context, s Session, unit domain.EvaluationUnit) ([]domain.Diagnostic, error)
}

// BaseSession carries the attributes every engine session shares.
type BaseSession struct {
	User    string
	Created time.Time
}

// UserID returns the owning user.
func (b BaseSession) UserID() string { return b.User }

// CreatedAt returns when the session was created.
func (b BaseSession) CreatedAt() time.Time { return b.Created }
