package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
)

const (
	// Per-statement limit used when the caller sets no deadline.
	defaultStatementLimit = 60 * time.Second
	// Number of recent snippets whose diagnostics are kept per session.
	diagnosticsHistory = 64
)

// Session is a user's shell session. Its state lives in the user's
// container and survives between requests.
type Session struct {
	engine.BaseSession

	// mu serialises evaluations and guards containerID, lastUsed and nextID.
	mu          sync.Mutex
	containerID string
	lastUsed    time.Time
	nextID      int

	diagMu sync.Mutex
	diags  map[int][]domain.Diagnostic
}

// ContainerID returns the container currently backing the session, or ""
// when it was reaped.
func (s *Session) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

func (s *Session) storeDiagnostics(id int, diags []domain.Diagnostic) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	if len(diags) > 0 {
		s.diags[id] = diags
	}
	delete(s.diags, id-diagnosticsHistory)
}

func (s *Session) diagnostics(id int) []domain.Diagnostic {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return append([]domain.Diagnostic(nil), s.diags[id]...)
}

// Engine evaluates shell code in per-user containers.
type Engine struct {
	runtime Runtime
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an engine on top of runtime. Containers idle for longer than
// idleTTL are removed by the reaper and recreated on next use.
func New(runtime Runtime, idleTTL time.Duration) *Engine {
	return &Engine{
		runtime:  runtime,
		idleTTL:  idleTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// CreateSession starts a container for userID and returns its session.
func (e *Engine) CreateSession(ctx context.Context, userID string) (engine.Session, error) {
	containerID, err := e.runtime.EnsureContainer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure container for %s: %w", userID, err)
	}

	now := e.now()
	s := &Session{
		BaseSession: engine.BaseSession{User: userID, Created: now},
		containerID: containerID,
		lastUsed:    now,
		diags:       make(map[int][]domain.Diagnostic),
	}

	e.mu.Lock()
	e.sessions[userID] = s
	e.mu.Unlock()

	slog.Info("Shell session created", "user_id", userID, "container_id", containerID)
	return s, nil
}

// Evaluate runs each top-level statement of code in order and returns one
// unit per statement.
func (e *Engine) Evaluate(ctx context.Context, es engine.Session, code string) ([]domain.EvaluationUnit, error) {
	s, ok := es.(*Session)
	if !ok {
		return nil, fmt.Errorf("session of type %T was not created by this engine", es)
	}

	stmts, err := Split(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrUnsupported, err)
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("%w: no statements", engine.ErrUnsupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.ensureContainer(ctx, s); err != nil {
		return nil, err
	}
	defer func() { s.lastUsed = e.now() }()

	units := make([]domain.EvaluationUnit, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := e.exec(ctx, s, stmt)
		if err != nil {
			return nil, err
		}

		s.nextID++
		id := s.nextID
		s.storeDiagnostics(id, parseDiagnostics(res.stderr))
		units = append(units, res.toUnit(strconv.Itoa(id), stmt))
	}
	return units, nil
}

// Diagnostics returns the diagnostics recorded for the unit's snippet.
func (e *Engine) Diagnostics(_ context.Context, es engine.Session, unit domain.EvaluationUnit) ([]domain.Diagnostic, error) {
	s, ok := es.(*Session)
	if !ok {
		return nil, fmt.Errorf("session of type %T was not created by this engine", es)
	}
	id, err := strconv.Atoi(unit.SnippetID)
	if err != nil {
		return nil, fmt.Errorf("invalid snippet id %q: %w", unit.SnippetID, err)
	}
	return s.diagnostics(id), nil
}

// ensureContainer recreates the container of a reaped session.
// Callers must hold s.mu.
func (e *Engine) ensureContainer(ctx context.Context, s *Session) error {
	if s.containerID != "" {
		return nil
	}
	containerID, err := e.runtime.EnsureContainer(ctx, s.User)
	if err != nil {
		return fmt.Errorf("recreate container for %s: %w", s.User, err)
	}
	s.containerID = containerID
	slog.Info("Container recreated for idle session", "user_id", s.User, "container_id", containerID)
	return nil
}

func (e *Engine) exec(ctx context.Context, s *Session, stmt string) (execResult, error) {
	limit := defaultStatementLimit
	if deadline, ok := ctx.Deadline(); ok {
		limit = time.Until(deadline)
	}

	stdout := newTailBuffer(defaultTailSize)
	stderr := newTailBuffer(defaultTailSize)
	start := time.Now()

	code, err := e.runtime.Exec(ctx, s.containerID, buildCommand(stmt, limit), stdout, stderr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return execResult{}, fmt.Errorf("%w: statement %q", engine.ErrTimeExceeded, stmt)
		}
		if ctx.Err() != nil {
			return execResult{}, ctx.Err()
		}
		return execResult{}, fmt.Errorf("exec in %s: %w", s.containerID, err)
	}
	if code == killedExitCode && time.Since(start) >= limit-time.Second {
		return execResult{}, fmt.Errorf("%w: statement %q", engine.ErrTimeExceeded, stmt)
	}

	if stdout.Truncated() || stderr.Truncated() {
		slog.Debug("Statement output truncated", "user_id", s.User)
	}
	return execResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: code}, nil
}
