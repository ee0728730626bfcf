package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
)

const defaultDiagnosticsTimeout = 5 * time.Second

// Pipeline evaluates code against sessions under a fixed time bound.
type Pipeline struct {
	engine     engine.Engine
	timeout    time.Duration
	maxDisplay int
	diagWait   time.Duration
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithDiagnosticsTimeout bounds each diagnostics lookup.
func WithDiagnosticsTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.diagWait = d
		}
	}
}

// NewPipeline creates a pipeline. timeout bounds each evaluation and
// maxDisplay is the display window size.
func NewPipeline(eng engine.Engine, timeout time.Duration, maxDisplay int, opts ...Option) (*Pipeline, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0, got %v", timeout)
	}
	if maxDisplay < 1 {
		return nil, fmt.Errorf("max display must be >= 1, got %d", maxDisplay)
	}
	p := &Pipeline{
		engine:     eng,
		timeout:    timeout,
		maxDisplay: maxDisplay,
		diagWait:   defaultDiagnosticsTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type evalOutcome struct {
	units []domain.EvaluationUnit
	err   error
}

// Evaluate runs code in s and returns every unit the engine produced.
// The engine runs on its own goroutine; once the time bound passes the
// goroutine is abandoned and a KindTimeExceeded error is returned.
func (p *Pipeline) Evaluate(ctx context.Context, s engine.Session, code string) Result {
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan evalOutcome, 1)
	go func() {
		units, err := p.engine.Evaluate(evalCtx, s, code)
		done <- evalOutcome{units: units, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// An engine that notices the deadline itself may report it as a
			// plain context error.
			if errors.Is(out.err, context.DeadlineExceeded) && evalCtx.Err() != nil && ctx.Err() == nil {
				return failed(&Error{Kind: KindTimeExceeded, Cause: fmt.Errorf("%w after %v", engine.ErrTimeExceeded, p.timeout)})
			}
			return failed(classify(out.err))
		}
		return Result{Units: out.units}
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return failed(&Error{Kind: KindEngine, Cause: ctx.Err()})
		}
		slog.Warn("Evaluation abandoned after time bound", "user_id", s.UserID(), "timeout", p.timeout)
		return failed(&Error{Kind: KindTimeExceeded, Cause: fmt.Errorf("%w after %v", engine.ErrTimeExceeded, p.timeout)})
	}
}

// Run evaluates code, keeps the display window and attaches diagnostics to
// every retained unit.
func (p *Pipeline) Run(ctx context.Context, s engine.Session, code string) Result {
	res := p.Evaluate(ctx, s, code)
	if !res.OK() {
		return res
	}

	shown := Window(res.Units, p.maxDisplay)
	for i := range shown {
		shown[i].Diagnostics = p.diagnostics(ctx, s, shown[i])
	}
	return Result{Units: shown}
}

func (p *Pipeline) diagnostics(ctx context.Context, s engine.Session, unit domain.EvaluationUnit) []domain.Diagnostic {
	diagCtx, cancel := context.WithTimeout(ctx, p.diagWait)
	defer cancel()

	diags, err := p.engine.Diagnostics(diagCtx, s, unit)
	if err != nil {
		slog.Warn("Failed to fetch diagnostics", "user_id", s.UserID(), "snippet_id", unit.SnippetID, "error", err)
		return nil
	}
	return diags
}

// Window returns the last limit units in their original order. When there
// are at most limit units, all are returned. The result never aliases units.
func Window(units []domain.EvaluationUnit, limit int) []domain.EvaluationUnit {
	if limit < 1 {
		limit = 1
	}
	start := len(units) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.EvaluationUnit, len(units)-start)
	copy(out, units[start:])
	return out
}
