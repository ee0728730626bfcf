package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
)

// fakeEngine evaluates "sleep:<ms>" by sleeping, "unsupported" by failing
// and anything else as one unit per line.
type fakeEngine struct {
	mu        sync.Mutex
	diags     map[string][]domain.Diagnostic
	diagErr   error
	evaluated []string
}

func (f *fakeEngine) CreateSession(_ context.Context, userID string) (engine.Session, error) {
	return engine.BaseSession{User: userID, Created: time.Now()}, nil
}

func (f *fakeEngine) Evaluate(ctx context.Context, _ engine.Session, code string) ([]domain.EvaluationUnit, error) {
	f.mu.Lock()
	f.evaluated = append(f.evaluated, code)
	f.mu.Unlock()

	if ms, ok := cutPrefix(code, "sleep:"); ok {
		n, _ := strconv.Atoi(ms)
		select {
		case <-time.After(time.Duration(n) * time.Millisecond):
		case <-ctx.Done():
			// Ignore cancellation on purpose to model an engine that cannot
			// be interrupted.
			time.Sleep(time.Duration(n) * time.Millisecond)
		}
		return []domain.EvaluationUnit{{SnippetID: "1", Outcome: domain.OutcomeValue, Value: "slept"}}, nil
	}
	if code == "unsupported" {
		return nil, fmt.Errorf("nothing to run: %w", engine.ErrUnsupported)
	}
	if code == "crash" {
		return nil, errors.New("container gone")
	}

	var units []domain.EvaluationUnit
	for i, line := range splitLines(code) {
		units = append(units, domain.EvaluationUnit{
			SnippetID: strconv.Itoa(i + 1),
			Source:    line,
			Outcome:   domain.OutcomeValue,
			Value:     line,
		})
	}
	return units, nil
}

func (f *fakeEngine) Diagnostics(_ context.Context, _ engine.Session, unit domain.EvaluationUnit) ([]domain.Diagnostic, error) {
	if f.diagErr != nil {
		return nil, f.diagErr
	}
	return f.diags[unit.SnippetID], nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func units(n int) []domain.EvaluationUnit {
	out := make([]domain.EvaluationUnit, n)
	for i := range out {
		out[i] = domain.EvaluationUnit{SnippetID: strconv.Itoa(i)}
	}
	return out
}

func TestWindow(t *testing.T) {
	for n := 0; n <= 8; n++ {
		for m := 1; m <= 6; m++ {
			in := units(n)
			got := Window(in, m)

			want := n
			if n > m {
				want = m
			}
			if len(got) != want {
				t.Fatalf("Window(%d, %d) kept %d units, want %d", n, m, len(got), want)
			}
			for i := range got {
				if got[i].SnippetID != in[n-want+i].SnippetID {
					t.Fatalf("Window(%d, %d)[%d] = %s, want %s", n, m, i, got[i].SnippetID, in[n-want+i].SnippetID)
				}
			}
		}
	}
}

func TestWindowDoesNotAlias(t *testing.T) {
	in := units(3)
	got := Window(in, 5)
	got[0].SnippetID = "changed"
	if in[0].SnippetID != "0" {
		t.Fatal("Window must not alias its input")
	}
}

func TestNewPipelineValidation(t *testing.T) {
	if _, err := NewPipeline(nil, time.Second, 1); err == nil {
		t.Error("expected error for nil engine")
	}
	if _, err := NewPipeline(&fakeEngine{}, 0, 1); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := NewPipeline(&fakeEngine{}, time.Second, 0); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestRunWindowsAndAttachesDiagnostics(t *testing.T) {
	eng := &fakeEngine{diags: map[string][]domain.Diagnostic{
		"3": {
			{Severity: domain.SeverityWarning, Message: "first"},
			{Severity: domain.SeverityError, Message: "second"},
		},
	}}
	p, err := NewPipeline(eng, time.Second, 2)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := eng.CreateSession(context.Background(), "u1")

	res := p.Run(context.Background(), s, "a\nb\nc")
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if len(res.Units) != 2 || res.Units[0].Source != "b" || res.Units[1].Source != "c" {
		t.Fatalf("unexpected window: %+v", res.Units)
	}
	d := res.Units[1].Diagnostics
	if len(d) != 2 || d[0].Message != "first" || d[1].Message != "second" {
		t.Fatalf("diagnostics not attached in order: %+v", d)
	}
	if len(res.Units[0].Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics on unit b: %+v", res.Units[0].Diagnostics)
	}
}

func TestRunKeepsUnitsWhenDiagnosticsFail(t *testing.T) {
	eng := &fakeEngine{diagErr: errors.New("diag backend down")}
	p, _ := NewPipeline(eng, time.Second, 5)
	s, _ := eng.CreateSession(context.Background(), "u1")

	res := p.Run(context.Background(), s, "a\nb")
	if !res.OK() || len(res.Units) != 2 {
		t.Fatalf("expected units despite diagnostics failure, got %+v", res)
	}
}

func TestEvaluateUnsupported(t *testing.T) {
	eng := &fakeEngine{}
	p, _ := NewPipeline(eng, time.Second, 5)
	s, _ := eng.CreateSession(context.Background(), "u1")

	res := p.Run(context.Background(), s, "unsupported")
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Err.Kind != KindUnsupported || !errors.Is(res.Err, engine.ErrUnsupported) {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Units != nil {
		t.Fatal("failed results must not carry units")
	}
}

func TestEvaluateEngineFailure(t *testing.T) {
	eng := &fakeEngine{}
	p, _ := NewPipeline(eng, time.Second, 5)
	s, _ := eng.CreateSession(context.Background(), "u1")

	res := p.Evaluate(context.Background(), s, "crash")
	if res.OK() || res.Err.Kind != KindEngine {
		t.Fatalf("expected engine failure, got %+v", res)
	}
}

func TestEvaluateTimeExceededLeavesSessionUsable(t *testing.T) {
	eng := &fakeEngine{}
	unit := 20 * time.Millisecond
	p, _ := NewPipeline(eng, unit, 5)
	s, _ := eng.CreateSession(context.Background(), "u1")

	start := time.Now()
	res := p.Run(context.Background(), s, "sleep:"+strconv.Itoa(int(10*unit/time.Millisecond)))
	elapsed := time.Since(start)

	if res.OK() {
		t.Fatal("expected time exceeded")
	}
	if res.Err.Kind != KindTimeExceeded || !errors.Is(res.Err, engine.ErrTimeExceeded) {
		t.Fatalf("unexpected error kind: %v", res.Err)
	}
	if res.Units != nil {
		t.Fatal("no partial results on timeout")
	}
	if elapsed > 5*unit {
		t.Fatalf("pipeline blocked for %v, expected to return near the %v bound", elapsed, unit)
	}

	res = p.Run(context.Background(), s, "echo ok")
	if !res.OK() || len(res.Units) != 1 || res.Units[0].Value != "echo ok" {
		t.Fatalf("session unusable after timeout: %+v", res)
	}
}

func TestEvaluateParentCancelled(t *testing.T) {
	eng := &fakeEngine{}
	p, _ := NewPipeline(eng, time.Second, 5)
	s, _ := eng.CreateSession(context.Background(), "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Evaluate(ctx, s, "sleep:200")
	if res.OK() || res.Err.Kind != KindEngine {
		t.Fatalf("expected engine failure on cancelled parent, got %+v", res)
	}
}
