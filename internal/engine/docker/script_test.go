package docker

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
)

func TestBuildCommand(t *testing.T) {
	cmd := buildCommand("x=1", 1500*time.Millisecond)

	if len(cmd) != 7 {
		t.Fatalf("cmd = %q", cmd)
	}
	if strings.Join(cmd[:6], " ") != "timeout -s KILL 2 bash -c" {
		t.Errorf("cmd prefix = %q", cmd[:6])
	}
	script := cmd[6]
	lines := strings.Split(script, "\n")
	if lines[0] != scriptPrelude {
		t.Errorf("first line = %q, want prelude", lines[0])
	}
	if lines[preludeLines] != "x=1" {
		t.Errorf("statement not on line %d: %q", preludeLines+1, lines[preludeLines])
	}
	if !strings.HasSuffix(script, "exit $__eval_rc") {
		t.Errorf("script does not preserve the exit status: %q", script)
	}
}

func TestBuildCommandMinimumOneSecond(t *testing.T) {
	cmd := buildCommand("true", 10*time.Millisecond)
	if cmd[3] != "1" {
		t.Errorf("timeout = %q, want 1", cmd[3])
	}
}

func TestParseDiagnostics(t *testing.T) {
	stderr := strings.Join([]string{
		"bash: line 3: foo: command not found",
		"some program output",
		"/usr/local/bin/bash: line 2: warning: here-document delimited by end-of-file",
		"bash: -c: syntax error",
	}, "\n")

	got := parseDiagnostics(stderr)
	want := []domain.Diagnostic{
		{Severity: domain.SeverityError, Message: "foo: command not found", Line: 2},
		{Severity: domain.SeverityWarning, Message: "here-document delimited by end-of-file", Line: 1},
		{Severity: domain.SeverityError, Message: "-c: syntax error"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d diagnostics, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("diagnostic %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExecResultToUnit(t *testing.T) {
	tests := []struct {
		name        string
		res         execResult
		wantOutcome domain.Outcome
		wantValue   string
		wantFailure string
	}{
		{name: "success", res: execResult{stdout: "hi\n"}, wantOutcome: domain.OutcomeValue, wantValue: "hi"},
		{name: "empty success", res: execResult{}, wantOutcome: domain.OutcomeValue},
		{
			name:        "syntax error",
			res:         execResult{stderr: "bash: line 2: syntax error near unexpected token `)'", exitCode: 2},
			wantOutcome: domain.OutcomeRejected,
		},
		{
			name:        "failure",
			res:         execResult{stderr: "nope", exitCode: 1},
			wantOutcome: domain.OutcomeFailure,
			wantFailure: "exit status 1\nnope",
		},
		{
			name:        "exit 2 without syntax error",
			res:         execResult{exitCode: 2},
			wantOutcome: domain.OutcomeFailure,
			wantFailure: "exit status 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := tt.res.toUnit("4", "cmd")
			if unit.SnippetID != "4" || unit.Source != "cmd" {
				t.Errorf("unit identity = %q/%q", unit.SnippetID, unit.Source)
			}
			if unit.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", unit.Outcome, tt.wantOutcome)
			}
			if unit.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", unit.Value, tt.wantValue)
			}
			if unit.Failure != tt.wantFailure {
				t.Errorf("Failure = %q, want %q", unit.Failure, tt.wantFailure)
			}
		})
	}
}
