package docker

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
)

const (
	stateFile = "/tmp/.evalstate"

	// Exit code of a process killed with SIGKILL.
	killedExitCode = 137
	// Exit code bash uses for syntax errors.
	syntaxErrorExitCode = 2
)

// scriptPrelude restores the state saved by the previous statement.
// It must stay on a single line so diagnostics line numbers can be shifted.
const scriptPrelude = `if [ -f ` + stateFile + ` ]; then . ` + stateFile + ` 2>/dev/null; fi`

// scriptEpilogue saves variables, functions and the working directory for
// the next statement, skipping readonly and shell-managed variables.
const scriptEpilogue = `__eval_rc=$?
{ declare -p | grep -Ev '^declare -[a-zA-Z-]*r|^declare -[a-zA-Z-]* (BASH[A-Z_]*|FUNCNAME|GROUPS|PIPESTATUS|_|__eval_rc)='; declare -f; printf 'cd %q\n' "$PWD"; } > ` + stateFile + `.tmp 2>/dev/null && mv -f ` + stateFile + `.tmp ` + stateFile + `
exit $__eval_rc`

const preludeLines = 1

// buildCommand wraps a statement so it runs with the session state loaded
// and is killed once limit has passed.
func buildCommand(stmt string, limit time.Duration) []string {
	secs := int((limit + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	script := scriptPrelude + "\n" + stmt + "\n" + scriptEpilogue
	return []string{"timeout", "-s", "KILL", strconv.Itoa(secs), "bash", "-c", script}
}

var diagnosticLine = regexp.MustCompile(`^(?:[\w/.-]*bash|environment): (?:line (\d+): )?(.+)$`)

// parseDiagnostics extracts bash error and warning lines from stderr.
func parseDiagnostics(stderr string) []domain.Diagnostic {
	var diags []domain.Diagnostic
	for _, line := range strings.Split(stderr, "\n") {
		m := diagnosticLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		d := domain.Diagnostic{Severity: domain.SeverityError, Message: m[2]}
		if m[1] != "" {
			if n, err := strconv.Atoi(m[1]); err == nil && n > preludeLines {
				d.Line = n - preludeLines
			}
		}
		if strings.HasPrefix(strings.ToLower(d.Message), "warning:") {
			d.Severity = domain.SeverityWarning
			d.Message = strings.TrimSpace(d.Message[len("warning:"):])
		}
		diags = append(diags, d)
	}
	return diags
}

// execResult is the raw outcome of one statement.
type execResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// toUnit classifies a statement's raw outcome.
func (r execResult) toUnit(snippetID, source string) domain.EvaluationUnit {
	unit := domain.EvaluationUnit{
		SnippetID: snippetID,
		Source:    source,
	}
	stdout := strings.TrimRight(r.stdout, "\n")
	stderr := strings.TrimRight(r.stderr, "\n")

	switch {
	case r.exitCode == 0:
		unit.Outcome = domain.OutcomeValue
		unit.Value = stdout
		unit.Output = stderr
	case r.exitCode == syntaxErrorExitCode && strings.Contains(stderr, "syntax error"):
		unit.Outcome = domain.OutcomeRejected
		unit.Output = stderr
	default:
		unit.Outcome = domain.OutcomeFailure
		unit.Output = stdout
		unit.Failure = "exit status " + strconv.Itoa(r.exitCode)
		if stderr != "" {
			unit.Failure += "\n" + stderr
		}
	}
	return unit
}
