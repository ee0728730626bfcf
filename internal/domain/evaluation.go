package domain

// Outcome classifies how a single evaluation unit ended.
type Outcome string

const (
	// OutcomeValue means the unit ran and produced a value (possibly empty).
	OutcomeValue Outcome = "value"
	// OutcomeRejected means the engine refused the unit, e.g. a syntax error.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailure means the unit ran and failed.
	OutcomeFailure Outcome = "failure"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is an engine message attached to a snippet.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// EvaluationUnit is the result of evaluating one top-level statement.
type EvaluationUnit struct {
	SnippetID   string
	Source      string
	Outcome     Outcome
	Value       string
	Output      string
	Failure     string
	Diagnostics []Diagnostic
}

// OK reports whether the unit produced a value.
func (u EvaluationUnit) OK() bool {
	return u.Outcome == OutcomeValue
}
