// Package render turns evaluation units and failures into chat messages.
package render

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	maxFieldRunes = 1024
	maxBodyRunes  = 4096
	ellipsis      = "…"

	colorOK      = "#2ecc71"
	colorWarning = "#f1c40f"
	colorError   = "#e74c3c"
)

// Renderer converts results into displayable content.
type Renderer interface {
	Render(req domain.Request, unit domain.EvaluationUnit) domain.Content
	RenderError(req domain.Request, err error) domain.Content
}

// EmbedRenderer renders embed-style messages: a title, a set of fields and a
// free-form body. It is safe for concurrent use.
type EmbedRenderer struct{}

// NewEmbedRenderer creates the default renderer.
func NewEmbedRenderer() *EmbedRenderer {
	return &EmbedRenderer{}
}

// Render renders one evaluation unit.
func (r *EmbedRenderer) Render(req domain.Request, unit domain.EvaluationUnit) domain.Content {
	c := r.common(req)
	if unit.SnippetID != "" {
		c.Fields = append(c.Fields, domain.Field{Name: "Snippet-ID", Value: "$" + unit.SnippetID, Inline: true})
	}
	c.Fields = append(c.Fields,
		domain.Field{Name: "Status", Value: r.label(string(unit.Outcome)), Inline: true},
		domain.Field{Name: "Source", Value: "`" + truncate(oneLine(unit.Source), maxFieldRunes-2) + "`"},
	)

	switch unit.Outcome {
	case domain.OutcomeValue:
		c.Color = colorOK
		if unit.Value != "" {
			c.Fields = append(c.Fields, domain.Field{Name: "Value", Value: codeBlock(unit.Value, maxFieldRunes)})
		}
	case domain.OutcomeRejected:
		c.Color = colorWarning
	default:
		c.Color = colorError
		if unit.Failure != "" {
			c.Fields = append(c.Fields, domain.Field{Name: "Exception", Value: codeBlock(unit.Failure, maxFieldRunes)})
		}
	}

	if unit.Output != "" {
		c.Fields = append(c.Fields, domain.Field{Name: "Output", Value: codeBlock(unit.Output, maxFieldRunes)})
	}

	var body strings.Builder
	for _, d := range unit.Diagnostics {
		fmt.Fprintf(&body, "**%s**", r.label(string(d.Severity)))
		if d.Line > 0 {
			fmt.Fprintf(&body, " (line %d)", d.Line)
		}
		fmt.Fprintf(&body, ": %s\n", d.Message)
	}
	c.Body = truncate(strings.TrimRight(body.String(), "\n"), maxBodyRunes)
	return c
}

// RenderError renders a failure that replaced the whole evaluation.
func (r *EmbedRenderer) RenderError(req domain.Request, err error) domain.Content {
	c := r.common(req)
	c.Color = colorError

	switch {
	case errors.Is(err, engine.ErrTimeExceeded):
		c.Fields = append(c.Fields, domain.Field{Name: "Time Exceeded", Value: "The evaluation took too long and was stopped."})
	case errors.Is(err, engine.ErrUnsupported):
		c.Fields = append(c.Fields, domain.Field{Name: "Unsupported", Value: "This code cannot be evaluated here."})
	default:
		c.Fields = append(c.Fields, domain.Field{Name: "Error", Value: "The evaluation engine is unavailable."})
	}
	if err != nil {
		c.Body = truncate(err.Error(), maxBodyRunes)
	}
	return c
}

func (r *EmbedRenderer) common(req domain.Request) domain.Content {
	name := req.AuthorName
	if name == "" {
		name = req.AuthorID
	}
	return domain.Content{Title: name + "'s Result"}
}

// label title-cases an identifier. A cases.Caser keeps state, so each call
// gets its own.
func (r *EmbedRenderer) label(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

func codeBlock(s string, limit int) string {
	const fence = "```"
	return fence + "\n" + truncate(s, limit-2*len(fence)-2) + "\n" + fence
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " " + ellipsis
	}
	return s
}

// truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}
