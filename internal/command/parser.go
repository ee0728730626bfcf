// Package command turns raw chat text into code to evaluate.
package command

import (
	"regexp"
	"strings"
)

// codeBlockPattern matches the first fenced block. An optional language tag
// is only recognised when it sits alone on the opening fence line.
var codeBlockPattern = regexp.MustCompile("```(?:[\\w+#.-]*[ \\t]*\\r?\\n)?([\\s\\S]*?)```")

// Sanitizer produces a best-effort executable string from free-form text.
type Sanitizer interface {
	Sanitize(raw string) string
}

// Parser recognises prefixed commands and extracts their code.
type Parser struct {
	prefix    string
	sanitizer Sanitizer
}

// NewParser creates a parser for the given command prefix.
// A nil sanitizer leaves free text untouched.
func NewParser(prefix string, sanitizer Sanitizer) *Parser {
	if sanitizer == nil {
		sanitizer = identitySanitizer{}
	}
	return &Parser{prefix: prefix, sanitizer: sanitizer}
}

// Prefix returns the configured command prefix.
func (p *Parser) Prefix() string {
	return p.prefix
}

// Parse returns the code carried by text and true, or false when text is not
// a command.
func (p *Parser) Parse(text string) (string, bool) {
	if p.prefix == "" || !strings.HasPrefix(text, p.prefix) {
		return "", false
	}
	rest := text[len(p.prefix):]

	if m := codeBlockPattern.FindStringSubmatch(rest); m != nil {
		return m[1], true
	}
	return p.sanitizer.Sanitize(rest), true
}

type identitySanitizer struct{}

func (identitySanitizer) Sanitize(raw string) string { return raw }
