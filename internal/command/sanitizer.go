package command

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// typographic maps characters chat clients like to auto-substitute back to
// their ASCII source form.
var typographic = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
	"‘", "'", "’", "'", "‚", "'",
	"–", "-", "—", "--", "−", "-",
	"…", "...",
	"\u00a0", " ", "\u200b", "",
)

// UnicodeSanitizer normalises free text typed into a chat client so it can be
// evaluated as code.
type UnicodeSanitizer struct{}

// Sanitize applies NFKC normalisation, replaces typographic punctuation,
// strips one pair of surrounding inline backticks and trims whitespace.
func (UnicodeSanitizer) Sanitize(raw string) string {
	s := norm.NFKC.String(raw)
	s = typographic.Replace(s)
	s = strings.TrimSpace(s)

	if len(s) >= 2 && strings.HasPrefix(s, "`") && strings.HasSuffix(s, "`") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
