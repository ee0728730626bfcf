package docker

import (
	"errors"
	"strings"
)

// ErrIncomplete is returned for input that ends inside a quote, a
// group or a compound command.
var ErrIncomplete = errors.New("incomplete statement")

// ansiQuote marks a $'...' string, where a backslash escapes the next byte.
const ansiQuote = '$'

type heredoc struct {
	delim     string
	stripTabs bool
}

// splitter walks shell source byte by byte and cuts it into top-level
// statements. A statement ends at a newline that is outside of any quote,
// group, compound command or here-document.
type splitter struct {
	src      string
	out      []string
	start    int
	quote    byte
	depth    int
	parens   int
	blocks   []string
	word     strings.Builder
	cmdPos   bool
	funcName bool
	content  bool
	heredocs []heredoc
}

// Split divides code into top-level shell statements, dropping blank and
// comment-only ones.
func Split(code string) ([]string, error) {
	s := &splitter{src: code, cmdPos: true}
	return s.run()
}

func (s *splitter) run() ([]string, error) {
	src := s.src
	for i := 0; i < len(src); i++ {
		c := src[i]

		if s.quote != 0 {
			closer := s.quote
			if closer == ansiQuote {
				closer = '\''
			}
			switch {
			case s.quote != '\'' && c == '\\':
				i++
			case c == closer:
				s.quote = 0
			}
			continue
		}

		switch c {
		case '\\':
			if i+1 >= len(src) {
				return nil, ErrIncomplete
			}
			s.word.WriteByte(c)
			s.word.WriteByte(src[i+1])
			s.content = true
			i++
		case '\'', '"', '`':
			// A quoted word is never a reserved word.
			s.word.WriteByte(0)
			s.quote = c
			s.content = true
		case '#':
			if s.word.Len() > 0 {
				s.word.WriteByte(c)
				continue
			}
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case '$':
			s.content = true
			if i+1 < len(src) && src[i+1] == '\'' {
				s.word.WriteByte(0)
				s.quote = ansiQuote
				i++
				continue
			}
			if i+1 < len(src) && src[i+1] == '{' {
				end := strings.IndexByte(src[i+2:], '}')
				if end < 0 {
					return nil, ErrIncomplete
				}
				s.word.WriteString(src[i : i+2+end+1])
				i += 2 + end
				continue
			}
			s.word.WriteByte(c)
		case '(':
			s.flushWord()
			s.depth++
			s.parens++
			s.cmdPos = true
			s.content = true
		case ')':
			s.flushWord()
			if s.parens > 0 {
				s.parens--
				s.depth--
			}
			s.cmdPos = true
		case '{':
			if s.word.Len() > 0 || !s.cmdPos {
				s.word.WriteByte(c)
				continue
			}
			s.depth++
			s.cmdPos = true
			s.content = true
		case '}':
			if s.word.Len() > 0 {
				s.word.WriteByte(c)
				continue
			}
			if s.depth > s.parens {
				s.depth--
			}
			s.cmdPos = false
		case ';', '&', '|':
			s.flushWord()
			s.cmdPos = true
		case '<':
			s.flushWord()
			s.content = true
			switch {
			case strings.HasPrefix(src[i:], "<<<"):
				i += 2
			case strings.HasPrefix(src[i:], "<<") && s.parens == 0:
				i = s.readHeredocDelim(i + 2)
			}
			s.cmdPos = false
		case '>':
			s.flushWord()
			s.content = true
			s.cmdPos = false
		case ' ', '\t', '\r':
			s.flushWord()
		case '\n':
			s.flushWord()
			if len(s.heredocs) > 0 {
				next, ok := s.skipHeredocs(i)
				if !ok {
					return nil, ErrIncomplete
				}
				i = next
			}
			s.cmdPos = true
			if s.depth == 0 && len(s.blocks) == 0 {
				s.emit(i)
			}
		default:
			s.word.WriteByte(c)
			s.content = true
		}
	}

	s.flushWord()
	if s.quote != 0 || s.depth > 0 || len(s.blocks) > 0 || len(s.heredocs) > 0 {
		return nil, ErrIncomplete
	}
	s.emit(len(src))
	return s.out, nil
}

// emit closes the statement ending at end.
func (s *splitter) emit(end int) {
	if s.content && s.start < end {
		if stmt := strings.TrimSpace(s.src[s.start:end]); stmt != "" {
			s.out = append(s.out, stmt)
		}
	}
	s.start = end + 1
	s.content = false
}

// flushWord ends the current word and tracks reserved words that open or
// close compound commands.
func (s *splitter) flushWord() {
	if s.word.Len() == 0 {
		return
	}
	w := s.word.String()
	s.word.Reset()

	// The name after "function" puts a following "{" in command position.
	if s.funcName {
		s.funcName = false
		s.cmdPos = true
		return
	}

	if !s.cmdPos {
		if w == "esac" && s.top() == "esac" {
			s.pop()
		}
		return
	}

	switch w {
	case "if":
		s.blocks = append(s.blocks, "fi")
	case "case":
		s.blocks = append(s.blocks, "esac")
		s.cmdPos = false
	case "while", "until":
		s.blocks = append(s.blocks, "done")
	case "for", "select":
		s.blocks = append(s.blocks, "done")
		s.cmdPos = false
	case "fi", "done", "esac":
		if s.top() == w {
			s.pop()
		}
		s.cmdPos = false
	case "function":
		s.funcName = true
		s.cmdPos = false
	case "then", "else", "elif", "do", "!", "time":
	default:
		s.cmdPos = false
	}
}

func (s *splitter) top() string {
	if len(s.blocks) == 0 {
		return ""
	}
	return s.blocks[len(s.blocks)-1]
}

func (s *splitter) pop() {
	s.blocks = s.blocks[:len(s.blocks)-1]
}

// readHeredocDelim records the delimiter that follows "<<" at offset i and
// returns the offset of its last byte.
func (s *splitter) readHeredocDelim(i int) int {
	src := s.src
	h := heredoc{}
	if i < len(src) && src[i] == '-' {
		h.stripTabs = true
		i++
	}
	for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
		i++
	}
	var delim strings.Builder
	for i < len(src) && !strings.ContainsRune(" \t\r\n;&|<>()", rune(src[i])) {
		if c := src[i]; c != '\'' && c != '"' && c != '\\' {
			delim.WriteByte(c)
		}
		i++
	}
	if delim.Len() > 0 {
		h.delim = delim.String()
		s.heredocs = append(s.heredocs, h)
	}
	return i - 1
}

// skipHeredocs consumes the here-document bodies that start after the
// newline at i and returns the offset of the newline ending the last
// delimiter line.
func (s *splitter) skipHeredocs(i int) (int, bool) {
	src := s.src
	for _, h := range s.heredocs {
		for {
			if i >= len(src) {
				return i, false
			}
			lineStart := i + 1
			end := strings.IndexByte(src[lineStart:], '\n')
			if end < 0 {
				end = len(src)
			} else {
				end += lineStart
			}
			line := strings.TrimSuffix(src[lineStart:end], "\r")
			if h.stripTabs {
				line = strings.TrimLeft(line, "\t")
			}
			i = end
			if line == h.delim {
				break
			}
		}
	}
	s.heredocs = s.heredocs[:0]
	return i, true
}
