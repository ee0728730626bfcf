package command

import (
	"testing"
)

type recordingSanitizer struct {
	got []string
}

func (r *recordingSanitizer) Sanitize(raw string) string {
	r.got = append(r.got, raw)
	return "sanitized:" + raw
}

func TestParseCodeBlock(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "java tagged block",
			text: "!run ```java\nSystem.out.println(1);\n```",
			want: "System.out.println(1);\n",
		},
		{
			name: "untagged block",
			text: "!run ```\necho hi\n```",
			want: "echo hi\n",
		},
		{
			name: "inline block keeps content verbatim",
			text: "!run ``` x=1```",
			want: " x=1",
		},
		{
			name: "prose around block is ignored",
			text: "!run please check this:\n```bash\nls -la\n``` thanks!",
			want: "ls -la\n",
		},
		{
			name: "first block wins",
			text: "!run ```sh\nfirst\n``` and ```sh\nsecond\n```",
			want: "first\n",
		},
		{
			name: "empty block",
			text: "!run ``````",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			san := &recordingSanitizer{}
			p := NewParser("!run", san)

			got, ok := p.Parse(tt.text)
			if !ok {
				t.Fatal("expected text to be recognised as a command")
			}
			if got != tt.want {
				t.Errorf("Parse() = %q, want %q", got, tt.want)
			}
			if len(san.got) != 0 {
				t.Errorf("sanitizer must not run for code blocks, got %v", san.got)
			}
		})
	}
}

func TestParseFreeTextFallsBackToSanitizer(t *testing.T) {
	san := &recordingSanitizer{}
	p := NewParser("!run", san)

	got, ok := p.Parse("!run 1+1")
	if !ok {
		t.Fatal("expected command")
	}
	if len(san.got) != 1 || san.got[0] != " 1+1" {
		t.Fatalf("sanitizer input = %q, want [\" 1+1\"]", san.got)
	}
	if got != "sanitized: 1+1" {
		t.Errorf("Parse() = %q", got)
	}
}

func TestParseNotACommand(t *testing.T) {
	p := NewParser("!run", &recordingSanitizer{})

	for _, text := range []string{"", "hello", "run 1+1", " !run 1+1", "!ru"} {
		if code, ok := p.Parse(text); ok {
			t.Errorf("Parse(%q) = %q, true; want not a command", text, code)
		}
	}
}

func TestParseNilSanitizer(t *testing.T) {
	p := NewParser("!run", nil)
	got, ok := p.Parse("!run echo hi")
	if !ok || got != " echo hi" {
		t.Fatalf("Parse() = %q, %v", got, ok)
	}
}
