package maestro

import (
	"strings"
	"testing"
)

func TestNormalizeInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hello  ", "hello"},
		{"strips control characters", "he\x00llo\x07", "hello"},
		{"keeps newlines and tabs", "a\n\tb", "a\n\tb"},
		{"folds fullwidth forms", "ｈｅｌｌｏ", "hello"},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeInput(tc.in); got != tc.want {
				t.Errorf("NormalizeInput(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeInputTruncates(t *testing.T) {
	long := strings.Repeat("x", maxInputRunes+100)
	got := NormalizeInput(long)
	if len([]rune(got)) != maxInputRunes {
		t.Errorf("length = %d, want %d", len([]rune(got)), maxInputRunes)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 2); got != "hé" {
		t.Errorf("got %q", got)
	}
	if got := truncateRunes("ok", 10); got != "ok" {
		t.Errorf("got %q", got)
	}
}
