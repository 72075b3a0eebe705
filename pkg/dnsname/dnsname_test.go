package dnsname

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "already clean", input: "my-project", want: "my-project"},
		{name: "uppercase folded", input: "MyProject", want: "myproject"},
		{name: "spaces and punctuation", input: "My Project!", want: "my-project"},
		{name: "run of invalid characters", input: "a__&&__b", want: "a-b"},
		{name: "leading and trailing junk", input: "--hello--", want: "hello"},
		{name: "unicode dropped", input: "café-app", want: "caf-app"},
		{name: "digits kept", input: "proj 42", want: "proj-42"},
		{name: "empty", input: "", want: ""},
		{name: "nothing usable", input: "!!!", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsLabel(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"preview", true},
		{"preview-42", true},
		{"a", true},
		{"", false},
		{"-leading", false},
		{"trailing-", false},
		{"Upper", false},
		{"under_score", false},
		{strings.Repeat("a", 63), true},
		{strings.Repeat("a", 64), false},
	}

	for _, tt := range tests {
		if got := IsLabel(tt.input); got != tt.want {
			t.Errorf("IsLabel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("preview", "proj-1", "x9k2pq"); got != "preview-proj-1-x9k2pq" {
		t.Errorf("Join = %q", got)
	}
	if got := Join("preview", "", "x9k2pq"); got != "preview-x9k2pq" {
		t.Errorf("Join with empty part = %q", got)
	}
	if got := Join(); got != "" {
		t.Errorf("Join with no parts = %q", got)
	}

	long := Join("preview", strings.Repeat("a", 80))
	if len(long) > MaxLabelLength {
		t.Errorf("Join produced %d characters, want at most %d", len(long), MaxLabelLength)
	}
	if strings.HasSuffix(long, "-") {
		t.Errorf("Join left a trailing hyphen: %q", long)
	}

	// Truncation must not split on a hyphen boundary and leave one dangling.
	exact := Join(strings.Repeat("a", 62), "bbbb")
	if strings.HasSuffix(exact, "-") {
		t.Errorf("Join left a trailing hyphen: %q", exact)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 24); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	if got := Truncate("abcdef-ghij", 7); got != "abcdef" {
		t.Errorf("Truncate = %q, want %q", got, "abcdef")
	}
	if got := Truncate(strings.Repeat("x", 30), 10); got != strings.Repeat("x", 10) {
		t.Errorf("Truncate = %q", got)
	}
}
