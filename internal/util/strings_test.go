package util

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"cut with ellipsis", "hello world", 8, "hello..."},
		{"tiny limit is ellipsis", "hello", 3, "..."},
		{"negative limit is ellipsis", "hello", -5, "..."},
		{"empty string", "", 10, ""},
		{"one rune kept", "hello", 4, "h..."},
		{"runes not bytes", "日本語テスト", 5, "日本..."},
		{"mixed scripts", "hello日本語world", 10, "hello日本..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	if got := TruncateANSI("hello", 10); got != "hello" {
		t.Errorf("plain short = %q", got)
	}
	if got := TruncateANSI("hello world", 8); got != "hello..." {
		t.Errorf("plain cut = %q", got)
	}
	if got := TruncateANSI("hello", 2); got != "..." {
		t.Errorf("tiny width = %q", got)
	}

	styled := red.Render("hi")
	if got := TruncateANSI(styled, 10); got != styled {
		t.Error("styled text modified although it fits")
	}
	for _, in := range []string{red.Render("hello world"), "日本語テスト"} {
		if w := lipgloss.Width(TruncateANSI(in, 8)); w > 8 {
			t.Errorf("width %d exceeds 8 for %q", w, in)
		}
	}
}

func TestExcerpt(t *testing.T) {
	if got := FirstLine("  request timed out\nstack trace"); got != "request timed out" {
		t.Errorf("FirstLine = %q", got)
	}
	if got := FirstLine("windows\r\nline"); got != "windows" {
		t.Errorf("FirstLine CRLF = %q", got)
	}
	long := strings.Repeat("x", 50) + "\nsecond"
	got := Excerpt(long, 20)
	if len([]rune(got)) != 20 || !strings.HasSuffix(got, "...") {
		t.Errorf("Excerpt = %q", got)
	}
	if Excerpt("", 20) != "" {
		t.Error("empty input should stay empty")
	}
}
