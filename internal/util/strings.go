// Package util holds small string helpers shared by the coordinator and
// the CLI.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// ellipsis marks truncated text.
const ellipsis = "..."

// TruncateString shortens s to at most maxLen runes, ending in "..." when
// cut. It is meant for plain text such as ledger excerpts.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// TruncateANSI shortens styled terminal text to maxWidth columns. Escape
// sequences and wide characters are measured the way the terminal draws
// them.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

// FirstLine returns s up to its first line break, trimmed.
func FirstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Excerpt is the first line of s shortened to maxLen runes.
func Excerpt(s string, maxLen int) string {
	return TruncateString(FirstLine(s), maxLen)
}
