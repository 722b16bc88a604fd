// Package utils provides shared helpers for text, vector math and logging.
package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate returns s cut to maxLen runes with "..." appended when cut.
// A maxLen of 0 or less returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}

// SingleLine collapses runs of whitespace, newlines included, into single spaces.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
