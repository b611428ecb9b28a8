// Package prune fits message text into chat platform size limits.
package prune

import (
	"strings"
	"unicode/utf8"
)

// DefaultMarker is appended to truncated text.
const DefaultMarker = "..."

// Truncate shortens s to at most maxBytes, ending with marker when cut.
// The cut never splits a UTF-8 sequence.
func Truncate(s string, maxBytes int, marker string) string {
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= len(marker) {
		return safeUTF8Prefix(marker, maxBytes)
	}
	return safeUTF8Prefix(s, maxBytes-len(marker)) + marker
}

// Split cuts s into chunks of at most maxBytes. A chunk ends at the last
// newline in its second half when there is one, else on a rune boundary.
func Split(s string, maxBytes int) []string {
	if len(s) <= maxBytes || maxBytes <= 0 {
		return []string{s}
	}
	var out []string
	for len(s) > maxBytes {
		head := safeUTF8Prefix(s, maxBytes)
		if head == "" {
			// maxBytes is smaller than the next rune.
			_, size := utf8.DecodeRuneInString(s)
			head = s[:size]
		}
		if idx := strings.LastIndexByte(head, '\n'); idx > maxBytes/2 {
			head = head[:idx+1]
		}
		out = append(out, head)
		s = s[len(head):]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func safeUTF8Prefix(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) == 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
