package backend

import (
	"path"
	"strings"
	"unicode/utf8"
)

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".tiff": {}, ".heic": {}, ".heif": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".m4v": {}, ".wmv": {},
}

// ClassifyContent derives the presentation kind from a media type, falling
// back to the file extension of name (a file name or URL).
func ClassifyContent(contentType, name string) ContentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return ContentImage
	case strings.HasPrefix(ct, "video/"):
		return ContentVideo
	}
	ext := strings.ToLower(path.Ext(stripQuery(name)))
	if _, ok := imageExtensions[ext]; ok {
		return ContentImage
	}
	if _, ok := videoExtensions[ext]; ok {
		return ContentVideo
	}
	return ContentFile
}

func stripQuery(s string) string {
	if idx := strings.IndexAny(s, "?#"); idx >= 0 {
		return s[:idx]
	}
	return s
}

const (
	maxSubjectRunes = 120
	// DefaultSubject is used when a message carries no usable first line.
	DefaultSubject = "Chat support request"
)

// SubjectFromText returns the first non-empty line of text, capped at 120 runes.
func SubjectFromText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxSubjectRunes {
			runes := []rune(line)
			line = strings.TrimSpace(string(runes[:maxSubjectRunes-3])) + "..."
		}
		return line
	}
	return DefaultSubject
}
