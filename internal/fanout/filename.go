package fanout

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const maxFileNameBytes = 128

var (
	safeName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	safeExt  = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)
)

// SafeFileName returns name when every backend accepts it as-is, otherwise a
// "<uuid>.<ext>" replacement. The extension is kept when safe, else derived
// from the media type.
func SafeFileName(name, contentType string) string {
	name = strings.TrimSpace(name)
	if name != "" && len(name) <= maxFileNameBytes && !strings.HasPrefix(name, ".") && safeName.MatchString(name) {
		return name
	}
	ext := strings.ToLower(path.Ext(name))
	if ext == strings.ToLower(name) || !safeExt.MatchString(ext) {
		ext = extensionFor(contentType)
	}
	return uuid.NewString() + ext
}

func extensionFor(contentType string) string {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return ""
	}
	if m := mimetype.Lookup(ct); m != nil {
		return m.Extension()
	}
	return ""
}

// nameFromURL takes the last path segment of a source URL.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
