// Package storage relays attachment bytes to object storage when a backend
// cannot take a native upload.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotConfigured is returned by Nop.
var ErrNotConfigured = errors.New("attachment storage not configured")

// Provider writes objects and exposes them under a public URL.
type Provider interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	// URL returns the public address of a stored key.
	URL(key string) string
}

// Nop rejects every write. Callers treat it as "no relay available".
type Nop struct{}

func (Nop) Put(context.Context, string, io.Reader, string) error { return ErrNotConfigured }
func (Nop) URL(string) string                                    { return "" }

// Enabled reports whether p can store objects.
func Enabled(p Provider) bool {
	if p == nil {
		return false
	}
	_, nop := p.(Nop)
	return !nop
}

// Key builds "<tenant>/<yyyy>/<mm>/<dd>/<uuid>/<file>" so names never collide.
func Key(tenantID, fileName string, now time.Time) string {
	tenant := strings.Trim(strings.ReplaceAll(tenantID, "/", "_"), ". ")
	if tenant == "" {
		tenant = "_"
	}
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = "attachment"
	}
	return path.Join(tenant, now.UTC().Format("2006/01/02"), uuid.NewString(), name)
}
