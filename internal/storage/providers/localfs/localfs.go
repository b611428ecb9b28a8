// Package localfs implements storage.Provider on a local directory that the
// HTTP server exposes under a public base URL.
package localfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Provider stores objects below root.
type Provider struct {
	root          string
	publicBaseURL string
}

// New creates a provider. publicBaseURL is the externally reachable prefix
// that serves root, e.g. "https://bridge.example.com/files".
func New(root, publicBaseURL string) (*Provider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Provider{root: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Root returns the absolute directory objects are written to.
func (p *Provider) Root() string {
	return p.root
}

// Put writes reader to the file addressed by key.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader, _ string) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// Open reads a stored object.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (p *Provider) URL(key string) string {
	segments := strings.Split(filepath.ToSlash(filepath.Clean(key)), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return p.publicBaseURL + "/" + strings.Join(segments, "/")
}

// hostPath maps a key to a path under root, refusing anything that escapes it.
func (p *Provider) hostPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	if strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("path traversal is forbidden: %s", key)
	}
	joined := filepath.Join(p.root, clean)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage root: %s", key)
	}
	return joined, nil
}
