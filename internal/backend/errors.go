package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/memohai/deskbridge/internal/prune"
)

var (
	// ErrBackendUnavailable marks transient failures: network errors, 429 and 5xx.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendRejected marks permanent failures: validation and other 4xx.
	ErrBackendRejected = errors.New("backend rejected request")
	// ErrUnknownKind indicates no provider is registered for a backend kind.
	ErrUnknownKind = errors.New("unknown backend kind")
	// ErrInvalidConfig indicates tenant credentials are missing or malformed.
	ErrInvalidConfig = errors.New("invalid backend config")
	// ErrSignatureInvalid indicates a webhook failed authenticity verification.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrEventIgnored indicates a webhook payload carries nothing to relay.
	ErrEventIgnored = errors.New("webhook event ignored")
)

const maxErrorBody = 512

// HTTPError describes a non-2xx backend response.
type HTTPError struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := prune.Truncate(strings.TrimSpace(e.Body), maxErrorBody, prune.DefaultMarker)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Kind, e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Kind, e.Op, e.Status, body)
}

// Unwrap classifies the response as transient or permanent.
func (e *HTTPError) Unwrap() error {
	if IsTransientStatus(e.Status) {
		return ErrBackendUnavailable
	}
	return ErrBackendRejected
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// CheckResponse returns nil for 2xx and an *HTTPError otherwise.
func CheckResponse(kind Kind, op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &HTTPError{Kind: kind, Op: op, Status: status, Body: string(body)}
}

// TransportError wraps a network-level failure. Context cancellation is kept
// as-is so callers do not retry work nobody is waiting for.
func TransportError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", kind, op, err)
	}
	return fmt.Errorf("%s %s: %w: %w", kind, op, ErrBackendUnavailable, err)
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
