package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/proactive"
	"github.com/memohai/deskbridge/internal/router"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
	"github.com/memohai/deskbridge/internal/webhook"
)

// ErrorResponse is the body echo writes for an HTTPError.
type ErrorResponse struct {
	Message string `json:"message"`
}

const msgDecryptionFailed = "tenant credentials cannot be decrypted; check the loaded encryption keys"

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, tenant.ErrInvalidRequest),
		errors.Is(err, backend.ErrInvalidConfig),
		errors.Is(err, backend.ErrUnknownKind),
		errors.Is(err, router.ErrInvalidMessage),
		errors.Is(err, webhook.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, tenant.ErrConfigNotFound),
		errors.Is(err, mapping.ErrNotFound),
		errors.Is(err, webhook.ErrBackendMismatch):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrBackendKindLocked),
		errors.Is(err, tenant.ErrTenantInUse),
		errors.Is(err, mapping.ErrMappingConflict):
		return http.StatusConflict
	case errors.Is(err, webhook.ErrSignatureInvalid),
		errors.Is(err, webhook.ErrSignatureRequired):
		return http.StatusForbidden
	case errors.Is(err, backend.ErrBackendRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, proactive.ErrProactiveDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	if errors.Is(err, secrets.ErrDecryptionFailed) {
		return msgDecryptionFailed
	}
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func httpError(err error) *echo.HTTPError {
	return echo.NewHTTPError(statusFor(err), messageFor(err))
}
