package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/webhook"
)

// MaxWebhookBytes caps a webhook body.
const MaxWebhookBytes = 1 << 20

// WebhookIngestor handles raw backend payloads. *webhook.Ingestor satisfies it.
type WebhookIngestor interface {
	Ingest(ctx context.Context, tenantID string, kind backend.Kind, header http.Header, raw []byte) (webhook.Outcome, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:backend/:tenant_id", h.Receive)
}

// Receive godoc
// @Summary Backend webhook
// @Description Receives a helpdesk event and pushes it into the mapped chat conversation
// @Tags webhooks
// @Param backend path string true "freshdesk, freshchat or zendesk"
// @Param tenant_id path string true "Tenant ID"
// @Success 200 {object} webhook.Outcome
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 502 {object} webhook.Outcome
// @Router /webhooks/{backend}/{tenant_id} [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	kind, ok := backend.ParseKind(c.Param("backend"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown backend")
	}
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxWebhookBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if len(raw) > MaxWebhookBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	out, err := h.ingestor.Ingest(c.Request().Context(), tenantID, kind, c.Request().Header, raw)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("webhook failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
		if out.MappingID != "" {
			return c.JSON(status, out)
		}
		return echo.NewHTTPError(status, messageFor(err))
	}
	return c.JSON(http.StatusOK, out)
}
