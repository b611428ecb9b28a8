package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/deskbridge/internal/auth"
	"github.com/memohai/deskbridge/internal/fanout"
	"github.com/memohai/deskbridge/internal/router"
)

// MessageRouter delivers normalized chat messages. *router.Router satisfies it.
type MessageRouter interface {
	Route(ctx context.Context, msg router.InboundMessage) router.Result
}

type MessagesHandler struct {
	router   MessageRouter
	maxBytes int64
	logger   *slog.Logger
}

// NewMessagesHandler creates the inbound message endpoint. maxBytes caps each
// inline attachment.
func NewMessagesHandler(log *slog.Logger, r MessageRouter, maxBytes int64) *MessagesHandler {
	if maxBytes <= 0 {
		maxBytes = fanout.DefaultMaxBytes
	}
	return &MessagesHandler{
		router:   r,
		maxBytes: maxBytes,
		logger:   log.With(slog.String("handler", "messages")),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/api/messages", h.Post, auth.RequireScope(auth.ScopeMessages))
}

type attachmentPayload struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	// DataBase64 is raw base64 or a data URL.
	DataBase64 string `json:"data_base64,omitempty"`
}

type messageRequest struct {
	router.InboundMessage
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type messageResponse struct {
	router.Result
	Error string `json:"error,omitempty"`
}

// Post godoc
// @Summary Deliver a chat message
// @Description Routes a normalized chat message into the tenant's helpdesk case
// @Tags messages
// @Param payload body messageRequest true "Inbound message"
// @Success 200 {object} messageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} messageResponse
// @Router /api/messages [post]
func (h *MessagesHandler) Post(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg := req.InboundMessage
	msg.Attachments = make([]fanout.Attachment, 0, len(req.Attachments))
	for i, att := range req.Attachments {
		item := fanout.Attachment{Name: att.Name, ContentType: att.ContentType, URL: att.URL}
		if att.DataBase64 != "" {
			data, err := decodeAttachmentBase64(att.DataBase64, h.maxBytes)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("attachment %d: %v", i, err))
			}
			item.Data = data
			if item.ContentType == "" {
				item.ContentType = dataURLMediaType(att.DataBase64)
			}
		}
		msg.Attachments = append(msg.Attachments, item)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	res := h.router.Route(c.Request().Context(), msg)
	resp := messageResponse{Result: res}
	if res.State != router.StateFailed || res.Err == nil {
		return c.JSON(http.StatusOK, resp)
	}
	resp.Error = messageFor(res.Err)
	return c.JSON(statusFor(res.Err), resp)
}

func decodeAttachmentBase64(input string, maxBytes int64) ([]byte, error) {
	value := strings.TrimSpace(input)
	if value == "" {
		return nil, fmt.Errorf("base64 payload is empty")
	}
	if strings.HasPrefix(strings.ToLower(value), "data:") {
		if idx := strings.Index(value, ","); idx >= 0 {
			value = value[idx+1:]
		}
	}
	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(value))
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(decoder, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if n > maxBytes {
		return nil, fmt.Errorf("exceeds %d bytes", maxBytes)
	}
	return buf.Bytes(), nil
}

// dataURLMediaType returns the media type of a data URL, or "".
func dataURLMediaType(input string) string {
	value := strings.TrimSpace(input)
	if !strings.HasPrefix(strings.ToLower(value), "data:") {
		return ""
	}
	meta, _, ok := strings.Cut(value[len("data:"):], ",")
	if !ok {
		return ""
	}
	mediaType, _, _ := strings.Cut(meta, ";")
	return strings.TrimSpace(mediaType)
}
