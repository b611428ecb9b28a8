// Package feishu pushes backend replies into Feishu/Lark chats.
package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/proactive"
)

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// Open platform codes for a chat the bot can no longer reach.
var unreachableCodes = map[int]bool{
	230001: true, // invalid receive_id
	230002: true, // bot is not in the chat
	230013: true, // bot is not visible to the user
}

// Open platform codes worth retrying.
var transientCodes = map[int]bool{
	99991400: true, // request frequency limit
	230020:   true, // message rate limit
}

type Sender struct {
	api    messageAPI
	logger *slog.Logger
}

func New(cfg config.FeishuConfig, log *slog.Logger) *Sender {
	base := strings.TrimSpace(cfg.OpenBaseURL)
	if base == "" {
		base = config.DefaultFeishuOpenBaseURL
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(base))
	return &Sender{
		api:    client.Im.V1.Message,
		logger: log.With(slog.String("sender", proactive.PlatformFeishu)),
	}
}

func (s *Sender) Platform() string { return proactive.PlatformFeishu }

// Send posts a text message, or an interactive card when the presentation has one.
func (s *Sender) Send(ctx context.Context, ref proactive.Reference, p proactive.Presentation) error {
	receiveID, receiveType, err := resolveReceiveID(strings.TrimSpace(ref.ConversationID))
	if err != nil {
		return err
	}
	msgType, content, err := buildContent(p)
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := s.api.Create(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: feishu: %v", proactive.ErrTransient, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: feishu: empty response", proactive.ErrTransient)
	}
	if resp.Success() {
		return nil
	}
	s.logger.Warn("send failed", slog.Int("code", resp.Code), slog.String("msg", resp.Msg))
	switch {
	case transientCodes[resp.Code]:
		return fmt.Errorf("%w: feishu send failed: %s (code: %d)", proactive.ErrTransient, resp.Msg, resp.Code)
	case unreachableCodes[resp.Code]:
		return fmt.Errorf("%w: feishu send failed: %s (code: %d)", proactive.ErrInvalidReference, resp.Msg, resp.Code)
	default:
		return fmt.Errorf("feishu send failed: %s (code: %d)", resp.Msg, resp.Code)
	}
}

// resolveReceiveID accepts prefixed targets; a bare id is treated as a chat id.
func resolveReceiveID(raw string) (string, string, error) {
	if raw == "" {
		return "", "", fmt.Errorf("%w: feishu target is required", proactive.ErrInvalidReference)
	}
	for prefix, kind := range map[string]string{
		"open_id:":  larkim.ReceiveIdTypeOpenId,
		"user_id:":  larkim.ReceiveIdTypeUserId,
		"union_id:": larkim.ReceiveIdTypeUnionId,
		"chat_id:":  larkim.ReceiveIdTypeChatId,
	} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix), kind, nil
		}
	}
	if strings.HasPrefix(raw, "ou_") {
		return raw, larkim.ReceiveIdTypeOpenId, nil
	}
	return raw, larkim.ReceiveIdTypeChatId, nil
}

func buildContent(p proactive.Presentation) (string, string, error) {
	if p.Card == nil {
		payload, err := json.Marshal(map[string]string{"text": p.PlainText()})
		if err != nil {
			return "", "", fmt.Errorf("marshal text content: %w", err)
		}
		return larkim.MsgTypeText, string(payload), nil
	}

	var body strings.Builder
	if p.SenderName != "" {
		body.WriteString("**" + p.SenderName + "**\n")
	}
	body.WriteString(p.Text)
	for _, img := range p.Card.Images {
		body.WriteString("\n[" + img.Alt + "](" + img.URL + ")")
	}
	elements := []map[string]any{{"tag": "markdown", "content": strings.TrimSpace(body.String())}}
	if len(p.Card.Links) > 0 {
		actions := make([]map[string]any, 0, len(p.Card.Links))
		for _, link := range p.Card.Links {
			actions = append(actions, map[string]any{
				"tag":  "button",
				"text": map[string]string{"tag": "plain_text", "content": link.Title},
				"url":  link.URL,
				"type": "default",
			})
		}
		elements = append(elements, map[string]any{"tag": "action", "actions": actions})
	}
	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	}
	if p.Card.Title != "" {
		template := "blue"
		if p.Card.Status == backend.StatusResolved {
			template = "green"
		}
		card["header"] = map[string]any{
			"title":    map[string]string{"tag": "plain_text", "content": p.Card.Title},
			"template": template,
		}
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return "", "", fmt.Errorf("marshal card content: %w", err)
	}
	return larkim.MsgTypeInteractive, string(payload), nil
}
