// Package botframework sends proactive activities through the Bot Framework
// connector REST API.
package botframework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/proactive"
)

const (
	heroCardType     = "application/vnd.microsoft.card.hero"
	adaptiveCardType = "application/vnd.microsoft.card.adaptive"
	requestTimeout   = 30 * time.Second
)

type Sender struct {
	client *resty.Client
	logger *slog.Logger
}

// New builds a sender. Without an app id requests are unauthenticated, which
// only the local emulator accepts.
func New(cfg config.BotFrameworkConfig, log *slog.Logger) *Sender {
	var httpClient *http.Client
	if strings.TrimSpace(cfg.AppID) != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppPassword,
			TokenURL:     firstNonEmpty(cfg.TokenURL, config.DefaultBotFrameworkToken),
			Scopes:       []string{firstNonEmpty(cfg.Scope, config.DefaultBotFrameworkScope)},
		}
		httpClient = cc.Client(context.Background())
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = requestTimeout
	return &Sender{
		client: resty.NewWithClient(httpClient).SetHeader("Content-Type", "application/json"),
		logger: log.With(slog.String("sender", proactive.PlatformBotFramework)),
	}
}

func (s *Sender) Platform() string { return proactive.PlatformBotFramework }

type account struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type conversationAccount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

type attachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content"`
}

type activity struct {
	Type         string              `json:"type"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	From         *account            `json:"from,omitempty"`
	Recipient    *account            `json:"recipient,omitempty"`
	Conversation conversationAccount `json:"conversation"`
	Attachments  []attachment        `json:"attachments,omitempty"`
}

// Send posts one activity to the conversation.
func (s *Sender) Send(ctx context.Context, ref proactive.Reference, p proactive.Presentation) error {
	endpoint := strings.TrimRight(ref.ServiceURL, "/") + "/v3/conversations/" + url.PathEscape(ref.ConversationID) + "/activities"
	act := buildActivity(ref, p)
	resp, err := s.client.R().SetContext(ctx).SetBody(act).Post(endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: post activity: %v", proactive.ErrTransient, err)
	}
	return classify(resp.StatusCode(), resp.String())
}

func buildActivity(ref proactive.Reference, p proactive.Presentation) activity {
	text := p.Text
	if p.SenderName != "" && text != "" {
		text = "**" + p.SenderName + "**\n\n" + text
	}
	act := activity{
		Type:         "message",
		Text:         text,
		TextFormat:   "markdown",
		Conversation: conversationAccount{ID: ref.ConversationID, TenantID: ref.TenantID},
	}
	if ref.BotID != "" {
		act.From = &account{ID: ref.BotID, Name: ref.BotName}
	}
	if ref.UserID != "" {
		act.Recipient = &account{ID: ref.UserID, Name: ref.UserName}
	}
	if p.Card == nil {
		return act
	}
	if len(p.Card.Images) > 0 {
		images := make([]map[string]string, 0, len(p.Card.Images))
		for _, img := range p.Card.Images {
			images = append(images, map[string]string{"url": img.URL, "alt": img.Alt})
		}
		act.Attachments = append(act.Attachments, attachment{
			ContentType: heroCardType,
			Content:     map[string]any{"images": images},
		})
	}
	if p.Card.Title != "" || len(p.Card.Links) > 0 {
		act.Attachments = append(act.Attachments, attachment{
			ContentType: adaptiveCardType,
			Content:     adaptiveCard(p.Card),
		})
	}
	return act
}

func adaptiveCard(card *proactive.Card) map[string]any {
	body := []map[string]any{}
	if card.Title != "" {
		block := map[string]any{"type": "TextBlock", "text": card.Title, "weight": "Bolder", "size": "Medium", "wrap": true}
		if card.Status == backend.StatusResolved {
			block["color"] = "Good"
		}
		body = append(body, block)
	}
	actions := []map[string]any{}
	for _, link := range card.Links {
		body = append(body, map[string]any{"type": "TextBlock", "text": link.Title, "wrap": true})
		actions = append(actions, map[string]any{"type": "Action.OpenUrl", "title": "Open " + link.Title, "url": link.URL})
	}
	out := map[string]any{
		"type":    "AdaptiveCard",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"version": "1.4",
		"body":    body,
	}
	if len(actions) > 0 {
		out["actions"] = actions
	}
	return out
}

func classify(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusForbidden:
		// The conversation is gone or the bot was removed from it.
		return fmt.Errorf("%w: connector status %d: %s", proactive.ErrInvalidReference, status, truncate(body))
	case backend.IsTransientStatus(status):
		return fmt.Errorf("%w: connector status %d", proactive.ErrTransient, status)
	default:
		return fmt.Errorf("connector status %d: %s", status, truncate(body))
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
