// Package telegram pushes backend replies into Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/proactive"
	"github.com/memohai/deskbridge/internal/prune"
)

const maxMessageLength = 4096

type Option func(*Sender)

// WithEndpoint overrides the Bot API endpoint format, e.g. for a local server.
func WithEndpoint(endpoint string) Option {
	return func(s *Sender) { s.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) { s.client = client }
}

// Sender creates the bot lazily on first use.
type Sender struct {
	token    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func New(cfg config.TelegramConfig, log *slog.Logger, opts ...Option) *Sender {
	s := &Sender{
		token:    strings.TrimSpace(cfg.BotToken),
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.With(slog.String("sender", proactive.PlatformTelegram)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) Platform() string { return proactive.PlatformTelegram }

func (s *Sender) getBot() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	if s.token == "" {
		return nil, errors.New("telegram bot token is not configured")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, s.client)
	if err != nil {
		s.logger.Error("create bot failed", slog.Any("error", err))
		return nil, classify(err)
	}
	s.bot = bot
	return bot, nil
}

// Send posts images as photos, then the text with any file links.
func (s *Sender) Send(ctx context.Context, ref proactive.Reference, p proactive.Presentation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.getBot()
	if err != nil {
		return err
	}
	target := strings.TrimSpace(ref.ConversationID)
	var chatID int64
	isChannel := strings.HasPrefix(target, "@")
	if !isChannel {
		chatID, err = strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: telegram target must be @username or chat_id", proactive.ErrInvalidReference)
		}
	}

	if p.Card != nil {
		for _, img := range p.Card.Images {
			file := tgbotapi.RequestFileData(tgbotapi.FileURL(img.URL))
			var photo tgbotapi.PhotoConfig
			if isChannel {
				photo = tgbotapi.NewPhotoToChannel(target, file)
			} else {
				photo = tgbotapi.NewPhoto(chatID, file)
			}
			photo.Caption = img.Alt
			if _, err := bot.Send(photo); err != nil {
				return classify(err)
			}
		}
	}

	text := p.PlainText()
	if p.Card != nil && p.Card.Title != "" {
		text = strings.TrimSpace(p.Card.Title + "\n" + text)
	}
	if text == "" {
		return nil
	}
	for _, chunk := range prune.Split(text, maxMessageLength) {
		var msg tgbotapi.MessageConfig
		if isChannel {
			msg = tgbotapi.NewMessageToChannel(target, chunk)
		} else {
			msg = tgbotapi.NewMessage(chatID, chunk)
		}
		if _, err := bot.Send(msg); err != nil {
			return classify(err)
		}
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var apiErr *tgbotapi.Error
	var apiErrValue tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrValue):
		code = apiErrValue.Code
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: telegram: %v", proactive.ErrTransient, err)
	case code == http.StatusBadRequest || code == http.StatusForbidden:
		// Chat not found, or the bot was blocked or kicked.
		return fmt.Errorf("%w: telegram: %v", proactive.ErrInvalidReference, err)
	case code != 0:
		return fmt.Errorf("telegram: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: telegram: %v", proactive.ErrTransient, err)
	}
	return fmt.Errorf("telegram: %w", err)
}
