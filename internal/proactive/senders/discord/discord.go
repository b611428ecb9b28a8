// Package discord pushes backend replies into Discord channels over REST.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/proactive"
	"github.com/memohai/deskbridge/internal/prune"
)

const (
	maxContentLength = 2000
	colorResolved    = 0x2ecc71
)

type messageAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Sender struct {
	token  string
	logger *slog.Logger

	mu  sync.Mutex
	api messageAPI
}

func New(cfg config.DiscordConfig, log *slog.Logger) *Sender {
	return &Sender{
		token:  strings.TrimSpace(cfg.BotToken),
		logger: log.With(slog.String("sender", proactive.PlatformDiscord)),
	}
}

func (s *Sender) Platform() string { return proactive.PlatformDiscord }

func (s *Sender) session() (messageAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api != nil {
		return s.api, nil
	}
	if s.token == "" {
		return nil, errors.New("discord bot token is not configured")
	}
	session, err := discordgo.New("Bot " + s.token)
	if err != nil {
		s.logger.Error("create session failed", slog.Any("error", err))
		return nil, err
	}
	s.api = session
	return session, nil
}

// Send posts one message; threads are channels on Discord so a thread id wins.
func (s *Sender) Send(ctx context.Context, ref proactive.Reference, p proactive.Presentation) error {
	api, err := s.session()
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(ref.ThreadID)
	if channelID == "" {
		channelID = strings.TrimSpace(ref.ConversationID)
	}
	if channelID == "" {
		return fmt.Errorf("%w: discord channel id is required", proactive.ErrInvalidReference)
	}
	_, err = api.ChannelMessageSendComplex(channelID, buildMessage(p), discordgo.WithContext(ctx))
	return classify(err)
}

func buildMessage(p proactive.Presentation) *discordgo.MessageSend {
	content := p.Text
	if p.SenderName != "" && content != "" {
		content = "**" + p.SenderName + "**: " + content
	}
	msg := &discordgo.MessageSend{Content: prune.Truncate(content, maxContentLength, prune.DefaultMarker)}
	if p.Card == nil {
		return msg
	}
	if p.Card.Title != "" {
		embed := &discordgo.MessageEmbed{Title: p.Card.Title}
		if p.Card.Status == backend.StatusResolved {
			embed.Color = colorResolved
		}
		msg.Embeds = append(msg.Embeds, embed)
	}
	for _, img := range p.Card.Images {
		msg.Embeds = append(msg.Embeds, &discordgo.MessageEmbed{
			Title: img.Alt,
			URL:   img.URL,
			Image: &discordgo.MessageEmbedImage{URL: img.URL},
		})
	}
	for _, link := range p.Card.Links {
		msg.Embeds = append(msg.Embeds, &discordgo.MessageEmbed{
			Title:       link.Title,
			URL:         link.URL,
			Description: string(link.Kind),
		})
	}
	// Discord accepts at most ten embeds per message.
	if len(msg.Embeds) > 10 {
		msg.Embeds = msg.Embeds[:10]
	}
	return msg
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		status := restErr.Response.StatusCode
		switch {
		case backend.IsTransientStatus(status):
			return fmt.Errorf("%w: discord: %v", proactive.ErrTransient, err)
		case status == http.StatusNotFound || status == http.StatusForbidden:
			return fmt.Errorf("%w: discord: %v", proactive.ErrInvalidReference, err)
		default:
			return fmt.Errorf("discord: %w", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: discord: %v", proactive.ErrTransient, err)
	}
	return fmt.Errorf("discord: %w", err)
}
