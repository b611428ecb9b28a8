// Package proactive pushes backend updates into the chat conversation that
// opened the case.
package proactive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Chat platforms a reference can point to.
const (
	PlatformBotFramework = "botframework"
	PlatformTelegram     = "telegram"
	PlatformDiscord      = "discord"
	PlatformFeishu       = "feishu"
)

var (
	// ErrProactiveDeliveryFailed is returned once a push has exhausted its attempts.
	ErrProactiveDeliveryFailed = errors.New("proactive delivery failed")
	// ErrInvalidReference marks a reference that cannot be decoded or that the
	// chat platform no longer accepts. It is never retried.
	ErrInvalidReference = errors.New("invalid conversation reference")
	// ErrTransient marks a send failure worth retrying. Senders wrap it.
	ErrTransient = errors.New("transient chat send failure")
	// ErrUnsupportedPlatform means no sender is registered for the platform.
	ErrUnsupportedPlatform = errors.New("unsupported chat platform")
)

// Reference addresses a chat conversation. It is stored verbatim with the
// mapping and only decoded when a push happens.
type Reference struct {
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
	ServiceURL     string `json:"service_url,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	BotID          string `json:"bot_id,omitempty"`
	BotName        string `json:"bot_name,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
	// ThreadID scopes the send to a thread or topic where the platform has one.
	ThreadID string `json:"thread_id,omitempty"`
}

// ParseReference decodes and checks a stored reference. Bot Framework style
// keys (serviceUrl, conversation.id) are accepted too.
func ParseReference(raw json.RawMessage) (Reference, error) {
	if len(raw) == 0 {
		return Reference{}, fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	var ref Reference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	var alt struct {
		ServiceURL   string `json:"serviceUrl"`
		ChannelID    string `json:"channelId"`
		Conversation struct {
			ID       string `json:"id"`
			TenantID string `json:"tenantId"`
		} `json:"conversation"`
		Bot struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"bot"`
		User struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &alt); err == nil {
		ref.ServiceURL = firstNonEmpty(ref.ServiceURL, alt.ServiceURL)
		ref.ConversationID = firstNonEmpty(ref.ConversationID, alt.Conversation.ID)
		ref.TenantID = firstNonEmpty(ref.TenantID, alt.Conversation.TenantID)
		ref.BotID = firstNonEmpty(ref.BotID, alt.Bot.ID)
		ref.BotName = firstNonEmpty(ref.BotName, alt.Bot.Name)
		ref.UserID = firstNonEmpty(ref.UserID, alt.User.ID)
		ref.UserName = firstNonEmpty(ref.UserName, alt.User.Name)
		if ref.Platform == "" && ref.ServiceURL != "" {
			ref.Platform = PlatformBotFramework
			ref.ChannelID = firstNonEmpty(ref.ChannelID, alt.ChannelID)
		}
	}
	ref.Platform = strings.ToLower(strings.TrimSpace(ref.Platform))
	ref.ConversationID = strings.TrimSpace(ref.ConversationID)
	if ref.Platform == "" {
		return Reference{}, fmt.Errorf("%w: platform is missing", ErrInvalidReference)
	}
	if ref.ConversationID == "" {
		return Reference{}, fmt.Errorf("%w: conversation id is missing", ErrInvalidReference)
	}
	if ref.Platform == PlatformBotFramework && ref.ServiceURL == "" {
		return Reference{}, fmt.Errorf("%w: service url is missing", ErrInvalidReference)
	}
	return ref, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
