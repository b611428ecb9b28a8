package freshdesk

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
)

// Config holds Freshdesk credentials extracted from a tenant config.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// Source is the Freshdesk ticket source code; 7 is chat.
	Source int
}

func parseConfig(raw map[string]any) (Config, error) {
	baseURL := strings.TrimRight(backend.ReadString(raw, "base_url", "baseUrl", "domain"), "/")
	apiKey := backend.ReadString(raw, "api_key", "apiKey")
	if baseURL == "" || apiKey == "" {
		return Config{}, fmt.Errorf("%w: freshdesk base_url and api_key are required", backend.ErrInvalidConfig)
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return Config{}, fmt.Errorf("%w: freshdesk base_url: %v", backend.ErrInvalidConfig, err)
	}
	return Config{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		WebhookSecret: backend.ReadString(raw, "webhook_secret", "webhookSecret"),
		Source:        sourceChat,
	}, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"base_url": cfg.BaseURL,
		"api_key":  cfg.APIKey,
	}
	if cfg.WebhookSecret != "" {
		out["webhook_secret"] = cfg.WebhookSecret
	}
	return out, nil
}
