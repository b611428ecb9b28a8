package zendesk

import (
	"fmt"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
)

// Config holds Zendesk credentials extracted from a tenant config. OAuthToken
// wins over the email/API token pair when both are present.
type Config struct {
	Subdomain     string
	Email         string
	APIToken      string
	OAuthToken    string
	WebhookSecret string
	// BaseURL overrides https://{subdomain}.zendesk.com/api/v2.
	BaseURL string
}

func (c Config) apiURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://" + c.Subdomain + ".zendesk.com/api/v2"
}

func parseConfig(raw map[string]any) (Config, error) {
	cfg := Config{
		Subdomain:     strings.ToLower(backend.ReadString(raw, "subdomain")),
		Email:         backend.ReadString(raw, "email"),
		APIToken:      backend.ReadString(raw, "api_token", "apiToken"),
		OAuthToken:    backend.ReadString(raw, "oauth_token", "oauthToken"),
		WebhookSecret: backend.ReadString(raw, "webhook_secret", "webhookSecret"),
		BaseURL:       strings.TrimRight(backend.ReadString(raw, "base_url", "baseUrl"), "/"),
	}
	cfg.Subdomain = strings.TrimSuffix(strings.TrimPrefix(cfg.Subdomain, "https://"), ".zendesk.com")
	if cfg.Subdomain == "" && cfg.BaseURL == "" {
		return Config{}, fmt.Errorf("%w: zendesk subdomain is required", backend.ErrInvalidConfig)
	}
	if cfg.OAuthToken == "" && (cfg.Email == "" || cfg.APIToken == "") {
		return Config{}, fmt.Errorf("%w: zendesk needs oauth_token or email with api_token", backend.ErrInvalidConfig)
	}
	return cfg, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("subdomain", cfg.Subdomain)
	set("email", cfg.Email)
	set("api_token", cfg.APIToken)
	set("oauth_token", cfg.OAuthToken)
	set("webhook_secret", cfg.WebhookSecret)
	set("base_url", cfg.BaseURL)
	return out, nil
}
