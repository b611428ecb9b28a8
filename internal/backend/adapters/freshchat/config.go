package freshchat

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
)

// DefaultAPIURL is the global Freshchat v2 endpoint.
const DefaultAPIURL = "https://api.freshchat.com/v2"

// Config holds Freshchat credentials extracted from a tenant config.
type Config struct {
	APIKey    string
	APIURL    string
	ChannelID string
	// PublicKey is the PEM encoded RSA key used to verify webhooks.
	PublicKey string

	publicKey *rsa.PublicKey
}

func parseConfig(raw map[string]any) (Config, error) {
	cfg := Config{
		APIKey:    backend.ReadString(raw, "api_key", "apiKey"),
		APIURL:    strings.TrimRight(backend.ReadString(raw, "api_url", "apiUrl"), "/"),
		ChannelID: backend.ReadString(raw, "channel_id", "inbox_id", "channelId", "inboxId"),
	}
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("%w: freshchat api_key is required", backend.ErrInvalidConfig)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		cfg.APIURL = "https://" + cfg.APIURL
	}
	if key := backend.ReadString(raw, "webhook_public_key", "public_key", "webhookPublicKey"); key != "" {
		cfg.PublicKey = normalizePEM(key)
		pub, err := parsePublicKey(cfg.PublicKey)
		if err != nil {
			return Config{}, fmt.Errorf("%w: freshchat webhook_public_key: %v", backend.ErrInvalidConfig, err)
		}
		cfg.publicKey = pub
	}
	return cfg, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"api_key": cfg.APIKey,
		"api_url": cfg.APIURL,
	}
	if cfg.ChannelID != "" {
		out["channel_id"] = cfg.ChannelID
	}
	if cfg.PublicKey != "" {
		out["webhook_public_key"] = cfg.PublicKey
	}
	return out, nil
}

// normalizePEM repairs keys pasted through env vars and admin forms:
// escaped newlines, a bare base64 body, or a body on one long line.
func normalizePEM(key string) string {
	key = strings.ReplaceAll(key, `\n`, "\n")
	key = strings.ReplaceAll(key, `\r`, "")
	key = strings.ReplaceAll(key, "\r", "")
	if !strings.Contains(key, "-----BEGIN") {
		body := strings.Join(strings.Fields(key), "")
		key = "-----BEGIN PUBLIC KEY-----\n" + body + "\n-----END PUBLIC KEY-----"
	}
	var out []string
	var body strings.Builder
	flush := func() {
		b := body.String()
		for len(b) > 64 {
			out = append(out, b[:64])
			b = b[64:]
		}
		if b != "" {
			out = append(out, b)
		}
		body.Reset()
	}
	for _, line := range strings.Split(key, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "-----BEGIN"):
			out = append(out, line)
		case strings.HasPrefix(line, "-----END"):
			flush()
			out = append(out, line)
		default:
			body.WriteString(line)
		}
	}
	flush()
	return strings.Join(out, "\n") + "\n"
}

// parsePublicKey accepts SPKI ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") bodies
// regardless of the label they were pasted with.
func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaPub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
