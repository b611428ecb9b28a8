package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath         = "config.toml"
	DefaultHTTPAddr           = ":8080"
	DefaultRequestTimeout     = "30s"
	DefaultJWTExpiresIn       = "24h"
	DefaultPGHost             = "127.0.0.1"
	DefaultPGPort             = 5432
	DefaultPGUser             = "postgres"
	DefaultPGDatabase         = "deskbridge"
	DefaultPGSSLMode          = "disable"
	DefaultClientTTL          = "10m"
	DefaultFanoutConcurrency  = 3
	DefaultMaxAttachmentBytes = 25 << 20
	DefaultRetryMax           = 3
	DefaultRetryBackoffMs     = 500
	DefaultDedupTTL           = "10m"
	DefaultAgentNameTTL       = "30m"
	DefaultAMQPExchange       = "deskbridge.events"
	DefaultBotFrameworkToken  = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultBotFrameworkScope  = "https://api.botframework.com/.default"
	DefaultFeishuOpenBaseURL  = "https://open.feishu.cn"
)

// Environment overrides applied after the TOML file.
const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvEncryptionKeys = "DESKBRIDGE_ENCRYPTION_KEYS"
	EnvJWTSecret      = "DESKBRIDGE_JWT_SECRET"
	EnvPGPassword     = "DESKBRIDGE_PG_PASSWORD"
	EnvAMQPURL        = "DESKBRIDGE_AMQP_URL"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Cache    CacheConfig    `toml:"cache"`
	Fanout   FanoutConfig   `toml:"fanout"`
	Retry    RetryConfig    `toml:"retry"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Storage  StorageConfig  `toml:"storage"`
	AMQP     AMQPConfig     `toml:"amqp"`
	Chat     ChatConfig     `toml:"chat"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr           string `toml:"addr"`
	RequestTimeout string `toml:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// CryptoConfig lists the master keys for tenant credentials.
// Keys are "version:base64" pairs; ActiveVersion seals new blobs.
type CryptoConfig struct {
	Keys          []string `toml:"keys"`
	ActiveVersion int      `toml:"active_version"`
}

type CacheConfig struct {
	ClientTTL    string `toml:"client_ttl"`
	AgentNameTTL string `toml:"agent_name_ttl"`
}

type FanoutConfig struct {
	Concurrency        int   `toml:"concurrency"`
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes"`
}

type RetryConfig struct {
	Max       int `toml:"max"`
	BackoffMs int `toml:"backoff_ms"`
}

type WebhookConfig struct {
	RequireSignature bool   `toml:"require_signature"`
	DedupTTL         string `toml:"dedup_ttl"`
}

// StorageConfig selects the attachment relay target: "s3", "local" or empty for none.
type StorageConfig struct {
	Provider string             `toml:"provider"`
	S3       S3StorageConfig    `toml:"s3"`
	Local    LocalStorageConfig `toml:"local"`
}

type S3StorageConfig struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	PublicBaseURL   string `toml:"public_base_url"`
	PathStyle       bool   `toml:"path_style"`
	KeyPrefix       string `toml:"key_prefix"`
}

type LocalStorageConfig struct {
	Root          string `toml:"root"`
	PublicBaseURL string `toml:"public_base_url"`
}

type AMQPConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

type ChatConfig struct {
	BotFramework BotFrameworkConfig `toml:"botframework"`
	Telegram     TelegramConfig     `toml:"telegram"`
	Discord      DiscordConfig      `toml:"discord"`
	Feishu       FeishuConfig       `toml:"feishu"`
}

type BotFrameworkConfig struct {
	AppID       string `toml:"app_id"`
	AppPassword string `toml:"app_password"`
	TokenURL    string `toml:"token_url"`
	Scope       string `toml:"scope"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
}

type DiscordConfig struct {
	BotToken string `toml:"bot_token"`
}

type FeishuConfig struct {
	AppID       string `toml:"app_id"`
	AppSecret   string `toml:"app_secret"`
	OpenBaseURL string `toml:"open_base_url"`
}

// Duration parses a config duration string, falling back when empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadDotEnv loads .env style files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:           DefaultHTTPAddr,
			RequestTimeout: DefaultRequestTimeout,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Crypto: CryptoConfig{
			ActiveVersion: 1,
		},
		Cache: CacheConfig{
			ClientTTL:    DefaultClientTTL,
			AgentNameTTL: DefaultAgentNameTTL,
		},
		Fanout: FanoutConfig{
			Concurrency:        DefaultFanoutConcurrency,
			MaxAttachmentBytes: DefaultMaxAttachmentBytes,
		},
		Retry: RetryConfig{
			Max:       DefaultRetryMax,
			BackoffMs: DefaultRetryBackoffMs,
		},
		Webhook: WebhookConfig{
			DedupTTL: DefaultDedupTTL,
		},
		AMQP: AMQPConfig{
			Exchange: DefaultAMQPExchange,
		},
		Chat: ChatConfig{
			BotFramework: BotFrameworkConfig{
				TokenURL: DefaultBotFrameworkToken,
				Scope:    DefaultBotFrameworkScope,
			},
			Feishu: FeishuConfig{
				OpenBaseURL: DefaultFeishuOpenBaseURL,
			},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvEncryptionKeys)); v != "" {
		keys := make([]string, 0, 2)
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
		cfg.Crypto.Keys = keys
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvPGPassword); v != "" {
		cfg.Postgres.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAMQPURL)); v != "" {
		cfg.AMQP.URL = v
	}
}
