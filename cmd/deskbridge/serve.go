package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/freshchat"
	"github.com/memohai/deskbridge/internal/backend/adapters/freshdesk"
	"github.com/memohai/deskbridge/internal/backend/adapters/zendesk"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/db"
	dbsqlc "github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/fanout"
	"github.com/memohai/deskbridge/internal/handlers"
	"github.com/memohai/deskbridge/internal/healthcheck"
	backendchecker "github.com/memohai/deskbridge/internal/healthcheck/checkers/backend"
	mappingchecker "github.com/memohai/deskbridge/internal/healthcheck/checkers/mapping"
	"github.com/memohai/deskbridge/internal/logger"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/proactive"
	"github.com/memohai/deskbridge/internal/proactive/senders/botframework"
	"github.com/memohai/deskbridge/internal/proactive/senders/discord"
	"github.com/memohai/deskbridge/internal/proactive/senders/feishu"
	"github.com/memohai/deskbridge/internal/proactive/senders/telegram"
	"github.com/memohai/deskbridge/internal/router"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/server"
	"github.com/memohai/deskbridge/internal/storage"
	"github.com/memohai/deskbridge/internal/storage/providers/localfs"
	s3storage "github.com/memohai/deskbridge/internal/storage/providers/s3"
	"github.com/memohai/deskbridge/internal/tenant"
	"github.com/memohai/deskbridge/internal/webhook"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideDBQueries,
			provideKeyring,
			provideBackendRegistry,
			provideEventPublisher,
			provideTenantStore,
			provideClientFactory,
			provideMappingStore,
			provideStorage,
			provideFanout,
			provideRouter,
			provideMessenger,
			provideIngestor,
			provideChecker,
			provideServerHandler(provideMessagesHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideTenantsHandler),
			provideServerHandler(providePingHandler),
			provideServer,
		),
		fx.Invoke(
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideDBQueries(conn *pgxpool.Pool) *dbsqlc.Queries { return dbsqlc.New(conn) }

func provideKeyring(cfg config.Config) (secrets.KeyManager, error) {
	keys, err := secrets.ParseKeys(cfg.Crypto.Keys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no encryption keys configured; set %s", config.EnvEncryptionKeys)
	}
	if cfg.Crypto.ActiveVersion <= 0 || cfg.Crypto.ActiveVersion > 255 {
		return nil, fmt.Errorf("invalid active key version %d", cfg.Crypto.ActiveVersion)
	}
	ring, err := secrets.NewKeyring(uint8(cfg.Crypto.ActiveVersion), keys)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

func provideBackendRegistry() *backend.Registry {
	registry := backend.NewRegistry()
	registry.MustRegister(freshdesk.NewProvider())
	registry.MustRegister(freshchat.NewProvider())
	registry.MustRegister(zendesk.NewProvider())
	return registry
}

func provideEventPublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (events.Publisher, error) {
	pub, err := events.New(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return pub.Close() }})
	return pub, nil
}

func provideTenantStore(log *slog.Logger, queries *dbsqlc.Queries, keys secrets.KeyManager, registry *backend.Registry, pub events.Publisher) *tenant.Store {
	return tenant.NewStore(log, queries, keys, registry, pub)
}

func provideClientFactory(log *slog.Logger, cfg config.Config, tenants *tenant.Store, keys secrets.KeyManager, registry *backend.Registry) *clients.Factory {
	return clients.NewFactory(log, tenants, keys, registry, config.Duration(cfg.Cache.ClientTTL, clients.DefaultTTL))
}

func provideMappingStore(log *slog.Logger, queries *dbsqlc.Queries) *mapping.Store {
	return mapping.NewStore(log, queries)
}

func provideStorage(log *slog.Logger, cfg config.Config) (storage.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Provider)) {
	case "s3":
		p, err := s3storage.New(cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		log.Info("attachment relay enabled", slog.String("provider", "s3"), slog.String("bucket", cfg.Storage.S3.Bucket))
		return p, nil
	case "local":
		p, err := localfs.New(cfg.Storage.Local.Root, cfg.Storage.Local.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		log.Info("attachment relay enabled", slog.String("provider", "local"), slog.String("root", cfg.Storage.Local.Root))
		return p, nil
	case "":
		return storage.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func retryPolicy(cfg config.Config) backend.RetryPolicy {
	return backend.NormalizeRetryPolicy(backend.RetryPolicy{
		Max:     cfg.Retry.Max,
		Backoff: time.Duration(cfg.Retry.BackoffMs) * time.Millisecond,
	})
}

func provideFanout(log *slog.Logger, cfg config.Config, store storage.Provider) *fanout.Pipeline {
	return fanout.New(log, fanout.Options{
		Concurrency: cfg.Fanout.Concurrency,
		MaxBytes:    cfg.Fanout.MaxAttachmentBytes,
		Storage:     store,
		Retry:       retryPolicy(cfg),
	})
}

func provideRouter(log *slog.Logger, cfg config.Config, factory *clients.Factory, mappings *mapping.Store, pipeline *fanout.Pipeline, pub events.Publisher) *router.Router {
	return router.New(log, factory, mappings, pipeline, router.Options{
		Retry:     retryPolicy(cfg),
		Publisher: pub,
	})
}

func provideMessenger(log *slog.Logger, cfg config.Config, queries *dbsqlc.Queries, pub events.Publisher) *proactive.Messenger {
	m := proactive.New(log, queries, proactive.Options{
		Retry:     retryPolicy(cfg),
		Publisher: pub,
	})
	m.Register(botframework.New(cfg.Chat.BotFramework, log))
	if cfg.Chat.Telegram.BotToken != "" {
		m.Register(telegram.New(cfg.Chat.Telegram, log))
	}
	if cfg.Chat.Discord.BotToken != "" {
		m.Register(discord.New(cfg.Chat.Discord, log))
	}
	if cfg.Chat.Feishu.AppID != "" {
		m.Register(feishu.New(cfg.Chat.Feishu, log))
	}
	log.Info("proactive senders registered", slog.Any("platforms", m.Platforms()))
	return m
}

func provideIngestor(log *slog.Logger, cfg config.Config, factory *clients.Factory, mappings *mapping.Store, messenger *proactive.Messenger) *webhook.Ingestor {
	return webhook.New(log, factory, mappings, messenger, webhook.Options{
		RequireSignature: cfg.Webhook.RequireSignature,
		DedupTTL:         config.Duration(cfg.Webhook.DedupTTL, webhook.DefaultDedupTTL),
		AgentNameTTL:     config.Duration(cfg.Cache.AgentNameTTL, webhook.DefaultAgentNameTTL),
	})
}

func provideChecker(log *slog.Logger, factory *clients.Factory, mappings *mapping.Store) healthcheck.Checker {
	return healthcheck.Multi{
		backendchecker.NewChecker(log, factory),
		mappingchecker.NewChecker(log, mappings),
	}
}

func provideMessagesHandler(log *slog.Logger, cfg config.Config, r *router.Router) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, r, cfg.Fanout.MaxAttachmentBytes)
}

func provideWebhookHandler(log *slog.Logger, ingestor *webhook.Ingestor) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, ingestor)
}

func provideTenantsHandler(log *slog.Logger, store *tenant.Store, factory *clients.Factory, mappings *mapping.Store, queries *dbsqlc.Queries, checker healthcheck.Checker) *handlers.TenantsHandler {
	return handlers.NewTenantsHandler(log, store, factory, mappings, queries, checker)
}

func providePingHandler(log *slog.Logger, conn *pgxpool.Pool) *handlers.PingHandler {
	return handlers.NewPingHandler(log, conn)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	cfg := params.Config
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, fmt.Errorf("jwt secret is required; set %s", config.EnvJWTSecret)
	}
	opts := server.Options{
		Addr:           cfg.Server.Addr,
		JWTSecret:      cfg.Auth.JWTSecret,
		RequestTimeout: config.Duration(cfg.Server.RequestTimeout, 30*time.Second),
	}
	if strings.EqualFold(cfg.Storage.Provider, "local") {
		prefix, err := staticPrefix(cfg.Storage.Local.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		opts.StaticRoot = cfg.Storage.Local.Root
		opts.StaticPrefix = prefix
	}
	return server.NewServer(params.Logger, opts, params.ServerHandlers...), nil
}

// staticPrefix extracts the path under which local attachments are served.
func staticPrefix(publicBaseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(publicBaseURL))
	if err != nil {
		return "", fmt.Errorf("parse local storage public url: %w", err)
	}
	prefix := "/" + strings.Trim(u.Path, "/")
	if prefix == "/" {
		return "", errors.New("local storage public url needs a path, e.g. https://host/files")
	}
	return prefix, nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting deskbridge", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
