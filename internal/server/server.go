package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/deskbridge/internal/auth"
)

// Handler registers its routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Options struct {
	Addr           string
	JWTSecret      string
	RequestTimeout time.Duration
	// StaticRoot serves relayed attachments from local storage when set.
	StaticRoot   string
	StaticPrefix string
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

func NewServer(log *slog.Logger, opts Options, handlers ...Handler) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURIPath:  true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			log.LogAttrs(context.Background(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	}))
	if opts.RequestTimeout > 0 {
		e.Use(requestTimeout(opts.RequestTimeout))
	}
	e.Use(auth.JWTMiddleware(opts.JWTSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path, opts.StaticPrefix)
	}))

	if opts.StaticRoot != "" && opts.StaticPrefix != "" {
		e.Static(opts.StaticPrefix, opts.StaticRoot)
	}
	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   opts.Addr,
		logger: log.With(slog.String("service", "server")),
	}
}

// shouldSkipJWT lists the unauthenticated routes. Webhooks carry their own
// signatures.
func shouldSkipJWT(path, staticPrefix string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	if strings.HasPrefix(path, "/webhooks/") && strings.Count(path, "/") == 3 {
		return true
	}
	if staticPrefix != "" && strings.HasPrefix(path, strings.TrimRight(staticPrefix, "/")+"/") {
		return true
	}
	return false
}

// requestTimeout bounds every request's context so backend calls and fan-out
// stop together.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
