package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/webhooks/zendesk/T1", want: true},
		{path: "/webhooks/zendesk", want: false},
		{path: "/api/messages", want: false},
		{path: "/api/tenants/T1", want: false},
		{path: "/media/T1/2026/01/02/x/a.png", want: true},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path, "/media")
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type deadlineHandler struct{ sawDeadline bool }

func (h *deadlineHandler) Register(e *echo.Echo) {
	e.GET("/api/slow", func(c echo.Context) error {
		_, h.sawDeadline = c.Request().Context().Deadline()
		return c.NoContent(http.StatusNoContent)
	})
}

func TestServerMiddleware(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	handler := &deadlineHandler{}
	srv := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		JWTSecret:      "s",
		RequestTimeout: time.Second,
		StaticRoot:     root,
		StaticPrefix:   "/media",
	}, handler)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/a.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("static: code=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	if rec.Code == http.StatusNoContent {
		t.Fatalf("expected jwt rejection")
	}

	e := echo.New()
	e.Use(requestTimeout(time.Second))
	handler.Register(e)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	if !handler.sawDeadline {
		t.Fatalf("expected request deadline")
	}
}
