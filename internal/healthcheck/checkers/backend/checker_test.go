package backendchecker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/healthcheck"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
)

type stubAdapter struct {
	backend.Adapter
	err error
}

func (a stubAdapter) Kind() backend.Kind                       { return backend.KindZendesk }
func (a stubAdapter) ValidateConnection(context.Context) error { return a.err }

type stubClients struct {
	entry clients.Entry
	err   error
}

func (s stubClients) Get(context.Context, string) (clients.Entry, error) {
	return s.entry, s.err
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		source stubClients
		status string
	}{
		{name: "connected", source: stubClients{entry: clients.Entry{Adapter: stubAdapter{}}}, status: healthcheck.StatusOK},
		{name: "rejected", source: stubClients{entry: clients.Entry{Adapter: stubAdapter{err: errors.New("401")}}}, status: healthcheck.StatusError},
		{name: "not configured", source: stubClients{err: tenant.ErrConfigNotFound}, status: healthcheck.StatusError},
		{name: "wrong key", source: stubClients{err: secrets.ErrDecryptionFailed}, status: healthcheck.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker(slog.New(slog.NewTextHandler(io.Discard, nil)), tc.source)
			items := checker.ListChecks(context.Background(), "T1")
			if len(items) != 1 {
				t.Fatalf("expected 1 item, got %d", len(items))
			}
			if items[0].Status != tc.status {
				t.Fatalf("expected %s, got %s (%s)", tc.status, items[0].Status, items[0].Summary)
			}
			if items[0].ID != "backend.connection.T1" {
				t.Fatalf("unexpected id: %s", items[0].ID)
			}
		})
	}
}

func TestCheckerEmptyTenant(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, stubClients{}).ListChecks(context.Background(), " ")
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
}
