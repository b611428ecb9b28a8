package backendchecker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/healthcheck"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
)

const (
	checkTypeBackendConnection = "backend.connection"
	defaultCheckTimeout        = 10 * time.Second
)

// ClientSource resolves a tenant to its adapter.
type ClientSource interface {
	Get(ctx context.Context, tenantID string) (clients.Entry, error)
}

// Checker validates a tenant's backend credentials against the live backend.
type Checker struct {
	logger  *slog.Logger
	clients ClientSource
	timeout time.Duration
}

func NewChecker(log *slog.Logger, clientSource ClientSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_backend")),
		clients: clientSource,
		timeout: defaultCheckTimeout,
	}
}

func (c *Checker) ListChecks(ctx context.Context, tenantID string) []healthcheck.CheckResult {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:     checkTypeBackendConnection + "." + tenantID,
		Type:   checkTypeBackendConnection,
		Status: healthcheck.StatusError,
	}

	entry, err := c.clients.Get(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrConfigNotFound):
		item.Summary = "Tenant is not configured."
		return []healthcheck.CheckResult{item}
	case errors.Is(err, secrets.ErrDecryptionFailed):
		item.Summary = "Stored credentials cannot be decrypted."
		item.Detail = "the key that sealed them is not loaded"
		return []healthcheck.CheckResult{item}
	case err != nil:
		item.Summary = "Backend client could not be built."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}

	kind := entry.Adapter.Kind().String()
	item.Subtitle = kind
	item.Metadata = map[string]any{"backend_kind": kind}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	err = entry.Adapter.ValidateConnection(checkCtx)
	item.Metadata["latency_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		c.logger.Warn("backend check failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		item.Summary = fmt.Sprintf("Backend %s is not reachable with the stored credentials.", kind)
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = fmt.Sprintf("Backend %s is connected.", kind)
	return []healthcheck.CheckResult{item}
}
