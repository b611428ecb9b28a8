// Package clients builds and caches per-tenant backend adapters.
package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
)

// DefaultTTL bounds how long a built adapter is reused.
const DefaultTTL = 10 * time.Minute

const loadTimeout = 15 * time.Second

// TenantSource loads tenant records. *tenant.Store satisfies it.
type TenantSource interface {
	Get(ctx context.Context, tenantID string) (tenant.Record, error)
}

// Entry pairs a tenant record with the adapter built from it.
type Entry struct {
	Record  tenant.Record
	Adapter backend.Adapter
}

// Factory resolves tenants to ready adapters. Concurrent misses for one
// tenant share a single load.
type Factory struct {
	tenants    TenantSource
	keys       secrets.KeyManager
	registry   *backend.Registry
	httpClient *http.Client
	logger     *slog.Logger

	cache *cache.Cache
	group singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// NewFactory creates a factory. ttl <= 0 uses DefaultTTL.
func NewFactory(log *slog.Logger, tenants TenantSource, keys secrets.KeyManager, registry *backend.Registry, ttl time.Duration) *Factory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Factory{
		tenants:  tenants,
		keys:     keys,
		registry: registry,
		logger:   log.With(slog.String("service", "clients")),
		cache:    cache.New(ttl, 2*ttl),
		gens:     map[string]uint64{},
	}
}

// WithHTTPClient sets the transport handed to every adapter.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.httpClient = c
	return f
}

// GetClient returns the tenant's adapter.
func (f *Factory) GetClient(ctx context.Context, tenantID string) (backend.Adapter, error) {
	entry, err := f.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return entry.Adapter, nil
}

// Get returns the cached entry or loads it. Errors are
// tenant.ErrConfigNotFound, secrets.ErrDecryptionFailed,
// backend.ErrUnknownKind or backend.ErrInvalidConfig.
func (f *Factory) Get(ctx context.Context, tenantID string) (Entry, error) {
	if v, ok := f.cache.Get(tenantID); ok {
		return v.(Entry), nil
	}
	gen := f.generation(tenantID)
	ch := f.group.DoChan(tenantID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		entry, err := f.load(loadCtx, tenantID)
		if err != nil {
			return nil, err
		}
		if f.generation(tenantID) == gen {
			f.cache.Set(tenantID, entry, cache.DefaultExpiration)
		}
		return entry, nil
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

func (f *Factory) load(ctx context.Context, tenantID string) (Entry, error) {
	rec, err := f.tenants.Get(ctx, tenantID)
	if err != nil {
		return Entry{}, err
	}
	creds, err := tenant.OpenCredentials(f.keys, rec)
	if err != nil {
		f.logger.Error("tenant credentials could not be opened",
			slog.String("tenant_id", tenantID),
			slog.Int("key_version", int(rec.KeyVersion)),
			slog.Any("error", err))
		return Entry{}, err
	}
	adapter, err := f.registry.Build(rec.BackendKind, creds, backend.BuildOptions{
		TenantID:   tenantID,
		Logger:     f.logger,
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("build %s adapter: %w", rec.BackendKind, err)
	}
	f.logger.Debug("adapter built", slog.String("tenant_id", tenantID), slog.String("backend_kind", rec.BackendKind.String()))
	return Entry{Record: rec, Adapter: adapter}, nil
}

// Invalidate drops the cached adapter; loads already in flight are not cached.
func (f *Factory) Invalidate(tenantID string) {
	f.mu.Lock()
	f.gens[tenantID]++
	f.mu.Unlock()
	f.group.Forget(tenantID)
	f.cache.Delete(tenantID)
}

func (f *Factory) generation(tenantID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gens[tenantID]
}
