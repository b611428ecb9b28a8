package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/deskbridge/internal/auth"
	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/db"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/healthcheck"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/tenant"
)

const (
	defaultFailureLimit = 50
	maxFailureLimit     = 500
	maxCaseLimit        = 100
)

// TenantStore is the admin view of tenant configuration. *tenant.Store satisfies it.
type TenantStore interface {
	List(ctx context.Context) ([]tenant.Record, error)
	Get(ctx context.Context, tenantID string) (tenant.Record, error)
	Put(ctx context.Context, tenantID string, req tenant.PutRequest) (tenant.Record, error)
	Delete(ctx context.Context, tenantID string) error
}

// ClientCache builds adapters and drops them when a tenant changes.
// *clients.Factory satisfies it.
type ClientCache interface {
	Get(ctx context.Context, tenantID string) (clients.Entry, error)
	Invalidate(tenantID string)
}

type CaseLookup interface {
	FindByBackendCase(ctx context.Context, tenantID string, kind backend.Kind, caseID string) (mapping.Mapping, error)
}

type FailureLister interface {
	ListDeliveryFailures(ctx context.Context, arg sqlc.ListDeliveryFailuresParams) ([]sqlc.DeliveryFailure, error)
}

type TenantsHandler struct {
	store    TenantStore
	clients  ClientCache
	mappings CaseLookup
	failures FailureLister
	checker  healthcheck.Checker
	logger   *slog.Logger
}

func NewTenantsHandler(log *slog.Logger, store TenantStore, clientCache ClientCache, mappings CaseLookup, failures FailureLister, checker healthcheck.Checker) *TenantsHandler {
	return &TenantsHandler{
		store:    store,
		clients:  clientCache,
		mappings: mappings,
		failures: failures,
		checker:  checker,
		logger:   log.With(slog.String("handler", "tenants")),
	}
}

func (h *TenantsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/tenants", auth.RequireScope(auth.ScopeAdmin))
	group.GET("", h.List)
	group.GET("/:tenant_id", h.Get)
	group.PUT("/:tenant_id", h.Put)
	group.DELETE("/:tenant_id", h.Delete)
	group.POST("/:tenant_id/validate", h.Validate)
	group.GET("/:tenant_id/checks", h.Checks)
	group.GET("/:tenant_id/cases", h.ListCases)
	group.GET("/:tenant_id/cases/:case_id", h.GetCase)
	group.GET("/:tenant_id/conversations/by-case/:case_id", h.ConversationByCase)
	group.GET("/:tenant_id/delivery-failures", h.DeliveryFailures)
}

// List godoc
// @Summary List tenants
// @Tags tenants
// @Success 200 {array} tenant.View
// @Router /api/tenants [get]
func (h *TenantsHandler) List(c echo.Context) error {
	records, err := h.store.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	views := make([]tenant.View, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.View())
	}
	return c.JSON(http.StatusOK, views)
}

// Get godoc
// @Summary Get tenant configuration
// @Description Credentials are never returned
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Success 200 {object} tenant.View
// @Failure 404 {object} ErrorResponse
// @Router /api/tenants/{tenant_id} [get]
func (h *TenantsHandler) Get(c echo.Context) error {
	rec, err := h.store.Get(c.Request().Context(), c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec.View())
}

// Put godoc
// @Summary Create or replace tenant configuration
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Param payload body tenant.PutRequest true "Tenant configuration"
// @Success 200 {object} tenant.View
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/tenants/{tenant_id} [put]
func (h *TenantsHandler) Put(c echo.Context) error {
	var req tenant.PutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	rec, err := h.store.Put(c.Request().Context(), tenantID, req)
	if err != nil {
		return httpError(err)
	}
	h.clients.Invalidate(tenantID)
	return c.JSON(http.StatusOK, rec.View())
}

// Delete godoc
// @Summary Delete tenant configuration
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/tenants/{tenant_id} [delete]
func (h *TenantsHandler) Delete(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if err := h.store.Delete(c.Request().Context(), tenantID); err != nil {
		return httpError(err)
	}
	h.clients.Invalidate(tenantID)
	return c.NoContent(http.StatusNoContent)
}

// Validate godoc
// @Summary Test the stored credentials against the backend
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Success 200 {object} map[string]string
// @Failure 422 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/tenants/{tenant_id}/validate [post]
func (h *TenantsHandler) Validate(c echo.Context) error {
	ctx := c.Request().Context()
	entry, err := h.clients.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	if err := entry.Adapter.ValidateConnection(ctx); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"backend_kind": entry.Adapter.Kind().String(),
	})
}

type checksResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

// Checks godoc
// @Summary Run tenant health checks
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Success 200 {object} checksResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/tenants/{tenant_id}/checks [get]
func (h *TenantsHandler) Checks(c echo.Context) error {
	ctx := c.Request().Context()
	rec, err := h.store.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	items := h.checker.ListChecks(ctx, rec.TenantID)
	return c.JSON(http.StatusOK, checksResponse{Status: healthcheck.Overall(items), Checks: items})
}

// ListCases godoc
// @Summary List a requester's cases on the tenant's backend
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Param requester_id query string false "Requester ID on the backend"
// @Param requester_email query string false "Requester email"
// @Param limit query int false "Max cases (backend default when omitted)"
// @Success 200 {array} backend.Case
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/tenants/{tenant_id}/cases [get]
func (h *TenantsHandler) ListCases(c echo.Context) error {
	req := backend.ListCasesRequest{
		RequesterID:    strings.TrimSpace(c.QueryParam("requester_id")),
		RequesterEmail: strings.TrimSpace(c.QueryParam("requester_email")),
	}
	if req.RequesterID == "" && req.RequesterEmail == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requester_id or requester_email is required")
	}
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		req.Limit = min(n, maxCaseLimit)
	}
	ctx := c.Request().Context()
	entry, err := h.clients.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	cases, err := entry.Adapter.ListCases(ctx, req)
	if err != nil {
		h.logger.Warn("list cases failed", slog.String("tenant_id", entry.Record.TenantID), slog.Any("error", err))
		return httpError(err)
	}
	if cases == nil {
		cases = []backend.Case{}
	}
	return c.JSON(http.StatusOK, cases)
}

// GetCase godoc
// @Summary Fetch one case from the tenant's backend
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Param case_id path string true "Backend case ID"
// @Success 200 {object} backend.Case
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/tenants/{tenant_id}/cases/{case_id} [get]
func (h *TenantsHandler) GetCase(c echo.Context) error {
	ctx := c.Request().Context()
	entry, err := h.clients.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	found, err := entry.Adapter.GetCase(ctx, strings.TrimSpace(c.Param("case_id")))
	if err != nil {
		if backend.StatusCode(err) == http.StatusNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "case not found")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, found)
}

// ConversationByCase godoc
// @Summary Find the conversation mapped to a backend case
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Param case_id path string true "Backend case ID"
// @Success 200 {object} mapping.Mapping
// @Failure 404 {object} ErrorResponse
// @Router /api/tenants/{tenant_id}/conversations/by-case/{case_id} [get]
func (h *TenantsHandler) ConversationByCase(c echo.Context) error {
	ctx := c.Request().Context()
	rec, err := h.store.Get(ctx, c.Param("tenant_id"))
	if err != nil {
		return httpError(err)
	}
	m, err := h.mappings.FindByBackendCase(ctx, rec.TenantID, rec.BackendKind, strings.TrimSpace(c.Param("case_id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

type deliveryFailure struct {
	ID        string `json:"id"`
	MappingID string `json:"mapping_id"`
	CaseID    string `json:"case_id"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason"`
	Attempts  int32  `json:"attempts"`
	CreatedAt string `json:"created_at"`
}

// DeliveryFailures godoc
// @Summary List recent proactive delivery failures
// @Tags tenants
// @Param tenant_id path string true "Tenant ID"
// @Param limit query int false "Max rows (default 50)"
// @Success 200 {array} deliveryFailure
// @Router /api/tenants/{tenant_id}/delivery-failures [get]
func (h *TenantsHandler) DeliveryFailures(c echo.Context) error {
	limit := defaultFailureLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxFailureLimit)
	}
	rows, err := h.failures.ListDeliveryFailures(c.Request().Context(), sqlc.ListDeliveryFailuresParams{
		TenantID: strings.TrimSpace(c.Param("tenant_id")),
		Limit:    int32(limit),
	})
	if err != nil {
		h.logger.Error("list delivery failures failed", slog.Any("error", err))
		return httpError(err)
	}
	out := make([]deliveryFailure, 0, len(rows))
	for _, row := range rows {
		item := deliveryFailure{
			ID:        db.UUIDString(row.ID),
			MappingID: db.UUIDString(row.MappingID),
			CaseID:    row.CaseID,
			MessageID: row.MessageID,
			Reason:    row.Reason,
			Attempts:  row.Attempts,
		}
		if row.CreatedAt.Valid {
			item.CreatedAt = row.CreatedAt.Time.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, item)
	}
	return c.JSON(http.StatusOK, out)
}
