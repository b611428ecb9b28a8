package mappingchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/deskbridge/internal/healthcheck"
	"github.com/memohai/deskbridge/internal/mapping"
)

const checkTypeMappingCount = "mapping.count"

// Counter reports conversation mapping totals. *mapping.Store satisfies it.
type Counter interface {
	CountByTenant(ctx context.Context, tenantID string) (mapping.Counts, error)
}

type Checker struct {
	logger  *slog.Logger
	counter Counter
}

func NewChecker(log *slog.Logger, counter Counter) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_mapping")),
		counter: counter,
	}
}

func (c *Checker) ListChecks(ctx context.Context, tenantID string) []healthcheck.CheckResult {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:   checkTypeMappingCount + "." + tenantID,
		Type: checkTypeMappingCount,
	}
	counts, err := c.counter.CountByTenant(ctx, tenantID)
	if err != nil {
		c.logger.Warn("count mappings failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Conversation count is unavailable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = fmt.Sprintf("%d conversations, %d open.", counts.Total, counts.Open)
	item.Metadata = map[string]any{"total": counts.Total, "open": counts.Open}
	return []healthcheck.CheckResult{item}
}
