package healthcheck

import "context"

// Check statuses. Overall treats unknown as a warning.
const (
	StatusOK      = "ok"
	StatusWarn    = "warn"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

// CheckResult is one tenant diagnostic shown on the admin checks endpoint.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more checks for a tenant.
type Checker interface {
	ListChecks(ctx context.Context, tenantID string) []CheckResult
}
