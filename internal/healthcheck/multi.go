package healthcheck

import "context"

// Multi runs checkers in order and concatenates their results.
type Multi []Checker

// ListChecks never returns nil so the result encodes as an empty list.
func (m Multi) ListChecks(ctx context.Context, tenantID string) []CheckResult {
	out := []CheckResult{}
	for _, c := range m {
		if c == nil {
			continue
		}
		out = append(out, c.ListChecks(ctx, tenantID)...)
	}
	return out
}

// Overall folds results into one status: any error wins, then any warning.
func Overall(items []CheckResult) string {
	status := StatusOK
	for _, item := range items {
		switch item.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			status = StatusWarn
		}
	}
	return status
}
