package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(context.Context, string) []CheckResult {
	return c.items
}

func TestMultiListChecks(t *testing.T) {
	t.Parallel()

	multi := Multi{
		&testChecker{items: []CheckResult{{ID: "backend.connection", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "mapping.count", Status: StatusWarn}}},
	}
	items := multi.ListChecks(context.Background(), "T1")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].ID != "mapping.count" {
		t.Fatalf("unexpected order: %s", items[1].ID)
	}
	if got := Overall(items); got != StatusWarn {
		t.Fatalf("expected warn, got %s", got)
	}
}

func TestMultiEmpty(t *testing.T) {
	t.Parallel()

	items := Multi{}.ListChecks(context.Background(), "T1")
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", items)
	}
	if got := Overall([]CheckResult{{Status: StatusOK}, {Status: StatusError}}); got != StatusError {
		t.Fatalf("expected error, got %s", got)
	}
}
