package mappingchecker

import (
	"context"
	"errors"
	"testing"

	"github.com/memohai/deskbridge/internal/healthcheck"
	"github.com/memohai/deskbridge/internal/mapping"
)

type stubCounter struct {
	counts mapping.Counts
	err    error
}

func (s stubCounter) CountByTenant(context.Context, string) (mapping.Counts, error) {
	return s.counts, s.err
}

func TestCheckerCounts(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, stubCounter{counts: mapping.Counts{Total: 5, Open: 2}}).ListChecks(context.Background(), "T1")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Status != healthcheck.StatusOK {
		t.Fatalf("unexpected status: %s", items[0].Status)
	}
	if items[0].Summary != "5 conversations, 2 open." {
		t.Fatalf("unexpected summary: %s", items[0].Summary)
	}
}

func TestCheckerCountFailure(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, stubCounter{err: errors.New("db down")}).ListChecks(context.Background(), "T1")
	if len(items) != 1 || items[0].Status != healthcheck.StatusUnknown {
		t.Fatalf("expected one unknown item, got %#v", items)
	}
}
