package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds call-site retries of transient backend failures.
type RetryPolicy struct {
	Max     int
	Backoff time.Duration
}

// NormalizeRetryPolicy fills zero-value fields with defaults.
func NormalizeRetryPolicy(p RetryPolicy) RetryPolicy {
	if p.Max <= 0 {
		p.Max = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	return p
}

// Retry runs fn until it succeeds, fails permanently, or the attempts run out.
// Only ErrBackendUnavailable is retried; the wait grows linearly per attempt.
func Retry(ctx context.Context, policy RetryPolicy, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	policy = NormalizeRetryPolicy(policy)
	var lastErr error
	for i := 0; i < policy.Max; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || i == policy.Max-1 {
			break
		}
		if log != nil {
			log.Warn("backend call retry",
				slog.String("op", op),
				slog.Int("attempt", i+1),
				slog.Any("error", err))
		}
		timer := time.NewTimer(time.Duration(i+1) * policy.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	if IsRetryable(lastErr) {
		return fmt.Errorf("%s failed after retries: %w", op, lastErr)
	}
	return lastErr
}
