package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/db"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/prune"
)

const maxReasonLen = 1000

// Sender delivers a presentation on one chat platform.
type Sender interface {
	Platform() string
	Send(ctx context.Context, ref Reference, p Presentation) error
}

// FailureLog records pushes that gave up. *sqlc.Queries satisfies it.
type FailureLog interface {
	CreateDeliveryFailure(ctx context.Context, arg sqlc.CreateDeliveryFailureParams) (sqlc.DeliveryFailure, error)
}

// Delivery reports how a push went.
type Delivery struct {
	Platform string `json:"platform"`
	Attempts int    `json:"attempts"`
	Sent     bool   `json:"sent"`
}

type Options struct {
	Retry     backend.RetryPolicy
	Publisher events.Publisher
}

// Messenger routes pushes to the sender for the reference's platform.
type Messenger struct {
	mu        sync.RWMutex
	senders   map[string]Sender
	failures  FailureLog
	publisher events.Publisher
	retry     backend.RetryPolicy
	logger    *slog.Logger
}

func New(log *slog.Logger, failures FailureLog, opts Options) *Messenger {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	return &Messenger{
		senders:   map[string]Sender{},
		failures:  failures,
		publisher: opts.Publisher,
		retry:     backend.NormalizeRetryPolicy(opts.Retry),
		logger:    log.With(slog.String("service", "proactive")),
	}
}

// Register adds or replaces the sender for its platform.
func (m *Messenger) Register(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[s.Platform()] = s
}

func (m *Messenger) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.senders))
	for p := range m.senders {
		out = append(out, p)
	}
	return out
}

func (m *Messenger) sender(platform string) (Sender, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.senders[platform]
	return s, ok
}

// Push renders evt and sends it into the mapping's chat conversation. Transient
// failures are retried with linear backoff; a bad reference fails at once.
// Giving up records a delivery failure and returns ErrProactiveDeliveryFailed.
func (m *Messenger) Push(ctx context.Context, mp mapping.Mapping, evt backend.CanonicalEvent) (Delivery, error) {
	var delivery Delivery
	ref, err := ParseReference(mp.Reference)
	if err != nil {
		return delivery, m.giveUp(ctx, mp, evt, delivery, err)
	}
	delivery.Platform = ref.Platform
	sender, ok := m.sender(ref.Platform)
	if !ok {
		return delivery, m.giveUp(ctx, mp, evt, delivery, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, ref.Platform))
	}
	presentation := Format(evt)
	if presentation.Empty() {
		return delivery, nil
	}

	for attempt := 1; attempt <= m.retry.Max; attempt++ {
		delivery.Attempts = attempt
		err = sender.Send(ctx, ref, presentation)
		if err == nil {
			delivery.Sent = true
			m.logger.Debug("pushed",
				slog.String("mapping_id", mp.ID),
				slog.String("platform", ref.Platform),
				slog.Int("attempts", attempt))
			return delivery, nil
		}
		if !errors.Is(err, ErrTransient) || attempt == m.retry.Max {
			break
		}
		m.logger.Warn("push retry",
			slog.String("mapping_id", mp.ID),
			slog.String("platform", ref.Platform),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		timer := time.NewTimer(time.Duration(attempt) * m.retry.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return delivery, m.giveUp(ctx, mp, evt, delivery, fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
		case <-timer.C:
		}
	}
	return delivery, m.giveUp(ctx, mp, evt, delivery, err)
}

func (m *Messenger) giveUp(ctx context.Context, mp mapping.Mapping, evt backend.CanonicalEvent, delivery Delivery, cause error) error {
	reason := prune.Truncate(cause.Error(), maxReasonLen, prune.DefaultMarker)
	m.logger.Error("proactive delivery failed",
		slog.String("tenant_id", mp.TenantID),
		slog.String("mapping_id", mp.ID),
		slog.String("case_id", mp.CaseID),
		slog.String("platform", delivery.Platform),
		slog.Int("attempts", delivery.Attempts),
		slog.Any("error", cause))

	// The request context may already be done; the record must still land.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if m.failures != nil {
		if mappingID, err := db.ParseUUID(mp.ID); err == nil {
			if _, err := m.failures.CreateDeliveryFailure(recordCtx, sqlc.CreateDeliveryFailureParams{
				TenantID:  mp.TenantID,
				MappingID: mappingID,
				CaseID:    mp.CaseID,
				MessageID: evt.MessageID,
				Reason:    reason,
				Attempts:  int32(delivery.Attempts),
			}); err != nil {
				m.logger.Error("record delivery failure", slog.String("mapping_id", mp.ID), slog.Any("error", err))
			}
		}
	}
	events.Emit(recordCtx, m.logger, m.publisher, events.Event{
		Type:     events.TypeDeliveryFailed,
		TenantID: mp.TenantID,
		Data: map[string]any{
			"mapping_id": mp.ID,
			"case_id":    mp.CaseID,
			"message_id": evt.MessageID,
			"platform":   delivery.Platform,
			"attempts":   delivery.Attempts,
			"reason":     reason,
		},
	})
	return fmt.Errorf("%w: %w", ErrProactiveDeliveryFailed, cause)
}
