// Package events publishes operator-facing bridge events to an AMQP topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Event types, also used as routing keys.
const (
	TypeCaseCreated          = "case.created"
	TypeDeliveryFailed       = "delivery.failed"
	TypeTenantBackendChanged = "tenant.backend_changed"
)

// Event is the envelope published for each occurrence.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Emit publishes evt and logs instead of returning failures; the event bus
// never blocks the request that produced the event.
func Emit(ctx context.Context, log *slog.Logger, pub Publisher, evt Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		log.Warn("publish event failed",
			slog.String("type", evt.Type),
			slog.String("tenant_id", evt.TenantID),
			slog.Any("error", err))
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// AMQPPublisher publishes persistent JSON messages with publisher confirms.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

// New dials url and declares a durable topic exchange. An empty url yields Nop.
func New(url, exchange string, log *slog.Logger) (Publisher, error) {
	if url == "" {
		log.Info("event bus disabled")
		return Nop{}, nil
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.With(slog.String("service", "events")),
		ch:       ch,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("enable confirms: %w", err)
		}
		p.ch = ch
	}
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, evt.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", evt.Type, err)
		}
		if !acked {
			return fmt.Errorf("publish %s: broker nacked", evt.Type)
		}
	}
	p.log.Debug("published", slog.String("key", evt.Type), slog.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
