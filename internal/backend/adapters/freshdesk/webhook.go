package freshdesk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

const (
	headerWebhookToken     = "X-Webhook-Token"
	headerWebhookSignature = "X-Webhook-Signature"
)

// ParseWebhook accepts the loose payload shapes Freshdesk automations emit.
// Ticket id, status and text are looked up under several common keys.
func (a *Adapter) ParseWebhook(body []byte) (backend.CanonicalEvent, error) {
	return parseWebhook(body)
}

func parseWebhook(body []byte) (backend.CanonicalEvent, error) {
	payload, err := common.Decode(body)
	if err != nil {
		return backend.CanonicalEvent{}, fmt.Errorf("decode freshdesk webhook: %w", err)
	}
	if inner := common.Object(payload, "freshdesk_webhook"); inner != nil {
		payload = inner
	}
	ticketID := common.String(payload, "ticket_id", "ticketId", "id", "ticket.id", "data.ticket_id")
	if ticketID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshdesk webhook missing ticket id", backend.ErrEventIgnored)
	}
	eventName := common.String(payload, "event", "action")

	if isResolvedStatus(payload) {
		return backend.CanonicalEvent{
			CaseID:     ticketID,
			ActorKind:  backend.ActorAgent,
			ActorID:    common.String(payload, "actor_id", "actorId"),
			StatusHint: backend.StatusResolved,
			Action:     "conversation_resolution",
			MessageID:  ticketID + ":resolved",
		}, nil
	}

	text := common.String(payload, "description_text", "body_text", "note.body_text", "text")
	format := backend.TextPlain
	if text == "" {
		if htmlBody := common.String(payload, "note.body", "body", "description"); htmlBody != "" {
			text = htmlBody
			format = backend.TextHTML
		}
	}
	actor := strings.ToLower(common.String(payload, "actor_type", "actorType"))
	if actor == "" {
		actor = string(backend.ActorAgent)
	}
	messageID := common.String(payload, "message_id", "note_id", "note.id")
	if messageID == "" {
		messageID = fallbackMessageID(ticketID, eventName, text)
	}
	return backend.CanonicalEvent{
		CaseID:     ticketID,
		ActorKind:  normalizeActor(actor),
		ActorID:    common.String(payload, "actor_id", "actorId"),
		ActorName:  common.String(payload, "actor_name", "actorName", "agent_name"),
		Text:       text,
		TextFormat: format,
		MessageID:  messageID,
		Action:     "message_create",
	}, nil
}

func isResolvedStatus(payload map[string]any) bool {
	if code, ok := common.Int(payload, "status", "ticket.status"); ok {
		return code == statusResolved || code == statusClosed
	}
	status := strings.ToLower(common.String(payload, "status", "ticket.status"))
	return status == "resolved" || status == "closed"
}

func normalizeActor(actor string) backend.ActorKind {
	switch actor {
	case "user", "customer", "requester", "contact":
		return backend.ActorUser
	case "system", "bot", "automation":
		return backend.ActorSystem
	default:
		return backend.ActorAgent
	}
}

// fallbackMessageID keeps identical redeliveries deduplicable while letting
// distinct notes on the same ticket through.
func fallbackMessageID(ticketID, eventName, text string) string {
	if eventName == "" {
		eventName = "event"
	}
	sum := sha1.Sum([]byte(text))
	return ticketID + ":" + eventName + ":" + hex.EncodeToString(sum[:4])
}
