package zendesk

import (
	"fmt"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

const (
	headerSignature          = "X-Zendesk-Webhook-Signature"
	headerSignatureTimestamp = "X-Zendesk-Webhook-Signature-Timestamp"
)

const (
	eventCommentCreated = "ticket_comment_created"
	eventTicketSolved   = "ticket_solved"
	eventCommentAdded   = "zen:event-type:ticket.comment_added"
	eventStatusChanged  = "zen:event-type:ticket.status_changed"
)

// ParseWebhook accepts trigger payloads ({"type", "ticket", "comment"}) and
// event-stream payloads ({"type": "zen:event-type:...", "detail", "event"}).
func (a *Adapter) ParseWebhook(body []byte) (backend.CanonicalEvent, error) {
	return parseWebhook(body)
}

func parseWebhook(body []byte) (backend.CanonicalEvent, error) {
	payload, err := common.Decode(body)
	if err != nil {
		return backend.CanonicalEvent{}, fmt.Errorf("decode zendesk webhook: %w", err)
	}
	eventType := common.String(payload, "type", "event_type")
	ticketID := common.String(payload, "ticket.id", "ticket_id", "detail.id")
	if ticketID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: zendesk webhook missing ticket id", backend.ErrEventIgnored)
	}

	if isSolvedEvent(payload, eventType) {
		return backend.CanonicalEvent{
			CaseID:     ticketID,
			ActorKind:  backend.ActorAgent,
			ActorID:    common.String(payload, "current_user.id", "detail.assignee_id"),
			StatusHint: backend.StatusResolved,
			MessageID:  ticketID + ":solved",
			Action:     eventTicketSolved,
		}, nil
	}

	comment := common.Object(payload, "comment")
	if comment == nil {
		comment = common.Object(payload, "event.comment")
	}
	if comment == nil {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: zendesk event %q carries no comment", backend.ErrEventIgnored, eventType)
	}
	if public := common.String(comment, "public", "is_public"); public == "false" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: zendesk internal note", backend.ErrEventIgnored)
	}

	text := common.String(comment, "body", "plain_body", "value")
	format := backend.TextPlain
	if htmlBody := common.String(comment, "html_body"); htmlBody != "" && text == "" {
		text = htmlBody
		format = backend.TextHTML
	}
	commentID := common.String(comment, "id")
	if commentID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: zendesk comment without id", backend.ErrEventIgnored)
	}

	var attachments []backend.EventAttachment
	for _, raw := range common.Array(comment, "attachments") {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		url := common.String(obj, "content_url", "url")
		if url == "" {
			continue
		}
		name := common.String(obj, "file_name", "filename", "name")
		contentType := common.String(obj, "content_type")
		attachments = append(attachments, backend.EventAttachment{
			Name:        name,
			URL:         url,
			ContentType: contentType,
			Kind:        backend.ClassifyContent(contentType, name),
		})
	}

	return backend.CanonicalEvent{
		CaseID:      ticketID,
		ActorKind:   commentActor(payload, comment),
		ActorID:     common.String(comment, "author_id", "author.id"),
		ActorName:   common.String(comment, "author.name", "author_name"),
		Text:        text,
		TextFormat:  format,
		MessageID:   commentID,
		Action:      eventCommentCreated,
		Attachments: attachments,
	}, nil
}

func isSolvedEvent(payload map[string]any, eventType string) bool {
	switch eventType {
	case eventTicketSolved:
		return true
	case eventStatusChanged:
		return isResolved(common.String(payload, "event.current"))
	case eventCommentCreated, eventCommentAdded:
		return false
	}
	return isResolved(common.String(payload, "ticket.status", "status"))
}

func commentActor(payload, comment map[string]any) backend.ActorKind {
	if staff := common.String(comment, "author.is_staff"); staff != "" {
		if staff == "true" {
			return backend.ActorAgent
		}
		return backend.ActorUser
	}
	role := strings.ToLower(common.String(comment, "author_role", "author.role"))
	if role == "" {
		role = strings.ToLower(common.String(payload, "current_user.role"))
	}
	switch role {
	case "end-user", "end_user", "user":
		return backend.ActorUser
	case "system":
		return backend.ActorSystem
	default:
		// A comment authored by the ticket requester is the chat user's own echo.
		if author := common.String(comment, "author_id", "author.id"); author != "" && author == common.String(payload, "ticket.requester_id", "detail.requester_id") {
			return backend.ActorUser
		}
		return backend.ActorAgent
	}
}
