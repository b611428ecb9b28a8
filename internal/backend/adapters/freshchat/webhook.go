package freshchat

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

const headerSignature = "X-Freshchat-Signature"

const (
	actionMessageCreate = "message_create"
	actionResolution    = "conversation_resolution"
	actionResolutionAlt = "conversation:resolve"
	defaultImageType    = "image/png"
	defaultFileType     = "application/octet-stream"
	defaultVideoType    = "video/mp4"
)

// WebhookSecretConfigured reports whether a webhook public key is set.
func (a *Adapter) WebhookSecretConfigured() bool {
	return a.cfg.publicKey != nil
}

// VerifyWebhook checks the RSA-SHA256 (PKCS#1 v1.5) signature over the raw body.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) error {
	if a.cfg.publicKey == nil {
		return nil
	}
	return verifySignature(a.cfg.publicKey, header.Get(headerSignature), body)
}

func verifySignature(pub *rsa.PublicKey, signature string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s", backend.ErrSignatureInvalid, headerSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		sig, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(signature, "="))
		if err != nil {
			return fmt.Errorf("%w: signature is not base64", backend.ErrSignatureInvalid)
		}
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return backend.ErrSignatureInvalid
	}
	return nil
}

// ParseWebhook maps message_create and conversation resolution actions.
// Messages authored by the user are returned with ActorUser so the caller
// can drop the echo of what the bridge itself sent.
func (a *Adapter) ParseWebhook(body []byte) (backend.CanonicalEvent, error) {
	return parseWebhook(body)
}

func parseWebhook(body []byte) (backend.CanonicalEvent, error) {
	payload, err := common.Decode(body)
	if err != nil {
		return backend.CanonicalEvent{}, fmt.Errorf("decode freshchat webhook: %w", err)
	}
	action := common.String(payload, "action")
	data := common.Object(payload, "data")
	if data == nil {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat webhook without data", backend.ErrEventIgnored)
	}
	switch action {
	case actionResolution, actionResolutionAlt:
		return parseResolution(payload, data)
	case actionMessageCreate:
		return parseMessage(payload, data)
	default:
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat action %q", backend.ErrEventIgnored, action)
	}
}

func parseResolution(payload, data map[string]any) (backend.CanonicalEvent, error) {
	convID := common.String(data, "resolve.conversation.conversation_id", "conversation.conversation_id", "resolve.conversation.id", "conversation.id", "conversation.conversation_numeric_id")
	if convID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat resolution without conversation id", backend.ErrEventIgnored)
	}
	actorKind := backend.ActorAgent
	if strings.EqualFold(common.String(payload, "actor.actor_type"), "system") {
		actorKind = backend.ActorSystem
	}
	return backend.CanonicalEvent{
		CaseID:     convID,
		ActorKind:  actorKind,
		ActorID:    common.String(payload, "actor.actor_id"),
		StatusHint: backend.StatusResolved,
		MessageID:  convID + ":resolution",
		Action:     actionResolution,
	}, nil
}

func parseMessage(payload, data map[string]any) (backend.CanonicalEvent, error) {
	message := common.Object(data, "message")
	if message == nil {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat message_create without message", backend.ErrEventIgnored)
	}
	messageID := common.String(message, "id")
	if messageID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat message without id", backend.ErrEventIgnored)
	}
	convID := common.String(data, "conversation.conversation_id")
	if convID == "" {
		convID = common.String(message, "conversation_id")
	}
	if convID == "" {
		convID = common.String(data, "conversation.id")
	}
	if convID == "" {
		return backend.CanonicalEvent{}, fmt.Errorf("%w: freshchat message without conversation id", backend.ErrEventIgnored)
	}

	actor := strings.ToLower(common.String(message, "actor_type"))
	if actor == "" {
		actor = strings.ToLower(common.String(payload, "actor.actor_type"))
	}
	var kind backend.ActorKind
	switch actor {
	case "agent":
		kind = backend.ActorAgent
	case "system", "bot":
		kind = backend.ActorSystem
	default:
		kind = backend.ActorUser
	}

	var texts []string
	var attachments []backend.EventAttachment
	for _, raw := range common.Array(message, "message_parts") {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if content := common.String(part, "text.content"); content != "" {
			texts = append(texts, content)
			continue
		}
		if att, ok := partAttachment(part, "image", backend.ContentImage, defaultImageType); ok {
			attachments = append(attachments, att)
		} else if att, ok := partAttachment(part, "file", backend.ContentFile, defaultFileType); ok {
			attachments = append(attachments, att)
		} else if att, ok := partAttachment(part, "video", backend.ContentVideo, defaultVideoType); ok {
			attachments = append(attachments, att)
		}
	}

	return backend.CanonicalEvent{
		CaseID:      convID,
		ActorKind:   kind,
		ActorID:     common.String(message, "actor_id"),
		Text:        strings.Join(texts, "\n"),
		TextFormat:  backend.TextPlain,
		MessageID:   messageID,
		Action:      actionMessageCreate,
		Attachments: attachments,
	}, nil
}

func partAttachment(part map[string]any, key string, kind backend.ContentKind, defaultType string) (backend.EventAttachment, bool) {
	obj := common.Object(part, key)
	if obj == nil {
		return backend.EventAttachment{}, false
	}
	url := common.String(obj, "url", "download_url", "downloadUrl")
	if url == "" {
		return backend.EventAttachment{}, false
	}
	contentType := common.String(obj, "content_type", "contentType")
	if contentType == "" {
		contentType = defaultType
	}
	return backend.EventAttachment{
		Name:        common.String(obj, "name"),
		URL:         url,
		ContentType: contentType,
		Kind:        kind,
	}, true
}
