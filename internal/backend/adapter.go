package backend

import (
	"context"
	"log/slog"
	"net/http"
)

// Adapter is the capability set every backend implements. One Adapter is
// bound to one tenant's credentials.
type Adapter interface {
	Kind() Kind
	CreateCase(ctx context.Context, req CreateCaseRequest) (Case, error)
	AddNote(ctx context.Context, ref CaseRef, note Note) error
	GetCase(ctx context.Context, caseID string) (Case, error)
	ListCases(ctx context.Context, req ListCasesRequest) ([]Case, error)
	ValidateConnection(ctx context.Context) error
}

// AttachmentUploader is implemented by adapters that accept binary uploads.
type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, ref CaseRef, upload Upload) (UploadedAttachment, error)
}

// AgentDirectory resolves agent display names.
type AgentDirectory interface {
	AgentName(ctx context.Context, agentID string) (string, error)
}

// WebhookVerifier checks payload authenticity with tenant-held secrets.
type WebhookVerifier interface {
	// WebhookSecretConfigured reports whether the tenant supplied a secret or key.
	WebhookSecretConfigured() bool
	VerifyWebhook(header http.Header, body []byte) error
}

// WebhookParser turns a raw backend payload into a CanonicalEvent.
// It returns ErrEventIgnored for payloads that carry nothing to relay.
type WebhookParser interface {
	ParseWebhook(body []byte) (CanonicalEvent, error)
}

// BuildOptions carries process-level dependencies into adapter construction.
type BuildOptions struct {
	TenantID string
	Logger   *slog.Logger
	// HTTPClient overrides the transport; nil uses the provider default.
	HTTPClient *http.Client
}

// Provider constructs adapters of one kind from decrypted credentials.
type Provider interface {
	Kind() Kind
	// NormalizeConfig validates raw credentials and fills defaults before sealing.
	NormalizeConfig(raw map[string]any) (map[string]any, error)
	Build(cfg map[string]any, opts BuildOptions) (Adapter, error)
}

// AsUploader returns the adapter's upload capability if present.
func AsUploader(a Adapter) (AttachmentUploader, bool) {
	u, ok := a.(AttachmentUploader)
	return u, ok
}

// AsAgentDirectory returns the adapter's agent directory if present.
func AsAgentDirectory(a Adapter) (AgentDirectory, bool) {
	d, ok := a.(AgentDirectory)
	return d, ok
}

// AsWebhookVerifier returns the adapter's webhook verifier if present.
func AsWebhookVerifier(a Adapter) (WebhookVerifier, bool) {
	v, ok := a.(WebhookVerifier)
	return v, ok
}

// AsWebhookParser returns the adapter's webhook parser if present.
func AsWebhookParser(a Adapter) (WebhookParser, bool) {
	p, ok := a.(WebhookParser)
	return p, ok
}
