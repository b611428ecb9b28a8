package tenant

import (
	"errors"
	"time"

	"github.com/memohai/deskbridge/internal/backend"
)

// DefaultBotName is shown in chat when a tenant does not set one.
const DefaultBotName = "IT Helpdesk"

var (
	// ErrConfigNotFound indicates no configuration exists for the tenant.
	ErrConfigNotFound = errors.New("tenant config not found")
	// ErrBackendKindLocked rejects a backend change while mappings exist.
	ErrBackendKindLocked = errors.New("tenant backend kind is locked by existing conversations")
	// ErrTenantInUse rejects deleting a tenant that still has conversations.
	ErrTenantInUse = errors.New("tenant has conversations")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid tenant request")
)

// Record is a stored tenant configuration. Credentials stay sealed in Blob.
type Record struct {
	ID             string
	TenantID       string
	BackendKind    backend.Kind
	Blob           []byte
	KeyVersion     uint8
	BotName        string
	WelcomeMessage string
	WebhookStrict  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PutRequest creates or replaces a tenant configuration.
type PutRequest struct {
	BackendKind        string         `json:"backend_kind" validate:"required,oneof=freshdesk freshchat zendesk"`
	Credentials        map[string]any `json:"credentials" validate:"required"`
	BotName            string         `json:"bot_name,omitempty" validate:"omitempty,max=80"`
	WelcomeMessage     string         `json:"welcome_message,omitempty" validate:"omitempty,max=2000"`
	WebhookStrict      bool           `json:"webhook_strict"`
	ForceBackendChange bool           `json:"force_backend_change"`
}

// View is the admin-facing projection; it never carries credentials.
type View struct {
	TenantID       string    `json:"tenant_id"`
	BackendKind    string    `json:"backend_kind"`
	KeyVersion     uint8     `json:"key_version"`
	BotName        string    `json:"bot_name"`
	WelcomeMessage string    `json:"welcome_message,omitempty"`
	WebhookStrict  bool      `json:"webhook_strict"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// View projects the record for API responses.
func (r Record) View() View {
	return View{
		TenantID:       r.TenantID,
		BackendKind:    r.BackendKind.String(),
		KeyVersion:     r.KeyVersion,
		BotName:        r.BotName,
		WelcomeMessage: r.WelcomeMessage,
		WebhookStrict:  r.WebhookStrict,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
