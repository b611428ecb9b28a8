// Package backend defines the capability set every ticketing backend implements,
// the registry of backend providers, and the canonical webhook event shape.
package backend

import (
	"strings"
	"time"
)

// Kind identifies a ticketing backend.
type Kind string

const (
	KindFreshdesk Kind = "freshdesk"
	KindFreshchat Kind = "freshchat"
	KindZendesk   Kind = "zendesk"
)

// Kinds lists every supported backend kind.
var Kinds = []Kind{KindFreshdesk, KindFreshchat, KindZendesk}

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind normalizes a raw kind string.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	return k, k.Valid()
}

// Requester describes the chat user a case is opened for.
type Requester struct {
	ID    string
	Name  string
	Email string
}

// CreateCaseRequest opens a new backend case.
type CreateCaseRequest struct {
	Subject     string
	Description string
	Requester   Requester
	// IdempotencyKey is forwarded where the backend accepts one.
	IdempotencyKey string
}

// Case is the backend-side view of a ticket or conversation.
type Case struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject,omitempty"`
	Status        string    `json:"status,omitempty"`
	Resolved      bool      `json:"resolved"`
	ParticipantID string    `json:"participant_id,omitempty"`
	URL           string    `json:"url,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// ListCasesRequest filters ListCases.
type ListCasesRequest struct {
	RequesterID    string
	RequesterEmail string
	Limit          int
}

// CaseRef addresses an existing case when adding notes.
type CaseRef struct {
	CaseID        string
	ParticipantID string
}

// Note is a reply added to an existing case.
type Note struct {
	Body        string
	Private     bool
	Attachments []UploadedAttachment
}

// ContentKind is the presentation class of an attachment.
type ContentKind string

const (
	ContentImage ContentKind = "image"
	ContentVideo ContentKind = "video"
	ContentFile  ContentKind = "file"
)

// Upload is one binary attachment handed to a backend.
type Upload struct {
	FileName    string
	ContentType string
	Kind        ContentKind
	Data        []byte
}

// UploadedAttachment is the backend's handle for an uploaded file.
// Token is set when the backend expects the handle to be referenced from a note.
type UploadedAttachment struct {
	FileName    string
	ContentType string
	Kind        ContentKind
	URL         string
	Token       string
}

// ActorKind classifies who produced a backend event.
type ActorKind string

const (
	ActorAgent  ActorKind = "agent"
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// StatusHint is the normalized status carried by a backend event.
type StatusHint string

const (
	StatusNone     StatusHint = ""
	StatusOpen     StatusHint = "open"
	StatusPending  StatusHint = "pending"
	StatusResolved StatusHint = "resolved"
)

// TextFormat describes how CanonicalEvent.Text is encoded.
type TextFormat string

const (
	TextPlain    TextFormat = "plain"
	TextHTML     TextFormat = "html"
	TextMarkdown TextFormat = "markdown"
)

// EventAttachment is a file referenced by a backend event.
type EventAttachment struct {
	Name        string      `json:"name,omitempty"`
	URL         string      `json:"url"`
	ContentType string      `json:"content_type,omitempty"`
	Kind        ContentKind `json:"kind"`
}

// CanonicalEvent is the normalized form of a backend webhook payload.
type CanonicalEvent struct {
	CaseID      string            `json:"case_id"`
	ActorKind   ActorKind         `json:"actor_kind"`
	ActorID     string            `json:"actor_id,omitempty"`
	ActorName   string            `json:"actor_name,omitempty"`
	StatusHint  StatusHint        `json:"status_hint,omitempty"`
	Text        string            `json:"text,omitempty"`
	TextFormat  TextFormat        `json:"text_format,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Action      string            `json:"action,omitempty"`
	Attachments []EventAttachment `json:"attachments,omitempty"`
}

// IsResolution reports whether the event closes the case.
func (e CanonicalEvent) IsResolution() bool {
	return e.StatusHint == StatusResolved
}
