// Package router carries chat messages into backend cases.
package router

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/fanout"
)

// State is the position of a message in its delivery lifecycle.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateMapped             State = "MAPPED"
	StateDelivering         State = "DELIVERING"
	StateDelivered          State = "DELIVERED"
	StatePartiallyDelivered State = "PARTIALLY_DELIVERED"
	StateFailed             State = "FAILED"
)

// DefaultWelcome is sent once per new conversation when the tenant has not
// configured its own welcome message.
const DefaultWelcome = "Hello! An agent will be with you shortly."

var ErrInvalidMessage = errors.New("invalid inbound message")

// User identifies the chat user behind a message.
type User struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// InboundMessage is a chat event already stripped of its platform envelope.
type InboundMessage struct {
	TenantID           string              `json:"tenant_id" validate:"required,max=255"`
	ChatConversationID string              `json:"conversation_id" validate:"required,max=512"`
	User               User                `json:"user"`
	Text               string              `json:"text,omitempty" validate:"max=32000"`
	Attachments        []fanout.Attachment `json:"attachments,omitempty" validate:"max=20,dive"`
	// Reference is the opaque address used to push replies back into chat.
	Reference  json.RawMessage `json:"conversation_reference,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
}

// Result summarizes one routed message.
type Result struct {
	State       State            `json:"state"`
	MappingID   string           `json:"mapping_id,omitempty"`
	CaseID      string           `json:"case_id,omitempty"`
	BackendKind backend.Kind     `json:"backend_kind,omitempty"`
	CaseCreated bool             `json:"case_created"`
	Reopened    bool             `json:"reopened"`
	Delivered   int              `json:"delivered"`
	Total       int              `json:"total"`
	Outcomes    []fanout.Outcome `json:"outcomes,omitempty"`
	// Notices are user-facing lines for the chat side, in order.
	Notices []string `json:"notices,omitempty"`
	Err     error    `json:"-"`
}
