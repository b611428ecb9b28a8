// Package mapping keeps the durable link between chat conversations and
// backend cases.
package mapping

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/memohai/deskbridge/internal/backend"
)

var (
	ErrNotFound = errors.New("conversation mapping not found")
	// ErrMappingConflict indicates an attempt to attach a different case to a
	// mapping that already has one, or a case id already owned by another row.
	ErrMappingConflict = errors.New("conversation mapping conflict")
)

// Mapping links one chat conversation to at most one backend case.
type Mapping struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	ChatConversationID string          `json:"chat_conversation_id"`
	BackendKind        backend.Kind    `json:"backend_kind"`
	CaseID             string          `json:"case_id,omitempty"`
	ParticipantID      string          `json:"participant_id,omitempty"`
	Reference          json.RawMessage `json:"-"`
	ReferenceUpdatedAt time.Time       `json:"reference_updated_at"`
	Resolved           bool            `json:"resolved"`
	GreetingSent       bool            `json:"greeting_sent"`
	CreatedAt          time.Time       `json:"created_at"`
	LastActivityAt     time.Time       `json:"last_activity_at"`
}

// HasCase reports whether a backend case is attached.
func (m Mapping) HasCase() bool {
	return m.CaseID != ""
}

// CaseRef returns the backend address of the attached case.
func (m Mapping) CaseRef() backend.CaseRef {
	return backend.CaseRef{CaseID: m.CaseID, ParticipantID: m.ParticipantID}
}

type CreateOrGetRequest struct {
	TenantID           string
	ChatConversationID string
	BackendKind        backend.Kind
	// Reference is stored only when a new row is created.
	Reference json.RawMessage
}

// Counts summarizes a tenant's mappings.
type Counts struct {
	Total int64 `json:"total"`
	Open  int64 `json:"open"`
}
