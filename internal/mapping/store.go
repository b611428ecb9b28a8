package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/db"
	"github.com/memohai/deskbridge/internal/db/sqlc"
)

const (
	pgUniqueViolation = "23505"
	createAttempts    = 3
)

// Store persists conversation mappings.
type Store struct {
	queries *sqlc.Queries
	logger  *slog.Logger
}

func NewStore(log *slog.Logger, queries *sqlc.Queries) *Store {
	return &Store{
		queries: queries,
		logger:  log.With(slog.String("service", "mapping")),
	}
}

// Get returns the mapping by surrogate id.
func (s *Store) Get(ctx context.Context, id string) (Mapping, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Mapping{}, ErrNotFound
	}
	row, err := s.queries.GetConversation(ctx, pgID)
	if err != nil {
		return Mapping{}, notFound("get mapping", err)
	}
	return toMapping(row), nil
}

// FindByChat returns the open mapping for the chat conversation, else the most
// recently active resolved one.
func (s *Store) FindByChat(ctx context.Context, tenantID, chatConversationID string, kind backend.Kind) (Mapping, error) {
	row, err := s.queries.GetConversationByChat(ctx, sqlc.GetConversationByChatParams{
		TenantID:           tenantID,
		ChatConversationID: chatConversationID,
		BackendKind:        kind.String(),
	})
	if err != nil {
		return Mapping{}, notFound("find mapping by chat", err)
	}
	return toMapping(row), nil
}

// FindByBackendCase is the reverse lookup used for webhooks.
func (s *Store) FindByBackendCase(ctx context.Context, tenantID string, kind backend.Kind, caseID string) (Mapping, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return Mapping{}, ErrNotFound
	}
	row, err := s.queries.GetConversationByCase(ctx, sqlc.GetConversationByCaseParams{
		TenantID:    tenantID,
		BackendKind: kind.String(),
		CaseID:      db.Text(caseID),
	})
	if err != nil {
		return Mapping{}, notFound("find mapping by case", err)
	}
	return toMapping(row), nil
}

// CreateOrGet returns the open mapping for the chat conversation, creating it
// when none exists. Concurrent callers converge on the same row, and an
// existing row keeps its stored reference.
func (s *Store) CreateOrGet(ctx context.Context, req CreateOrGetRequest) (Mapping, bool, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ChatConversationID) == "" || !req.BackendKind.Valid() {
		return Mapping{}, false, fmt.Errorf("create mapping: tenant, chat conversation and backend kind are required")
	}
	ref := []byte(req.Reference)
	if len(ref) == 0 {
		ref = []byte("{}")
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		row, err := s.queries.CreateConversation(ctx, sqlc.CreateConversationParams{
			TenantID:              req.TenantID,
			ChatConversationID:    req.ChatConversationID,
			BackendKind:           req.BackendKind.String(),
			ConversationReference: ref,
		})
		if err == nil {
			s.logger.Debug("mapping created",
				slog.String("tenant_id", req.TenantID),
				slog.String("mapping_id", db.UUIDString(row.ID)))
			return toMapping(row), true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, false, fmt.Errorf("create mapping: %w", err)
		}
		// Lost the insert race; the winner's row is the answer.
		row, err = s.queries.GetOpenConversationByChat(ctx, sqlc.GetOpenConversationByChatParams{
			TenantID:           req.TenantID,
			ChatConversationID: req.ChatConversationID,
			BackendKind:        req.BackendKind.String(),
		})
		if err == nil {
			return toMapping(row), false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, false, fmt.Errorf("get open mapping: %w", err)
		}
		// The open row was resolved between the two statements, or belongs to
		// another tenant. Try again.
	}
	return Mapping{}, false, fmt.Errorf("%w: open conversation %s is held elsewhere", ErrMappingConflict, req.ChatConversationID)
}

// AttachCase records the backend case for a mapping. Attaching the value
// already stored is a no-op; any other value is ErrMappingConflict.
func (s *Store) AttachCase(ctx context.Context, id, caseID, participantID string) (Mapping, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return Mapping{}, fmt.Errorf("attach case: case id is required")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Mapping{}, ErrNotFound
	}
	row, err := s.queries.AttachConversationCase(ctx, sqlc.AttachConversationCaseParams{
		ID:            pgID,
		CaseID:        db.Text(caseID),
		ParticipantID: db.Text(strings.TrimSpace(participantID)),
	})
	if err == nil {
		return toMapping(row), nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return Mapping{}, fmt.Errorf("%w: case %s is attached to another conversation", ErrMappingConflict, caseID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, fmt.Errorf("attach case: %w", err)
	}
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return Mapping{}, getErr
	}
	s.logger.Warn("refused to overwrite case id",
		slog.String("mapping_id", id),
		slog.String("case_id", current.CaseID),
		slog.String("attempted_case_id", caseID))
	return current, fmt.Errorf("%w: mapping %s already has case %s", ErrMappingConflict, id, current.CaseID)
}

func (s *Store) Touch(ctx context.Context, id string) error {
	return s.execByID(ctx, id, "touch mapping", s.queries.TouchConversation)
}

// MarkResolved closes the mapping. A later message opens a new one.
func (s *Store) MarkResolved(ctx context.Context, id string) error {
	return s.execByID(ctx, id, "resolve mapping", s.queries.ResolveConversation)
}

// MarkGreeted flips the greeting flag and reports whether this call did it.
func (s *Store) MarkGreeted(ctx context.Context, id string) (bool, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return false, ErrNotFound
	}
	n, err := s.queries.MarkConversationGreeted(ctx, pgID)
	if err != nil {
		return false, fmt.Errorf("mark greeted: %w", err)
	}
	return n == 1, nil
}

// UpdateReference replaces the stored reference when observedAt is not older
// than the one already recorded. It reports whether the row changed.
func (s *Store) UpdateReference(ctx context.Context, id string, ref json.RawMessage, observedAt time.Time) (bool, error) {
	if len(ref) == 0 {
		return false, nil
	}
	if !json.Valid(ref) {
		return false, fmt.Errorf("update reference: invalid json")
	}
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return false, ErrNotFound
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	n, err := s.queries.UpdateConversationReference(ctx, sqlc.UpdateConversationReferenceParams{
		ID:                    pgID,
		ConversationReference: ref,
		ReferenceUpdatedAt:    pgtype.Timestamptz{Time: observedAt.UTC(), Valid: true},
	})
	if err != nil {
		return false, fmt.Errorf("update reference: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CountByTenant(ctx context.Context, tenantID string) (Counts, error) {
	row, err := s.queries.CountConversationsByTenant(ctx, tenantID)
	if err != nil {
		return Counts{}, fmt.Errorf("count mappings: %w", err)
	}
	return Counts{Total: row.Total, Open: row.Open}, nil
}

func (s *Store) execByID(ctx context.Context, id, op string, exec func(context.Context, pgtype.UUID) (int64, error)) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	n, err := exec(ctx, pgID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMapping(row sqlc.Conversation) Mapping {
	m := Mapping{
		ID:                 db.UUIDString(row.ID),
		TenantID:           row.TenantID,
		ChatConversationID: row.ChatConversationID,
		BackendKind:        backend.Kind(row.BackendKind),
		Resolved:           row.Resolved,
		GreetingSent:       row.GreetingSent,
	}
	if row.CaseID.Valid {
		m.CaseID = row.CaseID.String
	}
	if row.ParticipantID.Valid {
		m.ParticipantID = row.ParticipantID.String
	}
	if len(row.ConversationReference) > 0 {
		m.Reference = json.RawMessage(row.ConversationReference)
	}
	if row.ReferenceUpdatedAt.Valid {
		m.ReferenceUpdatedAt = row.ReferenceUpdatedAt.Time
	}
	if row.CreatedAt.Valid {
		m.CreatedAt = row.CreatedAt.Time
	}
	if row.LastActivityAt.Valid {
		m.LastActivityAt = row.LastActivityAt.Time
	}
	return m
}
