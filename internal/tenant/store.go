// Package tenant stores per-tenant backend selection and sealed credentials.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/db"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/secrets"
)

const pgForeignKeyViolation = "23503"

// Store persists tenant configurations.
type Store struct {
	queries   *sqlc.Queries
	keys      secrets.KeyManager
	registry  *backend.Registry
	publisher events.Publisher
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewStore creates a Store. publisher may be nil.
func NewStore(log *slog.Logger, queries *sqlc.Queries, keys secrets.KeyManager, registry *backend.Registry, publisher events.Publisher) *Store {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Store{
		queries:   queries,
		keys:      keys,
		registry:  registry,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    log.With(slog.String("service", "tenant")),
	}
}

// Get returns the stored record without decrypting it.
func (s *Store) Get(ctx context.Context, tenantID string) (Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Record{}, ErrConfigNotFound
	}
	row, err := s.queries.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConfigNotFound
		}
		return Record{}, fmt.Errorf("get tenant: %w", err)
	}
	return toRecord(row), nil
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.queries.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

// Put validates, normalizes and seals the credentials, then upserts the record.
func (s *Store) Put(ctx context.Context, tenantID string, req PutRequest) (Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Record{}, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	kind, _ := backend.ParseKind(req.BackendKind)
	creds, err := s.registry.NormalizeConfig(kind, req.Credentials)
	if err != nil {
		return Record{}, err
	}

	existing, err := s.Get(ctx, tenantID)
	switch {
	case err == nil:
		if existing.BackendKind != kind {
			if err := s.checkBackendChange(ctx, existing, kind, req.ForceBackendChange); err != nil {
				return Record{}, err
			}
		}
	case errors.Is(err, ErrConfigNotFound):
	default:
		return Record{}, err
	}

	blob, err := SealCredentials(s.keys, tenantID, creds)
	if err != nil {
		return Record{}, err
	}
	botName := strings.TrimSpace(req.BotName)
	if botName == "" {
		botName = DefaultBotName
	}
	row, err := s.queries.UpsertTenant(ctx, sqlc.UpsertTenantParams{
		TenantID:       tenantID,
		BackendKind:    kind.String(),
		ConfigBlob:     blob,
		KeyVersion:     int16(s.keys.ActiveVersion()),
		BotName:        botName,
		WelcomeMessage: db.Text(strings.TrimSpace(req.WelcomeMessage)),
		WebhookStrict:  req.WebhookStrict,
	})
	if err != nil {
		return Record{}, fmt.Errorf("upsert tenant: %w", err)
	}
	rec := toRecord(row)

	if existing.TenantID != "" && existing.BackendKind != kind {
		events.Emit(ctx, s.logger, s.publisher, events.Event{
			Type:     events.TypeTenantBackendChanged,
			TenantID: tenantID,
			Data: map[string]any{
				"from": existing.BackendKind.String(),
				"to":   kind.String(),
			},
		})
	}
	s.logger.Info("tenant config saved",
		slog.String("tenant_id", tenantID),
		slog.String("backend_kind", kind.String()),
		slog.Int("key_version", int(rec.KeyVersion)))
	return rec, nil
}

func (s *Store) checkBackendChange(ctx context.Context, existing Record, kind backend.Kind, force bool) error {
	counts, err := s.queries.CountConversationsByTenant(ctx, existing.TenantID)
	if err != nil {
		return fmt.Errorf("count conversations: %w", err)
	}
	if counts.Total == 0 {
		return nil
	}
	if !force {
		return fmt.Errorf("%w: %d conversations use %s", ErrBackendKindLocked, counts.Total, existing.BackendKind)
	}
	s.logger.Warn("tenant backend kind changed with existing conversations",
		slog.String("tenant_id", existing.TenantID),
		slog.String("from", existing.BackendKind.String()),
		slog.String("to", kind.String()),
		slog.Int64("conversations", counts.Total),
		slog.Int64("open_conversations", counts.Open))
	return nil
}

// Delete removes a tenant that has no conversations.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	counts, err := s.queries.CountConversationsByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("count conversations: %w", err)
	}
	if counts.Total > 0 {
		return fmt.Errorf("%w: %d conversations", ErrTenantInUse, counts.Total)
	}
	n, err := s.queries.DeleteTenant(ctx, tenantID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrTenantInUse
		}
		return fmt.Errorf("delete tenant: %w", err)
	}
	if n == 0 {
		return ErrConfigNotFound
	}
	s.logger.Info("tenant deleted", slog.String("tenant_id", tenantID))
	return nil
}

// SealCredentials encrypts the credential map as one JSON document bound to tenantID.
func SealCredentials(keys secrets.KeyManager, tenantID string, creds map[string]any) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	blob, err := keys.Seal(plain, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	return blob, nil
}

// OpenCredentials decrypts a record's credentials. Any failure, including a
// blob copied from another tenant, is secrets.ErrDecryptionFailed.
func OpenCredentials(keys secrets.KeyManager, rec Record) (map[string]any, error) {
	plain, err := keys.Open(rec.Blob, []byte(rec.TenantID))
	if err != nil {
		return nil, err
	}
	var creds map[string]any
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("%w: credentials are not a JSON object", secrets.ErrDecryptionFailed)
	}
	return creds, nil
}

func toRecord(row sqlc.Tenant) Record {
	rec := Record{
		ID:             db.UUIDString(row.ID),
		TenantID:       row.TenantID,
		BackendKind:    backend.Kind(row.BackendKind),
		Blob:           row.ConfigBlob,
		KeyVersion:     uint8(row.KeyVersion),
		BotName:        row.BotName,
		WelcomeMessage: row.WelcomeMessage.String,
		WebhookStrict:  row.WebhookStrict,
	}
	if row.CreatedAt.Valid {
		rec.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		rec.UpdatedAt = row.UpdatedAt.Time
	}
	if rec.BotName == "" {
		rec.BotName = DefaultBotName
	}
	return rec
}
