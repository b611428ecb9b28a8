// Package dbtest provides an in-memory sqlc.DBTX that understands the
// queries in internal/db/queries. It keeps the constraints tests rely on:
// one open conversation per chat id and backend, unique case ids, and the
// compare-and-set updates.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/memohai/deskbridge/internal/db/sqlc"
)

var queryName = regexp.MustCompile(`-- name: (\w+)`)

// DB is a concurrency-safe fake database.
type DB struct {
	mu            sync.Mutex
	now           func() time.Time
	tenants       map[string]sqlc.Tenant
	conversations []*sqlc.Conversation
	failures      []sqlc.DeliveryFailure

	// FailOn makes the named query return the error.
	FailOn map[string]error
	calls  map[string]int
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		now:     time.Now,
		tenants: map[string]sqlc.Tenant{},
		FailOn:  map[string]error{},
		calls:   map[string]int{},
	}
}

// Calls reports how often the named query ran.
func (d *DB) Calls(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// Conversations returns a snapshot of all conversation rows.
func (d *DB) Conversations() []sqlc.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sqlc.Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		out = append(out, *c)
	}
	return out
}

// DeliveryFailures returns a snapshot of the failure log.
func (d *DB) DeliveryFailures() []sqlc.DeliveryFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sqlc.DeliveryFailure(nil), d.failures...)
}

func (d *DB) ts() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: d.now().UTC(), Valid: true}
}

func newID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func (d *DB) begin(sql string) (string, error) {
	m := queryName.FindStringSubmatch(sql)
	if m == nil {
		return "", fmt.Errorf("dbtest: unnamed query")
	}
	d.calls[m[1]]++
	if err := d.FailOn[m[1]]; err != nil {
		return m[1], err
	}
	return m[1], nil
}

func (d *DB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, err := d.begin(sql)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	var n int
	switch name {
	case "DeleteTenant":
		id := args[0].(string)
		for _, c := range d.conversations {
			if c.TenantID == id {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23503", Message: "conversations reference tenant"}
			}
		}
		if _, ok := d.tenants[id]; ok {
			delete(d.tenants, id)
			n = 1
		}
	case "TouchConversation":
		if c := d.byID(args[0].(pgtype.UUID)); c != nil {
			c.LastActivityAt = d.ts()
			n = 1
		}
	case "ResolveConversation":
		if c := d.byID(args[0].(pgtype.UUID)); c != nil {
			c.Resolved = true
			c.LastActivityAt = d.ts()
			n = 1
		}
	case "MarkConversationGreeted":
		if c := d.byID(args[0].(pgtype.UUID)); c != nil && !c.GreetingSent {
			c.GreetingSent = true
			n = 1
		}
	case "UpdateConversationReference":
		at := args[2].(pgtype.Timestamptz)
		if c := d.byID(args[0].(pgtype.UUID)); c != nil && !c.ReferenceUpdatedAt.Time.After(at.Time) {
			c.ConversationReference = args[1].([]byte)
			c.ReferenceUpdatedAt = at
			n = 1
		}
	default:
		return pgconn.CommandTag{}, fmt.Errorf("dbtest: unsupported exec %s", name)
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (d *DB) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, err := d.begin(sql)
	if err != nil {
		return nil, err
	}
	var rows [][]any
	switch name {
	case "ListTenants":
		ids := make([]string, 0, len(d.tenants))
		for id := range d.tenants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rows = append(rows, tenantValues(d.tenants[id]))
		}
	case "ListDeliveryFailures":
		tenantID, limit := args[0].(string), int(args[1].(int32))
		for i := len(d.failures) - 1; i >= 0 && len(rows) < limit; i-- {
			if d.failures[i].TenantID == tenantID {
				rows = append(rows, failureValues(d.failures[i]))
			}
		}
	default:
		return nil, fmt.Errorf("dbtest: unsupported query %s", name)
	}
	return &fakeRows{rows: rows, idx: -1}, nil
}

func (d *DB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, err := d.begin(sql)
	if err != nil {
		return errRow{err}
	}
	vals, err := d.queryRow(name, args)
	if err != nil {
		return errRow{err}
	}
	return valueRow(vals)
}

func (d *DB) queryRow(name string, args []any) ([]any, error) {
	switch name {
	case "GetTenant":
		t, ok := d.tenants[args[0].(string)]
		if !ok {
			return nil, pgx.ErrNoRows
		}
		return tenantValues(t), nil
	case "UpsertTenant":
		id := args[0].(string)
		t, ok := d.tenants[id]
		if !ok {
			t = sqlc.Tenant{ID: newID(), TenantID: id, CreatedAt: d.ts()}
		}
		t.BackendKind = args[1].(string)
		t.ConfigBlob = args[2].([]byte)
		t.KeyVersion = args[3].(int16)
		t.BotName = args[4].(string)
		t.WelcomeMessage = args[5].(pgtype.Text)
		t.WebhookStrict = args[6].(bool)
		t.UpdatedAt = d.ts()
		d.tenants[id] = t
		return tenantValues(t), nil
	case "CountConversationsByTenant":
		var total, open int64
		for _, c := range d.conversations {
			if c.TenantID == args[0].(string) {
				total++
				if !c.Resolved {
					open++
				}
			}
		}
		return []any{total, open}, nil
	case "CreateConversation":
		tenantID, chatID, kind := args[0].(string), args[1].(string), args[2].(string)
		if _, ok := d.tenants[tenantID]; !ok {
			return nil, &pgconn.PgError{Code: "23503", Message: "tenant missing"}
		}
		for _, c := range d.conversations {
			if c.ChatConversationID == chatID && c.BackendKind == kind && !c.Resolved {
				return nil, pgx.ErrNoRows
			}
		}
		now := d.ts()
		c := &sqlc.Conversation{
			ID:                    newID(),
			TenantID:              tenantID,
			ChatConversationID:    chatID,
			BackendKind:           kind,
			ConversationReference: args[3].([]byte),
			ReferenceUpdatedAt:    now,
			CreatedAt:             now,
			LastActivityAt:        now,
		}
		d.conversations = append(d.conversations, c)
		return conversationValues(*c), nil
	case "GetConversation":
		if c := d.byID(args[0].(pgtype.UUID)); c != nil {
			return conversationValues(*c), nil
		}
		return nil, pgx.ErrNoRows
	case "GetConversationByChat", "GetOpenConversationByChat":
		var best *sqlc.Conversation
		for _, c := range d.conversations {
			if c.TenantID != args[0].(string) || c.ChatConversationID != args[1].(string) || c.BackendKind != args[2].(string) {
				continue
			}
			if name == "GetOpenConversationByChat" && c.Resolved {
				continue
			}
			if best == nil || (best.Resolved && !c.Resolved) ||
				(best.Resolved == c.Resolved && !c.LastActivityAt.Time.Before(best.LastActivityAt.Time)) {
				best = c
			}
		}
		if best == nil {
			return nil, pgx.ErrNoRows
		}
		return conversationValues(*best), nil
	case "GetConversationByCase":
		caseID := args[2].(pgtype.Text)
		for _, c := range d.conversations {
			if c.TenantID == args[0].(string) && c.BackendKind == args[1].(string) && c.CaseID.Valid && c.CaseID.String == caseID.String {
				return conversationValues(*c), nil
			}
		}
		return nil, pgx.ErrNoRows
	case "AttachConversationCase":
		c := d.byID(args[0].(pgtype.UUID))
		caseID := args[1].(pgtype.Text)
		if c == nil || (c.CaseID.Valid && c.CaseID.String != caseID.String) {
			return nil, pgx.ErrNoRows
		}
		for _, other := range d.conversations {
			if other != c && other.TenantID == c.TenantID && other.BackendKind == c.BackendKind && other.CaseID.Valid && other.CaseID.String == caseID.String {
				return nil, &pgconn.PgError{Code: "23505", Message: "duplicate case id"}
			}
		}
		c.CaseID = caseID
		if !c.ParticipantID.Valid {
			c.ParticipantID = args[2].(pgtype.Text)
		}
		c.LastActivityAt = d.ts()
		return conversationValues(*c), nil
	case "CreateDeliveryFailure":
		f := sqlc.DeliveryFailure{
			ID:        newID(),
			TenantID:  args[0].(string),
			MappingID: args[1].(pgtype.UUID),
			CaseID:    args[2].(string),
			MessageID: args[3].(string),
			Reason:    args[4].(string),
			Attempts:  args[5].(int32),
			CreatedAt: d.ts(),
		}
		d.failures = append(d.failures, f)
		return failureValues(f), nil
	default:
		return nil, fmt.Errorf("dbtest: unsupported query row %s", name)
	}
}

func (d *DB) byID(id pgtype.UUID) *sqlc.Conversation {
	for _, c := range d.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func tenantValues(t sqlc.Tenant) []any {
	return []any{t.ID, t.TenantID, t.BackendKind, t.ConfigBlob, t.KeyVersion, t.BotName, t.WelcomeMessage, t.WebhookStrict, t.CreatedAt, t.UpdatedAt}
}

func conversationValues(c sqlc.Conversation) []any {
	return []any{c.ID, c.TenantID, c.ChatConversationID, c.BackendKind, c.CaseID, c.ParticipantID, c.ConversationReference, c.ReferenceUpdatedAt, c.Resolved, c.GreetingSent, c.CreatedAt, c.LastActivityAt}
}

func failureValues(f sqlc.DeliveryFailure) []any {
	return []any{f.ID, f.TenantID, f.MappingID, f.CaseID, f.MessageID, f.Reason, f.Attempts, f.CreatedAt}
}

func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("dbtest: scan %d columns into %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer {
			return errors.New("dbtest: scan target is not a pointer")
		}
		target.Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

type valueRow []any

func (r valueRow) Scan(dest ...any) error { return assign(dest, r) }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}
func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.rows[r.idx]) }
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }
