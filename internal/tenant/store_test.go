package tenant

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/freshdesk"
	"github.com/memohai/deskbridge/internal/backend/adapters/zendesk"
	"github.com/memohai/deskbridge/internal/db/dbtest"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/secrets"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testKeyring(t *testing.T, fill byte) *secrets.Keyring {
	t.Helper()
	k, err := secrets.NewKeyring(1, map[uint8][]byte{1: bytes.Repeat([]byte{fill}, secrets.KeySize)})
	require.NoError(t, err)
	return k
}

func testRegistry() *backend.Registry {
	r := backend.NewRegistry()
	r.MustRegister(freshdesk.NewProvider())
	r.MustRegister(zendesk.NewProvider())
	return r
}

type fixture struct {
	store *Store
	db    *dbtest.DB
	keys  *secrets.Keyring
	pub   *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := dbtest.New()
	keys := testKeyring(t, 7)
	pub := &recordingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		store: NewStore(log, sqlc.New(fake), keys, testRegistry(), pub),
		db:    fake,
		keys:  keys,
		pub:   pub,
	}
}

func freshdeskRequest() PutRequest {
	return PutRequest{
		BackendKind: "freshdesk",
		Credentials: map[string]any{"base_url": "https://acme.freshdesk.com", "api_key": "secret-key"},
	}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Get(ctx, "T1")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	rec, err := f.store.Put(ctx, "T1", freshdeskRequest())
	require.NoError(t, err)
	assert.Equal(t, backend.KindFreshdesk, rec.BackendKind)
	assert.Equal(t, DefaultBotName, rec.BotName)
	assert.Equal(t, uint8(1), rec.KeyVersion)
	assert.NotContains(t, string(rec.Blob), "secret-key")

	got, err := f.store.Get(ctx, "T1")
	require.NoError(t, err)
	creds, err := OpenCredentials(f.keys, got)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", creds["api_key"])
	assert.Equal(t, "https://acme.freshdesk.com", creds["base_url"])
}

func TestPutValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		id   string
		req  PutRequest
		want error
	}{
		{name: "missing tenant", id: " ", req: freshdeskRequest(), want: ErrInvalidRequest},
		{name: "unknown kind", id: "T1", req: PutRequest{BackendKind: "jira", Credentials: map[string]any{"a": 1}}, want: ErrInvalidRequest},
		{name: "no credentials", id: "T1", req: PutRequest{BackendKind: "zendesk"}, want: ErrInvalidRequest},
		{name: "bad credentials", id: "T1", req: PutRequest{BackendKind: "zendesk", Credentials: map[string]any{"subdomain": "x"}}, want: backend.ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.Put(ctx, tc.id, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.db.Calls("UpsertTenant"))
}

func TestCredentialsBoundToTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.Put(ctx, "T1", freshdeskRequest())
	require.NoError(t, err)

	copied := rec
	copied.TenantID = "T2"
	_, err = OpenCredentials(f.keys, copied)
	assert.ErrorIs(t, err, secrets.ErrDecryptionFailed)

	_, err = OpenCredentials(testKeyring(t, 9), rec)
	assert.ErrorIs(t, err, secrets.ErrDecryptionFailed)
}

func seedConversation(t *testing.T, f fixture, tenantID string) {
	t.Helper()
	_, err := sqlc.New(f.db).CreateConversation(context.Background(), sqlc.CreateConversationParams{
		TenantID:              tenantID,
		ChatConversationID:    "chat-1",
		BackendKind:           "freshdesk",
		ConversationReference: []byte(`{}`),
	})
	require.NoError(t, err)
}

func TestBackendKindLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Put(ctx, "T1", freshdeskRequest())
	require.NoError(t, err)

	zendeskReq := PutRequest{
		BackendKind: "zendesk",
		Credentials: map[string]any{"subdomain": "acme", "oauth_token": "tok"},
	}

	// No conversations yet: switching is free and emits an event.
	rec, err := f.store.Put(ctx, "T1", zendeskReq)
	require.NoError(t, err)
	assert.Equal(t, backend.KindZendesk, rec.BackendKind)
	require.Len(t, f.pub.events, 1)

	_, err = f.store.Put(ctx, "T1", freshdeskRequest())
	require.NoError(t, err)
	seedConversation(t, f, "T1")

	_, err = f.store.Put(ctx, "T1", zendeskReq)
	assert.ErrorIs(t, err, ErrBackendKindLocked)

	zendeskReq.ForceBackendChange = true
	rec, err = f.store.Put(ctx, "T1", zendeskReq)
	require.NoError(t, err)
	assert.Equal(t, backend.KindZendesk, rec.BackendKind)
	require.Len(t, f.pub.events, 3)
	last := f.pub.events[2]
	assert.Equal(t, events.TypeTenantBackendChanged, last.Type)
	assert.Equal(t, "freshdesk", last.Data["from"])
	assert.Equal(t, "zendesk", last.Data["to"])
}

func TestDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.store.Delete(ctx, "missing"), ErrConfigNotFound)

	_, err := f.store.Put(ctx, "T1", freshdeskRequest())
	require.NoError(t, err)
	_, err = f.store.Put(ctx, "T2", freshdeskRequest())
	require.NoError(t, err)
	seedConversation(t, f, "T2")

	assert.ErrorIs(t, f.store.Delete(ctx, "T2"), ErrTenantInUse)
	assert.NoError(t, f.store.Delete(ctx, "T1"))

	list, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "T2", list[0].TenantID)
	assert.Equal(t, "T2", list[0].View().TenantID)
}
