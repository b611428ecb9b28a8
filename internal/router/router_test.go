package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/db/dbtest"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/fanout"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
)

type fakeAdapter struct {
	mu          sync.Mutex
	nextID      int
	creates     []backend.CreateCaseRequest
	notes       map[string][]backend.Note
	createDelay time.Duration
	createErrs  []error
	noteDelay   time.Duration
	// rejectNotesOn maps a case id to the status AddNote answers with.
	rejectNotesOn map[string]int
	resolved      map[string]bool
	deleted       map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		nextID:        5001,
		notes:         map[string][]backend.Note{},
		rejectNotesOn: map[string]int{},
		resolved:      map[string]bool{},
		deleted:       map[string]bool{},
	}
}

func (a *fakeAdapter) Kind() backend.Kind { return backend.KindFreshdesk }

func (a *fakeAdapter) CreateCase(_ context.Context, req backend.CreateCaseRequest) (backend.Case, error) {
	time.Sleep(a.createDelay)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, req)
	if len(a.createErrs) > 0 {
		err := a.createErrs[0]
		a.createErrs = a.createErrs[1:]
		return backend.Case{}, err
	}
	id := fmt.Sprint(a.nextID)
	a.nextID++
	return backend.Case{ID: id, URL: "https://acme.freshdesk.com/a/tickets/" + id}, nil
}

func (a *fakeAdapter) AddNote(_ context.Context, ref backend.CaseRef, note backend.Note) error {
	time.Sleep(a.noteDelay)
	a.mu.Lock()
	defer a.mu.Unlock()
	if status := a.rejectNotesOn[ref.CaseID]; status != 0 {
		return backend.CheckResponse(backend.KindFreshdesk, "add note", status, nil)
	}
	a.notes[ref.CaseID] = append(a.notes[ref.CaseID], note)
	return nil
}

func (a *fakeAdapter) GetCase(_ context.Context, caseID string) (backend.Case, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted[caseID] {
		return backend.Case{}, backend.CheckResponse(backend.KindFreshdesk, "get ticket", http.StatusNotFound, nil)
	}
	return backend.Case{ID: caseID, Resolved: a.resolved[caseID]}, nil
}

func (a *fakeAdapter) ListCases(context.Context, backend.ListCasesRequest) ([]backend.Case, error) {
	return nil, nil
}

func (a *fakeAdapter) ValidateConnection(context.Context) error { return nil }

func (a *fakeAdapter) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.creates)
}

func (a *fakeAdapter) notesFor(caseID string) []backend.Note {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]backend.Note(nil), a.notes[caseID]...)
}

type fakeClients struct {
	entries map[string]clients.Entry
	err     error
}

func (f *fakeClients) Get(_ context.Context, tenantID string) (clients.Entry, error) {
	if f.err != nil {
		return clients.Entry{}, f.err
	}
	e, ok := f.entries[tenantID]
	if !ok {
		return clients.Entry{}, tenant.ErrConfigNotFound
	}
	return e, nil
}

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

type fixture struct {
	router   *Router
	adapter  *fakeAdapter
	clients  *fakeClients
	mappings *mapping.Store
	db       *dbtest.DB
	pub      *recordingPublisher
}

func newFixture(t *testing.T, welcome string) fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := dbtest.New()
	q := sqlc.New(fake)
	_, err := q.UpsertTenant(context.Background(), sqlc.UpsertTenantParams{
		TenantID: "T1", BackendKind: "freshdesk", ConfigBlob: []byte{1}, KeyVersion: 1, BotName: "IT Helpdesk",
	})
	require.NoError(t, err)

	adapter := newFakeAdapter()
	src := &fakeClients{entries: map[string]clients.Entry{
		"T1": {
			Record:  tenant.Record{TenantID: "T1", BackendKind: backend.KindFreshdesk, WelcomeMessage: welcome},
			Adapter: adapter,
		},
	}}
	mappings := mapping.NewStore(log, q)
	retry := backend.RetryPolicy{Max: 3, Backoff: time.Millisecond}
	pipeline := fanout.New(log, fanout.Options{Retry: retry})
	pub := &recordingPublisher{}
	r := New(log, src, mappings, pipeline, Options{Retry: retry, Publisher: pub})
	return fixture{router: r, adapter: adapter, clients: src, mappings: mappings, db: fake, pub: pub}
}

func message(chatID, text string) InboundMessage {
	return InboundMessage{
		TenantID:           "T1",
		ChatConversationID: chatID,
		User:               User{ID: "U1", Name: "Kim", Email: "kim@example.com"},
		Text:               text,
		Reference:          json.RawMessage(`{"platform":"telegram","conversation_id":"` + chatID + `"}`),
	}
}

func TestRouteCreatesCaseThenAddsNote(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Welcome to IT support")
	ctx := context.Background()

	first := f.router.Route(ctx, message("C1", "VPN is down\nsince this morning"))
	require.NoError(t, first.Err)
	assert.Equal(t, StateDelivered, first.State)
	assert.True(t, first.CaseCreated)
	assert.Equal(t, "5001", first.CaseID)
	assert.Equal(t, []string{"Welcome to IT support"}, first.Notices)

	require.Len(t, f.adapter.creates, 1)
	created := f.adapter.creates[0]
	assert.Equal(t, "VPN is down", created.Subject)
	assert.Equal(t, "VPN is down\nsince this morning", created.Description)
	assert.Equal(t, "U1", created.Requester.ID)
	assert.Equal(t, first.MappingID, created.IdempotencyKey)
	assert.Empty(t, f.adapter.notesFor("5001"), "first message travels in the case description")

	second := f.router.Route(ctx, message("C1", "any update?"))
	require.NoError(t, second.Err)
	assert.Equal(t, StateDelivered, second.State)
	assert.False(t, second.CaseCreated)
	assert.Equal(t, first.MappingID, second.MappingID)
	assert.Empty(t, second.Notices)
	notes := f.adapter.notesFor("5001")
	require.Len(t, notes, 1)
	assert.Equal(t, "any update?", notes[0].Body)
	assert.Equal(t, 1, f.adapter.createCount())

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.TypeCaseCreated, f.pub.events[0].Type)
	assert.Equal(t, "5001", f.pub.events[0].Data["case_id"])
}

func TestRouteConcurrentFirstMessagesOpenOneCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.adapter.createDelay = 30 * time.Millisecond

	const n = 10
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.router.Route(context.Background(), message("C1", fmt.Sprintf("msg %d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.adapter.createCount())
	creators := 0
	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, "5001", res.CaseID)
		assert.Equal(t, results[0].MappingID, res.MappingID)
		if res.CaseCreated {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
	assert.Len(t, f.adapter.notesFor("5001"), n-1)
	assert.Len(t, f.db.Conversations(), 1)
}

func TestRouteClientErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		notice string
	}{
		{name: "unknown tenant", err: tenant.ErrConfigNotFound, notice: noticeNotConfigured},
		{name: "wrong key", err: fmt.Errorf("open: %w", secrets.ErrDecryptionFailed), notice: noticeMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			f.clients.err = tt.err
			res := f.router.Route(context.Background(), message("C1", "hi"))
			assert.Equal(t, StateFailed, res.State)
			assert.ErrorIs(t, res.Err, tt.err)
			assert.Equal(t, []string{tt.notice}, res.Notices)
			assert.Empty(t, f.db.Conversations())
		})
	}
}

func TestRouteRejectsInvalidMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	res := f.router.Route(context.Background(), InboundMessage{TenantID: "T1", ChatConversationID: "C1", User: User{ID: "U1"}})
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrInvalidMessage)

	res = f.router.Route(context.Background(), InboundMessage{TenantID: "T1", Text: "x", User: User{ID: "U1"}})
	assert.ErrorIs(t, res.Err, ErrInvalidMessage)
	assert.Equal(t, 0, f.adapter.createCount())
}

func TestRouteRetriesTransientCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	unavailable := backend.CheckResponse(backend.KindFreshdesk, "create ticket", http.StatusServiceUnavailable, nil)
	f.adapter.createErrs = []error{unavailable, unavailable}

	res := f.router.Route(context.Background(), message("C1", "printer jam"))
	require.NoError(t, res.Err)
	assert.Equal(t, "5001", res.CaseID)
	assert.Equal(t, 3, f.adapter.createCount())
}

func TestRouteCreateFailureLeavesMappingOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.adapter.createErrs = []error{backend.CheckResponse(backend.KindFreshdesk, "create ticket", http.StatusBadRequest, []byte(`{"errors":["email"]}`))}

	failed := f.router.Route(context.Background(), message("C1", "hello"))
	assert.Equal(t, StateFailed, failed.State)
	assert.ErrorIs(t, failed.Err, backend.ErrBackendRejected)
	assert.Equal(t, []string{noticeRejected}, failed.Notices)

	ok := f.router.Route(context.Background(), message("C1", "hello again"))
	require.NoError(t, ok.Err)
	assert.True(t, ok.CaseCreated)
	assert.Equal(t, failed.MappingID, ok.MappingID)
	assert.Equal(t, []string{DefaultWelcome}, ok.Notices)
}

func TestRouteReopensClosedCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	first := f.router.Route(ctx, message("C1", "first"))
	require.NoError(t, first.Err)
	f.adapter.mu.Lock()
	f.adapter.rejectNotesOn["5001"] = http.StatusForbidden
	f.adapter.resolved["5001"] = true
	f.adapter.mu.Unlock()

	res := f.router.Route(ctx, message("C1", "still broken"))
	require.NoError(t, res.Err)
	assert.Equal(t, StateDelivered, res.State)
	assert.True(t, res.Reopened)
	assert.True(t, res.CaseCreated)
	assert.Equal(t, "5002", res.CaseID)
	assert.NotEqual(t, first.MappingID, res.MappingID)
	assert.Equal(t, []string{noticeReopened}, res.Notices)

	old, err := f.mappings.Get(ctx, first.MappingID)
	require.NoError(t, err)
	assert.True(t, old.Resolved)

	f.adapter.mu.Lock()
	assert.Equal(t, "still broken", f.adapter.creates[1].Description)
	f.adapter.mu.Unlock()
}

func TestRouteReopensDeletedCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	first := f.router.Route(ctx, message("C1", "first"))
	require.NoError(t, first.Err)
	f.adapter.mu.Lock()
	f.adapter.rejectNotesOn["5001"] = http.StatusNotFound
	f.adapter.deleted["5001"] = true
	f.adapter.mu.Unlock()

	res := f.router.Route(ctx, message("C1", "hello?"))
	require.NoError(t, res.Err)
	assert.True(t, res.Reopened)
	assert.Equal(t, "5002", res.CaseID)
	assert.Equal(t, 2, f.adapter.createCount())
}

func TestRouteKeepsOpenCaseOnOtherRejections(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			ctx := context.Background()

			first := f.router.Route(ctx, message("C1", "first"))
			require.NoError(t, first.Err)
			f.adapter.mu.Lock()
			f.adapter.rejectNotesOn["5001"] = status
			f.adapter.mu.Unlock()

			res := f.router.Route(ctx, message("C1", "follow-up"))
			assert.Equal(t, StateFailed, res.State)
			assert.ErrorIs(t, res.Err, backend.ErrBackendRejected)
			assert.False(t, res.Reopened)
			assert.Equal(t, 1, f.adapter.createCount())

			current, err := f.mappings.Get(ctx, first.MappingID)
			require.NoError(t, err)
			assert.False(t, current.Resolved)
			assert.Equal(t, "5001", current.CaseID)
			assert.Len(t, f.db.Conversations(), 1)
		})
	}
}

func TestRouteConcurrentMessagesOnClosedCaseAllReachNewCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	first := f.router.Route(ctx, message("C1", "first"))
	require.NoError(t, first.Err)
	f.adapter.mu.Lock()
	f.adapter.rejectNotesOn["5001"] = http.StatusForbidden
	f.adapter.resolved["5001"] = true
	f.adapter.mu.Unlock()
	f.adapter.noteDelay = 50 * time.Millisecond
	f.adapter.createDelay = 30 * time.Millisecond

	texts := []string{"alpha", "bravo"}
	results := make([]Result, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			results[i] = f.router.Route(ctx, message("C1", text))
		}(i, text)
	}
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, StateDelivered, res.State)
		assert.Equal(t, "5002", res.CaseID)
	}
	assert.True(t, results[0].Reopened || results[1].Reopened)
	require.Equal(t, 2, f.adapter.createCount())

	// Every text is either the new case's description or a note on it.
	f.adapter.mu.Lock()
	delivered := []string{f.adapter.creates[1].Description}
	f.adapter.mu.Unlock()
	for _, n := range f.adapter.notesFor("5002") {
		delivered = append(delivered, n.Body)
	}
	assert.ElementsMatch(t, texts, delivered)
}

func TestRouteNewCaseCarriesOnlyAttachmentsInNote(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	msg := message("C1", "screenshot attached")
	msg.Attachments = []fanout.Attachment{{URL: "https://cdn.example.com/a/screen.png"}}
	res := f.router.Route(context.Background(), msg)
	require.NoError(t, res.Err)
	assert.Equal(t, StateDelivered, res.State)
	assert.Equal(t, 1, res.Delivered)

	notes := f.adapter.notesFor("5001")
	require.Len(t, notes, 1)
	assert.Equal(t, "screen.png: https://cdn.example.com/a/screen.png", notes[0].Body)
}

func TestRouteKeepsNewestReference(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	first := f.router.Route(ctx, message("C1", "one"))
	require.NoError(t, first.Err)

	msg := message("C1", "two")
	msg.Reference = json.RawMessage(`{"platform":"telegram","conversation_id":"C1","service_url":"moved"}`)
	msg.ReceivedAt = time.Now().Add(time.Second)
	require.NoError(t, f.router.Route(ctx, msg).Err)

	got, err := f.mappings.Get(ctx, first.MappingID)
	require.NoError(t, err)
	assert.Contains(t, string(got.Reference), "moved")
}
