package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/db/dbtest"
	"github.com/memohai/deskbridge/internal/db/sqlc"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/prune"
)

type fakeSender struct {
	mu       sync.Mutex
	platform string
	errs     []error
	sent     []Presentation
	refs     []Reference
}

func (s *fakeSender) Platform() string { return s.platform }

func (s *fakeSender) Send(_ context.Context, ref Reference, p Presentation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, p)
	s.refs = append(s.refs, ref)
	return nil
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

func newMessenger(t *testing.T) (*Messenger, *fakeSender, *dbtest.DB, *recordingPublisher) {
	t.Helper()
	fake := dbtest.New()
	pub := &recordingPublisher{}
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), sqlc.New(fake), Options{
		Retry:     backend.RetryPolicy{Max: 3, Backoff: time.Millisecond},
		Publisher: pub,
	})
	sender := &fakeSender{platform: PlatformTelegram}
	m.Register(sender)
	return m, sender, fake, pub
}

func testMapping(ref string) mapping.Mapping {
	return mapping.Mapping{
		ID:        "5f0c7c1e-8d3b-4d39-9a36-1d8e3c7b9a10",
		TenantID:  "T1",
		CaseID:    "5001",
		Reference: json.RawMessage(ref),
	}
}

const telegramRef = `{"platform":"telegram","conversation_id":"-100123"}`

func TestParseReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    Reference
		wantErr bool
	}{
		{name: "native", raw: telegramRef, want: Reference{Platform: "telegram", ConversationID: "-100123"}},
		{
			name: "bot framework shape",
			raw:  `{"serviceUrl":"https://smba.trafficmanager.net/amer/","channelId":"msteams","conversation":{"id":"19:abc","tenantId":"T1"},"bot":{"id":"28:bot","name":"Helpdesk"},"user":{"id":"29:u"}}`,
			want: Reference{
				Platform:       "botframework",
				ConversationID: "19:abc",
				ServiceURL:     "https://smba.trafficmanager.net/amer/",
				ChannelID:      "msteams",
				TenantID:       "T1",
				BotID:          "28:bot",
				BotName:        "Helpdesk",
				UserID:         "29:u",
			},
		},
		{name: "empty", raw: ``, wantErr: true},
		{name: "empty object", raw: `{}`, wantErr: true},
		{name: "not json", raw: `{oops`, wantErr: true},
		{name: "bot framework without service url", raw: `{"platform":"botframework","conversation_id":"x"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseReference(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	reply := Format(backend.CanonicalEvent{ActorKind: backend.ActorAgent, ActorName: "Dana", Text: " On it "})
	assert.Equal(t, "Dana", reply.SenderName)
	assert.Equal(t, "On it", reply.Text)
	assert.Nil(t, reply.Card)
	assert.Equal(t, "Dana:\nOn it", reply.PlainText())

	resolved := Format(backend.CanonicalEvent{ActorKind: backend.ActorSystem, StatusHint: backend.StatusResolved})
	require.NotNil(t, resolved.Card)
	assert.Equal(t, backend.StatusResolved, resolved.Card.Status)
	assert.Equal(t, resolvedText, resolved.Text)

	files := Format(backend.CanonicalEvent{
		ActorKind: backend.ActorAgent,
		Attachments: []backend.EventAttachment{
			{Name: "shot.png", URL: "https://x/shot.png", Kind: backend.ContentImage},
			{Name: "log.txt", URL: "https://x/log.txt", ContentType: "text/plain"},
			{Name: "skip"},
		},
	})
	require.NotNil(t, files.Card)
	assert.Equal(t, []CardImage{{URL: "https://x/shot.png", Alt: "shot.png"}}, files.Card.Images)
	assert.Equal(t, []CardLink{{Title: "log.txt", URL: "https://x/log.txt", Kind: backend.ContentFile}}, files.Card.Links)
	assert.Equal(t, "log.txt: https://x/log.txt", files.PlainText())

	assert.True(t, Format(backend.CanonicalEvent{ActorKind: backend.ActorAgent}).Empty())
}

func TestPushRetriesTransient(t *testing.T) {
	t.Parallel()
	m, sender, fake, pub := newMessenger(t)
	sender.errs = []error{fmt.Errorf("%w: 502", ErrTransient)}

	d, err := m.Push(context.Background(), testMapping(telegramRef), backend.CanonicalEvent{ActorKind: backend.ActorAgent, Text: "hello"})
	require.NoError(t, err)
	assert.True(t, d.Sent)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, PlatformTelegram, d.Platform)
	assert.Len(t, sender.sent, 1)
	assert.Empty(t, fake.DeliveryFailures())
	assert.Empty(t, pub.events)
}

func TestPushExhausted(t *testing.T) {
	t.Parallel()
	m, sender, fake, pub := newMessenger(t)
	transient := fmt.Errorf("%w: 503", ErrTransient)
	sender.errs = []error{transient, transient, transient}

	d, err := m.Push(context.Background(), testMapping(telegramRef), backend.CanonicalEvent{ActorKind: backend.ActorAgent, Text: "hello", MessageID: "m-1"})
	assert.ErrorIs(t, err, ErrProactiveDeliveryFailed)
	assert.Equal(t, 3, d.Attempts)

	failures := fake.DeliveryFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "T1", failures[0].TenantID)
	assert.Equal(t, "5001", failures[0].CaseID)
	assert.Equal(t, "m-1", failures[0].MessageID)
	assert.Equal(t, int32(3), failures[0].Attempts)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeDeliveryFailed, pub.events[0].Type)
}

func TestPushFailureReasonStaysValidUTF8(t *testing.T) {
	t.Parallel()
	m, sender, fake, _ := newMessenger(t)
	sender.errs = []error{fmt.Errorf("%w: %s", ErrInvalidReference, strings.Repeat("сообщение", 200))}

	_, err := m.Push(context.Background(), testMapping(telegramRef), backend.CanonicalEvent{ActorKind: backend.ActorAgent, Text: "x", MessageID: "m-2"})
	assert.ErrorIs(t, err, ErrProactiveDeliveryFailed)

	failures := fake.DeliveryFailures()
	require.Len(t, failures, 1)
	reason := failures[0].Reason
	assert.LessOrEqual(t, len(reason), maxReasonLen)
	assert.True(t, utf8.ValidString(reason))
	assert.True(t, strings.HasSuffix(reason, prune.DefaultMarker))
}

func TestPushPermanentIsNotRetried(t *testing.T) {
	t.Parallel()
	m, sender, _, _ := newMessenger(t)
	sender.errs = []error{fmt.Errorf("%w: chat not found", ErrInvalidReference)}

	d, err := m.Push(context.Background(), testMapping(telegramRef), backend.CanonicalEvent{ActorKind: backend.ActorAgent, Text: "x"})
	assert.ErrorIs(t, err, ErrProactiveDeliveryFailed)
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Equal(t, 1, d.Attempts)
}

func TestPushBadReferenceFailsImmediately(t *testing.T) {
	t.Parallel()
	m, sender, fake, _ := newMessenger(t)

	_, err := m.Push(context.Background(), testMapping(`{"platform":"telegram"}`), backend.CanonicalEvent{Text: "x"})
	assert.True(t, errors.Is(err, ErrInvalidReference))
	_, err = m.Push(context.Background(), testMapping(`{"platform":"slack","conversation_id":"c"}`), backend.CanonicalEvent{Text: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.Empty(t, sender.sent)
	assert.Len(t, fake.DeliveryFailures(), 2)
}

func TestPushNothingToSend(t *testing.T) {
	t.Parallel()
	m, sender, _, _ := newMessenger(t)

	d, err := m.Push(context.Background(), testMapping(telegramRef), backend.CanonicalEvent{ActorKind: backend.ActorAgent})
	require.NoError(t, err)
	assert.False(t, d.Sent)
	assert.Empty(t, sender.sent)
}
