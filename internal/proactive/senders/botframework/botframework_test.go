package botframework

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/proactive"
)

func TestSendWithClientCredentials(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	var got activity
	var auth, path string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/amer/v3/conversations/", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.EscapedPath()
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"a1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New(config.BotFrameworkConfig{AppID: "app", AppPassword: "pw", TokenURL: srv.URL + "/token", Scope: "scope"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ref := proactive.Reference{Platform: proactive.PlatformBotFramework, ServiceURL: srv.URL + "/amer/", ConversationID: "19:abc", BotID: "28:bot", BotName: "Helpdesk", UserID: "29:u"}
	p := proactive.Presentation{
		SenderName: "Dana",
		Text:       "Try restarting",
		Card: &proactive.Card{
			Images: []proactive.CardImage{{URL: "https://x/a.png", Alt: "a.png"}},
			Links:  []proactive.CardLink{{Title: "log.txt", URL: "https://x/log.txt", Kind: backend.ContentFile}},
		},
	}
	require.NoError(t, s.Send(context.Background(), ref, p))
	require.NoError(t, s.Send(context.Background(), ref, p))

	assert.Equal(t, int32(1), tokenCalls.Load(), "token is cached")
	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, "/amer/v3/conversations/19:abc/activities", path)
	assert.Equal(t, "message", got.Type)
	assert.Equal(t, "**Dana**\n\nTry restarting", got.Text)
	assert.Equal(t, "28:bot", got.From.ID)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, heroCardType, got.Attachments[0].ContentType)
	assert.Equal(t, adaptiveCardType, got.Attachments[1].ContentType)
}

func TestSendClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
		invalid   bool
	}{
		{status: http.StatusNotFound, invalid: true},
		{status: http.StatusForbidden, invalid: true},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		s := New(config.BotFrameworkConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		err := s.Send(context.Background(), proactive.Reference{ServiceURL: srv.URL, ConversationID: "c"}, proactive.Presentation{Text: "x"})
		srv.Close()
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.transient, errorsIs(err, proactive.ErrTransient), "status %d", tt.status)
		assert.Equal(t, tt.invalid, errorsIs(err, proactive.ErrInvalidReference), "status %d", tt.status)
	}
}

func TestResolvedCard(t *testing.T) {
	t.Parallel()

	act := buildActivity(proactive.Reference{ConversationID: "c"}, proactive.Presentation{
		Text: "done",
		Card: &proactive.Card{Title: "Request resolved", Status: backend.StatusResolved},
	})
	require.Len(t, act.Attachments, 1)
	card := act.Attachments[0].Content.(map[string]any)
	body := card["body"].([]map[string]any)
	assert.Equal(t, "Good", body[0]["color"])
	assert.Nil(t, act.From)
}

func errorsIs(err, target error) bool { return errors.Is(err, target) }
