package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/memohai/deskbridge/internal/prune"
)

type stubProvider struct {
	kind Kind
}

func (p stubProvider) Kind() Kind { return p.kind }

func (p stubProvider) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return raw, nil
}

func (p stubProvider) Build(map[string]any, BuildOptions) (Adapter, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.NoError(t, r.Register(stubProvider{kind: KindZendesk}))
	assert.NoError(t, r.Register(stubProvider{kind: KindFreshdesk}))
	assert.Error(t, r.Register(stubProvider{kind: KindZendesk}), "duplicate kind")
	assert.ErrorIs(t, r.Register(stubProvider{kind: "servicenow"}), ErrUnknownKind)
	assert.Error(t, r.Register(nil))

	p, err := r.Get(KindZendesk)
	assert.NoError(t, err)
	assert.Equal(t, KindZendesk, p.Kind())

	_, err = r.Get(KindFreshchat)
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, []Kind{KindFreshdesk, KindZendesk}, r.Kinds())
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	k, ok := ParseKind(" FreshDesk ")
	assert.True(t, ok)
	assert.Equal(t, KindFreshdesk, k)

	_, ok = ParseKind("jira")
	assert.False(t, ok)
}

func TestCheckResponseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		wantNil   bool
		retryable bool
	}{
		{status: http.StatusOK, wantNil: true},
		{status: http.StatusCreated, wantNil: true},
		{status: http.StatusBadRequest},
		{status: http.StatusNotFound},
		{status: http.StatusUnprocessableEntity},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
	}
	for _, tt := range tests {
		err := CheckResponse(KindFreshdesk, "create ticket", tt.status, []byte(`{"errors":[]}`))
		if tt.wantNil {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		assert.Error(t, err)
		assert.Equal(t, tt.retryable, IsRetryable(err), "status %d", tt.status)
		assert.Equal(t, !tt.retryable, errors.Is(err, ErrBackendRejected), "status %d", tt.status)
		assert.Equal(t, tt.status, StatusCode(err))
	}
}

func TestHTTPErrorTruncatesBody(t *testing.T) {
	t.Parallel()

	err := CheckResponse(KindZendesk, "get ticket", 500, []byte(strings.Repeat("x", 2000)))
	assert.Less(t, len(err.Error()), 600)

	// Three-byte runes do not divide the limit evenly.
	err = CheckResponse(KindZendesk, "get ticket", 422, []byte(strings.Repeat("工单", 400)))
	msg := err.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.True(t, strings.HasSuffix(msg, prune.DefaultMarker))
	assert.Less(t, len(msg), 600)
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, TransportError(KindZendesk, "op", nil))
	assert.True(t, IsRetryable(TransportError(KindZendesk, "op", errors.New("connection reset"))))
	canceled := TransportError(KindZendesk, "op", context.Canceled)
	assert.False(t, IsRetryable(canceled))
	assert.ErrorIs(t, canceled, context.Canceled)
}

func TestRetry(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Max: 3, Backoff: time.Millisecond}

	t.Run("transient then success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), policy, nil, "create", func(context.Context) error {
			calls++
			if calls < 3 {
				return CheckResponse(KindFreshdesk, "create", 503, nil)
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent is not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), policy, nil, "create", func(context.Context) error {
			calls++
			return CheckResponse(KindFreshdesk, "create", 400, nil)
		})
		assert.ErrorIs(t, err, ErrBackendRejected)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), policy, nil, "create", func(context.Context) error {
			calls++
			return CheckResponse(KindFreshdesk, "create", 502, nil)
		})
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("context canceled during backoff", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, RetryPolicy{Max: 5, Backoff: time.Hour}, nil, "create", func(context.Context) error {
			calls++
			cancel()
			return CheckResponse(KindFreshdesk, "create", 502, nil)
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestClassifyContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		name        string
		want        ContentKind
	}{
		{"image/png", "", ContentImage},
		{"IMAGE/JPEG; charset=binary", "x.bin", ContentImage},
		{"video/mp4", "", ContentVideo},
		{"", "photo.HEIC", ContentImage},
		{"application/octet-stream", "clip.mkv", ContentVideo},
		{"", "https://cdn.example.com/a/b/shot.webp?sig=abc", ContentImage},
		{"application/pdf", "report.pdf", ContentFile},
		{"", "", ContentFile},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyContent(tt.contentType, tt.name), "%q %q", tt.contentType, tt.name)
	}
}

func TestSubjectFromText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "need help", SubjectFromText("\n  need help  \nwith vpn"))
	assert.Equal(t, DefaultSubject, SubjectFromText("   \n\t"))

	long := strings.Repeat("ü", 200)
	subject := SubjectFromText(long)
	assert.Equal(t, 120, len([]rune(subject)))
	assert.True(t, strings.HasSuffix(subject, "..."))
}
