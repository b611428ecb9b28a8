package fanout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/deskbridge/internal/backend"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type fakeAdapter struct {
	mu      sync.Mutex
	notes   []backend.Note
	noteErr error
}

func (a *fakeAdapter) Kind() backend.Kind { return backend.KindFreshdesk }
func (a *fakeAdapter) CreateCase(context.Context, backend.CreateCaseRequest) (backend.Case, error) {
	return backend.Case{}, nil
}
func (a *fakeAdapter) AddNote(_ context.Context, _ backend.CaseRef, note backend.Note) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.noteErr != nil {
		return a.noteErr
	}
	a.notes = append(a.notes, note)
	return nil
}
func (a *fakeAdapter) GetCase(context.Context, string) (backend.Case, error) {
	return backend.Case{}, nil
}
func (a *fakeAdapter) ListCases(context.Context, backend.ListCasesRequest) ([]backend.Case, error) {
	return nil, nil
}
func (a *fakeAdapter) ValidateConnection(context.Context) error { return nil }

func (a *fakeAdapter) lastNote(t *testing.T) backend.Note {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.notes)
	return a.notes[len(a.notes)-1]
}

type uploadingAdapter struct {
	fakeAdapter
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	uploads   atomic.Int32
	failNames map[string]bool
}

func (a *uploadingAdapter) UploadAttachment(_ context.Context, _ backend.CaseRef, up backend.Upload) (backend.UploadedAttachment, error) {
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		cur := a.maxActive.Load()
		if n <= cur || a.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(a.delay)
	if a.failNames[up.FileName] {
		return backend.UploadedAttachment{}, backend.CheckResponse(backend.KindZendesk, "upload", http.StatusUnprocessableEntity, nil)
	}
	a.uploads.Add(1)
	return backend.UploadedAttachment{FileName: up.FileName, ContentType: up.ContentType, Kind: up.Kind, Token: "tok-" + up.FileName}, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Put(_ context.Context, key string, r io.Reader, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func (s *memStorage) URL(key string) string { return "https://files.example.com/" + key }

func newPipeline(opts Options) *Pipeline {
	opts.Retry = backend.RetryPolicy{Max: 2, Backoff: time.Millisecond}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/shot.png":
			_, _ = w.Write(pngHeader)
		case "/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 fake"))
		case "/big.bin":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendPartialFailure(t *testing.T) {
	t.Parallel()
	srv := fileServer(t)
	adapter := &uploadingAdapter{}
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		TenantID: "T1",
		Ref:      backend.CaseRef{CaseID: "5001"},
		Text:     "see attached",
		Attachments: []Attachment{
			{URL: srv.URL + "/shot.png"},
			{URL: srv.URL + "/missing.png"},
			{URL: srv.URL + "/report.pdf"},
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Delivered)
	assert.True(t, res.NoteSent)
	assert.True(t, res.TextDelivered)
	assert.False(t, res.Complete())

	assert.True(t, res.Outcomes[0].Native)
	assert.Equal(t, "image/png", res.Outcomes[0].ContentType)
	assert.Equal(t, backend.ContentImage, res.Outcomes[0].Kind)
	assert.ErrorIs(t, res.Outcomes[1].Err, ErrAttachmentFailed)
	assert.Equal(t, "application/pdf", res.Outcomes[2].ContentType)

	note := adapter.lastNote(t)
	assert.Len(t, note.Attachments, 2)
	assert.True(t, strings.HasPrefix(note.Body, "see attached"))
	assert.Contains(t, note.Body, "1 of 3 attachments could not be delivered: missing.png")
}

func TestSendTextAttemptedWhenAllAttachmentsFail(t *testing.T) {
	t.Parallel()
	srv := fileServer(t)
	adapter := &uploadingAdapter{}
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		Ref:         backend.CaseRef{CaseID: "5001"},
		Text:        "hello",
		Attachments: []Attachment{{URL: srv.URL + "/a"}, {URL: srv.URL + "/b"}},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Delivered)
	assert.True(t, res.TextDelivered)
	assert.Contains(t, adapter.lastNote(t).Body, "2 of 2 attachments could not be delivered")
}

func TestSendNothingDeliverable(t *testing.T) {
	t.Parallel()
	srv := fileServer(t)
	adapter := &uploadingAdapter{}
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		Ref:         backend.CaseRef{CaseID: "5001"},
		Attachments: []Attachment{{URL: srv.URL + "/nope"}},
	})
	assert.ErrorIs(t, res.Err, ErrAttachmentFailed)
	assert.False(t, res.NoteSent)
	assert.Empty(t, adapter.notes)
}

func TestSendLinksWithoutUploader(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		Ref:  backend.CaseRef{CaseID: "5001"},
		Text: "logs",
		Attachments: []Attachment{
			{URL: "https://cdn.example.com/a/clip.mp4"},
			{Data: []byte("inline"), Name: "note.txt"},
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, backend.ContentVideo, res.Outcomes[0].Kind)
	assert.ErrorIs(t, res.Outcomes[1].Err, ErrAttachmentFailed)
	note := adapter.lastNote(t)
	assert.Contains(t, note.Body, "clip.mp4: https://cdn.example.com/a/clip.mp4")
	assert.Empty(t, note.Attachments)
}

func TestSendRelaysThroughStorage(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	store := &memStorage{}
	p := newPipeline(Options{Storage: store})

	res := p.Send(context.Background(), adapter, Job{
		TenantID:    "T1",
		Ref:         backend.CaseRef{CaseID: "5001"},
		Attachments: []Attachment{{Data: pngHeader, Name: "스크린샷.png"}},
	})
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Delivered)
	out := res.Outcomes[0]
	assert.False(t, out.Native)
	assert.True(t, strings.HasSuffix(out.Name, ".png"))
	assert.NotContains(t, out.Name, "스크린샷")
	assert.True(t, strings.HasPrefix(out.URL, "https://files.example.com/T1/"))
	assert.Len(t, store.objects, 1)
	assert.Contains(t, adapter.lastNote(t).Body, out.URL)
	assert.False(t, res.TextDelivered)
}

func TestSendBoundsConcurrency(t *testing.T) {
	t.Parallel()
	adapter := &uploadingAdapter{delay: 20 * time.Millisecond}
	p := newPipeline(Options{Concurrency: 2})

	atts := make([]Attachment, 6)
	for i := range atts {
		atts[i] = Attachment{Data: pngHeader, Name: "img.png"}
	}
	res := p.Send(context.Background(), adapter, Job{Ref: backend.CaseRef{CaseID: "1"}, Attachments: atts})
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Delivered)
	assert.LessOrEqual(t, adapter.maxActive.Load(), int32(2))
	assert.Equal(t, int32(6), adapter.uploads.Load())
}

func TestSendRejectedUploadIsNotRetried(t *testing.T) {
	t.Parallel()
	adapter := &uploadingAdapter{failNames: map[string]bool{"bad.exe": true}}
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		Ref:         backend.CaseRef{CaseID: "1"},
		Text:        "x",
		Attachments: []Attachment{{Data: []byte("MZ"), Name: "bad.exe"}, {Data: pngHeader, Name: "ok.png"}},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Delivered)
	assert.ErrorIs(t, res.Outcomes[0].Err, backend.ErrBackendRejected)
}

func TestSendSizeCap(t *testing.T) {
	t.Parallel()
	srv := fileServer(t)
	adapter := &uploadingAdapter{}
	p := newPipeline(Options{MaxBytes: 1024})

	res := p.Send(context.Background(), adapter, Job{
		Ref:         backend.CaseRef{CaseID: "1"},
		Text:        "x",
		Attachments: []Attachment{{URL: srv.URL + "/big.bin"}, {Data: bytes.Repeat([]byte("y"), 2048), Name: "y.txt"}},
	})
	assert.Equal(t, 0, res.Delivered)
	for _, o := range res.Outcomes {
		assert.ErrorIs(t, o.Err, ErrAttachmentFailed)
	}
}

func TestSendNoteRejected(t *testing.T) {
	t.Parallel()
	adapter := &uploadingAdapter{}
	adapter.noteErr = backend.CheckResponse(backend.KindFreshdesk, "add note", http.StatusNotFound, nil)
	p := newPipeline(Options{})

	res := p.Send(context.Background(), adapter, Job{
		Ref:         backend.CaseRef{CaseID: "1"},
		Text:        "x",
		Attachments: []Attachment{{Data: pngHeader, Name: "a.png"}},
	})
	assert.ErrorIs(t, res.Err, backend.ErrBackendRejected)
	assert.False(t, res.NoteSent)
	assert.Equal(t, 0, res.Delivered)
	assert.ErrorIs(t, res.Outcomes[0].Err, ErrAttachmentFailed)
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()
	adapter := &uploadingAdapter{}
	p := newPipeline(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Send(ctx, adapter, Job{
		Ref:         backend.CaseRef{CaseID: "1"},
		Attachments: []Attachment{{Data: pngHeader, Name: "a.png"}, {Data: pngHeader, Name: "b.png"}},
	})
	assert.Equal(t, 0, res.Delivered)
	for _, o := range res.Outcomes {
		assert.True(t, errors.Is(o.Err, context.Canceled))
	}
	assert.Equal(t, int32(0), adapter.uploads.Load())
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		keep        bool
		ext         string
	}{
		{name: "report-2024_v1.pdf", keep: true},
		{name: "스크린샷.png", ext: ".png"},
		{name: "my file.JPG", ext: ".jpg"},
		{name: ".bashrc", ext: ""},
		{name: "", contentType: "image/png", ext: ".png"},
		{name: "weird.$$$", contentType: "application/pdf", ext: ".pdf"},
		{name: strings.Repeat("a", 130) + ".txt", ext: ".txt"},
	}
	for _, tt := range tests {
		got := SafeFileName(tt.name, tt.contentType)
		if tt.keep {
			assert.Equal(t, tt.name, got)
			continue
		}
		assert.NotEqual(t, tt.name, got)
		assert.Equal(t, 36+len(tt.ext), len(got), "%q -> %q", tt.name, got)
		assert.True(t, strings.HasSuffix(got, tt.ext), "%q -> %q", tt.name, got)
	}
}
