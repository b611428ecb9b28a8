// Package fanout delivers a multi-part chat message (text plus attachments) to
// a backend case as one note, uploading attachments concurrently.
package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/storage"
)

const (
	DefaultConcurrency       = 3
	DefaultMaxBytes    int64 = 25 << 20
	fetchTimeout             = 60 * time.Second
)

// ErrAttachmentFailed marks a single attachment that could not be delivered.
var ErrAttachmentFailed = errors.New("attachment failed")

// Attachment is one file from the chat side. Either Data or URL is set.
type Attachment struct {
	Name        string `json:"name,omitempty" validate:"max=512"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty" validate:"omitempty,url"`
	Data        []byte `json:"data,omitempty"`
}

// Outcome reports what happened to one attachment.
type Outcome struct {
	Index       int                 `json:"index"`
	Name        string              `json:"name"`
	ContentType string              `json:"content_type,omitempty"`
	Kind        backend.ContentKind `json:"kind"`
	URL         string              `json:"url,omitempty"`
	// Native is true when the backend took the bytes and the file rides on
	// the note as an upload.
	Native bool  `json:"native"`
	Err    error `json:"-"`

	uploaded backend.UploadedAttachment
}

func (o Outcome) OK() bool { return o.Err == nil }

// Job is one delivery to an existing case.
type Job struct {
	TenantID    string
	Ref         backend.CaseRef
	Text        string
	Attachments []Attachment
}

// SendResult accounts for a Job. Delivered counts successful attachments out
// of len(Outcomes); Err is set when the note itself failed.
type SendResult struct {
	Delivered     int       `json:"delivered"`
	Total         int       `json:"total"`
	TextDelivered bool      `json:"text_delivered"`
	NoteSent      bool      `json:"note_sent"`
	Outcomes      []Outcome `json:"outcomes,omitempty"`
	Err           error     `json:"-"`
}

// Complete reports whether text (if any) and every attachment went through.
func (r SendResult) Complete() bool {
	return r.Err == nil && r.Delivered == r.Total
}

type Options struct {
	Concurrency int
	MaxBytes    int64
	Storage     storage.Provider
	HTTPClient  *http.Client
	Retry       backend.RetryPolicy
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	concurrency int
	maxBytes    int64
	storage     storage.Provider
	fetcher     *resty.Client
	retry       backend.RetryPolicy
	logger      *slog.Logger
	now         func() time.Time
}

func New(log *slog.Logger, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Storage == nil {
		opts.Storage = storage.Nop{}
	}
	fetcher := resty.New().SetTimeout(fetchTimeout)
	if opts.HTTPClient != nil {
		fetcher = resty.NewWithClient(opts.HTTPClient)
	}
	return &Pipeline{
		concurrency: opts.Concurrency,
		maxBytes:    opts.MaxBytes,
		storage:     opts.Storage,
		fetcher:     fetcher,
		retry:       backend.NormalizeRetryPolicy(opts.Retry),
		logger:      log.With(slog.String("service", "fanout")),
		now:         time.Now,
	}
}

// Send processes every attachment with bounded concurrency, waits for all of
// them, then adds one note carrying the text, native uploads, links and a
// failure summary. A failed attachment never stops its siblings.
func (p *Pipeline) Send(ctx context.Context, adapter backend.Adapter, job Job) SendResult {
	result := SendResult{Total: len(job.Attachments)}
	outcomes := make([]Outcome, len(job.Attachments))

	if len(job.Attachments) > 0 {
		uploader, _ := backend.AsUploader(adapter)
		var g errgroup.Group
		g.SetLimit(p.concurrency)
		for i, att := range job.Attachments {
			if err := ctx.Err(); err != nil {
				outcomes[i] = failed(i, att, err)
				continue
			}
			g.Go(func() error {
				outcomes[i] = p.process(ctx, uploader, job, i, att)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Outcomes = outcomes
	for _, o := range outcomes {
		if o.OK() {
			result.Delivered++
		}
	}

	text := strings.TrimSpace(job.Text)
	if text == "" && result.Delivered == 0 {
		if result.Total > 0 {
			result.Err = fmt.Errorf("%w: none of %d attachments could be delivered", ErrAttachmentFailed, result.Total)
		}
		return result
	}

	note := compose(text, outcomes)
	err := backend.Retry(ctx, p.retry, p.logger, "add note", func(ctx context.Context) error {
		return adapter.AddNote(ctx, job.Ref, note)
	})
	if err != nil {
		p.logger.Warn("add note failed",
			slog.String("tenant_id", job.TenantID),
			slog.String("case_id", job.Ref.CaseID),
			slog.Any("error", err))
		result.Err = err
		// Attachments that only existed as part of the note are lost with it.
		result.Delivered = 0
		for i := range result.Outcomes {
			if result.Outcomes[i].OK() {
				result.Outcomes[i].Err = fmt.Errorf("%w: note not added: %w", ErrAttachmentFailed, err)
			}
		}
		return result
	}
	result.NoteSent = true
	result.TextDelivered = text != ""
	return result
}

func (p *Pipeline) process(ctx context.Context, uploader backend.AttachmentUploader, job Job, i int, att Attachment) Outcome {
	if err := ctx.Err(); err != nil {
		return failed(i, att, err)
	}
	out := Outcome{Index: i, Name: att.Name, ContentType: att.ContentType, URL: att.URL}
	if out.Name == "" && att.URL != "" {
		out.Name = nameFromURL(att.URL)
	}
	relay := storage.Enabled(p.storage)

	// Nowhere to put bytes: hand the source URL to the backend as a link.
	if uploader == nil && !relay {
		if att.URL == "" {
			return failed(i, att, errors.New("no upload target for inline data"))
		}
		out.Kind = backend.ClassifyContent(out.ContentType, firstNonEmpty(out.Name, att.URL))
		return out
	}

	data := att.Data
	if len(data) == 0 {
		fetched, contentType, err := p.fetch(ctx, att.URL)
		if err != nil {
			return failed(i, att, err)
		}
		data = fetched
		if out.ContentType == "" {
			out.ContentType = contentType
		}
	}
	if int64(len(data)) > p.maxBytes {
		return failed(i, att, fmt.Errorf("attachment is %d bytes, limit %d", len(data), p.maxBytes))
	}
	if ct := strings.ToLower(out.ContentType); ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		out.ContentType = mimetype.Detect(data).String()
	}
	out.Kind = backend.ClassifyContent(out.ContentType, out.Name)
	out.Name = SafeFileName(out.Name, out.ContentType)

	if uploader != nil {
		var uploaded backend.UploadedAttachment
		err := backend.Retry(ctx, p.retry, p.logger, "upload attachment", func(ctx context.Context) error {
			var err error
			uploaded, err = uploader.UploadAttachment(ctx, job.Ref, backend.Upload{
				FileName:    out.Name,
				ContentType: out.ContentType,
				Kind:        out.Kind,
				Data:        data,
			})
			return err
		})
		if err != nil {
			return failed(i, att, err)
		}
		out.Native = true
		out.URL = uploaded.URL
		out.uploaded = uploaded
		return out
	}

	key := storage.Key(job.TenantID, out.Name, p.now())
	if err := p.storage.Put(ctx, key, bytes.NewReader(data), out.ContentType); err != nil {
		return failed(i, att, err)
	}
	out.URL = p.storage.URL(key)
	return out
}

func (p *Pipeline) fetch(ctx context.Context, source string) ([]byte, string, error) {
	if strings.TrimSpace(source) == "" {
		return nil, "", errors.New("attachment has neither data nor url")
	}
	resp, err := p.fetcher.R().SetContext(ctx).SetDoNotParseResponse(true).Get(source)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode())
	}
	data, err := io.ReadAll(io.LimitReader(body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", p.maxBytes)
	}
	return data, resp.Header().Get("Content-Type"), nil
}

func failed(i int, att Attachment, err error) Outcome {
	name := att.Name
	if name == "" {
		name = nameFromURL(att.URL)
	}
	if name == "" {
		name = fmt.Sprintf("attachment %d", i+1)
	}
	if !errors.Is(err, ErrAttachmentFailed) {
		err = fmt.Errorf("%w: %w", ErrAttachmentFailed, err)
	}
	return Outcome{
		Index:       i,
		Name:        name,
		ContentType: att.ContentType,
		Kind:        backend.ClassifyContent(att.ContentType, firstNonEmpty(att.Name, att.URL)),
		URL:         att.URL,
		Err:         err,
	}
}

// compose builds the note: text, then links for relayed files, then a summary
// of failures. Native uploads travel as note attachments.
func compose(text string, outcomes []Outcome) backend.Note {
	var note backend.Note
	var b strings.Builder
	b.WriteString(text)
	var failures []string
	for _, o := range outcomes {
		switch {
		case !o.OK():
			failures = append(failures, o.Name)
		case o.Native:
			note.Attachments = append(note.Attachments, o.uploaded)
		case o.URL != "":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s: %s", o.Name, o.URL)
		}
	}
	if len(failures) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d of %d attachments could not be delivered: %s", len(failures), len(outcomes), strings.Join(failures, ", "))
	}
	note.Body = b.String()
	return note
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
