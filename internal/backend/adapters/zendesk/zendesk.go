// Package zendesk implements the Zendesk Support ticketing backend.
package zendesk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

// Kind is the Zendesk backend kind.
const Kind = backend.KindZendesk

const defaultListSize = 25

// Provider builds Zendesk adapters.
type Provider struct{}

// NewProvider returns the Zendesk provider.
func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Kind() backend.Kind { return Kind }

func (p *Provider) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

func (p *Provider) Build(raw map[string]any, opts backend.BuildOptions) (backend.Adapter, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return NewAdapter(cfg, opts), nil
}

// Adapter talks to the Zendesk Support API. Cases are tickets; the
// participant is the Zendesk end user the ticket was requested by.
type Adapter struct {
	cfg    Config
	client *resty.Client
	logger *slog.Logger
}

var (
	_ backend.Adapter            = (*Adapter)(nil)
	_ backend.AttachmentUploader = (*Adapter)(nil)
	_ backend.AgentDirectory     = (*Adapter)(nil)
	_ backend.WebhookVerifier    = (*Adapter)(nil)
	_ backend.WebhookParser      = (*Adapter)(nil)
)

// NewAdapter creates an adapter. OAuth tokens are attached by an oauth2
// transport; API tokens use basic auth as "{email}/token".
func NewAdapter(cfg Config, opts backend.BuildOptions) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var client *resty.Client
	if cfg.OAuthToken != "" {
		ctx := context.Background()
		if opts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
		}
		httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.OAuthToken, TokenType: "Bearer"}))
		httpClient.Timeout = common.DefaultTimeout
		client = common.NewClient(cfg.apiURL(), httpClient)
	} else {
		client = common.NewClient(cfg.apiURL(), opts.HTTPClient).SetBasicAuth(cfg.Email+"/token", cfg.APIToken)
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: log.With(slog.String("adapter", Kind.String()), slog.String("tenant_id", opts.TenantID)),
	}
}

func (a *Adapter) Kind() backend.Kind { return Kind }

type ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	RequesterID int64     `json:"requester_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type user struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (a *Adapter) toCase(t ticket) backend.Case {
	c := backend.Case{
		ID:        strconv.FormatInt(t.ID, 10),
		Subject:   t.Subject,
		Status:    t.Status,
		Resolved:  isResolved(t.Status),
		UpdatedAt: t.UpdatedAt,
	}
	if a.cfg.Subdomain != "" {
		c.URL = fmt.Sprintf("https://%s.zendesk.com/agent/tickets/%d", a.cfg.Subdomain, t.ID)
	}
	if t.RequesterID > 0 {
		c.ParticipantID = strconv.FormatInt(t.RequesterID, 10)
	}
	return c
}

func isResolved(status string) bool {
	status = strings.ToLower(status)
	return status == "solved" || status == "closed"
}

// CreateCase upserts the requester by external id and opens a ticket whose
// first public comment is the description.
func (a *Adapter) CreateCase(ctx context.Context, req backend.CreateCaseRequest) (backend.Case, error) {
	requesterID, err := a.upsertUser(ctx, req.Requester)
	if err != nil {
		return backend.Case{}, err
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = backend.SubjectFromText(req.Description)
	}
	body := strings.TrimSpace(req.Description)
	if body == "" {
		body = backend.DefaultSubject
	}
	payload := map[string]any{
		"ticket": map[string]any{
			"subject":      subject,
			"requester_id": requesterID,
			"priority":     "normal",
			"comment":      map[string]any{"body": body, "public": true},
		},
	}
	var out struct {
		Ticket ticket `json:"ticket"`
	}
	r := a.client.R().SetContext(ctx).SetBody(payload).SetResult(&out)
	if req.IdempotencyKey != "" {
		r.SetHeader("Idempotency-Key", req.IdempotencyKey)
	}
	resp, err := r.Post("/tickets.json")
	if err := common.Check(Kind, "create ticket", resp, err); err != nil {
		return backend.Case{}, err
	}
	if out.Ticket.ID == 0 {
		return backend.Case{}, fmt.Errorf("%w: zendesk create ticket returned no id", backend.ErrBackendRejected)
	}
	if out.Ticket.RequesterID == 0 {
		out.Ticket.RequesterID = requesterID
	}
	a.logger.Info("ticket created", slog.Int64("ticket_id", out.Ticket.ID))
	return a.toCase(out.Ticket), nil
}

func (a *Adapter) upsertUser(ctx context.Context, requester backend.Requester) (int64, error) {
	if requester.ID == "" && requester.Email == "" {
		return 0, fmt.Errorf("%w: zendesk requester needs external id or email", backend.ErrBackendRejected)
	}
	name := strings.TrimSpace(requester.Name)
	if name == "" {
		name = requester.Email
	}
	if name == "" {
		short := requester.ID
		if len(short) > 8 {
			short = short[:8]
		}
		name = "User_" + short
	}
	u := map[string]any{"name": name, "verified": true}
	if requester.ID != "" {
		u["external_id"] = requester.ID
	}
	if requester.Email != "" {
		u["email"] = requester.Email
	}
	var out struct {
		User user `json:"user"`
	}
	resp, err := a.client.R().SetContext(ctx).SetBody(map[string]any{"user": u}).SetResult(&out).Post("/users/create_or_update.json")
	if err := common.Check(Kind, "upsert user", resp, err); err != nil {
		return 0, err
	}
	if out.User.ID == 0 {
		return 0, fmt.Errorf("%w: zendesk upsert user returned no id", backend.ErrBackendRejected)
	}
	return out.User.ID, nil
}

// AddNote appends a comment. Solved and closed tickets answer 422, which
// surfaces as ErrBackendRejected.
func (a *Adapter) AddNote(ctx context.Context, ref backend.CaseRef, note backend.Note) error {
	if strings.TrimSpace(ref.CaseID) == "" {
		return fmt.Errorf("%w: case id is required", backend.ErrBackendRejected)
	}
	body := strings.TrimSpace(note.Body)
	comment := map[string]any{"public": !note.Private}
	var uploads []string
	for _, att := range note.Attachments {
		switch {
		case att.Token != "":
			uploads = append(uploads, att.Token)
		case att.URL != "":
			body += "\n" + att.FileName + ": " + att.URL
		}
	}
	if body == "" {
		body = "(attachment)"
	}
	comment["body"] = strings.TrimSpace(body)
	if len(uploads) > 0 {
		comment["uploads"] = uploads
	}
	if id, err := strconv.ParseInt(ref.ParticipantID, 10, 64); err == nil && id > 0 {
		comment["author_id"] = id
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", ref.CaseID).
		SetBody(map[string]any{"ticket": map[string]any{"comment": comment}}).
		Put("/tickets/{id}.json")
	return common.Check(Kind, "add comment", resp, err)
}

func (a *Adapter) GetCase(ctx context.Context, caseID string) (backend.Case, error) {
	var out struct {
		Ticket ticket `json:"ticket"`
	}
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", caseID).SetResult(&out).Get("/tickets/{id}.json")
	if err := common.Check(Kind, "get ticket", resp, err); err != nil {
		return backend.Case{}, err
	}
	return a.toCase(out.Ticket), nil
}

// ListCases returns tickets requested by the user with the given external
// id, or by email through the search API.
func (a *Adapter) ListCases(ctx context.Context, req backend.ListCasesRequest) ([]backend.Case, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = defaultListSize
	}
	var tickets []ticket
	switch {
	case req.RequesterID != "":
		var users struct {
			Users []user `json:"users"`
		}
		resp, err := a.client.R().SetContext(ctx).SetQueryParam("external_id", req.RequesterID).SetResult(&users).Get("/users/search.json")
		if err := common.Check(Kind, "search users", resp, err); err != nil {
			return nil, err
		}
		if len(users.Users) == 0 {
			return nil, nil
		}
		var out struct {
			Tickets []ticket `json:"tickets"`
		}
		resp, err = a.client.R().
			SetContext(ctx).
			SetPathParam("id", strconv.FormatInt(users.Users[0].ID, 10)).
			SetQueryParam("per_page", strconv.Itoa(limit)).
			SetResult(&out).
			Get("/users/{id}/tickets/requested.json")
		if err := common.Check(Kind, "list tickets", resp, err); err != nil {
			return nil, err
		}
		tickets = out.Tickets
	case req.RequesterEmail != "":
		var out struct {
			Results []ticket `json:"results"`
		}
		resp, err := a.client.R().
			SetContext(ctx).
			SetQueryParam("query", "type:ticket requester:"+req.RequesterEmail).
			SetQueryParam("per_page", strconv.Itoa(limit)).
			SetResult(&out).
			Get("/search.json")
		if err := common.Check(Kind, "search tickets", resp, err); err != nil {
			return nil, err
		}
		tickets = out.Results
	default:
		return nil, fmt.Errorf("%w: zendesk list needs requester id or email", backend.ErrBackendRejected)
	}
	cases := make([]backend.Case, 0, len(tickets))
	for _, t := range tickets {
		cases = append(cases, a.toCase(t))
	}
	return cases, nil
}

func (a *Adapter) ValidateConnection(ctx context.Context) error {
	var out struct {
		User user `json:"user"`
	}
	resp, err := a.client.R().SetContext(ctx).SetResult(&out).Get("/users/me.json")
	if err := common.Check(Kind, "validate connection", resp, err); err != nil {
		return err
	}
	// Unauthenticated requests resolve to an anonymous user without an id.
	if out.User.ID == 0 {
		return fmt.Errorf("%w: zendesk credentials resolved to an anonymous user", backend.ErrInvalidConfig)
	}
	return nil
}

// UploadAttachment posts raw bytes to the uploads API. The returned token
// is referenced from the next comment.
func (a *Adapter) UploadAttachment(ctx context.Context, _ backend.CaseRef, upload backend.Upload) (backend.UploadedAttachment, error) {
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var out struct {
		Upload struct {
			Token       string `json:"token"`
			Attachments []struct {
				ContentURL string `json:"content_url"`
			} `json:"attachments"`
			Attachment struct {
				ContentURL string `json:"content_url"`
			} `json:"attachment"`
		} `json:"upload"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("filename", upload.FileName).
		SetHeader("Content-Type", contentType).
		SetBody(bytes.NewReader(upload.Data)).
		SetResult(&out).
		Post("/uploads.json")
	if err := common.Check(Kind, "upload file", resp, err); err != nil {
		return backend.UploadedAttachment{}, err
	}
	if out.Upload.Token == "" {
		return backend.UploadedAttachment{}, fmt.Errorf("%w: zendesk upload returned no token", backend.ErrBackendRejected)
	}
	url := out.Upload.Attachment.ContentURL
	if url == "" && len(out.Upload.Attachments) > 0 {
		url = out.Upload.Attachments[0].ContentURL
	}
	return backend.UploadedAttachment{
		FileName:    upload.FileName,
		ContentType: contentType,
		Kind:        upload.Kind,
		URL:         url,
		Token:       out.Upload.Token,
	}, nil
}

func (a *Adapter) AgentName(ctx context.Context, agentID string) (string, error) {
	var out struct {
		User user `json:"user"`
	}
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", agentID).SetResult(&out).Get("/users/{id}.json")
	if err := common.Check(Kind, "get user", resp, err); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.User.Name), nil
}

// WebhookSecretConfigured reports whether the webhook signing secret is set.
func (a *Adapter) WebhookSecretConfigured() bool {
	return a.cfg.WebhookSecret != ""
}

// VerifyWebhook checks base64(HMAC-SHA256(secret, timestamp + body)).
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}
	sig := header.Get(headerSignature)
	if sig == "" {
		return fmt.Errorf("%w: missing %s", backend.ErrSignatureInvalid, headerSignature)
	}
	ts := header.Get(headerSignatureTimestamp)
	if !common.EqualSignature(common.HMACSHA256(a.cfg.WebhookSecret, []byte(ts), body), sig) {
		return backend.ErrSignatureInvalid
	}
	return nil
}
