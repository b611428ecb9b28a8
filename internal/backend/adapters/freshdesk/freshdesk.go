// Package freshdesk implements the Freshdesk ticketing backend.
package freshdesk

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

// Kind is the Freshdesk backend kind.
const Kind = backend.KindFreshdesk

const (
	sourceChat      = 7
	statusOpen      = 2
	statusPending   = 3
	statusResolved  = 4
	statusClosed    = 5
	priorityLow     = 1
	defaultListSize = 30
)

// Provider builds Freshdesk adapters.
type Provider struct{}

// NewProvider returns the Freshdesk provider.
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

// Adapter talks to the Freshdesk v2 REST API for one tenant.
type Adapter struct {
	cfg    Config
	client *resty.Client
	logger *slog.Logger
}

var (
	_ backend.Adapter         = (*Adapter)(nil)
	_ backend.AgentDirectory  = (*Adapter)(nil)
	_ backend.WebhookVerifier = (*Adapter)(nil)
	_ backend.WebhookParser   = (*Adapter)(nil)
)

// NewAdapter creates an adapter using Basic auth with the API key.
func NewAdapter(cfg Config, opts backend.BuildOptions) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := common.NewClient(cfg.BaseURL, opts.HTTPClient).
		SetBasicAuth(cfg.APIKey, "X")
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
	Status      int       `json:"status"`
	RequesterID int64     `json:"requester_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (a *Adapter) toCase(t ticket) backend.Case {
	c := backend.Case{
		ID:        strconv.FormatInt(t.ID, 10),
		Subject:   t.Subject,
		Status:    statusName(t.Status),
		Resolved:  t.Status == statusResolved || t.Status == statusClosed,
		URL:       fmt.Sprintf("%s/a/tickets/%d", a.cfg.BaseURL, t.ID),
		UpdatedAt: t.UpdatedAt,
	}
	if t.RequesterID > 0 {
		c.ParticipantID = strconv.FormatInt(t.RequesterID, 10)
	}
	return c
}

// CreateCase opens a chat-sourced ticket for the requester.
func (a *Adapter) CreateCase(ctx context.Context, req backend.CreateCaseRequest) (backend.Case, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = backend.SubjectFromText(req.Description)
	}
	body := map[string]any{
		"subject":     subject,
		"description": textToHTML(req.Description),
		"status":      statusOpen,
		"priority":    priorityLow,
		"source":      a.cfg.Source,
	}
	if req.Requester.Name != "" {
		body["name"] = req.Requester.Name
	}
	switch {
	case req.Requester.Email != "":
		body["email"] = req.Requester.Email
	case req.Requester.ID != "":
		body["unique_external_id"] = req.Requester.ID
	default:
		return backend.Case{}, fmt.Errorf("%w: freshdesk ticket requires requester email or id", backend.ErrBackendRejected)
	}

	var out ticket
	r := a.client.R().SetContext(ctx).SetBody(body).SetResult(&out)
	if req.IdempotencyKey != "" {
		r.SetHeader("X-Request-Id", req.IdempotencyKey)
	}
	resp, err := r.Post("/api/v2/tickets")
	if err := common.Check(Kind, "create ticket", resp, err); err != nil {
		return backend.Case{}, err
	}
	if out.ID == 0 {
		return backend.Case{}, fmt.Errorf("%w: freshdesk create ticket returned no id", backend.ErrBackendRejected)
	}
	a.logger.Info("ticket created", slog.Int64("ticket_id", out.ID))
	return a.toCase(out), nil
}

// AddNote posts a public note. Attachments arrive as links in the body.
func (a *Adapter) AddNote(ctx context.Context, ref backend.CaseRef, note backend.Note) error {
	if strings.TrimSpace(ref.CaseID) == "" {
		return fmt.Errorf("%w: case id is required", backend.ErrBackendRejected)
	}
	body := note.Body
	for _, att := range note.Attachments {
		if att.URL != "" {
			body += "\n" + att.FileName + ": " + att.URL
		}
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", ref.CaseID).
		SetBody(map[string]any{"body": textToHTML(body), "private": note.Private}).
		Post("/api/v2/tickets/{id}/notes")
	return common.Check(Kind, "add note", resp, err)
}

func (a *Adapter) GetCase(ctx context.Context, caseID string) (backend.Case, error) {
	var out ticket
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", caseID).
		SetResult(&out).
		Get("/api/v2/tickets/{id}")
	if err := common.Check(Kind, "get ticket", resp, err); err != nil {
		return backend.Case{}, err
	}
	return a.toCase(out), nil
}

func (a *Adapter) ListCases(ctx context.Context, req backend.ListCasesRequest) ([]backend.Case, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = defaultListSize
	}
	r := a.client.R().SetContext(ctx).SetQueryParam("per_page", strconv.Itoa(limit))
	switch {
	case req.RequesterEmail != "":
		r.SetQueryParam("email", req.RequesterEmail)
	case req.RequesterID != "":
		r.SetQueryParam("requester_id", req.RequesterID)
	}
	var out []ticket
	resp, err := r.SetResult(&out).Get("/api/v2/tickets")
	if err := common.Check(Kind, "list tickets", resp, err); err != nil {
		return nil, err
	}
	cases := make([]backend.Case, 0, len(out))
	for _, t := range out {
		cases = append(cases, a.toCase(t))
	}
	return cases, nil
}

func (a *Adapter) ValidateConnection(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).SetQueryParam("per_page", "1").Get("/api/v2/tickets")
	return common.Check(Kind, "validate connection", resp, err)
}

// AgentName resolves an agent id to the contact name.
func (a *Adapter) AgentName(ctx context.Context, agentID string) (string, error) {
	var out struct {
		Contact struct {
			Name string `json:"name"`
		} `json:"contact"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", agentID).
		SetResult(&out).
		Get("/api/v2/agents/{id}")
	if err := common.Check(Kind, "get agent", resp, err); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Contact.Name), nil
}

// WebhookSecretConfigured reports whether a shared webhook token is set.
func (a *Adapter) WebhookSecretConfigured() bool {
	return a.cfg.WebhookSecret != ""
}

// VerifyWebhook checks the shared token Freshdesk automations send as a
// custom header, or an HMAC of the body when the automation signs it.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}
	if token := header.Get(headerWebhookToken); token != "" && common.EqualToken(a.cfg.WebhookSecret, token) {
		return nil
	}
	if sig := header.Get(headerWebhookSignature); sig != "" && common.EqualSignature(common.HMACSHA256(a.cfg.WebhookSecret, body), sig) {
		return nil
	}
	return backend.ErrSignatureInvalid
}

func statusName(status int) string {
	switch status {
	case statusOpen:
		return "open"
	case statusPending:
		return "pending"
	case statusResolved:
		return "resolved"
	case statusClosed:
		return "closed"
	default:
		return strconv.Itoa(status)
	}
}

func textToHTML(text string) string {
	return strings.ReplaceAll(html.EscapeString(strings.TrimSpace(text)), "\n", "<br>")
}
