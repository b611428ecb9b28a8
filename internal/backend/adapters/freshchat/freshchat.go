// Package freshchat implements the Freshchat conversation backend.
package freshchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/backend/adapters/common"
)

// Kind is the Freshchat backend kind.
const Kind = backend.KindFreshchat

const statusResolved = "resolved"

// Provider builds Freshchat adapters.
type Provider struct{}

// NewProvider returns the Freshchat provider.
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

// Adapter talks to the Freshchat v2 API. Cases are conversations and the
// participant is the Freshchat user that speaks for the chat user.
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

// NewAdapter creates an adapter authenticated with a bearer API key.
func NewAdapter(cfg Config, opts backend.BuildOptions) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: common.NewClient(cfg.APIURL, opts.HTTPClient).SetAuthToken(cfg.APIKey),
		logger: log.With(slog.String("adapter", Kind.String()), slog.String("tenant_id", opts.TenantID)),
	}
}

func (a *Adapter) Kind() backend.Kind { return Kind }

type user struct {
	ID string `json:"id"`
}

type conversation struct {
	ConversationID string          `json:"conversation_id"`
	ID             json.RawMessage `json:"id"`
	Status         string          `json:"status"`
	UpdatedTime    string          `json:"updated_time"`
}

// caseID prefers the GUID; the numeric id arrives as a JSON number or string.
func (c conversation) caseID() string {
	if c.ConversationID != "" {
		return c.ConversationID
	}
	id := strings.Trim(strings.TrimSpace(string(c.ID)), `"`)
	if id == "null" {
		return ""
	}
	return id
}

func (c conversation) updatedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, c.UpdatedTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

type messagePart map[string]any

func textPart(text string) messagePart {
	return messagePart{"text": map[string]any{"content": text}}
}

func attachmentPart(att backend.UploadedAttachment) messagePart {
	if att.Kind == backend.ContentImage {
		if att.URL != "" {
			return messagePart{"image": map[string]any{"url": att.URL}}
		}
		return messagePart{"image": map[string]any{"file_hash": att.Token}}
	}
	file := map[string]any{
		"name":         att.FileName,
		"content_type": att.ContentType,
	}
	if att.Token != "" {
		file["file_hash"] = att.Token
	}
	if att.URL != "" {
		file["url"] = att.URL
	}
	return messagePart{"file": file}
}

// CreateCase finds or creates the Freshchat user and opens a conversation
// on the configured channel with the description as the first message.
func (a *Adapter) CreateCase(ctx context.Context, req backend.CreateCaseRequest) (backend.Case, error) {
	if a.cfg.ChannelID == "" {
		return backend.Case{}, fmt.Errorf("%w: freshchat channel_id is required to open conversations", backend.ErrInvalidConfig)
	}
	userID, err := a.ensureUser(ctx, req.Requester)
	if err != nil {
		return backend.Case{}, err
	}
	text := strings.TrimSpace(req.Description)
	if text == "" {
		text = backend.DefaultSubject
	}
	payload := map[string]any{
		"channel_id": a.cfg.ChannelID,
		"users":      []map[string]any{{"id": userID}},
		"messages": []map[string]any{{
			"message_parts": []messagePart{textPart(text)},
			"actor_type":    "user",
			"actor_id":      userID,
		}},
	}
	var out conversation
	resp, err := a.client.R().SetContext(ctx).SetBody(payload).SetResult(&out).Post("/conversations")
	if err := common.Check(Kind, "create conversation", resp, err); err != nil {
		return backend.Case{}, err
	}
	id := out.caseID()
	if id == "" {
		return backend.Case{}, fmt.Errorf("%w: freshchat create conversation returned no id", backend.ErrBackendRejected)
	}
	a.logger.Info("conversation created", slog.String("conversation_id", id), slog.String("user_id", userID))
	return backend.Case{
		ID:            id,
		Subject:       backend.SubjectFromText(text),
		Status:        "new",
		ParticipantID: userID,
	}, nil
}

func (a *Adapter) ensureUser(ctx context.Context, requester backend.Requester) (string, error) {
	if requester.ID == "" && requester.Email == "" {
		return "", fmt.Errorf("%w: freshchat user requires reference id or email", backend.ErrBackendRejected)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if id, err := a.findUser(ctx, "reference_id", requester.ID); err != nil || id != "" {
			return id, err
		}
		if id, err := a.findUser(ctx, "email", requester.Email); err != nil || id != "" {
			return id, err
		}
		id, err := a.createUser(ctx, requester)
		if err == nil {
			return id, nil
		}
		// A concurrent create for the same reference id wins with 409; search again.
		if backend.StatusCode(err) != http.StatusConflict {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: freshchat user %q could not be resolved", backend.ErrBackendRejected, requester.ID)
}

func (a *Adapter) findUser(ctx context.Context, field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	var out struct {
		Users []user `json:"users"`
	}
	resp, err := a.client.R().SetContext(ctx).SetQueryParam(field, value).SetResult(&out).Get("/users")
	if err != nil {
		return "", backend.TransportError(Kind, "find user", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if err := common.Check(Kind, "find user", resp, nil); err != nil {
		return "", err
	}
	if len(out.Users) == 0 {
		return "", nil
	}
	return out.Users[0].ID, nil
}

func (a *Adapter) createUser(ctx context.Context, requester backend.Requester) (string, error) {
	body := map[string]any{}
	if requester.ID != "" {
		body["reference_id"] = requester.ID
	}
	if requester.Email != "" {
		body["email"] = requester.Email
	}
	if name := strings.TrimSpace(requester.Name); name != "" {
		first, last, _ := strings.Cut(name, " ")
		body["first_name"] = first
		if last != "" {
			body["last_name"] = last
		}
	}
	var out user
	resp, err := a.client.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/users")
	if err := common.Check(Kind, "create user", resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: freshchat create user returned no id", backend.ErrBackendRejected)
	}
	a.logger.Info("user created", slog.String("user_id", out.ID))
	return out.ID, nil
}

// AddNote posts a user message into the conversation. Freshchat answers
// 400 once a conversation is resolved, which surfaces as ErrBackendRejected.
func (a *Adapter) AddNote(ctx context.Context, ref backend.CaseRef, note backend.Note) error {
	if ref.CaseID == "" || ref.ParticipantID == "" {
		return fmt.Errorf("%w: freshchat message requires conversation and user ids", backend.ErrBackendRejected)
	}
	parts := make([]messagePart, 0, 1+len(note.Attachments))
	if body := strings.TrimSpace(note.Body); body != "" {
		parts = append(parts, textPart(body))
	}
	for _, att := range note.Attachments {
		parts = append(parts, attachmentPart(att))
	}
	if len(parts) == 0 {
		return nil
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", ref.CaseID).
		SetBody(map[string]any{
			"message_parts": parts,
			"actor_type":    "user",
			"actor_id":      ref.ParticipantID,
		}).
		Post("/conversations/{id}/messages")
	return common.Check(Kind, "send message", resp, err)
}

func (a *Adapter) GetCase(ctx context.Context, caseID string) (backend.Case, error) {
	var out conversation
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", caseID).SetResult(&out).Get("/conversations/{id}")
	if err := common.Check(Kind, "get conversation", resp, err); err != nil {
		return backend.Case{}, err
	}
	id := out.caseID()
	if id == "" {
		id = caseID
	}
	return backend.Case{
		ID:        id,
		Status:    out.Status,
		Resolved:  strings.EqualFold(out.Status, statusResolved),
		UpdatedAt: out.updatedAt(),
	}, nil
}

// ListCases lists conversations of a Freshchat user. RequesterID is the
// reference id the user was created with.
func (a *Adapter) ListCases(ctx context.Context, req backend.ListCasesRequest) ([]backend.Case, error) {
	userID, err := a.findUser(ctx, "reference_id", req.RequesterID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		if userID, err = a.findUser(ctx, "email", req.RequesterEmail); err != nil {
			return nil, err
		}
	}
	if userID == "" {
		return nil, nil
	}
	var out struct {
		Conversations []conversation `json:"conversations"`
	}
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", userID).SetResult(&out).Get("/users/{id}/conversations")
	if err := common.Check(Kind, "list conversations", resp, err); err != nil {
		return nil, err
	}
	cases := make([]backend.Case, 0, len(out.Conversations))
	for _, c := range out.Conversations {
		cases = append(cases, backend.Case{
			ID:            c.caseID(),
			Status:        c.Status,
			Resolved:      strings.EqualFold(c.Status, statusResolved),
			ParticipantID: userID,
			UpdatedAt:     c.updatedAt(),
		})
		if req.Limit > 0 && len(cases) >= req.Limit {
			break
		}
	}
	return cases, nil
}

// ValidateConnection lists channels and checks the configured one exists.
func (a *Adapter) ValidateConnection(ctx context.Context) error {
	var out struct {
		Channels []struct {
			ID      string `json:"id"`
			Enabled *bool  `json:"enabled"`
		} `json:"channels"`
	}
	resp, err := a.client.R().SetContext(ctx).SetResult(&out).Get("/channels")
	if err := common.Check(Kind, "list channels", resp, err); err != nil {
		return err
	}
	if a.cfg.ChannelID == "" {
		return nil
	}
	for _, ch := range out.Channels {
		if ch.ID == a.cfg.ChannelID {
			if ch.Enabled != nil && !*ch.Enabled {
				return fmt.Errorf("%w: freshchat channel %s is disabled", backend.ErrInvalidConfig, ch.ID)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: freshchat channel %s not found", backend.ErrInvalidConfig, a.cfg.ChannelID)
}

// UploadAttachment stores a file with Freshchat so it can be referenced
// from a message part.
func (a *Adapter) UploadAttachment(ctx context.Context, _ backend.CaseRef, upload backend.Upload) (backend.UploadedAttachment, error) {
	if len(upload.Data) == 0 {
		return backend.UploadedAttachment{}, errors.New("freshchat upload: empty file")
	}
	path := "/files/upload"
	if upload.Kind == backend.ContentImage {
		path = "/images/upload"
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetFileReader("file", upload.FileName, bytes.NewReader(upload.Data)).
		Post(path)
	if err := common.Check(Kind, "upload file", resp, err); err != nil {
		return backend.UploadedAttachment{}, err
	}
	payload, err := common.Decode(resp.Body())
	if err != nil {
		return backend.UploadedAttachment{}, fmt.Errorf("%w: freshchat upload response: %v", backend.ErrBackendRejected, err)
	}
	if inner := common.Object(payload, "file"); inner != nil {
		payload = inner
	} else if inner := common.Object(payload, "data"); inner != nil {
		payload = inner
	}
	out := backend.UploadedAttachment{
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		Kind:        upload.Kind,
		URL:         common.String(payload, "url", "download_url", "downloadUrl"),
		Token:       common.String(payload, "file_hash", "fileHash", "file_id", "fileId", "id"),
	}
	if out.URL == "" && out.Token == "" {
		return backend.UploadedAttachment{}, fmt.Errorf("%w: freshchat upload returned no handle", backend.ErrBackendRejected)
	}
	if name := common.String(payload, "name"); name != "" {
		out.FileName = name
	}
	return out, nil
}

// AgentName resolves an agent id to "first last", falling back to email.
func (a *Adapter) AgentName(ctx context.Context, agentID string) (string, error) {
	var out struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
	}
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", agentID).SetResult(&out).Get("/agents/{id}")
	if err := common.Check(Kind, "get agent", resp, err); err != nil {
		return "", err
	}
	if name := strings.TrimSpace(out.FirstName + " " + out.LastName); name != "" {
		return name, nil
	}
	return strings.TrimSpace(out.Email), nil
}
