package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/events"
	"github.com/memohai/deskbridge/internal/fanout"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/secrets"
	"github.com/memohai/deskbridge/internal/tenant"
)

const caseCreateTimeout = 45 * time.Second

// User-facing notices.
const (
	noticeNotConfigured = "The helpdesk is not set up for your organization yet. Please ask your IT administrator to configure it."
	noticeMisconfigured = "The helpdesk connection is misconfigured. Please contact your IT administrator."
	noticeUnavailable   = "The helpdesk is temporarily unavailable. Please try again in a moment."
	noticeRejected      = "Sorry, the helpdesk could not accept your message."
	noticeFailed        = "Sorry, something went wrong while delivering your message. Please try again."
	noticeReopened      = "Your previous request was closed, so a new one has been opened."
)

// ClientSource resolves a tenant to its record and adapter. *clients.Factory
// satisfies it.
type ClientSource interface {
	Get(ctx context.Context, tenantID string) (clients.Entry, error)
}

// Router is safe for concurrent use.
type Router struct {
	clients   ClientSource
	mappings  *mapping.Store
	fanout    *fanout.Pipeline
	publisher events.Publisher
	retry     backend.RetryPolicy
	validate  *validator.Validate
	logger    *slog.Logger

	// Case creation is collapsed per mapping id so follow-ups wait for the
	// first message's case instead of opening another.
	creating singleflight.Group
}

type Options struct {
	Retry     backend.RetryPolicy
	Publisher events.Publisher
}

func New(log *slog.Logger, clientSource ClientSource, mappings *mapping.Store, pipeline *fanout.Pipeline, opts Options) *Router {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	return &Router{
		clients:   clientSource,
		mappings:  mappings,
		fanout:    pipeline,
		publisher: opts.Publisher,
		retry:     backend.NormalizeRetryPolicy(opts.Retry),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    log.With(slog.String("service", "router")),
	}
}

// Route delivers one chat message to the tenant's backend.
func (r *Router) Route(ctx context.Context, msg InboundMessage) Result {
	res := Result{State: StateReceived}
	if err := r.validateMessage(msg); err != nil {
		return r.fail(res, err, noticeFailed)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	log := r.logger.With(
		slog.String("tenant_id", msg.TenantID),
		slog.String("chat_conversation_id", msg.ChatConversationID))

	entry, err := r.clients.Get(ctx, msg.TenantID)
	if err != nil {
		log.Warn("no backend client for tenant", slog.Any("error", err))
		return r.fail(res, err, noticeFor(err))
	}
	res.BackendKind = entry.Record.BackendKind

	m, _, err := r.mappings.CreateOrGet(ctx, mapping.CreateOrGetRequest{
		TenantID:           msg.TenantID,
		ChatConversationID: msg.ChatConversationID,
		BackendKind:        entry.Record.BackendKind,
		Reference:          msg.Reference,
	})
	if err != nil {
		log.Error("create mapping failed", slog.Any("error", err))
		return r.fail(res, err, noticeFailed)
	}
	res.State = StateMapped
	res.MappingID = m.ID

	m, caseCreated, err := r.ensureCase(ctx, entry, m, msg)
	if err != nil {
		log.Error("open case failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
		return r.fail(res, err, noticeFor(err))
	}
	res.CaseID = m.CaseID
	res.CaseCreated = caseCreated

	res.State = StateDelivering
	send := r.deliver(ctx, entry, m, msg, caseCreated)

	if errors.Is(send.Err, backend.ErrBackendRejected) && !caseCreated && r.caseClosed(ctx, entry, m, log) {
		// The case was resolved or deleted on the backend. Start over once
		// with a fresh case.
		log.Info("case closed on backend, opening a new case",
			slog.String("mapping_id", m.ID),
			slog.String("case_id", m.CaseID),
			slog.Any("error", send.Err))
		next, ok := r.reopen(ctx, entry, m, msg, &res)
		if !ok {
			return res
		}
		m = next
		send = r.deliver(ctx, entry, m, msg, res.CaseCreated)
	}

	res.Outcomes = send.Outcomes
	res.Delivered = send.Delivered
	res.Total = send.Total
	switch {
	case send.Err != nil && !res.CaseCreated:
		res = r.fail(res, send.Err, noticeFor(send.Err))
	case send.Delivered < send.Total:
		res.State = StatePartiallyDelivered
		res.Notices = append(res.Notices, fmt.Sprintf("%d of %d attachments could not be delivered.", send.Total-send.Delivered, send.Total))
	default:
		res.State = StateDelivered
	}

	if !m.GreetingSent && res.State != StateFailed {
		r.greet(ctx, entry, m, &res)
	}
	r.record(ctx, m, msg)
	log.Info("message routed",
		slog.String("state", string(res.State)),
		slog.String("mapping_id", res.MappingID),
		slog.String("case_id", res.CaseID),
		slog.Int("delivered", res.Delivered),
		slog.Int("total", res.Total))
	return res
}

func (r *Router) validateMessage(msg InboundMessage) error {
	if err := r.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("%w: message has neither text nor attachments", ErrInvalidMessage)
	}
	for i, att := range msg.Attachments {
		if att.URL == "" && len(att.Data) == 0 {
			return fmt.Errorf("%w: attachment %d has neither url nor data", ErrInvalidMessage, i)
		}
	}
	return nil
}

type caseFlight struct {
	mapping mapping.Mapping
	owner   string
	created bool
}

// ensureCase returns m with a case attached. created is true only for the
// caller whose message opened the case.
func (r *Router) ensureCase(ctx context.Context, entry clients.Entry, m mapping.Mapping, msg InboundMessage) (mapping.Mapping, bool, error) {
	if m.HasCase() {
		return m, false, nil
	}
	token := uuid.NewString()
	ch := r.creating.DoChan(m.ID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), caseCreateTimeout)
		defer cancel()
		current, err := r.mappings.Get(flightCtx, m.ID)
		if err != nil {
			return nil, err
		}
		if current.HasCase() {
			return caseFlight{mapping: current}, nil
		}
		attached, err := r.openCase(flightCtx, entry, current, msg)
		if err != nil {
			return nil, err
		}
		return caseFlight{mapping: attached, owner: token, created: true}, nil
	})
	select {
	case <-ctx.Done():
		return m, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return m, false, res.Err
		}
		flight := res.Val.(caseFlight)
		return flight.mapping, flight.created && flight.owner == token, nil
	}
}

func (r *Router) openCase(ctx context.Context, entry clients.Entry, m mapping.Mapping, msg InboundMessage) (mapping.Mapping, error) {
	text := strings.TrimSpace(msg.Text)
	description := text
	if description == "" {
		description = fmt.Sprintf("The user sent %d attachment(s).", len(msg.Attachments))
	}
	var created backend.Case
	err := backend.Retry(ctx, r.retry, r.logger, "create case", func(ctx context.Context) error {
		var err error
		created, err = entry.Adapter.CreateCase(ctx, backend.CreateCaseRequest{
			Subject:     backend.SubjectFromText(text),
			Description: description,
			Requester: backend.Requester{
				ID:    msg.User.ID,
				Name:  msg.User.Name,
				Email: msg.User.Email,
			},
			IdempotencyKey: m.ID,
		})
		return err
	})
	if err != nil {
		return m, err
	}
	attached, err := r.mappings.AttachCase(ctx, m.ID, created.ID, created.ParticipantID)
	if errors.Is(err, mapping.ErrMappingConflict) && attached.HasCase() {
		r.logger.Warn("mapping already had a case, new case left orphaned",
			slog.String("mapping_id", m.ID),
			slog.String("case_id", attached.CaseID),
			slog.String("orphan_case_id", created.ID))
		return attached, nil
	}
	if err != nil {
		return m, err
	}
	events.Emit(ctx, r.logger, r.publisher, events.Event{
		Type:     events.TypeCaseCreated,
		TenantID: m.TenantID,
		Data: map[string]any{
			"mapping_id":           attached.ID,
			"case_id":              attached.CaseID,
			"backend_kind":         attached.BackendKind.String(),
			"chat_conversation_id": attached.ChatConversationID,
			"case_url":             created.URL,
		},
	})
	return attached, nil
}

// deliver sends the parts of msg that are not already in the case. A freshly
// opened case carries the text in its description.
func (r *Router) deliver(ctx context.Context, entry clients.Entry, m mapping.Mapping, msg InboundMessage, caseCreated bool) fanout.SendResult {
	job := fanout.Job{
		TenantID:    m.TenantID,
		Ref:         m.CaseRef(),
		Text:        msg.Text,
		Attachments: msg.Attachments,
	}
	if caseCreated {
		job.Text = ""
		if len(job.Attachments) == 0 {
			return fanout.SendResult{TextDelivered: true}
		}
	}
	return r.fanout.Send(ctx, entry.Adapter, job)
}

// caseClosed reports whether a case that refused a note is resolved or gone
// on the backend. Any other answer keeps the mapping as it is.
func (r *Router) caseClosed(ctx context.Context, entry clients.Entry, m mapping.Mapping, log *slog.Logger) bool {
	var c backend.Case
	err := backend.Retry(ctx, r.retry, r.logger, "get case", func(ctx context.Context) error {
		var err error
		c, err = entry.Adapter.GetCase(ctx, m.CaseID)
		return err
	})
	if err != nil {
		if backend.StatusCode(err) == http.StatusNotFound {
			return true
		}
		log.Warn("case status check failed",
			slog.String("mapping_id", m.ID),
			slog.String("case_id", m.CaseID),
			slog.Any("error", err))
		return false
	}
	return c.Resolved
}

func (r *Router) reopen(ctx context.Context, entry clients.Entry, old mapping.Mapping, msg InboundMessage, res *Result) (mapping.Mapping, bool) {
	if err := r.mappings.MarkResolved(ctx, old.ID); err != nil && !errors.Is(err, mapping.ErrNotFound) {
		*res = r.fail(*res, err, noticeFailed)
		return old, false
	}
	next, _, err := r.mappings.CreateOrGet(ctx, mapping.CreateOrGetRequest{
		TenantID:           msg.TenantID,
		ChatConversationID: msg.ChatConversationID,
		BackendKind:        entry.Record.BackendKind,
		Reference:          old.Reference,
	})
	if err != nil {
		*res = r.fail(*res, err, noticeFailed)
		return old, false
	}
	res.MappingID = next.ID
	next, created, err := r.ensureCase(ctx, entry, next, msg)
	if err != nil {
		*res = r.fail(*res, err, noticeFor(err))
		return next, false
	}
	res.CaseID = next.CaseID
	res.CaseCreated = created
	res.Reopened = true
	res.Notices = append(res.Notices, noticeReopened)
	return next, true
}

func (r *Router) greet(ctx context.Context, entry clients.Entry, m mapping.Mapping, res *Result) {
	first, err := r.mappings.MarkGreeted(ctx, m.ID)
	if err != nil {
		r.logger.Warn("mark greeted failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
		return
	}
	if !first || res.Reopened {
		return
	}
	welcome := strings.TrimSpace(entry.Record.WelcomeMessage)
	if welcome == "" {
		welcome = DefaultWelcome
	}
	res.Notices = append([]string{welcome}, res.Notices...)
}

// record bumps activity and keeps the freshest chat reference.
func (r *Router) record(ctx context.Context, m mapping.Mapping, msg InboundMessage) {
	if err := r.mappings.Touch(ctx, m.ID); err != nil {
		r.logger.Warn("touch mapping failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
	}
	if len(msg.Reference) == 0 {
		return
	}
	if _, err := r.mappings.UpdateReference(ctx, m.ID, msg.Reference, msg.ReceivedAt); err != nil {
		r.logger.Warn("update reference failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
	}
}

func (r *Router) fail(res Result, err error, notice string) Result {
	res.State = StateFailed
	res.Err = err
	if notice != "" {
		res.Notices = append(res.Notices, notice)
	}
	return res
}

func noticeFor(err error) string {
	switch {
	case errors.Is(err, tenant.ErrConfigNotFound):
		return noticeNotConfigured
	case errors.Is(err, secrets.ErrDecryptionFailed),
		errors.Is(err, backend.ErrInvalidConfig),
		errors.Is(err, backend.ErrUnknownKind):
		return noticeMisconfigured
	case errors.Is(err, backend.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return noticeUnavailable
	case errors.Is(err, backend.ErrBackendRejected):
		return noticeRejected
	default:
		return noticeFailed
	}
}
