// Package webhook turns backend webhook deliveries into chat pushes.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/patrickmn/go-cache"

	"github.com/memohai/deskbridge/internal/backend"
	"github.com/memohai/deskbridge/internal/clients"
	"github.com/memohai/deskbridge/internal/mapping"
	"github.com/memohai/deskbridge/internal/proactive"
)

const (
	DefaultDedupTTL     = 10 * time.Minute
	DefaultAgentNameTTL = 30 * time.Minute
)

// Outcome statuses.
const (
	StatusDelivered = "delivered"
	StatusIgnored   = "ignored"
	StatusFailed    = "failed"
)

var (
	// ErrWebhookUnmapped means no conversation is linked to the event's case.
	// It is informational and yields an ignored outcome.
	ErrWebhookUnmapped = errors.New("webhook case is not mapped")
	// ErrSignatureInvalid is the backend sentinel, re-exported for handlers.
	ErrSignatureInvalid = backend.ErrSignatureInvalid
	// ErrSignatureRequired rejects unsigned payloads when policy demands a signature.
	ErrSignatureRequired = errors.New("webhook signature required")
	// ErrBackendMismatch means the URL names a backend the tenant does not use.
	ErrBackendMismatch = errors.New("webhook backend does not match tenant")
	// ErrInvalidPayload wraps payloads the backend parser could not read.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// ClientSource resolves a tenant to its record and adapter.
type ClientSource interface {
	Get(ctx context.Context, tenantID string) (clients.Entry, error)
}

// Pusher delivers an event into the mapped chat conversation.
type Pusher interface {
	Push(ctx context.Context, m mapping.Mapping, evt backend.CanonicalEvent) (proactive.Delivery, error)
}

// Outcome reports what happened to one delivery.
type Outcome struct {
	Status    string              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	MappingID string              `json:"mapping_id,omitempty"`
	CaseID    string              `json:"case_id,omitempty"`
	Delivery  *proactive.Delivery `json:"delivery,omitempty"`
}

type Options struct {
	// RequireSignature rejects unsigned payloads for every tenant.
	RequireSignature bool
	DedupTTL         time.Duration
	// AgentNameTTL bounds how long resolved agent display names are reused.
	AgentNameTTL time.Duration
}

type Ingestor struct {
	clients  ClientSource
	mappings *mapping.Store
	pusher   Pusher
	opts     Options
	seen     *cache.Cache
	agents   *cache.Cache
	logger   *slog.Logger
}

func New(log *slog.Logger, clientSource ClientSource, mappings *mapping.Store, pusher Pusher, opts Options) *Ingestor {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.AgentNameTTL <= 0 {
		opts.AgentNameTTL = DefaultAgentNameTTL
	}
	return &Ingestor{
		clients:  clientSource,
		mappings: mappings,
		pusher:   pusher,
		opts:     opts,
		seen:     cache.New(opts.DedupTTL, 2*opts.DedupTTL),
		agents:   cache.New(opts.AgentNameTTL, 2*opts.AgentNameTTL),
		logger:   log.With(slog.String("service", "webhook")),
	}
}

func ignored(reason string) Outcome {
	return Outcome{Status: StatusIgnored, Reason: reason}
}

// Ingest handles one raw payload. An error is returned only when the caller
// should answer with a failure status; ignored deliveries return nil.
func (i *Ingestor) Ingest(ctx context.Context, tenantID string, kind backend.Kind, header http.Header, raw []byte) (Outcome, error) {
	log := i.logger.With(slog.String("tenant_id", tenantID), slog.String("backend", kind.String()))

	entry, err := i.clients.Get(ctx, tenantID)
	if err != nil {
		return Outcome{Status: StatusFailed}, err
	}
	if entry.Record.BackendKind != kind {
		return Outcome{Status: StatusFailed}, fmt.Errorf("%w: tenant uses %s", ErrBackendMismatch, entry.Record.BackendKind)
	}
	if err := i.verify(log, entry, header, raw); err != nil {
		log.Warn("webhook rejected", slog.Any("error", err))
		return Outcome{Status: StatusFailed}, err
	}

	parser, ok := backend.AsWebhookParser(entry.Adapter)
	if !ok {
		return Outcome{Status: StatusFailed}, fmt.Errorf("%w: %s does not accept webhooks", ErrBackendMismatch, kind)
	}
	evt, err := parser.ParseWebhook(raw)
	if errors.Is(err, backend.ErrEventIgnored) {
		log.Debug("event ignored", slog.Any("reason", err))
		return ignored("event"), nil
	}
	if err != nil {
		return Outcome{Status: StatusFailed}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	evt = normalizeText(log, evt)

	dedupKey := ""
	if evt.MessageID != "" {
		dedupKey = tenantID + "|" + kind.String() + "|" + evt.MessageID
		if err := i.seen.Add(dedupKey, struct{}{}, cache.DefaultExpiration); err != nil {
			log.Debug("duplicate delivery", slog.String("message_id", evt.MessageID))
			return ignored("duplicate"), nil
		}
	}
	// Our own notes come back as user-authored events.
	if evt.ActorKind == backend.ActorUser {
		return ignored("echo"), nil
	}

	m, err := i.mappings.FindByBackendCase(ctx, tenantID, kind, evt.CaseID)
	if errors.Is(err, mapping.ErrNotFound) {
		log.Info("webhook unmapped", slog.String("case_id", evt.CaseID))
		out := ignored(ErrWebhookUnmapped.Error())
		out.CaseID = evt.CaseID
		return out, nil
	}
	if err != nil {
		i.forget(dedupKey)
		return Outcome{Status: StatusFailed, CaseID: evt.CaseID}, err
	}
	out := Outcome{MappingID: m.ID, CaseID: evt.CaseID}

	if evt.IsResolution() {
		if err := i.mappings.MarkResolved(ctx, m.ID); err != nil {
			log.Error("mark resolved failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
		} else {
			m.Resolved = true
		}
	}
	if evt.ActorKind == backend.ActorAgent && evt.ActorName == "" && evt.ActorID != "" {
		evt.ActorName = i.agentName(ctx, log, tenantID, entry.Adapter, evt.ActorID)
	}
	if err := i.mappings.Touch(ctx, m.ID); err != nil {
		log.Warn("touch mapping failed", slog.String("mapping_id", m.ID), slog.Any("error", err))
	}

	delivery, err := i.pusher.Push(ctx, m, evt)
	out.Delivery = &delivery
	if err != nil {
		// Let the backend's redelivery through.
		i.forget(dedupKey)
		out.Status = StatusFailed
		return out, err
	}
	out.Status = StatusDelivered
	log.Info("event delivered",
		slog.String("mapping_id", m.ID),
		slog.String("case_id", evt.CaseID),
		slog.String("platform", delivery.Platform))
	return out, nil
}

func (i *Ingestor) verify(log *slog.Logger, entry clients.Entry, header http.Header, raw []byte) error {
	if v, ok := backend.AsWebhookVerifier(entry.Adapter); ok && v.WebhookSecretConfigured() {
		if err := v.VerifyWebhook(header, raw); err != nil {
			if errors.Is(err, ErrSignatureInvalid) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil
	}
	if i.opts.RequireSignature || entry.Record.WebhookStrict {
		return ErrSignatureRequired
	}
	log.Warn("accepting unsigned webhook; configure a webhook secret for this tenant")
	return nil
}

func (i *Ingestor) forget(key string) {
	if key != "" {
		i.seen.Delete(key)
	}
}

func (i *Ingestor) agentName(ctx context.Context, log *slog.Logger, tenantID string, adapter backend.Adapter, agentID string) string {
	dir, ok := backend.AsAgentDirectory(adapter)
	if !ok {
		return ""
	}
	key := tenantID + "|" + agentID
	if name, ok := i.agents.Get(key); ok {
		return name.(string)
	}
	name, err := dir.AgentName(ctx, agentID)
	if err != nil {
		log.Warn("resolve agent name failed", slog.String("agent_id", agentID), slog.Any("error", err))
		return ""
	}
	i.agents.SetDefault(key, name)
	return name
}

// normalizeText converts HTML bodies to Markdown, keeping the raw text if
// conversion fails.
func normalizeText(log *slog.Logger, evt backend.CanonicalEvent) backend.CanonicalEvent {
	if evt.TextFormat != backend.TextHTML || strings.TrimSpace(evt.Text) == "" {
		return evt
	}
	md, err := htmltomarkdown.ConvertString(evt.Text)
	if err != nil {
		log.Warn("convert html failed", slog.Any("error", err))
		return evt
	}
	evt.Text = strings.TrimSpace(md)
	evt.TextFormat = backend.TextMarkdown
	return evt
}
