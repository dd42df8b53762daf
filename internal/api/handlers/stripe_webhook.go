package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/core"
	"sponsorscout/internal/external"
	"sponsorscout/internal/metrics"
	"sponsorscout/internal/types"
)

const defaultMaxWebhookBytes = 64 * 1024

// EventReconciler applies one processor event.
type EventReconciler interface {
	Reconcile(ctx context.Context, ev billing.ProcessorEvent) error
}

// WebhookEventStore remembers processor event ids that were fully applied.
type WebhookEventStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// StripeWebhookHandler receives Stripe notifications. It sits outside the
// API key middleware; the Stripe-Signature header authenticates it.
//
// Responses: 400 when the signature does not verify (nothing is read or
// written), 503 when the store failed and Stripe should redeliver, 200 for
// everything else including events that cannot be applied.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler EventReconciler
	events     WebhookEventStore
	metrics    billing.Metrics
	maxBytes   int64
	logger     *slog.Logger
}

func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler EventReconciler,
	events WebhookEventStore,
	m billing.Metrics,
	maxBytes int64,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxWebhookBytes
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		events:     events,
		metrics:    m,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Handle)
}

func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.metrics.WebhookProcessed("unknown", metrics.OutcomeRejected)
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayloadTooLarge,
				"webhook payload exceeds "+strconv.FormatInt(h.maxBytes, 10)+" bytes", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err))
		return
	}

	event, err := h.verifier.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.metrics.WebhookProcessed("unknown", metrics.OutcomeRejected)
		core.Error(w, r, billingError(errors.Join(billing.ErrSignatureVerification, err)))
		return
	}

	eventType := string(event.Type)
	log := h.logger.With("event_id", event.ID, "event_type", eventType)

	if h.events != nil {
		seen, err := h.events.Processed(ctx, event.ID)
		if err != nil {
			log.WarnContext(ctx, "webhook dedupe lookup failed; reconciling anyway", "error", err)
		} else if seen {
			log.InfoContext(ctx, "webhook event already processed")
			h.ack(w, r, eventType, metrics.OutcomeDuplicate)
			return
		}
	}

	pev, err := processorEvent(event)
	if err != nil {
		log.ErrorContext(ctx, "webhook event payload could not be decoded", "error", err)
		h.ack(w, r, eventType, metrics.OutcomeIgnored)
		return
	}

	err = h.reconciler.Reconcile(ctx, pev)
	switch {
	case err == nil:
		if h.events != nil {
			if merr := h.events.MarkProcessed(ctx, event.ID, eventType); merr != nil {
				log.WarnContext(ctx, "failed to record processed webhook event", "error", merr)
			}
		}
		h.ack(w, r, eventType, metrics.OutcomeApplied)
	case errors.Is(err, billing.ErrTransientStore):
		h.metrics.WebhookProcessed(eventType, metrics.OutcomeRetry)
		core.Error(w, r, billingError(err))
	default:
		// Permanent: redelivery would fail the same way.
		log.InfoContext(ctx, "webhook event acknowledged without changes", "reason", err)
		h.ack(w, r, eventType, metrics.OutcomeIgnored)
	}
}

func (h *StripeWebhookHandler) ack(w http.ResponseWriter, r *http.Request, eventType, outcome string) {
	h.metrics.WebhookProcessed(eventType, outcome)
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: outcome})
}
