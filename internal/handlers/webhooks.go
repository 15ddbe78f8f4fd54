package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/httpx"
	"github.com/brightcart/api/internal/services"
)

// Signature schemes cover the raw bytes, so the body is read once and capped
// rather than decoded.
const maxWebhookBodySize = 1 << 20

// webhookVerifier verifies signed webhook deliveries. Satisfied by the
// payments manager.
type webhookVerifier interface {
	VerifyWebhook(ctx context.Context, name string, req payments.WebhookRequest) (*domain.PaymentOutcome, error)
}

// payloadArchiver stores verified provider payloads for audit. Satisfied by
// the archive writer.
type payloadArchiver interface {
	Archive(ctx context.Context, provider string, eventID string, payload []byte) error
}

// WebhookHandlers receives provider webhook deliveries. A delivery is
// acknowledged with 200 only once its effect is durable; 400 is reserved for
// signature failures so providers retry everything else.
type WebhookHandlers struct {
	verifier  webhookVerifier
	reconcile services.ReconcileService
	archive   payloadArchiver
	limiter   rateLimiter
	logger    services.Logger
}

// WebhookHandlersDeps bundles the collaborators for NewWebhookHandlers.
// RatePerMinute caps deliveries per provider and source address; zero
// disables the limiter.
type WebhookHandlersDeps struct {
	Verifier      webhookVerifier
	Reconcile     services.ReconcileService
	Archive       payloadArchiver
	RatePerMinute int
	Logger        services.Logger
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(deps WebhookHandlersDeps) *WebhookHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		verifier:  deps.Verifier,
		reconcile: deps.Reconcile,
		archive:   deps.Archive,
		limiter:   newSimpleRateLimiter(deps.RatePerMinute, time.Minute, nil),
		logger:    logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{provider}", h.receive)
}

func (h *WebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))

	if h.limiter != nil && !h.limiter.Allow(provider+"|"+r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	if h.verifier == nil || h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	outcome, err := h.verifier.VerifyWebhook(ctx, provider, payments.WebhookRequest{
		Headers: r.Header,
		Payload: payload,
	})
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider), errors.Is(err, payments.ErrWebhookUnsupported):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		h.logger(ctx, "webhook.signature.rejected", map[string]any{"provider": provider})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrMalformedPayload):
		// Authentic delivery the engine cannot decode. Acknowledge it;
		// redelivering the same bytes can never succeed.
		h.logger(ctx, "webhook.payload.ignored", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, Result: "ignored"})
		return
	case err != nil:
		// Authenticity is undetermined, so 400 is off the table. A 5xx makes
		// the provider retry once the verifier recovers.
		h.logger(ctx, "webhook.verification.failed", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("verification_failed", "webhook could not be verified", http.StatusInternalServerError))
		return
	}

	if outcome == nil {
		// Verified but not an event the engine acts on. Acknowledge so the
		// provider stops retrying.
		h.logger(ctx, "webhook.event.ignored", map[string]any{"provider": provider})
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, Result: "ignored"})
		return
	}

	h.archivePayload(ctx, provider, outcome.ProviderEventID, payload)

	result, err := h.reconcile.ApplyOutcome(ctx, *outcome)
	if err != nil {
		// Not durable yet; a non-2xx response makes the provider redeliver.
		h.logger(ctx, "webhook.apply.failed", map[string]any{
			"provider": provider,
			"event_id": outcome.ProviderEventID,
			"error":    err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_failed", "event could not be applied", http.StatusInternalServerError))
		return
	}

	ack := webhookAckResponse{Received: true, OrderID: result.Order.ID}
	switch {
	case result.Applied:
		ack.Result = "applied"
	case result.Duplicate:
		ack.Result = "duplicate"
	case result.Stale:
		ack.Result = "stale"
	default:
		ack.Result = "ignored"
	}
	writeJSONResponse(w, http.StatusOK, ack)
}

func (h *WebhookHandlers) archivePayload(ctx context.Context, provider string, eventID string, payload []byte) {
	if h.archive == nil {
		return
	}
	if err := h.archive.Archive(ctx, provider, eventID, payload); err != nil {
		h.logger(ctx, "webhook.archive.failed", map[string]any{
			"provider": provider,
			"event_id": eventID,
			"error":    err.Error(),
		})
	}
}

type webhookAckResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
	OrderID  string `json:"order_id,omitempty"`
}
