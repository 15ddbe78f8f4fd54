package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/auth"
	"github.com/brightcart/api/internal/platform/httpx"
	"github.com/brightcart/api/internal/services"
)

// callbackVerifier verifies redirect-callback deliveries. Satisfied by the
// payments manager.
type callbackVerifier interface {
	VerifyCallback(ctx context.Context, name string, req payments.CallbackRequest) (*domain.PaymentOutcome, error)
}

// PaymentHandlers exposes intent creation for shoppers and the redirect
// callback wallet providers send the shopper back through.
type PaymentHandlers struct {
	authn     *auth.Authenticator
	payments  services.PaymentService
	reconcile services.ReconcileService
	callbacks callbackVerifier
	archive   payloadArchiver
	resultURL string
	logger    services.Logger
}

// PaymentHandlersDeps bundles the collaborators for NewPaymentHandlers.
type PaymentHandlersDeps struct {
	Authenticator *auth.Authenticator
	Payments      services.PaymentService
	Reconcile     services.ReconcileService
	Callbacks     callbackVerifier
	Archive       payloadArchiver
	ResultURL     string
	Logger        services.Logger
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(deps PaymentHandlersDeps) *PaymentHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	resultURL := strings.TrimSpace(deps.ResultURL)
	if resultURL == "" {
		resultURL = "/checkout/result"
	}
	return &PaymentHandlers{
		authn:     deps.Authenticator,
		payments:  deps.Payments,
		reconcile: deps.Reconcile,
		callbacks: deps.Callbacks,
		archive:   deps.Archive,
		resultURL: resultURL,
		logger:    logger,
	}
}

// Routes registers the /payments endpoints. The callback stays outside the
// session guard; the shopper arrives on it from the provider's domain.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireAuth())
		}
		g.Post("/{provider}/intent", h.createIntent)
	})

	r.Get("/{provider}/callback", h.callback)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.TrimSpace(chi.URLParam(r, "provider"))

	var req createIntentRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	intent, err := h.payments.CreateIntent(ctx, services.CreateIntentCommand{
		OrderID:        strings.TrimSpace(req.OrderID),
		UserID:         identity.UID,
		Provider:       provider,
		ReturnURL:      strings.TrimSpace(req.ReturnURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := intentPayload{
		Provider:     intent.Provider,
		IntentID:     intent.IntentID,
		ClientSecret: intent.ClientSecret,
		RedirectURL:  intent.RedirectURL,
	}
	if !intent.ExpiresAt.IsZero() {
		payload.ExpiresAt = &intent.ExpiresAt
	}
	writeJSONResponse(w, http.StatusCreated, payload)
}

// callback folds a redirect-callback outcome onto the order, then sends the
// shopper to the storefront result page. The page never learns more than an
// order reference and a coarse status; failures redirect rather than error
// because a browser is on the other end.
func (h *PaymentHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))

	if h.callbacks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("callback_unavailable", "callback verification unavailable", http.StatusServiceUnavailable))
		return
	}

	outcome, err := h.callbacks.VerifyCallback(ctx, provider, payments.CallbackRequest{Params: r.URL.Query()})
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider), errors.Is(err, payments.ErrCallbackUnsupported):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
		return
	case err != nil:
		h.logger(ctx, "payment.callback.rejected", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		h.redirectToResult(w, r, "", "error")
		return
	}

	if outcome == nil {
		// Authentic but carries nothing the engine acts on.
		h.redirectToResult(w, r, "", "pending")
		return
	}

	h.archivePayload(ctx, provider, outcome.ProviderEventID, []byte(r.URL.RawQuery))

	if h.reconcile == nil {
		h.redirectToResult(w, r, "", "error")
		return
	}

	result, err := h.reconcile.ApplyOutcome(ctx, *outcome)
	if err != nil {
		h.logger(ctx, "payment.callback.apply.failed", map[string]any{
			"provider": provider,
			"event_id": outcome.ProviderEventID,
			"error":    err.Error(),
		})
		h.redirectToResult(w, r, "", "error")
		return
	}

	h.redirectToResult(w, r, result.Order.ID, string(outcome.Kind))
}

func (h *PaymentHandlers) redirectToResult(w http.ResponseWriter, r *http.Request, orderID string, status string) {
	target, err := url.Parse(h.resultURL)
	if err != nil {
		target = &url.URL{Path: "/checkout/result"}
	}
	query := target.Query()
	if orderID != "" {
		query.Set("order_id", orderID)
	}
	query.Set("status", status)
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *PaymentHandlers) archivePayload(ctx context.Context, provider string, eventID string, payload []byte) {
	if h.archive == nil {
		return
	}
	if err := h.archive.Archive(ctx, provider, eventID, payload); err != nil {
		h.logger(ctx, "payment.callback.archive.failed", map[string]any{
			"provider": provider,
			"event_id": eventID,
			"error":    err.Error(),
		})
	}
}

type createIntentRequest struct {
	OrderID   string `json:"order_id"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type intentPayload struct {
	Provider     string     `json:"provider"`
	IntentID     string     `json:"intent_id"`
	ClientSecret string     `json:"client_secret,omitempty"`
	RedirectURL  string     `json:"redirect_url,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
