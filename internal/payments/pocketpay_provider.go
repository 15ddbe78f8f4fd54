package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/platform/auth"
)

const (
	pocketpaySignatureHeader  = "X-Pocketpay-Signature"
	pocketpayDefaultSecret    = "pocketpay"
	pocketpayDefaultIntentTTL = 30 * time.Minute
)

type signatureVerifier interface {
	Verify(ctx context.Context, secretName string, payload []byte, signatureValue string) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PocketpayProviderConfig configures the PocketpayProvider.
type PocketpayProviderConfig struct {
	BaseURL    string
	SecretName string
	Verifier   signatureVerifier
	HTTPClient httpDoer
	Logger     Logger
	Clock      func() time.Time
}

// PocketpayProvider implements the Provider interface for the Pocketpay
// wallet. Pocketpay delivers outcomes through HMAC-SHA256 signed webhooks
// over the raw request body.
type PocketpayProvider struct {
	baseURL    string
	secretName string
	verifier   signatureVerifier
	httpClient httpDoer
	logger     Logger
	clock      func() time.Time
}

// NewPocketpayProvider constructs a Pocketpay Provider.
func NewPocketpayProvider(cfg PocketpayProviderConfig) (*PocketpayProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pocketpay: base url is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("pocketpay: signature verifier is required")
	}

	secretName := strings.TrimSpace(cfg.SecretName)
	if secretName == "" {
		secretName = pocketpayDefaultSecret
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &PocketpayProvider{
		baseURL:    baseURL,
		secretName: secretName,
		verifier:   cfg.Verifier,
		httpClient: httpClient,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Name implements Provider.
func (p *PocketpayProvider) Name() string { return "pocketpay" }

type pocketpayIntentRequest struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email,omitempty"`
	ReturnURL     string `json:"return_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

type pocketpayIntentResponse struct {
	IntentID    string `json:"intent_id"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at"`
}

// CreateIntent opens a Pocketpay wallet payment for the order.
func (p *PocketpayProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("pocketpay: provider is nil")
	}

	payload := pocketpayIntentRequest{
		OrderID:       req.OrderID,
		OrderNumber:   req.OrderNumber,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		CustomerEmail: req.CustomerEmail,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
	}

	var resp pocketpayIntentResponse
	if err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/v1/intents", req.IdempotencyKey, payload, &resp); err != nil {
		return Intent{}, err
	}
	if strings.TrimSpace(resp.IntentID) == "" {
		return Intent{}, fmt.Errorf("%w: pocketpay returned empty intent id", ErrProviderUnavailable)
	}

	expiresAt := p.clock().Add(pocketpayDefaultIntentTTL)
	if resp.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			expiresAt = parsed.UTC()
		}
	}

	p.logger(ctx, "payments.pocketpay.intent.created", map[string]any{
		"intentId": resp.IntentID,
		"orderId":  req.OrderID,
		"amount":   req.Amount,
	})

	return Intent{
		Provider:    "pocketpay",
		IntentID:    resp.IntentID,
		RedirectURL: resp.RedirectURL,
		ExpiresAt:   expiresAt,
	}, nil
}

type pocketpayEvent struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	IntentID   string `json:"intent_id"`
	ChargeID   string `json:"charge_id"`
	Amount     int64  `json:"amount"`
	OccurredAt string `json:"occurred_at"`
}

// VerifyWebhook recomputes the HMAC signature over the raw payload before any
// parsing, then normalises the event. Unknown event types return a nil
// outcome so the caller can acknowledge and log them.
func (p *PocketpayProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (*domain.PaymentOutcome, error) {
	if p == nil {
		return nil, errors.New("pocketpay: provider is nil")
	}

	signature := ""
	if req.Headers != nil {
		signature = req.Headers.Get(pocketpaySignatureHeader)
	}

	if err := p.verifier.Verify(ctx, p.secretName, req.Payload, signature); err != nil {
		if errors.Is(err, auth.ErrSignatureMissing) || errors.Is(err, auth.ErrSignatureInvalid) || errors.Is(err, auth.ErrSignatureMismatch) {
			return nil, fmt.Errorf("%w: pocketpay signature verification: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("pocketpay: verify signature: %w", err)
	}

	var event pocketpayEvent
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: pocketpay decode event: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, fmt.Errorf("%w: pocketpay event id is required", ErrMalformedPayload)
	}

	kind, ok := pocketpayEventKind(event.Type)
	if !ok {
		p.logger(ctx, "payments.pocketpay.event.ignored", map[string]any{
			"eventId":   event.EventID,
			"eventType": event.Type,
		})
		return nil, nil
	}

	occurredAt := p.clock()
	if event.OccurredAt != "" {
		if parsed, err := time.Parse(time.RFC3339, event.OccurredAt); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	outcome := &domain.PaymentOutcome{
		Provider:        "pocketpay",
		ProviderEventID: event.EventID,
		IntentID:        event.IntentID,
		Kind:            kind,
		ChargeID:        event.ChargeID,
		Amount:          event.Amount,
		OccurredAt:      occurredAt,
	}

	p.logger(ctx, "payments.pocketpay.event.verified", map[string]any{
		"eventId":  event.EventID,
		"intentId": event.IntentID,
		"kind":     string(kind),
	})
	return outcome, nil
}

// VerifyCallback implements Provider. Pocketpay delivers outcomes via webhooks.
func (p *PocketpayProvider) VerifyCallback(context.Context, CallbackRequest) (*domain.PaymentOutcome, error) {
	return nil, ErrCallbackUnsupported
}

type pocketpayRefundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type pocketpayRefundResponse struct {
	RefundID string `json:"refund_id"`
	ChargeID string `json:"charge_id"`
	Amount   int64  `json:"amount"`
}

// Refund creates a refund against the captured wallet charge.
func (p *PocketpayProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if p == nil {
		return Refund{}, errors.New("pocketpay: provider is nil")
	}
	chargeID := strings.TrimSpace(req.ChargeID)
	if chargeID == "" {
		return Refund{}, errors.New("pocketpay: charge id is required")
	}

	payload := pocketpayRefundRequest{
		Amount: req.Amount,
		Reason: strings.TrimSpace(req.Reason),
	}

	var resp pocketpayRefundResponse
	url := fmt.Sprintf("%s/v1/charges/%s/refunds", p.baseURL, chargeID)
	if err := p.doJSON(ctx, http.MethodPost, url, req.IdempotencyKey, payload, &resp); err != nil {
		return Refund{}, err
	}

	p.logger(ctx, "payments.pocketpay.refund.created", map[string]any{
		"refundId": resp.RefundID,
		"chargeId": chargeID,
		"amount":   resp.Amount,
	})

	if resp.ChargeID == "" {
		resp.ChargeID = chargeID
	}
	return Refund{
		RefundID: resp.RefundID,
		ChargeID: resp.ChargeID,
		Amount:   resp.Amount,
	}, nil
}

func (p *PocketpayProvider) doJSON(ctx context.Context, method string, url string, idempotencyKey string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("pocketpay: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pocketpay: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: pocketpay request: %v", ErrProviderUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: pocketpay responded %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: pocketpay decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

func pocketpayEventKind(eventType string) (domain.OutcomeKind, bool) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "payment.captured":
		return domain.OutcomeSucceeded, true
	case "payment.failed":
		return domain.OutcomeFailed, true
	case "payment.cancelled":
		return domain.OutcomeCanceled, true
	case "payment.refunded":
		return domain.OutcomeRefunded, true
	case "payment.disputed":
		return domain.OutcomeDisputed, true
	default:
		return "", false
	}
}
