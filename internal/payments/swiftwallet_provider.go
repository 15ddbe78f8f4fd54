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
)

const (
	swiftwalletPaymentParam     = "payment_id"
	swiftwalletDefaultIntentTTL = 30 * time.Minute
)

// SwiftwalletProviderConfig configures the SwiftwalletProvider.
type SwiftwalletProviderConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient httpDoer
	Logger     Logger
	Clock      func() time.Time
}

// SwiftwalletProvider implements the Provider interface for the Swiftwallet
// wallet. Swiftwallet has no signed webhooks; the shopper is redirected back
// with a payment identifier and the real status is fetched from the
// Swiftwallet API over an authenticated server-to-server call. Status fields
// present in the redirect parameters are never trusted.
type SwiftwalletProvider struct {
	baseURL    string
	apiKey     string
	httpClient httpDoer
	logger     Logger
	clock      func() time.Time
}

// NewSwiftwalletProvider constructs a Swiftwallet Provider.
func NewSwiftwalletProvider(cfg SwiftwalletProviderConfig) (*SwiftwalletProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("swiftwallet: base url is required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("swiftwallet: api key is required")
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

	return &SwiftwalletProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Name implements Provider.
func (p *SwiftwalletProvider) Name() string { return "swiftwallet" }

type swiftwalletPaymentRequest struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email,omitempty"`
	ReturnURL     string `json:"return_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

type swiftwalletPayment struct {
	PaymentID     string `json:"payment_id"`
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
	ChargeID      string `json:"charge_id"`
	Amount        int64  `json:"amount"`
	RedirectURL   string `json:"redirect_url"`
	ExpiresAt     string `json:"expires_at"`
	LastUpdatedAt string `json:"last_updated_at"`
}

// CreateIntent opens a Swiftwallet payment for the order.
func (p *SwiftwalletProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("swiftwallet: provider is nil")
	}

	payload := swiftwalletPaymentRequest{
		OrderID:       req.OrderID,
		OrderNumber:   req.OrderNumber,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		CustomerEmail: req.CustomerEmail,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
	}

	var resp swiftwalletPayment
	if err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/v1/payments", req.IdempotencyKey, payload, &resp); err != nil {
		return Intent{}, err
	}
	if strings.TrimSpace(resp.PaymentID) == "" {
		return Intent{}, fmt.Errorf("%w: swiftwallet returned empty payment id", ErrProviderUnavailable)
	}

	expiresAt := p.clock().Add(swiftwalletDefaultIntentTTL)
	if resp.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			expiresAt = parsed.UTC()
		}
	}

	p.logger(ctx, "payments.swiftwallet.payment.created", map[string]any{
		"paymentId": resp.PaymentID,
		"orderId":   req.OrderID,
		"amount":    req.Amount,
	})

	return Intent{
		Provider:    "swiftwallet",
		IntentID:    resp.PaymentID,
		RedirectURL: resp.RedirectURL,
		ExpiresAt:   expiresAt,
	}, nil
}

// VerifyWebhook implements Provider. Swiftwallet delivers outcomes via
// redirect callbacks followed by a status lookup.
func (p *SwiftwalletProvider) VerifyWebhook(context.Context, WebhookRequest) (*domain.PaymentOutcome, error) {
	return nil, ErrWebhookUnsupported
}

// VerifyCallback resolves the redirect callback. Only the payment identifier
// is read from the callback parameters; the authoritative status comes from
// the authenticated lookup. Statuses the engine does not act on (still
// pending) return a nil outcome.
func (p *SwiftwalletProvider) VerifyCallback(ctx context.Context, req CallbackRequest) (*domain.PaymentOutcome, error) {
	if p == nil {
		return nil, errors.New("swiftwallet: provider is nil")
	}

	paymentID := ""
	if req.Params != nil {
		paymentID = strings.TrimSpace(req.Params.Get(swiftwalletPaymentParam))
	}
	if paymentID == "" {
		return nil, errors.New("swiftwallet: callback missing payment id")
	}

	var payment swiftwalletPayment
	url := fmt.Sprintf("%s/v1/payments/%s", p.baseURL, paymentID)
	if err := p.doJSON(ctx, http.MethodGet, url, "", nil, &payment); err != nil {
		return nil, err
	}

	kind, ok := swiftwalletStatusKind(payment.Status)
	if !ok {
		p.logger(ctx, "payments.swiftwallet.callback.pending", map[string]any{
			"paymentId": paymentID,
			"status":    payment.Status,
		})
		return nil, nil
	}

	eventID := strings.TrimSpace(payment.EventID)
	if eventID == "" {
		// Stable synthetic identifier so replayed callbacks dedupe in the
		// processed event ledger.
		eventID = fmt.Sprintf("%s-%s", paymentID, strings.ToLower(payment.Status))
	}

	occurredAt := p.clock()
	if payment.LastUpdatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payment.LastUpdatedAt); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	outcome := &domain.PaymentOutcome{
		Provider:        "swiftwallet",
		ProviderEventID: eventID,
		IntentID:        paymentID,
		Kind:            kind,
		ChargeID:        payment.ChargeID,
		Amount:          payment.Amount,
		OccurredAt:      occurredAt,
	}

	p.logger(ctx, "payments.swiftwallet.callback.verified", map[string]any{
		"paymentId": paymentID,
		"kind":      string(kind),
	})
	return outcome, nil
}

type swiftwalletRefundRequest struct {
	ChargeID string `json:"charge_id"`
	Amount   *int64 `json:"amount,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type swiftwalletRefundResponse struct {
	RefundID string `json:"refund_id"`
	ChargeID string `json:"charge_id"`
	Amount   int64  `json:"amount"`
}

// Refund creates a refund against the captured wallet charge.
func (p *SwiftwalletProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if p == nil {
		return Refund{}, errors.New("swiftwallet: provider is nil")
	}
	chargeID := strings.TrimSpace(req.ChargeID)
	if chargeID == "" {
		return Refund{}, errors.New("swiftwallet: charge id is required")
	}

	payload := swiftwalletRefundRequest{
		ChargeID: chargeID,
		Amount:   req.Amount,
		Reason:   strings.TrimSpace(req.Reason),
	}

	var resp swiftwalletRefundResponse
	if err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/v1/refunds", req.IdempotencyKey, payload, &resp); err != nil {
		return Refund{}, err
	}

	p.logger(ctx, "payments.swiftwallet.refund.created", map[string]any{
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

func (p *SwiftwalletProvider) doJSON(ctx context.Context, method string, url string, idempotencyKey string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("swiftwallet: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("swiftwallet: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: swiftwallet request: %v", ErrProviderUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: swiftwallet responded %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: swiftwallet decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

func swiftwalletStatusKind(status string) (domain.OutcomeKind, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "captured":
		return domain.OutcomeSucceeded, true
	case "failed":
		return domain.OutcomeFailed, true
	case "cancelled", "expired":
		return domain.OutcomeCanceled, true
	case "refunded":
		return domain.OutcomeRefunded, true
	default:
		return "", false
	}
}
