package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	"github.com/brightcart/api/internal/domain"
)

type stubIntentAPI struct {
	newFn func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFn func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.newFn == nil {
		return nil, errors.New("unexpected New call")
	}
	return s.newFn(params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.getFn == nil {
		return nil, errors.New("unexpected Get call")
	}
	return s.getFn(id, params)
}

type stubRefundAPI struct {
	newFn func(params *stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	if s.newFn == nil {
		return nil, errors.New("unexpected refund call")
	}
	return s.newFn(params)
}

func newTestStripeProvider(t *testing.T, intents stripePaymentIntentAPI, refunds stripeRefundAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: "whsec_test",
		Clock:         func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
		Clients: &stripeClients{
			intents: intents,
			refunds: refunds,
		},
	})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeCreateIntentSetsOrderMetadata(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	intents := &stubIntentAPI{
		newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret", Amount: 4999}, nil
		},
	}
	provider := newTestStripeProvider(t, intents, &stubRefundAPI{})

	intent, err := provider.CreateIntent(context.Background(), IntentRequest{
		OrderID:        "ord_1",
		OrderNumber:    "ORD2503101234",
		Amount:         4999,
		Currency:       "USD",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	if intent.IntentID != "pi_123" || intent.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected intent %#v", intent)
	}
	if captured == nil {
		t.Fatal("expected payment intent params captured")
	}
	if captured.Metadata["order_id"] != "ord_1" || captured.Metadata["order_number"] != "ORD2503101234" {
		t.Fatalf("expected order metadata, got %v", captured.Metadata)
	}
	if got := *captured.Currency; got != "usd" {
		t.Fatalf("expected lowercase currency, got %q", got)
	}
}

func TestStripeCreateIntentMapsTransportFailure(t *testing.T) {
	intents := &stubIntentAPI{
		newFn: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return nil, errors.New("connection reset")
		},
	}
	provider := newTestStripeProvider(t, intents, &stubRefundAPI{})

	if _, err := provider.CreateIntent(context.Background(), IntentRequest{Amount: 100, Currency: "USD"}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func stripeEventPayload(t *testing.T, eventType string, object any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC).Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestStripeVerifyWebhookNormalisesSucceeded(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	event := stripeEventPayload(t, "payment_intent.succeeded", map[string]any{
		"id":              "pi_123",
		"amount_received": 4999,
		"latest_charge":   map[string]any{"id": "ch_123"},
	})
	provider.constructEvent = func([]byte, string, string) (stripe.Event, error) {
		return event, nil
	}

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1,v1=abc")
	outcome, err := provider.VerifyWebhook(context.Background(), WebhookRequest{Headers: headers, Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if outcome == nil {
		t.Fatal("expected outcome")
	}
	if outcome.Kind != domain.OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %s", outcome.Kind)
	}
	if outcome.IntentID != "pi_123" || outcome.ChargeID != "ch_123" {
		t.Fatalf("unexpected identifiers %#v", outcome)
	}
	if outcome.ProviderEventID != "evt_test" {
		t.Fatalf("unexpected event id %q", outcome.ProviderEventID)
	}
	if outcome.Amount != 4999 {
		t.Fatalf("unexpected amount %d", outcome.Amount)
	}
}

func TestStripeVerifyWebhookMapsDispute(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	event := stripeEventPayload(t, "charge.dispute.created", map[string]any{
		"id":             "dp_1",
		"amount":         4999,
		"charge":         map[string]any{"id": "ch_123"},
		"payment_intent": map[string]any{"id": "pi_123"},
	})
	provider.constructEvent = func([]byte, string, string) (stripe.Event, error) {
		return event, nil
	}

	outcome, err := provider.VerifyWebhook(context.Background(), WebhookRequest{Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if outcome == nil || outcome.Kind != domain.OutcomeDisputed {
		t.Fatalf("expected disputed outcome, got %#v", outcome)
	}
	if outcome.IntentID != "pi_123" || outcome.ChargeID != "ch_123" {
		t.Fatalf("unexpected identifiers %#v", outcome)
	}
}

func TestStripeVerifyWebhookIgnoresUnknownEvent(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	event := stripeEventPayload(t, "customer.created", map[string]any{"id": "cus_1"})
	provider.constructEvent = func([]byte, string, string) (stripe.Event, error) {
		return event, nil
	}

	outcome, err := provider.VerifyWebhook(context.Background(), WebhookRequest{Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected nil outcome for unknown event, got %#v", outcome)
	}
}

func TestStripeVerifyWebhookFailsClosed(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	provider.constructEvent = func([]byte, string, string) (stripe.Event, error) {
		return stripe.Event{}, errors.New("signature mismatch")
	}

	if _, err := provider.VerifyWebhook(context.Background(), WebhookRequest{Payload: []byte("{}")}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestStripeRefundRequiresChargeID(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	if _, err := provider.Refund(context.Background(), RefundRequest{}); err == nil {
		t.Fatal("expected error for missing charge id")
	}
}

func TestStripeRefundCreatesRefund(t *testing.T) {
	var captured *stripe.RefundParams
	refunds := &stubRefundAPI{
		newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			captured = params
			return &stripe.Refund{ID: "re_1", Amount: 2000, Charge: &stripe.Charge{ID: "ch_123"}}, nil
		},
	}
	provider := newTestStripeProvider(t, &stubIntentAPI{}, refunds)

	amount := int64(2000)
	refund, err := provider.Refund(context.Background(), RefundRequest{
		ChargeID: "ch_123",
		Amount:   &amount,
		Reason:   "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.RefundID != "re_1" || refund.Amount != 2000 || refund.ChargeID != "ch_123" {
		t.Fatalf("unexpected refund %#v", refund)
	}
	if captured == nil || *captured.Charge != "ch_123" {
		t.Fatalf("expected charge param, got %#v", captured)
	}
	if *captured.Amount != 2000 {
		t.Fatalf("expected partial amount, got %d", *captured.Amount)
	}
	if *captured.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("unexpected reason %q", *captured.Reason)
	}
}

func TestStripeCallbackUnsupported(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{}, &stubRefundAPI{})
	if _, err := provider.VerifyCallback(context.Background(), CallbackRequest{}); !errors.Is(err, ErrCallbackUnsupported) {
		t.Fatalf("expected ErrCallbackUnsupported, got %v", err)
	}
}
