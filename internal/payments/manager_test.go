package payments

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/brightcart/api/internal/domain"
)

type fakeProvider struct {
	name          string
	lastOp        string
	lastIntentReq IntentRequest
	intent        Intent
	outcome       *domain.PaymentOutcome
	refund        Refund
	err           error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	f.lastOp = "create"
	f.lastIntentReq = req
	return f.intent, f.err
}

func (f *fakeProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (*domain.PaymentOutcome, error) {
	f.lastOp = "webhook"
	return f.outcome, f.err
}

func (f *fakeProvider) VerifyCallback(ctx context.Context, req CallbackRequest) (*domain.PaymentOutcome, error) {
	f.lastOp = "callback"
	return f.outcome, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	f.lastOp = "refund"
	return f.refund, f.err
}

func TestManagerCreateIntentRoutesByName(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{name: "stripe", intent: Intent{IntentID: "pi_stripe"}}
	pocketpay := &fakeProvider{name: "pocketpay", intent: Intent{IntentID: "pp_intent"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe":    stripe,
		"pocketpay": pocketpay,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.CreateIntent(ctx, "pocketpay", IntentRequest{Amount: 4999, Currency: "USD"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if intent.IntentID != "pp_intent" {
		t.Fatalf("expected pocketpay intent, got %q", intent.IntentID)
	}
	if intent.Provider != "pocketpay" {
		t.Fatalf("expected provider name filled in, got %q", intent.Provider)
	}
	if pocketpay.lastOp != "create" {
		t.Fatalf("expected pocketpay provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerCreateIntentNormalisesMetadata(t *testing.T) {
	stripe := &fakeProvider{name: "stripe", intent: Intent{IntentID: "pi_1"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateIntent(context.Background(), "stripe", IntentRequest{
		Amount:   4999,
		Currency: "USD",
		Metadata: map[string]string{
			" plan ": " gold ",
			"  ":     "dropped",
		},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	got := stripe.lastIntentReq.Metadata
	if len(got) != 1 {
		t.Fatalf("expected single metadata entry, got %v", got)
	}
	if got["plan"] != "gold" {
		t.Fatalf("expected trimmed metadata, got %v", got)
	}
}

func TestManagerRejectsUnknownProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{
		"stripe": &fakeProvider{name: "stripe"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.CreateIntent(context.Background(), "paypal", IntentRequest{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if _, err := mgr.VerifyWebhook(context.Background(), "", WebhookRequest{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider for empty name, got %v", err)
	}
}

func TestManagerVerifyWebhookDelegates(t *testing.T) {
	outcome := &domain.PaymentOutcome{
		Provider:        "pocketpay",
		ProviderEventID: "evt_1",
		IntentID:        "pp_intent",
		Kind:            domain.OutcomeSucceeded,
	}
	pocketpay := &fakeProvider{name: "pocketpay", outcome: outcome}

	mgr, err := NewManager(map[string]Provider{"pocketpay": pocketpay})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	got, err := mgr.VerifyWebhook(context.Background(), "Pocketpay", WebhookRequest{Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("verify webhook: %v", err)
	}
	if got != outcome {
		t.Fatalf("expected outcome passthrough, got %#v", got)
	}
	if pocketpay.lastOp != "webhook" {
		t.Fatalf("expected webhook delegation, got %q", pocketpay.lastOp)
	}
}

func TestManagerVerifyCallbackDelegates(t *testing.T) {
	outcome := &domain.PaymentOutcome{
		Provider: "swiftwallet",
		IntentID: "sw_1",
		Kind:     domain.OutcomeSucceeded,
	}
	swiftwallet := &fakeProvider{name: "swiftwallet", outcome: outcome}

	mgr, err := NewManager(map[string]Provider{"swiftwallet": swiftwallet})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	params := url.Values{"payment_id": []string{"sw_1"}}
	got, err := mgr.VerifyCallback(context.Background(), "swiftwallet", CallbackRequest{Params: params})
	if err != nil {
		t.Fatalf("verify callback: %v", err)
	}
	if got != outcome {
		t.Fatalf("expected outcome passthrough, got %#v", got)
	}
}

func TestManagerRefundPropagatesProviderError(t *testing.T) {
	stripe := &fakeProvider{name: "stripe", err: ErrProviderUnavailable}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.Refund(context.Background(), "stripe", RefundRequest{ChargeID: "ch_1"}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestNewManagerValidatesRegistrations(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]Provider{"": &fakeProvider{}}); err == nil {
		t.Fatal("expected error for empty provider key")
	}
	if _, err := NewManager(map[string]Provider{"stripe": nil}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}
