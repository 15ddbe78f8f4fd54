package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/brightcart/api/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface for card payments using
// Stripe Payment Intents and signed webhook deliveries.
type StripeProvider struct {
	api            stripeClients
	webhookSecret  string
	account        string
	clock          func() time.Time
	logger         Logger
	constructEvent func(payload []byte, header string, secret string) (stripe.Event, error)
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		constructEvent: webhook.ConstructEvent,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return "stripe" }

// CreateIntent opens a Stripe Payment Intent for the order.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}

	params.Metadata = make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if req.OrderID != "" {
		params.Metadata["order_id"] = req.OrderID
	}
	if req.OrderNumber != "" {
		params.Metadata["order_number"] = req.OrderNumber
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: stripe create payment intent: %v", ErrProviderUnavailable, err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        intent.Amount,
	})

	return Intent{
		Provider:     "stripe",
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		ExpiresAt:    p.clock().Add(30 * time.Minute),
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header over the raw payload and
// normalises the event into a payment outcome. Unhandled event types return a
// nil outcome so the caller can acknowledge and log them.
func (p *StripeProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) (*domain.PaymentOutcome, error) {
	if p == nil {
		return nil, errors.New("stripe: provider is nil")
	}

	signature := ""
	if req.Headers != nil {
		signature = req.Headers.Get(stripeSignatureHeader)
	}

	event, err := p.constructEvent(req.Payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe signature verification: %v", ErrInvalidSignature, err)
	}

	occurredAt := p.clock()
	if event.Created != 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}

	outcome, err := p.normaliseEvent(event, occurredAt)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		p.logger(ctx, "payments.stripe.event.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
		})
		return nil, nil
	}

	p.logger(ctx, "payments.stripe.event.verified", map[string]any{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"intentId":  outcome.IntentID,
		"kind":      string(outcome.Kind),
	})
	return outcome, nil
}

// VerifyCallback implements Provider. Stripe delivers outcomes via webhooks.
func (p *StripeProvider) VerifyCallback(context.Context, CallbackRequest) (*domain.PaymentOutcome, error) {
	return nil, ErrCallbackUnsupported
}

// Refund creates a refund against the captured charge.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if p == nil {
		return Refund{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.ChargeID) == "" {
		return Refund{}, errors.New("stripe: charge id is required")
	}

	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: stripe create refund: %v", ErrProviderUnavailable, err)
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refundId": refund.ID,
		"chargeId": req.ChargeID,
		"amount":   refund.Amount,
	})

	chargeID := req.ChargeID
	if refund.Charge != nil && refund.Charge.ID != "" {
		chargeID = refund.Charge.ID
	}
	return Refund{
		RefundID: refund.ID,
		ChargeID: chargeID,
		Amount:   refund.Amount,
	}, nil
}

func (p *StripeProvider) normaliseEvent(event stripe.Event, occurredAt time.Time) (*domain.PaymentOutcome, error) {
	switch event.Type {
	case "payment_intent.succeeded":
		intent, err := parseStripeIntent(event)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentOutcome{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			IntentID:        intent.ID,
			Kind:            domain.OutcomeSucceeded,
			ChargeID:        stripeIntentChargeID(intent),
			Amount:          intent.AmountReceived,
			OccurredAt:      occurredAt,
		}, nil
	case "payment_intent.payment_failed":
		intent, err := parseStripeIntent(event)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentOutcome{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			IntentID:        intent.ID,
			Kind:            domain.OutcomeFailed,
			Amount:          intent.Amount,
			OccurredAt:      occurredAt,
		}, nil
	case "payment_intent.canceled":
		intent, err := parseStripeIntent(event)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentOutcome{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			IntentID:        intent.ID,
			Kind:            domain.OutcomeCanceled,
			Amount:          intent.Amount,
			OccurredAt:      occurredAt,
		}, nil
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: stripe decode charge event: %v", ErrMalformedPayload, err)
		}
		intentID := ""
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		return &domain.PaymentOutcome{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			IntentID:        intentID,
			Kind:            domain.OutcomeRefunded,
			ChargeID:        charge.ID,
			Amount:          charge.AmountRefunded,
			OccurredAt:      occurredAt,
		}, nil
	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("%w: stripe decode dispute event: %v", ErrMalformedPayload, err)
		}
		intentID := ""
		if dispute.PaymentIntent != nil {
			intentID = dispute.PaymentIntent.ID
		}
		chargeID := ""
		if dispute.Charge != nil {
			chargeID = dispute.Charge.ID
		}
		return &domain.PaymentOutcome{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			IntentID:        intentID,
			Kind:            domain.OutcomeDisputed,
			ChargeID:        chargeID,
			Amount:          dispute.Amount,
			OccurredAt:      occurredAt,
		}, nil
	default:
		return nil, nil
	}
}

func parseStripeIntent(event stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: stripe decode payment intent event: %v", ErrMalformedPayload, err)
	}
	return &intent, nil
}

func stripeIntentChargeID(intent *stripe.PaymentIntent) string {
	if intent == nil || intent.LatestCharge == nil {
		return ""
	}
	return intent.LatestCharge.ID
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
