package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/services"
)

type stubPaymentService struct {
	createFn func(ctx context.Context, cmd services.CreateIntentCommand) (payments.Intent, error)
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (payments.Intent, error) {
	if s.createFn == nil {
		return payments.Intent{}, errors.New("createFn not implemented")
	}
	return s.createFn(ctx, cmd)
}

var _ services.PaymentService = (*stubPaymentService)(nil)

type stubVerifier struct {
	webhookFn  func(ctx context.Context, name string, req payments.WebhookRequest) (*domain.PaymentOutcome, error)
	callbackFn func(ctx context.Context, name string, req payments.CallbackRequest) (*domain.PaymentOutcome, error)
}

func (s *stubVerifier) VerifyWebhook(ctx context.Context, name string, req payments.WebhookRequest) (*domain.PaymentOutcome, error) {
	if s.webhookFn == nil {
		return nil, errors.New("webhookFn not implemented")
	}
	return s.webhookFn(ctx, name, req)
}

func (s *stubVerifier) VerifyCallback(ctx context.Context, name string, req payments.CallbackRequest) (*domain.PaymentOutcome, error) {
	if s.callbackFn == nil {
		return nil, errors.New("callbackFn not implemented")
	}
	return s.callbackFn(ctx, name, req)
}

type stubArchiver struct {
	calls [][3]string
	err   error
}

func (s *stubArchiver) Archive(ctx context.Context, provider string, eventID string, payload []byte) error {
	s.calls = append(s.calls, [3]string{provider, eventID, string(payload)})
	return s.err
}

func newPaymentTestRouter(handlers *PaymentHandlers, mw ...func(http.Handler) http.Handler) chi.Router {
	opts := []Option{WithPaymentRoutes(handlers.Routes)}
	if len(mw) > 0 {
		opts = append(opts, WithMiddlewares(mw...))
	}
	return NewRouter(opts...)
}

func TestCreateIntentEndpoint(t *testing.T) {
	var captured services.CreateIntentCommand
	expires := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
	svc := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreateIntentCommand) (payments.Intent, error) {
			captured = cmd
			return payments.Intent{
				Provider:     "stripe",
				IntentID:     "pi_123",
				ClientSecret: "pi_123_secret",
				ExpiresAt:    expires,
			}, nil
		},
	}
	router := newPaymentTestRouter(
		NewPaymentHandlers(PaymentHandlersDeps{Payments: svc}),
		identityMiddleware("user-1"),
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/intent", strings.NewReader(`{"order_id": "ord_01TEST"}`))
	req.Header.Set("Idempotency-Key", "intent-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Provider != "stripe" || captured.OrderID != "ord_01TEST" || captured.UserID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.IdempotencyKey != "intent-1" {
		t.Fatalf("expected idempotency key, got %q", captured.IdempotencyKey)
	}

	var body intentPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.IntentID != "pi_123" || body.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected payload %+v", body)
	}
	if body.ExpiresAt == nil || !body.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected expiry %v", body.ExpiresAt)
	}
}

func TestCreateIntentEndpointRequiresIdentity(t *testing.T) {
	router := newPaymentTestRouter(NewPaymentHandlers(PaymentHandlersDeps{Payments: &stubPaymentService{}}))

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/intent", strings.NewReader(`{"order_id": "ord_01TEST"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateIntentEndpointMapsProviderFailures(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"unavailable": {err: payments.ErrProviderUnavailable, status: http.StatusBadGateway},
		"unknown":     {err: payments.ErrUnsupportedProvider, status: http.StatusNotFound},
		"not payable": {err: services.ErrOrderNotPayable, status: http.StatusConflict},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubPaymentService{
				createFn: func(context.Context, services.CreateIntentCommand) (payments.Intent, error) {
					return payments.Intent{}, tc.err
				},
			}
			router := newPaymentTestRouter(
				NewPaymentHandlers(PaymentHandlersDeps{Payments: svc}),
				identityMiddleware("user-1"),
			)

			req := httptest.NewRequest(http.MethodPost, "/v1/payments/stripe/intent", strings.NewReader(`{"order_id": "ord_01TEST"}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestCallbackEndpointAppliesOutcomeAndRedirects(t *testing.T) {
	outcome := domain.PaymentOutcome{
		Provider:        "swiftwallet",
		ProviderEventID: "swt_evt_1",
		IntentID:        "swt_pay_1",
		Kind:            domain.OutcomeSucceeded,
		Amount:          4999,
	}
	verifier := &stubVerifier{
		callbackFn: func(ctx context.Context, name string, req payments.CallbackRequest) (*domain.PaymentOutcome, error) {
			if name != "swiftwallet" {
				t.Fatalf("unexpected provider %q", name)
			}
			return &outcome, nil
		},
	}
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, got services.PaymentOutcome) (services.ReconcileResult, error) {
			if got.ProviderEventID != "swt_evt_1" {
				t.Fatalf("unexpected outcome %+v", got)
			}
			return services.ReconcileResult{Order: sampleOrder(), Applied: true}, nil
		},
	}
	archiver := &stubArchiver{}
	handlers := NewPaymentHandlers(PaymentHandlersDeps{
		Reconcile: reconcile,
		Callbacks: verifier,
		Archive:   archiver,
		ResultURL: "https://shop.example.com/checkout/result",
	})
	router := newPaymentTestRouter(handlers)

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/swiftwallet/callback?payment_id=swt_pay_1&sig=abc", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid location: %v", err)
	}
	if location.Host != "shop.example.com" || location.Path != "/checkout/result" {
		t.Fatalf("unexpected redirect target %s", location)
	}
	if location.Query().Get("order_id") != "ord_01TEST" || location.Query().Get("status") != "succeeded" {
		t.Fatalf("unexpected redirect query %s", location.RawQuery)
	}
	if len(archiver.calls) != 1 || archiver.calls[0][1] != "swt_evt_1" {
		t.Fatalf("expected archived payload, got %v", archiver.calls)
	}
}

func TestCallbackEndpointUnknownProvider(t *testing.T) {
	verifier := &stubVerifier{
		callbackFn: func(context.Context, string, payments.CallbackRequest) (*domain.PaymentOutcome, error) {
			return nil, payments.ErrUnsupportedProvider
		},
	}
	router := newPaymentTestRouter(NewPaymentHandlers(PaymentHandlersDeps{Callbacks: verifier}))

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/nope/callback", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCallbackEndpointVerificationFailureRedirectsError(t *testing.T) {
	verifier := &stubVerifier{
		callbackFn: func(context.Context, string, payments.CallbackRequest) (*domain.PaymentOutcome, error) {
			return nil, payments.ErrInvalidSignature
		},
	}
	router := newPaymentTestRouter(NewPaymentHandlers(PaymentHandlersDeps{Callbacks: verifier, Reconcile: &stubReconcileService{}}))

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/swiftwallet/callback?sig=tampered", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	location, _ := url.Parse(rr.Header().Get("Location"))
	if location.Query().Get("status") != "error" {
		t.Fatalf("expected error status, got %s", location.RawQuery)
	}
}

func TestCallbackEndpointIrrelevantEventRedirectsPending(t *testing.T) {
	verifier := &stubVerifier{
		callbackFn: func(context.Context, string, payments.CallbackRequest) (*domain.PaymentOutcome, error) {
			return nil, nil
		},
	}
	router := newPaymentTestRouter(NewPaymentHandlers(PaymentHandlersDeps{Callbacks: verifier, Reconcile: &stubReconcileService{}}))

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/swiftwallet/callback?payment_id=swt_pay_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	location, _ := url.Parse(rr.Header().Get("Location"))
	if location.Query().Get("status") != "pending" {
		t.Fatalf("expected pending status, got %s", location.RawQuery)
	}
}
