package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/repositories"
)

// ErrOrderNotPayable signals an intent request for an order outside the
// (pending, pending) joint state.
var ErrOrderNotPayable = errors.New("payment: order is not payable")

// PaymentServiceDeps bundles collaborators required to construct a payment service.
type PaymentServiceDeps struct {
	Orders  repositories.OrderRepository
	Gateway PaymentGateway
	Clock   func() time.Time
	Logger  Logger
}

type paymentService struct {
	orders  repositories.OrderRepository
	gateway PaymentGateway
	clock   func() time.Time
	logger  Logger
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService assembles the payment intent issuer.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent asks the provider for an intent covering the order's grand
// total and records the provider reference on the order. The record step is
// conditional on the order still being (pending, pending); a provider failure
// leaves the order untouched.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (payments.Intent, error) {
	if ctx == nil {
		return payments.Intent{}, errors.New("payment service: context is required")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return payments.Intent{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" {
		return payments.Intent{}, fmt.Errorf("%w: provider is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return payments.Intent{}, mapOrderRepositoryError(err)
	}
	if userID := strings.TrimSpace(cmd.UserID); userID != "" && order.UserID != userID {
		return payments.Intent{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	expected := order.Joint()
	payable := domain.JointState{Order: domain.OrderStatusPending, Payment: domain.PaymentStatusPending}
	if expected != payable {
		return payments.Intent{}, fmt.Errorf("%w: joint state (%s, %s)", ErrOrderNotPayable, expected.Order, expected.Payment)
	}

	intent, err := s.gateway.CreateIntent(ctx, provider, payments.IntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.Totals.GrandTotal,
		Currency:       order.Payment.Currency,
		CustomerEmail:  order.Contact.Email,
		ReturnURL:      cmd.ReturnURL,
		CancelURL:      cmd.CancelURL,
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return payments.Intent{}, err
	}

	order.Payment = PaymentInfo{
		Provider: provider,
		IntentID: intent.IntentID,
		Status:   domain.PaymentStatusPending,
		Amount:   order.Totals.GrandTotal,
		Currency: order.Payment.Currency,
	}
	order.UpdatedAt = s.clock()

	if err := s.orders.UpdateConditional(ctx, order, expected); err != nil {
		return payments.Intent{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "payment.intent.created", map[string]any{
		"orderId":  order.ID,
		"provider": provider,
		"intentId": intent.IntentID,
		"amount":   order.Totals.GrandTotal,
	})

	return intent, nil
}
