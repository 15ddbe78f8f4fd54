package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/textutil"
	"github.com/brightcart/api/internal/repositories"
)

// Sentinel errors exposed to transport layers for status mapping.
var (
	ErrReconcileInvalidOutcome = errors.New("reconcile: invalid outcome")
	ErrNoChargeToRefund        = errors.New("reconcile: no charge to refund")
)

// ReconcileServiceDeps bundles collaborators required to construct the
// reconciliation engine.
type ReconcileServiceDeps struct {
	Orders          repositories.OrderRepository
	ProcessedEvents repositories.ProcessedEventRepository
	UnitOfWork      repositories.UnitOfWork
	Gateway         PaymentGateway
	Events          OrderEventPublisher
	Inventory       InventoryHook
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          Logger
}

type reconcileService struct {
	orders     repositories.OrderRepository
	processed  repositories.ProcessedEventRepository
	unitOfWork repositories.UnitOfWork
	gateway    PaymentGateway
	events     OrderEventPublisher
	inventory  InventoryHook
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

var _ ReconcileService = (*reconcileService)(nil)

// NewReconcileService assembles the reconciliation engine and refund handler.
func NewReconcileService(deps ReconcileServiceDeps) (ReconcileService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconcile service: order repository is required")
	}
	if deps.ProcessedEvents == nil {
		return nil, errors.New("reconcile service: processed event repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconcile service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconcileService{
		orders:     deps.Orders,
		processed:  deps.ProcessedEvents,
		unitOfWork: unit,
		gateway:    deps.Gateway,
		events:     deps.Events,
		inventory:  deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// ApplyOutcome folds a verified provider outcome onto its order. Replayed
// deliveries and transitions the order has already moved past are absorbed as
// successful no-ops; an applied transition commits the ledger row and the
// order update together, then notifies collaborators exactly once.
func (s *reconcileService) ApplyOutcome(ctx context.Context, outcome PaymentOutcome) (ReconcileResult, error) {
	if ctx == nil {
		return ReconcileResult{}, errors.New("reconcile service: context is required")
	}
	if err := validateOutcome(outcome); err != nil {
		return ReconcileResult{}, err
	}

	seen, err := s.processed.Exists(ctx, outcome.Provider, outcome.ProviderEventID)
	if err != nil {
		return ReconcileResult{}, mapOrderRepositoryError(err)
	}
	if seen {
		s.logger(ctx, "reconcile.event.duplicate", map[string]any{
			"provider": outcome.Provider,
			"eventId":  outcome.ProviderEventID,
		})
		return ReconcileResult{Duplicate: true}, nil
	}

	order, err := s.orders.FindByIntentID(ctx, outcome.Provider, outcome.IntentID)
	if err != nil {
		return ReconcileResult{}, mapOrderRepositoryError(err)
	}

	now := s.clock()
	row := domain.ProcessedEvent{
		Provider:        outcome.Provider,
		ProviderEventID: outcome.ProviderEventID,
		OrderID:         order.ID,
		Kind:            string(outcome.Kind),
		AppliedAt:       now,
	}

	current := order.Joint()
	next, ok := nextJointState(current, outcome.Kind)
	if !ok {
		// The order moved past this outcome. Record the event so replays
		// short-circuit, leave the order alone.
		if err := s.runInTx(ctx, func(ctx context.Context) error {
			return s.processed.Insert(ctx, row)
		}); err != nil {
			if isConflict(err) {
				return ReconcileResult{Duplicate: true}, nil
			}
			return ReconcileResult{}, mapOrderRepositoryError(err)
		}
		s.logger(ctx, "reconcile.transition.stale", map[string]any{
			"orderId":       order.ID,
			"orderStatus":   string(current.Order),
			"paymentStatus": string(current.Payment),
			"outcome":       string(outcome.Kind),
		})
		return ReconcileResult{Order: order, Stale: true}, nil
	}

	updated := order
	updated.Status = next.Order
	updated.Payment.Status = next.Payment
	updated.UpdatedAt = now
	if outcome.ChargeID != "" {
		updated.Payment.ChargeID = outcome.ChargeID
	}

	// The conditional update goes first: inside a store transaction its read
	// must precede the ledger append.
	updateDone := false
	err = s.runInTx(ctx, func(ctx context.Context) error {
		if err := s.orders.UpdateConditional(ctx, updated, current); err != nil {
			return err
		}
		updateDone = true
		return s.processed.Insert(ctx, row)
	})
	if err != nil {
		if isConflict(err) {
			if updateDone {
				// Another delivery of the same event won the race.
				return ReconcileResult{Duplicate: true}, nil
			}
			s.logger(ctx, "reconcile.transition.raced", map[string]any{
				"orderId": order.ID,
				"eventId": outcome.ProviderEventID,
			})
			return ReconcileResult{Order: order, Stale: true}, nil
		}
		return ReconcileResult{}, mapOrderRepositoryError(err)
	}

	s.notify(ctx, updated, outcome, now)

	return ReconcileResult{Order: updated, Applied: true}, nil
}

// CreateRefund refunds a captured charge and feeds the resulting outcome back
// through the engine. A nil amount refunds the full grand total.
func (s *reconcileService) CreateRefund(ctx context.Context, cmd CreateRefundCommand) (Order, error) {
	if ctx == nil {
		return Order{}, errors.New("reconcile service: context is required")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if strings.TrimSpace(order.Payment.ChargeID) == "" {
		return Order{}, fmt.Errorf("%w: order %s", ErrNoChargeToRefund, orderID)
	}

	refundable := domain.JointState{Order: domain.OrderStatusProcessing, Payment: domain.PaymentStatusSucceeded}
	if order.Joint() != refundable {
		return Order{}, fmt.Errorf("%w: joint state (%s, %s)", ErrOrderInvalidState, order.Status, order.Payment.Status)
	}

	amount := order.Totals.GrandTotal
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > order.Totals.GrandTotal {
		return Order{}, fmt.Errorf("%w: refund amount %d out of range", ErrOrderInvalidInput, amount)
	}

	refund, err := s.gateway.Refund(ctx, order.Payment.Provider, payments.RefundRequest{
		ChargeID:       order.Payment.ChargeID,
		IntentID:       order.Payment.IntentID,
		Amount:         &amount,
		Reason:         textutil.SanitizeNote(cmd.Reason),
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return Order{}, err
	}

	refunded := refund.Amount
	if refunded == 0 {
		refunded = amount
	}

	result, err := s.ApplyOutcome(ctx, PaymentOutcome{
		Provider:        order.Payment.Provider,
		ProviderEventID: refund.RefundID,
		IntentID:        order.Payment.IntentID,
		Kind:            domain.OutcomeRefunded,
		ChargeID:        order.Payment.ChargeID,
		Amount:          refunded,
		OccurredAt:      s.clock(),
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "reconcile.refund.created", map[string]any{
		"orderId":  order.ID,
		"refundId": refund.RefundID,
		"amount":   refunded,
		"actor":    cmd.ActorID,
	})

	if result.Applied {
		return result.Order, nil
	}

	// The refund raced another transition; surface the latest state.
	latest, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return latest, nil
}

func (s *reconcileService) notify(ctx context.Context, order Order, outcome PaymentOutcome, now time.Time) {
	publishOrderEvent(ctx, s.events, s.newID, s.logger, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Event:       orderEventName(outcome.Kind),
		Provider:    outcome.Provider,
		Amount:      outcome.Amount,
		Currency:    order.Payment.Currency,
		OccurredAt:  now,
	})

	if s.inventory != nil {
		s.inventory.OrderPaymentApplied(ctx, order, outcome)
	}
}

func (s *reconcileService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func validateOutcome(outcome PaymentOutcome) error {
	switch {
	case strings.TrimSpace(outcome.Provider) == "":
		return fmt.Errorf("%w: provider is required", ErrReconcileInvalidOutcome)
	case strings.TrimSpace(outcome.ProviderEventID) == "":
		return fmt.Errorf("%w: provider event id is required", ErrReconcileInvalidOutcome)
	case strings.TrimSpace(outcome.IntentID) == "":
		return fmt.Errorf("%w: intent id is required", ErrReconcileInvalidOutcome)
	}

	switch outcome.Kind {
	case domain.OutcomeSucceeded, domain.OutcomeFailed, domain.OutcomeCanceled,
		domain.OutcomeRefunded, domain.OutcomeDisputed:
		return nil
	default:
		return fmt.Errorf("%w: unknown outcome kind %q", ErrReconcileInvalidOutcome, outcome.Kind)
	}
}

// nextJointState is the reconciliation transition table. A false return means
// the outcome does not apply to the order's current joint state.
func nextJointState(current domain.JointState, kind domain.OutcomeKind) (domain.JointState, bool) {
	awaiting := domain.JointState{Order: domain.OrderStatusPending, Payment: domain.PaymentStatusPending}

	switch kind {
	case domain.OutcomeSucceeded:
		if current == awaiting {
			return domain.JointState{Order: domain.OrderStatusProcessing, Payment: domain.PaymentStatusSucceeded}, true
		}
	case domain.OutcomeFailed:
		if current == awaiting {
			return domain.JointState{Order: domain.OrderStatusPending, Payment: domain.PaymentStatusFailed}, true
		}
	case domain.OutcomeCanceled:
		if current == awaiting {
			return domain.JointState{Order: domain.OrderStatusCancelled, Payment: domain.PaymentStatusCanceled}, true
		}
	case domain.OutcomeDisputed:
		if current.Order == domain.OrderStatusPending || current.Order == domain.OrderStatusProcessing {
			return domain.JointState{Order: domain.OrderStatusPending, Payment: domain.PaymentStatusDisputed}, true
		}
	case domain.OutcomeRefunded:
		if current.Order == domain.OrderStatusProcessing && current.Payment == domain.PaymentStatusSucceeded {
			return domain.JointState{Order: domain.OrderStatusRefunded, Payment: domain.PaymentStatusRefunded}, true
		}
	}

	return domain.JointState{}, false
}

func orderEventName(kind domain.OutcomeKind) string {
	switch kind {
	case domain.OutcomeSucceeded:
		return "order.paid"
	case domain.OutcomeFailed:
		return "order.payment_failed"
	case domain.OutcomeCanceled:
		return "order.cancelled"
	case domain.OutcomeRefunded:
		return "order.refunded"
	case domain.OutcomeDisputed:
		return "order.disputed"
	default:
		return "order.payment_event"
	}
}
