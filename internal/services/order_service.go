package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/platform/textutil"
	"github.com/brightcart/api/internal/repositories"
)

// Sentinel errors exposed to transport layers for status mapping.
var (
	ErrOrderInvalidInput    = errors.New("order: invalid input")
	ErrOrderNotFound        = errors.New("order: not found")
	ErrOrderInvalidState    = errors.New("order: invalid state transition")
	ErrOrderConflict        = errors.New("order: conflict")
	ErrOrderNumberExhausted = errors.New("order: order number space exhausted")
)

const (
	orderIDPrefix      = "ord_"
	orderNumberPrefix  = "ORD"
	orderNumberRetries = 5

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// fulfillmentTransitions lists the manual order-status moves an operator may
// request. Payment-driven transitions go through the reconciliation engine.
var fulfillmentTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

// OrderServiceDeps bundles collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Policy      domain.TotalsPolicy
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	NumberRand  func(n int) int
	Logger      Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	policy     domain.TotalsPolicy
	currency   string
	clock      func() time.Time
	newID      func() string
	numberRand func(n int) int
	logger     Logger
}

var _ OrderService = (*orderService)(nil)

// NewOrderService assembles the order factory and store operations.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	code := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if code == "" {
		return nil, errors.New("order service: currency is required")
	}
	if _, err := currency.ParseISO(code); err != nil {
		return nil, fmt.Errorf("order service: invalid currency %q: %w", code, err)
	}
	if deps.Policy.TaxRate < 0 || deps.Policy.FlatShippingFee < 0 || deps.Policy.FreeShippingThreshold < 0 {
		return nil, errors.New("order service: pricing policy must be non-negative")
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

	numberRand := deps.NumberRand
	if numberRand == nil {
		numberRand = rand.Intn
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		unitOfWork: unit,
		events:     deps.Events,
		policy:     deps.Policy,
		currency:   code,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      newID,
		numberRand: numberRand,
		logger:     logger,
	}, nil
}

// CreateOrder snapshots the checkout submission into an immutable order in
// the (pending, pending) joint state. The order number is regenerated and the
// insert retried on a uniqueness conflict.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if ctx == nil {
		return Order{}, errors.New("order service: context is required")
	}
	if err := validateCreateOrder(cmd); err != nil {
		return Order{}, err
	}

	lines := make([]domain.TotalsLine, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		lines = append(lines, domain.TotalsLine{UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}
	totals, err := domain.CalculateTotals(lines, cmd.Discount, s.policy)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := s.now()
	order := Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          strings.TrimSpace(cmd.UserID),
		Items:           buildOrderLineItems(cmd.Items),
		Totals:          totals,
		Status:          domain.OrderStatusPending,
		Payment:         PaymentInfo{Status: domain.PaymentStatusPending, Currency: s.currency},
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		Contact:         cmd.Contact,
		ShippingMethod:  strings.TrimSpace(cmd.ShippingMethod),
		Notes:           optionalString(textutil.SanitizeNote(cmd.Notes)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted := false
	for attempt := 1; attempt <= orderNumberRetries; attempt++ {
		order.OrderNumber = s.generateOrderNumber(now)
		err := s.orders.Insert(ctx, order)
		if err == nil {
			inserted = true
			break
		}
		if isConflict(err) {
			s.logger(ctx, "order.number.collision", map[string]any{
				"orderNumber": order.OrderNumber,
				"attempt":     attempt,
			})
			continue
		}
		return Order{}, s.mapRepositoryError(err)
	}
	if !inserted {
		return Order{}, fmt.Errorf("%w: gave up after %d attempts", ErrOrderNumberExhausted, orderNumberRetries)
	}

	s.publishEvent(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Event:       "order.created",
		Amount:      order.Totals.GrandTotal,
		Currency:    order.Payment.Currency,
		OccurredAt:  now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	if ctx == nil {
		return Order{}, errors.New("order service: context is required")
	}
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// Non-owners get the same answer as a missing order.
	if userID := strings.TrimSpace(query.UserID); userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if ctx == nil {
		return domain.CursorPage[Order]{}, errors.New("order service: context is required")
	}

	if filter.Pagination.PageSize <= 0 {
		filter.Pagination.PageSize = defaultOrderPageSize
	}
	if filter.Pagination.PageSize > maxOrderPageSize {
		filter.Pagination.PageSize = maxOrderPageSize
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus performs a manual fulfillment move. The update is
// conditional on the joint state observed here, so a payment event landing
// concurrently surfaces as a conflict instead of being overwritten.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if ctx == nil {
		return Order{}, errors.New("order service: context is required")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !canTransition(order.Status, cmd.Target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, cmd.Target)
	}

	expected := order.Joint()
	now := s.now()
	order.Status = cmd.Target
	order.UpdatedAt = now
	if cmd.TrackingNumber != nil {
		if tracking := strings.TrimSpace(*cmd.TrackingNumber); tracking != "" {
			order.TrackingNumber = valuePtr(tracking)
		}
	}

	if err := s.orders.UpdateConditional(ctx, order, expected); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Event:       "order." + string(cmd.Target),
		OccurredAt:  now,
	})

	return order, nil
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	for idx, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d product id is required", ErrOrderInvalidInput, idx)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrOrderInvalidInput, idx)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d unit price cannot be negative", ErrOrderInvalidInput, idx)
		}
	}
	if cmd.Discount < 0 {
		return fmt.Errorf("%w: discount cannot be negative", ErrOrderInvalidInput)
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return fmt.Errorf("%w: shipping address: %v", ErrOrderInvalidInput, err)
	}
	if cmd.BillingAddress != nil {
		if err := validateAddress(*cmd.BillingAddress); err != nil {
			return fmt.Errorf("%w: billing address: %v", ErrOrderInvalidInput, err)
		}
	}
	if strings.TrimSpace(cmd.Contact.Email) == "" {
		return fmt.Errorf("%w: contact email is required", ErrOrderInvalidInput)
	}
	return nil
}

func validateAddress(addr Address) error {
	switch {
	case strings.TrimSpace(addr.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(addr.Line1) == "":
		return errors.New("line1 is required")
	case strings.TrimSpace(addr.City) == "":
		return errors.New("city is required")
	case strings.TrimSpace(addr.PostalCode) == "":
		return errors.New("postal code is required")
	case strings.TrimSpace(addr.Country) == "":
		return errors.New("country is required")
	}
	return nil
}

func buildOrderLineItems(items []OrderItemInput) []OrderLineItem {
	lines := make([]OrderLineItem, 0, len(items))
	for _, item := range items {
		line := OrderLineItem{
			ProductID:  strings.TrimSpace(item.ProductID),
			Name:       strings.TrimSpace(item.Name),
			SKU:        strings.TrimSpace(item.SKU),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.UnitPrice * int64(item.Quantity),
		}
		if item.VariantID != nil {
			if variant := strings.TrimSpace(*item.VariantID); variant != "" {
				line.VariantID = valuePtr(variant)
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func canTransition(current domain.OrderStatus, target domain.OrderStatus) bool {
	for _, allowed := range fulfillmentTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// generateOrderNumber yields ORD + YYMMDD + four random digits. Collisions
// within a day are possible and absorbed by the insert retry loop.
func (s *orderService) generateOrderNumber(now time.Time) string {
	return fmt.Sprintf("%s%s%04d", orderNumberPrefix, now.Format("060102"), s.numberRand(10000))
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEventMessage) {
	publishOrderEvent(ctx, s.events, s.newID, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, newID func() string, logger Logger, event OrderEventMessage) {
	if events == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = "evt_" + newID()
	}
	if _, err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"event": event.Event,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
