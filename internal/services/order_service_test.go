package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn     func(context.Context, domain.Order) error
	updateFn     func(context.Context, domain.Order, domain.JointState) error
	findFn       func(context.Context, string) (domain.Order, error)
	findIntentFn func(context.Context, string, string) (domain.Order, error)
	listFn       func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) UpdateConditional(ctx context.Context, order domain.Order, expected domain.JointState) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order, expected)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Order, error) {
	if s.findIntentFn != nil {
		return s.findIntentFn(ctx, provider, intentID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubProcessedEventRepo struct {
	insertFn func(context.Context, domain.ProcessedEvent) error
	existsFn func(context.Context, string, string) (bool, error)
}

func (s *stubProcessedEventRepo) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, event)
	}
	return nil
}

func (s *stubProcessedEventRepo) Exists(ctx context.Context, provider string, providerEventID string) (bool, error) {
	if s.existsFn != nil {
		return s.existsFn(ctx, provider, providerEventID)
	}
	return false, nil
}

type captureOrderEvents struct {
	messages []OrderEventMessage
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, message OrderEventMessage) (string, error) {
	c.messages = append(c.messages, message)
	return "msg-1", nil
}

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	}
}

func testPolicy() domain.TotalsPolicy {
	return domain.TotalsPolicy{
		TaxRate:               0.1,
		FreeShippingThreshold: 5000,
		FlatShippingFee:       599,
	}
}

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	if deps.Policy == (domain.TotalsPolicy{}) {
		deps.Policy = testPolicy()
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock()
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "01TEST" }
	}
	if deps.NumberRand == nil {
		deps.NumberRand = func(int) int { return 42 }
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func checkoutCommand() CreateOrderCommand {
	return CreateOrderCommand{
		UserID: "user-1",
		Items: []OrderItemInput{
			{ProductID: "prod-1", Name: "Canvas Tote", SKU: "TOTE-1", Quantity: 2, UnitPrice: 2000},
		},
		ShippingAddress: Address{
			Name:       "Ada Lovelace",
			Line1:      "1 Analytical Way",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		Contact: ContactInfo{Email: "ada@example.com"},
		Notes:   "  leave at <b>door</b>  ",
	}
}

func TestCreateOrderBuildsPendingSnapshot(t *testing.T) {
	var inserted domain.Order
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
	}
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Events: events})

	order, err := svc.CreateOrder(context.Background(), checkoutCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.ID != "ord_01TEST" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if order.OrderNumber != "ORD2503100042" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending || order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending joint state, got (%s, %s)", order.Status, order.Payment.Status)
	}

	want := domain.OrderTotals{Subtotal: 4000, Discount: 0, Tax: 400, Shipping: 599, GrandTotal: 4999}
	if order.Totals != want {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if order.Payment.Currency != "USD" {
		t.Fatalf("unexpected currency %q", order.Payment.Currency)
	}
	if order.Notes == nil || strings.Contains(*order.Notes, "<") {
		t.Fatalf("expected sanitised notes, got %v", order.Notes)
	}
	if inserted.OrderNumber != order.OrderNumber {
		t.Fatalf("expected insert of generated order")
	}

	if len(events.messages) != 1 || events.messages[0].Event != "order.created" {
		t.Fatalf("expected order.created event, got %+v", events.messages)
	}
	if events.messages[0].EventID == "" {
		t.Fatal("expected event id assigned")
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{Orders: &stubOrderRepo{}})

	cases := map[string]CreateOrderCommand{}

	noItems := checkoutCommand()
	noItems.Items = nil
	cases["no items"] = noItems

	badQty := checkoutCommand()
	badQty.Items[0].Quantity = 0
	cases["zero quantity"] = badQty

	negDiscount := checkoutCommand()
	negDiscount.Discount = -1
	cases["negative discount"] = negDiscount

	noEmail := checkoutCommand()
	noEmail.Contact.Email = " "
	cases["missing email"] = noEmail

	noCountry := checkoutCommand()
	noCountry.ShippingAddress.Country = ""
	cases["missing country"] = noCountry

	for name, cmd := range cases {
		if _, err := svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Errorf("%s: expected ErrOrderInvalidInput, got %v", name, err)
		}
	}
}

func TestCreateOrderExcessiveDiscountRejected(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{Orders: &stubOrderRepo{}})

	cmd := checkoutCommand()
	cmd.Discount = 4001
	if _, err := svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestCreateOrderRetriesNumberCollisions(t *testing.T) {
	var numbers []string
	attempts := 0
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			numbers = append(numbers, order.OrderNumber)
			attempts++
			if attempts < 3 {
				return stubRepoError{conflict: true}
			}
			return nil
		},
	}

	seq := []int{7, 7, 8}
	idx := 0
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders: repo,
		NumberRand: func(int) int {
			v := seq[idx%len(seq)]
			idx++
			return v
		},
	})

	order, err := svc.CreateOrder(context.Background(), checkoutCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", attempts)
	}
	if order.OrderNumber != "ORD2503100008" {
		t.Fatalf("unexpected final order number %q", order.OrderNumber)
	}
	if numbers[0] != "ORD2503100007" {
		t.Fatalf("unexpected first attempt %q", numbers[0])
	}
}

func TestCreateOrderNumberSpaceExhausted(t *testing.T) {
	attempts := 0
	repo := &stubOrderRepo{
		insertFn: func(context.Context, domain.Order) error {
			attempts++
			return stubRepoError{conflict: true}
		},
	}
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Events: events})

	_, err := svc.CreateOrder(context.Background(), checkoutCommand())
	if !errors.Is(err, ErrOrderNumberExhausted) {
		t.Fatalf("expected ErrOrderNumberExhausted, got %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", attempts)
	}
	if len(events.messages) != 0 {
		t.Fatalf("expected no events for failed create, got %+v", events.messages)
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: orderID, UserID: "user-1"}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_1", UserID: "user-2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}

	order, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("GetOrder owner: %v", err)
	}
	if order.ID != "ord_1" {
		t.Fatalf("unexpected order %q", order.ID)
	}

	// Admin callers omit the user id.
	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_1"}); err != nil {
		t.Fatalf("GetOrder admin: %v", err)
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, stubRepoError{notFound: true}
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	if _, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestListOrdersNormalisesPageSize(t *testing.T) {
	var seen []int
	repo := &stubOrderRepo{
		listFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			seen = append(seen, filter.Pagination.PageSize)
			return domain.CursorPage[domain.Order]{}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	if _, err := svc.ListOrders(context.Background(), OrderListFilter{}); err != nil {
		t.Fatalf("ListOrders default: %v", err)
	}
	if _, err := svc.ListOrders(context.Background(), OrderListFilter{Pagination: Pagination{PageSize: 500}}); err != nil {
		t.Fatalf("ListOrders capped: %v", err)
	}

	if len(seen) != 2 || seen[0] != 20 || seen[1] != 100 {
		t.Fatalf("unexpected page sizes %v", seen)
	}
}

func TestTransitionStatusShipsOrder(t *testing.T) {
	stored := domain.Order{
		ID:          "ord_1",
		OrderNumber: "ORD2503100042",
		Status:      domain.OrderStatusProcessing,
		Payment:     domain.PaymentInfo{Status: domain.PaymentStatusSucceeded},
	}
	var updated domain.Order
	var expected domain.JointState
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return stored, nil
		},
		updateFn: func(_ context.Context, order domain.Order, exp domain.JointState) error {
			updated = order
			expected = exp
			return nil
		},
	}
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Events: events})

	tracking := "TRACK-99"
	order, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:        "ord_1",
		Target:         domain.OrderStatusShipped,
		TrackingNumber: &tracking,
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", order.Status)
	}
	if updated.TrackingNumber == nil || *updated.TrackingNumber != "TRACK-99" {
		t.Fatalf("expected tracking number recorded, got %v", updated.TrackingNumber)
	}
	if expected != (domain.JointState{Order: domain.OrderStatusProcessing, Payment: domain.PaymentStatusSucceeded}) {
		t.Fatalf("unexpected compare state %+v", expected)
	}
	if len(events.messages) != 1 || events.messages[0].Event != "order.shipped" {
		t.Fatalf("expected order.shipped event, got %+v", events.messages)
	}
}

func TestTransitionStatusRejectsInvalidMoves(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord_1", Status: domain.OrderStatusPending}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusShipped,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestTransitionStatusSurfacesRaces(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing}, nil
		},
		updateFn: func(context.Context, domain.Order, domain.JointState) error {
			return stubRepoError{conflict: true}
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusShipped,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestNewOrderServiceValidatesDeps(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{Currency: "USD"}); err == nil {
		t.Fatal("expected error for missing repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}, Currency: "??"}); err == nil {
		t.Fatal("expected error for invalid currency")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}, Currency: "USD", Policy: domain.TotalsPolicy{TaxRate: -1}}); err == nil {
		t.Fatal("expected error for negative tax rate")
	}
}
