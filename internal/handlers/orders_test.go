package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/auth"
	"github.com/brightcart/api/internal/services"
)

type stubOrderService struct {
	createFn     func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	getFn        func(ctx context.Context, query services.GetOrderQuery) (services.Order, error)
	listFn       func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn == nil {
		return services.Order{}, errors.New("createFn not implemented")
	}
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, query services.GetOrderQuery) (services.Order, error) {
	if s.getFn == nil {
		return services.Order{}, errors.New("getFn not implemented")
	}
	return s.getFn(ctx, query)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Order]{}, errors.New("listFn not implemented")
	}
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn == nil {
		return services.Order{}, errors.New("transitionFn not implemented")
	}
	return s.transitionFn(ctx, cmd)
}

type stubReconcileService struct {
	applyFn  func(ctx context.Context, outcome services.PaymentOutcome) (services.ReconcileResult, error)
	refundFn func(ctx context.Context, cmd services.CreateRefundCommand) (services.Order, error)
}

func (s *stubReconcileService) ApplyOutcome(ctx context.Context, outcome services.PaymentOutcome) (services.ReconcileResult, error) {
	if s.applyFn == nil {
		return services.ReconcileResult{}, errors.New("applyFn not implemented")
	}
	return s.applyFn(ctx, outcome)
}

func (s *stubReconcileService) CreateRefund(ctx context.Context, cmd services.CreateRefundCommand) (services.Order, error) {
	if s.refundFn == nil {
		return services.Order{}, errors.New("refundFn not implemented")
	}
	return s.refundFn(ctx, cmd)
}

var (
	_ services.OrderService     = (*stubOrderService)(nil)
	_ services.ReconcileService = (*stubReconcileService)(nil)
)

// identityMiddleware injects an authenticated principal the way the session
// guard would.
func identityMiddleware(uid string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := &auth.Identity{UID: uid, Roles: roles}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

func newOrderTestRouter(handlers *OrderHandlers, mw ...func(http.Handler) http.Handler) chi.Router {
	opts := []Option{WithOrderRoutes(handlers.Routes)}
	if len(mw) > 0 {
		opts = append(opts, WithMiddlewares(mw...))
	}
	return NewRouter(opts...)
}

func sampleOrder() services.Order {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:          "ord_01TEST",
		OrderNumber: "ORD2503100042",
		UserID:      "user-1",
		Items: []services.OrderLineItem{
			{ProductID: "prod-1", Name: "Canvas Tote", Quantity: 2, UnitPrice: 2000, TotalPrice: 4000},
		},
		Totals: services.OrderTotals{Subtotal: 4000, Tax: 400, Shipping: 599, GrandTotal: 4999},
		Status: domain.OrderStatusPending,
		Payment: services.PaymentInfo{
			Provider: "stripe",
			IntentID: "pi_123",
			Status:   domain.PaymentStatusPending,
			Amount:   4999,
			Currency: "USD",
		},
		ShippingAddress: services.Address{
			Name:       "Ada Lovelace",
			Line1:      "1 Analytical Way",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		Contact:   services.ContactInfo{Email: "ada@example.com"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createOrderBody() string {
	return `{
		"items": [{"product_id": "prod-1", "name": "Canvas Tote", "quantity": 2, "unit_price": 2000}],
		"shipping_address": {"name": "Ada Lovelace", "line1": "1 Analytical Way", "city": "London", "postal_code": "N1 9GU", "country": "gb"},
		"contact": {"email": "ada@example.com"}
	}`
}

func TestCreateOrderEndpoint(t *testing.T) {
	var captured services.CreateOrderCommand
	orders := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(createOrderBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", captured.UserID)
	}
	if captured.ShippingAddress.Country != "GB" {
		t.Fatalf("expected normalised country GB, got %q", captured.ShippingAddress.Country)
	}

	var body orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.ID != "ord_01TEST" || body.OrderNumber != "ORD2503100042" {
		t.Fatalf("unexpected payload %+v", body)
	}
	if body.Totals.GrandTotal != 4999 {
		t.Fatalf("expected grand total 4999, got %d", body.Totals.GrandTotal)
	}
}

func TestCreateOrderEndpointRequiresIdentity(t *testing.T) {
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(createOrderBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateOrderEndpointRejectsMalformedJSON(t *testing.T) {
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateOrderEndpointMapsValidationErrors(t *testing.T) {
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: at least one item is required", services.ErrOrderInvalidInput)
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(createOrderBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestCreateOrderEndpointMapsNumberExhaustion(t *testing.T) {
	orders := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderNumberExhausted
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(createOrderBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestGetOrderEndpointScopesToOwner(t *testing.T) {
	var captured services.GetOrderQuery
	orders := &stubOrderService{
		getFn: func(ctx context.Context, query services.GetOrderQuery) (services.Order, error) {
			captured = query
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_01TEST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.OrderID != "ord_01TEST" {
		t.Fatalf("unexpected query %+v", captured)
	}
}

func TestGetOrderEndpointAdminSkipsOwnership(t *testing.T) {
	var captured services.GetOrderQuery
	orders := &stubOrderService{
		getFn: func(ctx context.Context, query services.GetOrderQuery) (services.Order, error) {
			captured = query
			return sampleOrder(), nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_01TEST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.UserID != "" {
		t.Fatalf("expected empty user scope for admin, got %q", captured.UserID)
	}
}

func TestGetOrderEndpointMapsNotFound(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(context.Context, services.GetOrderQuery) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: ord_missing", services.ErrOrderNotFound)
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("user-1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListOrdersEndpointParsesFilters(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders?status=pending,processing&user_id=user-1&page_size=500&created_after=2025-03-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user filter, got %q", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != "pending" || captured.Status[1] != "processing" {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}
	if captured.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, captured.Pagination.PageSize)
	}
	if captured.DateRange.From == nil || !captured.DateRange.From.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date range %+v", captured.DateRange)
	}

	var body orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Items) != 1 || body.NextPageToken != "next" {
		t.Fatalf("unexpected listing %+v", body)
	}
}

func TestListOrdersEndpointRejectsBadTimestamp(t *testing.T) {
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, nil), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders?created_after=yesterday", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRefundEndpoint(t *testing.T) {
	var captured services.CreateRefundCommand
	reconcile := &stubReconcileService{
		refundFn: func(ctx context.Context, cmd services.CreateRefundCommand) (services.Order, error) {
			captured = cmd
			refunded := sampleOrder()
			refunded.Status = domain.OrderStatusRefunded
			refunded.Payment.Status = domain.PaymentStatusRefunded
			return refunded, nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, reconcile), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01TEST/refund", strings.NewReader(`{"amount": 2000, "reason": "damaged"}`))
	req.Header.Set("Idempotency-Key", "refund-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_01TEST" || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Amount == nil || *captured.Amount != 2000 {
		t.Fatalf("expected partial amount 2000, got %v", captured.Amount)
	}
	if captured.IdempotencyKey != "refund-1" {
		t.Fatalf("expected idempotency key, got %q", captured.IdempotencyKey)
	}

	var body orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "refunded" {
		t.Fatalf("expected refunded, got %s", body.Status)
	}
}

func TestRefundEndpointMapsMissingCharge(t *testing.T) {
	reconcile := &stubReconcileService{
		refundFn: func(context.Context, services.CreateRefundCommand) (services.Order, error) {
			return services.Order{}, services.ErrNoChargeToRefund
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, reconcile), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01TEST/refund", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestRefundEndpointMapsProviderUnavailable(t *testing.T) {
	reconcile := &stubReconcileService{
		refundFn: func(context.Context, services.CreateRefundCommand) (services.Order, error) {
			return services.Order{}, payments.ErrProviderUnavailable
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, &stubOrderService{}, reconcile), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01TEST/refund", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestTransitionStatusEndpoint(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			shipped := sampleOrder()
			shipped.Status = domain.OrderStatusShipped
			return shipped, nil
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("admin-1", auth.RoleStaff))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01TEST/status", strings.NewReader(`{"status": "Shipped", "tracking_number": "TRACK-99"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Target != domain.OrderStatusShipped {
		t.Fatalf("expected normalised target shipped, got %q", captured.Target)
	}
	if captured.TrackingNumber == nil || *captured.TrackingNumber != "TRACK-99" {
		t.Fatalf("unexpected tracking number %v", captured.TrackingNumber)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("expected actor admin-1, got %q", captured.ActorID)
	}
}

func TestTransitionStatusEndpointMapsInvalidState(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: pending to delivered", services.ErrOrderInvalidState)
		},
	}
	router := newOrderTestRouter(NewOrderHandlers(nil, orders, nil), identityMiddleware("admin-1", auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01TEST/status", strings.NewReader(`{"status": "delivered"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
