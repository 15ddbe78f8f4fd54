package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/auth"
	"github.com/brightcart/api/internal/platform/httpx"
	"github.com/brightcart/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

// OrderHandlers exposes the order endpoints: checkout and reads for
// authenticated shoppers, listing, refunds and fulfillment moves for staff.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	reconcile services.ReconcileService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, reconcile services.ReconcileService) *OrderHandlers {
	return &OrderHandlers{
		authn:     authn,
		orders:    orders,
		reconcile: reconcile,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireAuth())
		}
		g.Post("/", h.createOrder)
		g.Get("/{orderID}", h.getOrder)
	})

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff))
		}
		g.Get("/", h.listOrders)
		g.Post("/{orderID}/refund", h.refundOrder)
		g.Post("/{orderID}/status", h.transitionStatus)
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:          identity.UID,
		Discount:        req.Discount,
		ShippingAddress: addressFromPayload(req.ShippingAddress),
		Contact: services.ContactInfo{
			Email: strings.TrimSpace(req.Contact.Email),
			Phone: optionalTrimmed(req.Contact.Phone),
		},
		ShippingMethod: strings.TrimSpace(req.ShippingMethod),
		Notes:          req.Notes,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: optionalTrimmed(item.VariantID),
			Name:      strings.TrimSpace(item.Name),
			SKU:       strings.TrimSpace(item.SKU),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if req.BillingAddress != nil {
		billing := addressFromPayload(*req.BillingAddress)
		cmd.BillingAddress = &billing
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	query := services.GetOrderQuery{OrderID: orderID, UserID: identity.UID}
	if identity.HasAnyRole(auth.RoleAdmin, auth.RoleStaff) {
		// Staff read any order; the ownership check is skipped.
		query.UserID = ""
	}

	order, err := h.orders.GetOrder(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.OrderListFilter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		Status:    parseFilterValues(query["status"]),
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_service_unavailable", "reconcile service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req refundOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.reconcile.CreateRefund(ctx, services.CreateRefundCommand{
		OrderID:        orderID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ActorID:        identity.UID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionStatusRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Status))
	if target == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:        orderID,
		Target:         services.OrderStatus(target),
		TrackingNumber: optionalTrimmed(req.TrackingNumber),
		ActorID:        identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	Discount        int64              `json:"discount"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	BillingAddress  *addressPayload    `json:"billing_address"`
	Contact         contactPayload     `json:"contact"`
	ShippingMethod  string             `json:"shipping_method"`
	Notes           string             `json:"notes"`
}

type orderItemRequest struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
}

type refundOrderRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type transitionStatusRequest struct {
	Status         string  `json:"status"`
	TrackingNumber *string `json:"tracking_number"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"order_number"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	Items           []orderItemPayload  `json:"items"`
	Totals          orderTotalsPayload  `json:"totals"`
	Payment         *paymentInfoPayload `json:"payment,omitempty"`
	ShippingAddress addressPayload      `json:"shipping_address"`
	BillingAddress  *addressPayload     `json:"billing_address,omitempty"`
	Contact         contactPayload      `json:"contact"`
	ShippingMethod  string              `json:"shipping_method,omitempty"`
	TrackingNumber  *string             `json:"tracking_number,omitempty"`
	Notes           *string             `json:"notes,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type orderItemPayload struct {
	ProductID  string  `json:"product_id"`
	VariantID  *string `json:"variant_id,omitempty"`
	Name       string  `json:"name"`
	SKU        string  `json:"sku,omitempty"`
	Quantity   int     `json:"quantity"`
	UnitPrice  int64   `json:"unit_price"`
	TotalPrice int64   `json:"total_price"`
}

type orderTotalsPayload struct {
	Subtotal   int64 `json:"subtotal"`
	Discount   int64 `json:"discount"`
	Tax        int64 `json:"tax"`
	Shipping   int64 `json:"shipping"`
	GrandTotal int64 `json:"grand_total"`
}

type paymentInfoPayload struct {
	Provider string `json:"provider"`
	IntentID string `json:"intent_id,omitempty"`
	ChargeID string `json:"charge_id,omitempty"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type addressPayload struct {
	Name       string  `json:"name"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type contactPayload struct {
	Email string  `json:"email"`
	Phone *string `json:"phone,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Name:       item.Name,
			SKU:        item.SKU,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.TotalPrice,
		})
	}

	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Items:       items,
		Totals: orderTotalsPayload{
			Subtotal:   order.Totals.Subtotal,
			Discount:   order.Totals.Discount,
			Tax:        order.Totals.Tax,
			Shipping:   order.Totals.Shipping,
			GrandTotal: order.Totals.GrandTotal,
		},
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Contact:         contactPayload{Email: order.Contact.Email, Phone: order.Contact.Phone},
		ShippingMethod:  order.ShippingMethod,
		TrackingNumber:  order.TrackingNumber,
		Notes:           order.Notes,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}

	if order.Payment.Provider != "" {
		payload.Payment = &paymentInfoPayload{
			Provider: order.Payment.Provider,
			IntentID: order.Payment.IntentID,
			ChargeID: order.Payment.ChargeID,
			Status:   string(order.Payment.Status),
			Amount:   order.Payment.Amount,
			Currency: order.Payment.Currency,
		}
	}
	if order.BillingAddress != nil {
		billing := buildAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &billing
	}

	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Name:       addr.Name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func addressFromPayload(payload addressPayload) services.Address {
	return services.Address{
		Name:       strings.TrimSpace(payload.Name),
		Line1:      strings.TrimSpace(payload.Line1),
		Line2:      optionalTrimmed(payload.Line2),
		City:       strings.TrimSpace(payload.City),
		State:      optionalTrimmed(payload.State),
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(payload.Country)),
		Phone:      optionalTrimmed(payload.Phone),
	}
}

// writeOrderError maps service sentinels onto the HTTP error taxonomy.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNumberExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("order_number_exhausted", "unable to allocate an order number, retry later", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrOrderNotPayable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", "order is not awaiting payment", http.StatusConflict))
	case errors.Is(err, services.ErrNoChargeToRefund):
		httpx.WriteError(ctx, w, httpx.NewError("no_charge_to_refund", "order has no captured charge to refund", http.StatusConflict))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
	case errors.Is(err, payments.ErrProviderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("provider_unavailable", "payment provider unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxOrderBodySize)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
		_ = body.Close()
	}()

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func parseFilterValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}

func optionalTrimmed(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
