package services

import (
	"context"
	"time"

	domain "github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination     = domain.Pagination
	SortOrder      = domain.SortOrder
	Order          = domain.Order
	OrderLineItem  = domain.OrderLineItem
	OrderTotals    = domain.OrderTotals
	OrderStatus    = domain.OrderStatus
	PaymentStatus  = domain.PaymentStatus
	PaymentInfo    = domain.PaymentInfo
	PaymentOutcome = domain.PaymentOutcome
	JointState     = domain.JointState
	Address        = domain.Address
	ContactInfo    = domain.ContactInfo
	ProcessedEvent = domain.ProcessedEvent
)

// OrderListFilter mirrors the repository filter so handlers depend on the
// services package only.
type OrderListFilter = repositories.OrderListFilter

// Logger is the structured logging callback services emit events through.
type Logger func(ctx context.Context, event string, fields map[string]any)

// OrderService creates and reads order snapshots and drives the
// fulfillment-side status transitions an operator performs by hand.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// PaymentService issues provider payment intents for payable orders.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (payments.Intent, error)
}

// ReconcileService folds verified provider outcomes onto orders and handles
// merchant-initiated refunds.
type ReconcileService interface {
	ApplyOutcome(ctx context.Context, outcome PaymentOutcome) (ReconcileResult, error)
	CreateRefund(ctx context.Context, cmd CreateRefundCommand) (Order, error)
}

// SystemService exposes operational health information.
type SystemService interface {
	HealthReport(ctx context.Context) (repositories.HealthReport, error)
}

// PaymentGateway is the slice of the provider manager the services call.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, provider string, req payments.IntentRequest) (payments.Intent, error)
	Refund(ctx context.Context, provider string, req payments.RefundRequest) (payments.Refund, error)
}

// OrderEventMessage is the notification payload published after an order
// changes state. Downstream consumers fan it out to email and back office.
type OrderEventMessage struct {
	EventID     string    `json:"event_id"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Event       string    `json:"event"`
	Provider    string    `json:"provider,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OrderEventPublisher delivers order event messages to the notification
// pipeline. Returns the broker-assigned message id.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// InventoryHook is notified once per applied payment transition so reserved
// stock can be restored when an order is cancelled or refunded. Invoked after
// the transaction commits; failures stay inside the hook.
type InventoryHook interface {
	OrderPaymentApplied(ctx context.Context, order Order, outcome PaymentOutcome)
}

// OrderItemInput is a purchased line as submitted at checkout.
type OrderItemInput struct {
	ProductID string
	VariantID *string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice int64
}

// CreateOrderCommand captures the checkout submission.
type CreateOrderCommand struct {
	UserID          string
	Items           []OrderItemInput
	Discount        int64
	ShippingAddress Address
	BillingAddress  *Address
	Contact         ContactInfo
	ShippingMethod  string
	Notes           string
}

// GetOrderQuery reads a single order. An empty UserID skips the ownership
// check and is reserved for admin callers.
type GetOrderQuery struct {
	OrderID string
	UserID  string
}

// OrderStatusTransitionCommand moves an order along the fulfillment path.
type OrderStatusTransitionCommand struct {
	OrderID        string
	Target         OrderStatus
	TrackingNumber *string
	ActorID        string
}

// CreateIntentCommand requests a provider payment intent for an order.
type CreateIntentCommand struct {
	OrderID        string
	UserID         string
	Provider       string
	ReturnURL      string
	CancelURL      string
	IdempotencyKey string
}

// CreateRefundCommand requests a full or partial refund for an order.
// A nil Amount refunds the full grand total.
type CreateRefundCommand struct {
	OrderID        string
	Amount         *int64
	Reason         string
	ActorID        string
	IdempotencyKey string
}

// ReconcileResult reports how an outcome was absorbed. Duplicate deliveries
// and stale transitions are successful no-ops.
type ReconcileResult struct {
	Order     Order
	Applied   bool
	Duplicate bool
	Stale     bool
}
