package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates the fulfillment-side lifecycle of an order.
type OrderStatus string

const (
	// OrderStatusPending marks a freshly placed order awaiting payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing marks a paid order being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped marks an order handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered marks an order confirmed at its destination.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled marks an order that will never be fulfilled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded marks an order whose payment was returned.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus enumerates the payment-side lifecycle of an order. The set is
// deliberately wider than the provider outcome kinds so cancellations and
// disputes stay distinguishable from plain failures.
type PaymentStatus string

const (
	// PaymentStatusPending means no definitive provider outcome has arrived.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSucceeded means the provider confirmed capture.
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	// PaymentStatusFailed means the payment attempt was declined or errored.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCanceled means the intent was abandoned before capture.
	PaymentStatusCanceled PaymentStatus = "canceled"
	// PaymentStatusRefunded means a captured charge was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusDisputed means the cardholder opened a chargeback.
	PaymentStatusDisputed PaymentStatus = "disputed"
)

// JointState is the (order status, payment status) pair the reconciliation
// state machine treats as its actual state.
type JointState struct {
	Order   OrderStatus
	Payment PaymentStatus
}

// Order is an immutable purchase snapshot taken at checkout. Status, payment
// references, tracking and timestamps are the only fields that change after
// creation, and only through conditional store updates.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Items           []OrderLineItem
	Totals          OrderTotals
	Status          OrderStatus
	Payment         PaymentInfo
	ShippingAddress Address
	BillingAddress  *Address
	Contact         ContactInfo
	ShippingMethod  string
	TrackingNumber  *string
	Notes           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Joint returns the order's current joint state.
func (o Order) Joint() JointState {
	return JointState{Order: o.Status, Payment: o.Payment.Status}
}

// OrderLineItem is a single purchased line snapshotted at checkout time.
// Later catalog price changes never alter a placed order.
type OrderLineItem struct {
	ProductID  string
	VariantID  *string
	Name       string
	SKU        string
	Quantity   int
	UnitPrice  int64
	TotalPrice int64
}

// OrderTotals holds the monetary breakdown of an order in currency minor
// units. GrandTotal = Subtotal - Discount + Tax + Shipping holds exactly.
type OrderTotals struct {
	Subtotal   int64
	Discount   int64
	Tax        int64
	Shipping   int64
	GrandTotal int64
}

// PaymentInfo records provider references and payment state for an order.
// Amount is fixed at intent creation; changing the amount requires a new
// intent.
type PaymentInfo struct {
	Provider      string
	IntentID      string
	ChargeID      string
	TransactionID string
	Status        PaymentStatus
	Amount        int64
	Currency      string
}

// Address is a postal address captured with the order.
type Address struct {
	Name       string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// ContactInfo identifies the purchaser for notifications.
type ContactInfo struct {
	Email string
	Phone *string
}

// OutcomeKind is the canonical classification of a provider payment event.
type OutcomeKind string

const (
	// OutcomeSucceeded reports a captured payment.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeFailed reports a declined or errored payment attempt.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeCanceled reports an intent abandoned before capture.
	OutcomeCanceled OutcomeKind = "canceled"
	// OutcomeRefunded reports a returned charge.
	OutcomeRefunded OutcomeKind = "refunded"
	// OutcomeDisputed reports a chargeback opened against the charge.
	OutcomeDisputed OutcomeKind = "disputed"
)

// PaymentOutcome is the normalized form of a verified provider notification.
// It is transient; durability comes from the processed-event ledger.
type PaymentOutcome struct {
	Provider        string
	ProviderEventID string
	IntentID        string
	Kind            OutcomeKind
	ChargeID        string
	Amount          int64
	OccurredAt      time.Time
}

// ProcessedEvent is one row of the append-only idempotency ledger. A row for
// (Provider, ProviderEventID) means the event was applied and must never be
// applied again.
type ProcessedEvent struct {
	Provider        string
	ProviderEventID string
	OrderID         string
	Kind            string
	AppliedAt       time.Time
}

// CursorPage wraps a page of results with an opaque continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
