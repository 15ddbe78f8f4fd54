package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/brightcart/api/internal/domain"
	pfirestore "github.com/brightcart/api/internal/platform/firestore"
	"github.com/brightcart/api/internal/platform/pagination"
	"github.com/brightcart/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderNumbersCollection = "orderNumbers"
)

// OrderRepository persists orders in Firestore. Order-number uniqueness is
// enforced through an index document created in the same transaction as the
// order; conditional updates compare the joint (status, payment.status) pair
// inside a transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
	numbers  *pfirestore.BaseRepository[orderNumberDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		numbers:  pfirestore.NewBaseRepository[orderNumberDocument](provider, orderNumbersCollection, nil, nil),
	}, nil
}

// Insert stores a new order together with its order-number index document.
// A duplicate order number or order id surfaces as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	if strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order repository: order number is required")
	}

	doc := encodeOrder(order)
	numberDoc := orderNumberDocument{OrderID: order.ID, CreatedAt: order.CreatedAt}

	write := func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		numberRef, err := r.numbers.DocumentRef(ctx, order.OrderNumber)
		if err != nil {
			return err
		}
		if err := tx.Create(numberRef, numberDoc); err != nil {
			return pfirestore.WrapError("orders.insert.number", err)
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return pfirestore.WrapError("orders.insert", err)
		}
		return nil
	}

	if tx := txFromContext(ctx); tx != nil {
		return write(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, write)
}

// UpdateConditional replaces the stored order only while its joint state
// still equals expected. A moved-on order surfaces as a conflict.
func (r *OrderRepository) UpdateConditional(ctx context.Context, order domain.Order, expected domain.JointState) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}

	doc := encodeOrder(order)

	apply := func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.update.read", err)
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return pfirestore.WrapError("orders.update.decode", err)
		}
		if current.Status != string(expected.Order) || current.Payment.Status != string(expected.Payment) {
			return pfirestore.WrapError("orders.update",
				status.Errorf(codes.Aborted, "joint state is (%s, %s), expected (%s, %s)",
					current.Status, current.Payment.Status, expected.Order, expected.Payment))
		}
		if err := tx.Set(ref, doc); err != nil {
			return pfirestore.WrapError("orders.update", err)
		}
		return nil
	}

	if tx := txFromContext(ctx); tx != nil {
		return apply(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, apply)
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByIntentID resolves the order a provider intent belongs to.
func (r *OrderRepository) FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	provider = strings.TrimSpace(provider)
	intentID = strings.TrimSpace(intentID)
	if provider == "" || intentID == "" {
		return domain.Order{}, errors.New("order repository: provider and intent id are required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("payment.provider", "==", provider).
			Where("payment.intentId", "==", intentID).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByIntent",
			status.Errorf(codes.NotFound, "no order for %s intent %s", provider, intentID))
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

// List returns orders ordered by most recent creation.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statuses := normaliseOrderStatuses(filter.Status)
	userID := strings.TrimSpace(filter.UserID)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}

		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statuses) > 10 {
				statuses = statuses[:10]
			}
			q = q.Where("status", "in", statuses)
		}

		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeOrder(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type orderDocument struct {
	OrderNumber     string         `firestore:"orderNumber"`
	UserID          string         `firestore:"userId"`
	Items           []orderLineDoc `firestore:"items"`
	Totals          orderTotalsDoc `firestore:"totals"`
	Status          string         `firestore:"status"`
	Payment         paymentInfoDoc `firestore:"payment"`
	ShippingAddress addressDoc     `firestore:"shippingAddress"`
	BillingAddress  *addressDoc    `firestore:"billingAddress,omitempty"`
	Contact         contactDoc     `firestore:"contact"`
	ShippingMethod  string         `firestore:"shippingMethod,omitempty"`
	TrackingNumber  *string        `firestore:"trackingNumber,omitempty"`
	Notes           *string        `firestore:"notes,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

type orderLineDoc struct {
	ProductID  string  `firestore:"productId"`
	VariantID  *string `firestore:"variantId,omitempty"`
	Name       string  `firestore:"name"`
	SKU        string  `firestore:"sku,omitempty"`
	Quantity   int     `firestore:"quantity"`
	UnitPrice  int64   `firestore:"unitPrice"`
	TotalPrice int64   `firestore:"totalPrice"`
}

type orderTotalsDoc struct {
	Subtotal   int64 `firestore:"subtotal"`
	Discount   int64 `firestore:"discount"`
	Tax        int64 `firestore:"tax"`
	Shipping   int64 `firestore:"shipping"`
	GrandTotal int64 `firestore:"grandTotal"`
}

type paymentInfoDoc struct {
	Provider      string `firestore:"provider,omitempty"`
	IntentID      string `firestore:"intentId,omitempty"`
	ChargeID      string `firestore:"chargeId,omitempty"`
	TransactionID string `firestore:"transactionId,omitempty"`
	Status        string `firestore:"status"`
	Amount        int64  `firestore:"amount"`
	Currency      string `firestore:"currency"`
}

type addressDoc struct {
	Name       string  `firestore:"name"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type contactDoc struct {
	Email string  `firestore:"email"`
	Phone *string `firestore:"phone,omitempty"`
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderLineDoc, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderLineDoc{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Name:       item.Name,
			SKU:        item.SKU,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.TotalPrice,
		})
	}

	doc := orderDocument{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       items,
		Totals: orderTotalsDoc{
			Subtotal:   order.Totals.Subtotal,
			Discount:   order.Totals.Discount,
			Tax:        order.Totals.Tax,
			Shipping:   order.Totals.Shipping,
			GrandTotal: order.Totals.GrandTotal,
		},
		Status: string(order.Status),
		Payment: paymentInfoDoc{
			Provider:      order.Payment.Provider,
			IntentID:      order.Payment.IntentID,
			ChargeID:      order.Payment.ChargeID,
			TransactionID: order.Payment.TransactionID,
			Status:        string(order.Payment.Status),
			Amount:        order.Payment.Amount,
			Currency:      order.Payment.Currency,
		},
		ShippingAddress: encodeAddress(order.ShippingAddress),
		Contact:         contactDoc{Email: order.Contact.Email, Phone: order.Contact.Phone},
		ShippingMethod:  order.ShippingMethod,
		TrackingNumber:  order.TrackingNumber,
		Notes:           order.Notes,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.BillingAddress != nil {
		billing := encodeAddress(*order.BillingAddress)
		doc.BillingAddress = &billing
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderLineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderLineItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Name:       item.Name,
			SKU:        item.SKU,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.TotalPrice,
		})
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		UserID:      doc.UserID,
		Items:       items,
		Totals: domain.OrderTotals{
			Subtotal:   doc.Totals.Subtotal,
			Discount:   doc.Totals.Discount,
			Tax:        doc.Totals.Tax,
			Shipping:   doc.Totals.Shipping,
			GrandTotal: doc.Totals.GrandTotal,
		},
		Status: domain.OrderStatus(doc.Status),
		Payment: domain.PaymentInfo{
			Provider:      doc.Payment.Provider,
			IntentID:      doc.Payment.IntentID,
			ChargeID:      doc.Payment.ChargeID,
			TransactionID: doc.Payment.TransactionID,
			Status:        domain.PaymentStatus(doc.Payment.Status),
			Amount:        doc.Payment.Amount,
			Currency:      doc.Payment.Currency,
		},
		ShippingAddress: decodeAddress(doc.ShippingAddress),
		Contact:         domain.ContactInfo{Email: doc.Contact.Email, Phone: doc.Contact.Phone},
		ShippingMethod:  doc.ShippingMethod,
		TrackingNumber:  doc.TrackingNumber,
		Notes:           doc.Notes,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if doc.BillingAddress != nil {
		billing := decodeAddress(*doc.BillingAddress)
		order.BillingAddress = &billing
	}
	return order
}

func encodeAddress(addr domain.Address) addressDoc {
	return addressDoc{
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

func decodeAddress(doc addressDoc) domain.Address {
	return domain.Address{
		Name:       doc.Name,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
	}
}

func normaliseOrderStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{}, len(statuses))
	for _, value := range statuses {
		status := strings.ToLower(strings.TrimSpace(value))
		if status == "" {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		normalized = append(normalized, status)
	}
	return normalized
}

func encodeOrderListToken(createdAt time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", errors.New("invalid token timestamp")
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok || docID == "" {
		return time.Time{}, "", errors.New("invalid token document id")
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, docID, nil
}
