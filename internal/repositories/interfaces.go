package repositories

import (
	"context"
	"time"

	domain "github.com/brightcart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	ProcessedEvents() ProcessedEventRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// The reconciliation engine relies on it to commit the ledger row and the order
// update together.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents. Insert enforces order-number
// uniqueness; UpdateConditional provides the compare-and-swap semantics the
// reconciliation engine depends on.
type OrderRepository interface {
	// Insert stores a new order. A duplicate order number surfaces as a
	// RepositoryError with IsConflict.
	Insert(ctx context.Context, order domain.Order) error
	// UpdateConditional replaces the stored order only if its current joint
	// state equals expected. A mismatch surfaces as IsConflict; the caller
	// decides whether that is a stale transition or a hard failure.
	UpdateConditional(ctx context.Context, order domain.Order, expected domain.JointState) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIntentID resolves the order referenced by a provider intent, used
	// when folding webhook events back onto orders.
	FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ProcessedEventRepository is the append-only idempotency ledger. Insert of an
// already-recorded (provider, providerEventId) pair surfaces as IsConflict.
type ProcessedEventRepository interface {
	Insert(ctx context.Context, event domain.ProcessedEvent) error
	Exists(ctx context.Context, provider string, providerEventID string) (bool, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}

// HealthReport aggregates dependency probes for the readiness endpoint.
type HealthReport struct {
	Healthy    bool
	Components map[string]ComponentHealth
	CheckedAt  time.Time
}

// ComponentHealth describes one probed dependency.
type ComponentHealth struct {
	Healthy bool
	Detail  string
}

// OrderListFilter controls admin order listings.
type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
