package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/brightcart/api/internal/domain"
	pfirestore "github.com/brightcart/api/internal/platform/firestore"
	"github.com/brightcart/api/internal/repositories"
)

const processedEventsCollection = "processedEvents"

// ProcessedEventRepository is the append-only idempotency ledger. Documents
// are keyed by (provider, providerEventId), so a replayed event collides on
// create and surfaces as a conflict.
type ProcessedEventRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[processedEventDocument]
}

var _ repositories.ProcessedEventRepository = (*ProcessedEventRepository)(nil)

// NewProcessedEventRepository constructs a Firestore-backed ledger.
func NewProcessedEventRepository(provider *pfirestore.Provider) (*ProcessedEventRepository, error) {
	if provider == nil {
		return nil, errors.New("processed event repository requires firestore provider")
	}
	return &ProcessedEventRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[processedEventDocument](provider, processedEventsCollection, nil, nil),
	}, nil
}

// Insert appends a ledger row. An existing row for the same event surfaces
// as a conflict.
func (r *ProcessedEventRepository) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	if r == nil || r.provider == nil {
		return errors.New("processed event repository not initialised")
	}
	docID, err := processedEventDocID(event.Provider, event.ProviderEventID)
	if err != nil {
		return err
	}

	doc := processedEventDocument{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		OrderID:         event.OrderID,
		Kind:            event.Kind,
		AppliedAt:       event.AppliedAt.UTC(),
	}

	ref, err := r.base.DocumentRef(ctx, docID)
	if err != nil {
		return err
	}

	if tx := txFromContext(ctx); tx != nil {
		if err := tx.Create(ref, doc); err != nil {
			return pfirestore.WrapError("processedEvents.insert", err)
		}
		return nil
	}

	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("processedEvents.insert", err)
	}
	return nil
}

// Exists reports whether the event was already applied.
func (r *ProcessedEventRepository) Exists(ctx context.Context, provider string, providerEventID string) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("processed event repository not initialised")
	}
	docID, err := processedEventDocID(provider, providerEventID)
	if err != nil {
		return false, err
	}

	_, err = r.base.Get(ctx, docID)
	if err == nil {
		return true, nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return false, nil
	}
	return false, err
}

type processedEventDocument struct {
	Provider        string    `firestore:"provider"`
	ProviderEventID string    `firestore:"providerEventId"`
	OrderID         string    `firestore:"orderId"`
	Kind            string    `firestore:"kind"`
	AppliedAt       time.Time `firestore:"appliedAt"`
}

// processedEventDocID builds the ledger key. Slashes would be read as
// subcollection separators, so they are replaced.
func processedEventDocID(provider string, providerEventID string) (string, error) {
	provider = strings.TrimSpace(provider)
	eventID := strings.TrimSpace(providerEventID)
	if provider == "" || eventID == "" {
		return "", errors.New("processed event repository: provider and event id are required")
	}
	key := provider + "__" + eventID
	return strings.ReplaceAll(key, "/", "_"), nil
}
