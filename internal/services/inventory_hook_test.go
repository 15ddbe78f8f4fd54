package services

import (
	"context"
	"testing"

	domain "github.com/brightcart/api/internal/domain"
)

func TestRestockInventoryHookLogsReleasedStock(t *testing.T) {
	var events []string
	var fields map[string]any
	hook := NewRestockInventoryHook(func(_ context.Context, event string, f map[string]any) {
		events = append(events, event)
		fields = f
	})

	order := domain.Order{
		ID: "ord_01STOCK",
		Items: []domain.OrderLineItem{
			{SKU: "sku-1", Quantity: 2},
			{SKU: "sku-2", Quantity: 3},
		},
	}

	hook.OrderPaymentApplied(context.Background(), order, domain.PaymentOutcome{Kind: domain.OutcomeCanceled})

	if len(events) != 1 || events[0] != "inventory.restock.requested" {
		t.Fatalf("unexpected events: %v", events)
	}
	if fields["units"] != 5 {
		t.Fatalf("expected 5 units, got %v", fields["units"])
	}
	if fields["order_id"] != "ord_01STOCK" {
		t.Fatalf("unexpected order id: %v", fields["order_id"])
	}
}

func TestRestockInventoryHookIgnoresNonReleasingOutcomes(t *testing.T) {
	var events []string
	hook := NewRestockInventoryHook(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	})

	order := domain.Order{ID: "ord_01STOCK", Items: []domain.OrderLineItem{{SKU: "sku-1", Quantity: 1}}}

	hook.OrderPaymentApplied(context.Background(), order, domain.PaymentOutcome{Kind: domain.OutcomeSucceeded})
	hook.OrderPaymentApplied(context.Background(), order, domain.PaymentOutcome{Kind: domain.OutcomeFailed})

	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestRestockInventoryHookToleratesNilLogger(t *testing.T) {
	hook := NewRestockInventoryHook(nil)
	hook.OrderPaymentApplied(context.Background(), domain.Order{}, domain.PaymentOutcome{Kind: domain.OutcomeRefunded})
}
