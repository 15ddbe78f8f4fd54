package services

import (
	"context"

	domain "github.com/brightcart/api/internal/domain"
)

// restockInventoryHook emits restock signals for transitions that release
// reserved stock. It never fails; a missed restock is reconciled by the
// nightly stock count.
type restockInventoryHook struct {
	logger Logger
}

var _ InventoryHook = (*restockInventoryHook)(nil)

// NewRestockInventoryHook builds the default inventory collaborator. A nil
// logger yields a no-op hook.
func NewRestockInventoryHook(logger Logger) InventoryHook {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &restockInventoryHook{logger: logger}
}

// OrderPaymentApplied implements InventoryHook. Only cancellations and
// refunds release stock; other transitions are ignored.
func (h *restockInventoryHook) OrderPaymentApplied(ctx context.Context, order Order, outcome PaymentOutcome) {
	if outcome.Kind != domain.OutcomeCanceled && outcome.Kind != domain.OutcomeRefunded {
		return
	}

	units := 0
	for _, item := range order.Items {
		units += item.Quantity
	}
	h.logger(ctx, "inventory.restock.requested", map[string]any{
		"order_id": order.ID,
		"reason":   string(outcome.Kind),
		"units":    units,
	})
}
