package domain

import (
	"errors"
	"fmt"
	"math"
)

// ErrTotalsInvalidInput signals bad pricing input such as negative prices or
// a discount exceeding the subtotal.
var ErrTotalsInvalidInput = errors.New("totals: invalid input")

// TotalsPolicy carries the storefront pricing rules applied at checkout.
// TaxRate applies to the discounted subtotal; shipping is free once the
// discounted subtotal reaches FreeShippingThreshold.
type TotalsPolicy struct {
	TaxRate               float64
	FreeShippingThreshold int64
	FlatShippingFee       int64
}

// TotalsLine is the pricing-relevant slice of a line item.
type TotalsLine struct {
	UnitPrice int64
	Quantity  int
}

// CalculateTotals derives the order totals from line items, a discount amount
// and the pricing policy. Pure and deterministic; it is the single source of
// truth for totals, re-run whenever line items change. All amounts are in
// currency minor units and tax is rounded half-up to the nearest minor unit.
func CalculateTotals(lines []TotalsLine, discount int64, policy TotalsPolicy) (OrderTotals, error) {
	if discount < 0 {
		return OrderTotals{}, fmt.Errorf("%w: discount cannot be negative", ErrTotalsInvalidInput)
	}
	if policy.TaxRate < 0 {
		return OrderTotals{}, fmt.Errorf("%w: tax rate cannot be negative", ErrTotalsInvalidInput)
	}
	if policy.FlatShippingFee < 0 {
		return OrderTotals{}, fmt.Errorf("%w: shipping fee cannot be negative", ErrTotalsInvalidInput)
	}

	var subtotal int64
	for idx, line := range lines {
		if line.Quantity < 1 {
			return OrderTotals{}, fmt.Errorf("%w: line %d quantity must be at least 1", ErrTotalsInvalidInput, idx)
		}
		if line.UnitPrice < 0 {
			return OrderTotals{}, fmt.Errorf("%w: line %d unit price cannot be negative", ErrTotalsInvalidInput, idx)
		}
		quantity := int64(line.Quantity)
		if line.UnitPrice > 0 && line.UnitPrice > math.MaxInt64/quantity {
			return OrderTotals{}, fmt.Errorf("%w: line %d subtotal overflow", ErrTotalsInvalidInput, idx)
		}
		lineTotal := line.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineTotal {
			return OrderTotals{}, fmt.Errorf("%w: subtotal overflow", ErrTotalsInvalidInput)
		}
		subtotal += lineTotal
	}

	if discount > subtotal {
		return OrderTotals{}, fmt.Errorf("%w: discount exceeds subtotal", ErrTotalsInvalidInput)
	}

	net := subtotal - discount
	tax := int64(math.Round(float64(net) * policy.TaxRate))

	shipping := policy.FlatShippingFee
	if net >= policy.FreeShippingThreshold {
		shipping = 0
	}

	return OrderTotals{
		Subtotal:   subtotal,
		Discount:   discount,
		Tax:        tax,
		Shipping:   shipping,
		GrandTotal: net + tax + shipping,
	}, nil
}
