package domain

import (
	"errors"
	"testing"
)

func TestCalculateTotalsBreakdown(t *testing.T) {
	policy := TotalsPolicy{TaxRate: 0.1, FreeShippingThreshold: 5000, FlatShippingFee: 599}

	totals, err := CalculateTotals([]TotalsLine{{UnitPrice: 2000, Quantity: 2}}, 0, policy)
	if err != nil {
		t.Fatalf("CalculateTotals returned error: %v", err)
	}
	if totals.Subtotal != 4000 {
		t.Fatalf("expected subtotal 4000 got %d", totals.Subtotal)
	}
	if totals.Tax != 400 {
		t.Fatalf("expected tax 400 got %d", totals.Tax)
	}
	if totals.Shipping != 599 {
		t.Fatalf("expected flat shipping 599 got %d", totals.Shipping)
	}
	if totals.GrandTotal != 4999 {
		t.Fatalf("expected grand total 4999 got %d", totals.GrandTotal)
	}
}

func TestCalculateTotalsFreeShippingThreshold(t *testing.T) {
	policy := TotalsPolicy{TaxRate: 0.08, FreeShippingThreshold: 5000, FlatShippingFee: 750}

	totals, err := CalculateTotals([]TotalsLine{{UnitPrice: 2500, Quantity: 2}}, 0, policy)
	if err != nil {
		t.Fatalf("CalculateTotals returned error: %v", err)
	}
	if totals.Shipping != 0 {
		t.Fatalf("expected free shipping at threshold got %d", totals.Shipping)
	}

	totals, err = CalculateTotals([]TotalsLine{{UnitPrice: 2500, Quantity: 2}}, 100, policy)
	if err != nil {
		t.Fatalf("CalculateTotals returned error: %v", err)
	}
	if totals.Shipping != 750 {
		t.Fatalf("expected flat fee once discount drops net below threshold got %d", totals.Shipping)
	}
}

func TestCalculateTotalsDiscountAppliedBeforeTax(t *testing.T) {
	policy := TotalsPolicy{TaxRate: 0.1, FreeShippingThreshold: 100000, FlatShippingFee: 500}

	totals, err := CalculateTotals([]TotalsLine{{UnitPrice: 1000, Quantity: 3}}, 1000, policy)
	if err != nil {
		t.Fatalf("CalculateTotals returned error: %v", err)
	}
	if totals.Tax != 200 {
		t.Fatalf("expected tax on discounted subtotal got %d", totals.Tax)
	}
	if totals.GrandTotal != 2700 {
		t.Fatalf("expected grand total 2700 got %d", totals.GrandTotal)
	}
}

func TestCalculateTotalsIdentityHolds(t *testing.T) {
	policy := TotalsPolicy{TaxRate: 0.0825, FreeShippingThreshold: 7500, FlatShippingFee: 649}
	cases := [][]TotalsLine{
		{{UnitPrice: 1, Quantity: 1}},
		{{UnitPrice: 999, Quantity: 3}, {UnitPrice: 1250, Quantity: 1}},
		{{UnitPrice: 0, Quantity: 5}},
		{{UnitPrice: 33333, Quantity: 2}, {UnitPrice: 17, Quantity: 9}},
	}
	for idx, lines := range cases {
		totals, err := CalculateTotals(lines, 0, policy)
		if err != nil {
			t.Fatalf("case %d: CalculateTotals returned error: %v", idx, err)
		}
		sum := totals.Subtotal - totals.Discount + totals.Tax + totals.Shipping
		if totals.GrandTotal != sum {
			t.Fatalf("case %d: grand total %d does not match components %d", idx, totals.GrandTotal, sum)
		}
	}
}

func TestCalculateTotalsRejectsInvalidInput(t *testing.T) {
	policy := TotalsPolicy{TaxRate: 0.1, FreeShippingThreshold: 5000, FlatShippingFee: 599}

	cases := map[string]struct {
		lines    []TotalsLine
		discount int64
	}{
		"zero quantity":            {lines: []TotalsLine{{UnitPrice: 100, Quantity: 0}}},
		"negative quantity":        {lines: []TotalsLine{{UnitPrice: 100, Quantity: -2}}},
		"negative unit price":      {lines: []TotalsLine{{UnitPrice: -100, Quantity: 1}}},
		"negative discount":        {lines: []TotalsLine{{UnitPrice: 100, Quantity: 1}}, discount: -1},
		"discount beyond subtotal": {lines: []TotalsLine{{UnitPrice: 100, Quantity: 1}}, discount: 101},
	}

	for name, tc := range cases {
		if _, err := CalculateTotals(tc.lines, tc.discount, policy); !errors.Is(err, ErrTotalsInvalidInput) {
			t.Fatalf("%s: expected ErrTotalsInvalidInput got %v", name, err)
		}
	}
}
