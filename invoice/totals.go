package invoice

import (
	"fmt"
	"math"
	"strings"

	"tradeflow/apperr"
	"tradeflow/variation"
)

const (
	maxItems             = 100
	maxDescriptionLength = 500
	maxNotesLength       = 4000
	maxQuantity          = 10_000
)

// PayableTotal is the accepted quote price plus every approved variation.
func PayableTotal(quotePriceCents int64, approved []variation.Variation) int64 {
	total := quotePriceCents
	for _, v := range approved {
		total += v.AmountCents
	}
	return total
}

// DeriveItems builds one line for the quote and one per approved variation.
func DeriveItems(quotePriceCents int64, approved []variation.Variation) []Item {
	items := make([]Item, 0, len(approved)+1)
	items = append(items, Item{
		Position:       1,
		Description:    "Accepted quote",
		Quantity:       1,
		UnitPriceCents: quotePriceCents,
		LineTotalCents: quotePriceCents,
	})
	for i, v := range approved {
		items = append(items, Item{
			Position:       i + 2,
			Description:    "Variation: " + v.Title,
			Quantity:       1,
			UnitPriceCents: v.AmountCents,
			LineTotalCents: v.AmountCents,
		})
	}
	return items
}

// BuildItems validates caller lines and computes their totals.
func BuildItems(in []ItemInput) ([]Item, error) {
	if len(in) > maxItems {
		return nil, apperr.ValidationField("items", fmt.Sprintf("at most %d items are allowed", maxItems))
	}
	items := make([]Item, 0, len(in))
	for i, it := range in {
		desc := strings.TrimSpace(it.Description)
		switch {
		case desc == "":
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].description", i), "description is required")
		case len(desc) > maxDescriptionLength:
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].description", i), "description is too long")
		case it.Quantity <= 0:
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		case it.Quantity > maxQuantity:
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("quantity cannot exceed %d", maxQuantity))
		case it.UnitPriceCents < 0:
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].unit_price_cents", i), "unit price cannot be negative")
		case it.UnitPriceCents > math.MaxInt64/it.Quantity:
			return nil, apperr.ValidationField(fmt.Sprintf("items[%d].unit_price_cents", i), "line total is out of range")
		}
		items = append(items, Item{
			Position:       i + 1,
			Description:    desc,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			LineTotalCents: it.Quantity * it.UnitPriceCents,
		})
	}
	return items, nil
}

// SumItems adds the line totals. A sum past int64 is a validation error.
func SumItems(items []Item) (int64, error) {
	var sum int64
	for i, it := range items {
		if it.LineTotalCents < 0 || it.LineTotalCents > math.MaxInt64-sum {
			return 0, apperr.ValidationField(fmt.Sprintf("items[%d].line_total_cents", i), "invoice lines are out of range")
		}
		sum += it.LineTotalCents
	}
	return sum, nil
}

// SplitGST splits a GST-inclusive total. Tax is one eleventh, rounded half up.
func SplitGST(totalCents int64, enabled bool) Totals {
	if !enabled || totalCents <= 0 {
		return Totals{SubtotalCents: totalCents, TotalCents: totalCents}
	}
	tax := (2*totalCents + 11) / 22
	return Totals{SubtotalCents: totalCents - tax, TaxCents: tax, TotalCents: totalCents}
}

// compose resolves the lines and totals for a draft. The payable total is
// authoritative: a diverging client total or item sum is rejected.
func compose(quotePriceCents int64, approved []variation.Variation, in []ItemInput, clientTotal *int64, gst bool) ([]Item, Totals, error) {
	total := PayableTotal(quotePriceCents, approved)
	if clientTotal != nil && *clientTotal != total {
		return nil, Totals{}, apperr.ValidationField("total_cents",
			fmt.Sprintf("total must equal the accepted quote plus approved variations (%d cents)", total))
	}

	var items []Item
	if len(in) == 0 {
		items = DeriveItems(quotePriceCents, approved)
	} else {
		built, err := BuildItems(in)
		if err != nil {
			return nil, Totals{}, err
		}
		items = built
	}
	sum, err := SumItems(items)
	if err != nil {
		return nil, Totals{}, err
	}
	if sum != total {
		return nil, Totals{}, apperr.ValidationField("items",
			fmt.Sprintf("items sum to %d cents but the payable total is %d cents", sum, total))
	}
	return items, SplitGST(total, gst), nil
}
