// Package allocation holds the pure attribution arithmetic: splitting
// sold quantities across contributing purchases, reconstructing
// attribution for sales recorded before allocations existed, and
// apportioning order-level money by quantity share. Nothing here
// touches storage; callers pass in everything needed.
package allocation

import "cardstock/backend/internal/domain"

// Split is one purchase's share of a sale line.
type Split struct {
	PurchaseID string
	Qty        int
}

// SplitExact distributes qty across ledger entries proportionally to
// their contributed quantities. Entries must be in creation order; all
// shares are floored except the last entry, which receives the
// remainder, so the shares always sum to exactly qty. Returns nil when
// there are no entries or no contributed quantity to base shares on.
func SplitExact(qty int, entries []domain.LedgerEntry) []Split {
	if qty <= 0 || len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return []Split{{PurchaseID: entries[0].PurchaseID, Qty: qty}}
	}
	total := 0
	for _, entry := range entries {
		total += entry.QuantityContributed
	}
	if total <= 0 {
		return nil
	}
	splits := make([]Split, 0, len(entries))
	assigned := 0
	for i, entry := range entries {
		share := 0
		if i == len(entries)-1 {
			share = qty - assigned
		} else {
			share = qty * entry.QuantityContributed / total
		}
		assigned += share
		splits = append(splits, Split{PurchaseID: entry.PurchaseID, Qty: share})
	}
	return splits
}

// LegacyProportion derives the fraction of a lot's sold units that
// belong to a purchase which contributed originalQty, for sales that
// carry no allocation rows. While the lot still holds stock the basis
// is the current quantity. Once the lot is fully depleted the current
// quantity carries no information, so the total sold quantity stands
// in as the original size. This reconstruction is deliberately
// approximate and must stay separate from the exact path.
func LegacyProportion(originalQty, currentQty, totalSold int) float64 {
	if originalQty <= 0 {
		return 0
	}
	if currentQty > 0 {
		return float64(originalQty) / float64(currentQty)
	}
	if totalSold > 0 {
		return float64(originalQty) / float64(totalSold)
	}
	return 0
}

// ReconstructQty applies a legacy proportion to a sold quantity,
// flooring so reconstruction under-counts rather than over-counts.
func ReconstructQty(soldQty int, proportion float64) int {
	if soldQty <= 0 || proportion <= 0 {
		return 0
	}
	attributed := int(float64(soldQty) * proportion)
	if attributed > soldQty {
		attributed = soldQty
	}
	return attributed
}

// ApportionCents gives a purchase its quantity-weighted share of an
// order-level amount, floored. amount may be fees, discount-adjusted
// revenue, or consumable cost; the same split is used for all three.
func ApportionCents(amountCents int64, allocatedQty, totalQtyInOrder int) int64 {
	if amountCents == 0 || allocatedQty <= 0 || totalQtyInOrder <= 0 {
		return 0
	}
	return amountCents * int64(allocatedQty) / int64(totalQtyInOrder)
}

// AllocatedToPurchase sums the stored allocation quantities on a sale
// line that name the given purchase.
func AllocatedToPurchase(line domain.SaleLine, purchaseID string) int {
	total := 0
	for _, alloc := range line.Allocations {
		if alloc.PurchaseID == purchaseID {
			total += alloc.Qty
		}
	}
	return total
}

// AllocationSum is the total stored allocation quantity on a line,
// used to detect overruns against the line quantity.
func AllocationSum(line domain.SaleLine) int {
	total := 0
	for _, alloc := range line.Allocations {
		total += alloc.Qty
	}
	return total
}
