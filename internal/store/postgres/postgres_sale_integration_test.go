package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cardstock/backend/internal/domain"
)

func TestDirectSaleAndMergeFlow(t *testing.T) {
	databaseURL := os.Getenv("CARDSTOCK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CARDSTOCK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	purchaseA := fmt.Sprintf("pur-it-a-%d", stamp)
	purchaseB := fmt.Sprintf("pur-it-b-%d", stamp)
	lotA := fmt.Sprintf("lot-it-a-%d", stamp)
	lotB := fmt.Sprintf("lot-it-b-%d", stamp)
	saleID := fmt.Sprintf("sal-it-%d", stamp)
	lineID := fmt.Sprintf("lin-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM allocations WHERE sale_line_id = $1`, lineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE lot_id IN ($1, $2)`, lotA, lotB)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lots WHERE id IN ($1, $2)`, lotA, lotB)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchases WHERE id IN ($1, $2)`, purchaseA, purchaseB)
	})

	now := time.Now().UTC()
	for _, id := range []string{purchaseA, purchaseB} {
		if _, err := s.CreatePurchase(ctx, domain.Purchase{
			ID:             id,
			Label:          "integration lot purchase",
			TotalCostCents: 50000,
			Status:         domain.PurchaseStatusOpen,
			PurchasedAt:    now,
		}); err != nil {
			t.Fatalf("create purchase %s: %v", id, err)
		}
	}

	for _, id := range []string{lotA, lotB} {
		if _, err := s.CreateLot(ctx, domain.Lot{
			ID:            id,
			CardName:      "Seething Wyrm",
			Condition:     "NM",
			TotalQuantity: 10,
			Status:        domain.LotStatusListed,
			ForSale:       true,
		}, purchaseA); err != nil {
			t.Fatalf("create lot %s: %v", id, err)
		}
	}

	// Second purchase tops up lot A so allocations must split across both.
	if _, err := s.AddLotStock(ctx, lotA, purchaseB, 5); err != nil {
		t.Fatalf("add lot stock: %v", err)
	}

	sale, err := s.CreateSale(ctx, domain.Sale{
		ID:   saleID,
		Kind: domain.SaleKindDirect,
		Lines: []domain.SaleLine{
			{ID: lineID, LotID: lotA, Qty: 6, UnitPriceCents: 900},
		},
		SubtotalCents: 5400,
		TotalCents:    5400,
		SoldAt:        now,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if len(sale.Lines) != 1 || sale.Lines[0].SaleID != saleID {
		t.Fatalf("sale lines not linked: %+v", sale.Lines)
	}

	err = s.CreateAllocations(ctx, lineID, []domain.Allocation{
		{PurchaseID: purchaseA, Qty: 4},
		{PurchaseID: purchaseB, Qty: 2},
	})
	if err != nil {
		t.Fatalf("create allocations: %v", err)
	}

	merged, err := s.MergeLots(ctx, lotB, lotA)
	if err != nil {
		t.Fatalf("merge lots: %v", err)
	}
	if merged.TotalQuantity != 25 {
		t.Fatalf("expected merged quantity 25, got %d", merged.TotalQuantity)
	}

	entries, err := s.ContributionsFor(ctx, lotB)
	if err != nil {
		t.Fatalf("contributions: %v", err)
	}
	total := 0
	for _, entry := range entries {
		total += entry.QuantityContributed
	}
	if total != 25 {
		t.Fatalf("expected ledger conservation at 25, got %d", total)
	}

	fetched, err := s.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if fetched.Lines[0].LotID != lotB {
		t.Fatalf("expected sale line repointed to %s, got %s", lotB, fetched.Lines[0].LotID)
	}
	if len(fetched.Lines[0].Allocations) != 2 {
		t.Fatalf("expected 2 allocations attached, got %d", len(fetched.Lines[0].Allocations))
	}
}
