package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cardstock/backend/internal/domain"
	"cardstock/backend/internal/store"
	"cardstock/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, 0)
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: "manager"})
}

func clerkCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "clerk", Role: "clerk"})
}

func TestRecordSaleSplitsAcrossContributingPurchases(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	// Second purchase tops up the dragon lot, so a sale must be split
	// across both contributors in ledger order.
	_, err := svc.AddLotStock(ctx, "lot-seed-dragon", domain.LotStockRequest{
		PurchaseID: "pur-seed-box",
		Quantity:   6,
	})
	if err != nil {
		t.Fatalf("add stock failed: %v", err)
	}

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 6, UnitPriceCents: 1500},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if sale.TotalCents != 9000 {
		t.Fatalf("expected total 9000, got %d", sale.TotalCents)
	}
	if len(sale.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(sale.Lines))
	}

	allocs := sale.Lines[0].Allocations
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	// Ledger is binder 12 then box 6; 6 sold units floor to 4 for the
	// first contributor and the remainder goes to the last.
	if allocs[0].PurchaseID != "pur-seed-binder" || allocs[0].Qty != 4 {
		t.Fatalf("expected binder share 4, got %s=%d", allocs[0].PurchaseID, allocs[0].Qty)
	}
	if allocs[1].PurchaseID != "pur-seed-box" || allocs[1].Qty != 2 {
		t.Fatalf("expected box share 2, got %s=%d", allocs[1].PurchaseID, allocs[1].Qty)
	}
	if allocs[0].Qty+allocs[1].Qty != sale.Lines[0].Qty {
		t.Fatalf("allocations do not sum to line qty")
	}
}

func TestRecordSaleInsufficientStock(t *testing.T) {
	svc := newTestService()

	_, err := svc.RecordSale(clerkCtx(), domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 50, UnitPriceCents: 1500},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected availability detail on error")
	}
	if detail.LotID != "lot-seed-dragon" || detail.Requested != 50 || detail.Available != 12 {
		t.Fatalf("unexpected conflict detail: %+v", detail)
	}
}

func TestRecordSaleExplicitAllocations(t *testing.T) {
	svc := newTestService()
	ctx := clerkCtx()

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{
				LotID:          "lot-seed-dragon",
				Qty:            3,
				UnitPriceCents: 1500,
				Allocations:    []domain.AllocationRequest{{PurchaseID: "pur-seed-binder", Qty: 3}},
			},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if len(sale.Lines[0].Allocations) != 1 || sale.Lines[0].Allocations[0].PurchaseID != "pur-seed-binder" {
		t.Fatalf("expected explicit allocation to binder, got %+v", sale.Lines[0].Allocations)
	}

	// Explicit splits must cover the line quantity exactly.
	_, err = svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{
				LotID:          "lot-seed-dragon",
				Qty:            3,
				UnitPriceCents: 1500,
				Allocations:    []domain.AllocationRequest{{PurchaseID: "pur-seed-binder", Qty: 2}},
			},
		},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for short allocation, got %v", err)
	}

	// A purchase that never contributed to the lot cannot be named.
	_, err = svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{
				LotID:          "lot-seed-dragon",
				Qty:            2,
				UnitPriceCents: 1500,
				Allocations:    []domain.AllocationRequest{{PurchaseID: "pur-seed-trade", Qty: 2}},
			},
		},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for non-contributor, got %v", err)
	}
}

func TestRecordSaleRejectsBadSoldAt(t *testing.T) {
	svc := newTestService()

	_, err := svc.RecordSale(clerkCtx(), domain.SaleCreateRequest{
		SoldAt: "yesterday afternoon",
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 1, UnitPriceCents: 1500},
		},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for bad sold_at, got %v", err)
	}
}

func TestAvailabilityReflectsBundleReservation(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	_, err := svc.CreateBundle(ctx, domain.BundleCreateRequest{
		Name:              "Dragon starter",
		PriceCents:        5000,
		QuantityAvailable: 2,
		Activate:          true,
		Items:             []domain.BundleItem{{LotID: "lot-seed-dragon", QuantityPerBundle: 3}},
	})
	if err != nil {
		t.Fatalf("create bundle failed: %v", err)
	}

	availability, err := svc.Availability(ctx, "lot-seed-dragon")
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if availability.ReservedByBundles != 6 || availability.Available != 6 {
		t.Fatalf("expected 6 reserved and 6 available, got %+v", availability)
	}
	if availability.Shortfall != 0 {
		t.Fatalf("expected no shortfall, got %d", availability.Shortfall)
	}

	// Direct sales cannot dip into units reserved by an active bundle.
	_, err = svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 7, UnitPriceCents: 1500},
		},
	})
	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if detail.Available != 6 || detail.ReservedByBundles != 6 {
		t.Fatalf("unexpected conflict detail: %+v", detail)
	}
}

func TestBundleLifecycleSellsOut(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	bundle, err := svc.CreateBundle(ctx, domain.BundleCreateRequest{
		Name:              "DRG mixed pack",
		PriceCents:        5000,
		QuantityAvailable: 2,
		Activate:          true,
		Items: []domain.BundleItem{
			{LotID: "lot-seed-dragon", QuantityPerBundle: 2},
			{LotID: "lot-seed-knight", QuantityPerBundle: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bundle failed: %v", err)
	}

	sale, err := svc.SellBundle(ctx, bundle.ID, domain.BundleSellRequest{Instances: 2})
	if err != nil {
		t.Fatalf("sell bundle failed: %v", err)
	}
	if sale.Kind != domain.SaleKindBundle || sale.Instances != 2 {
		t.Fatalf("expected bundle sale of 2 instances, got kind=%s instances=%d", sale.Kind, sale.Instances)
	}
	if sale.TotalCents != 10000 {
		t.Fatalf("expected total 10000, got %d", sale.TotalCents)
	}
	if len(sale.Lines) != 2 {
		t.Fatalf("expected one line per component lot, got %d", len(sale.Lines))
	}
	for _, line := range sale.Lines {
		if len(line.Allocations) == 0 {
			t.Fatalf("expected allocations on line for lot %s", line.LotID)
		}
	}

	sold, err := svc.GetBundle(ctx, bundle.ID)
	if err != nil {
		t.Fatalf("get bundle failed: %v", err)
	}
	if sold.Status != domain.BundleStatusSold || sold.QuantityAvailable != 0 {
		t.Fatalf("expected sold-out bundle, got status=%s qty=%d", sold.Status, sold.QuantityAvailable)
	}

	_, err = svc.SellBundle(ctx, bundle.ID, domain.BundleSellRequest{Instances: 1})
	if !errors.Is(err, store.ErrInsufficientBundleStock) {
		t.Fatalf("expected insufficient bundle stock, got %v", err)
	}
}

func TestSellBundleRejectsDraft(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	bundle, err := svc.CreateBundle(ctx, domain.BundleCreateRequest{
		Name:              "Unreleased pack",
		PriceCents:        2000,
		QuantityAvailable: 1,
		Items:             []domain.BundleItem{{LotID: "lot-seed-knight", QuantityPerBundle: 2}},
	})
	if err != nil {
		t.Fatalf("create bundle failed: %v", err)
	}
	if bundle.Status != domain.BundleStatusDraft {
		t.Fatalf("expected draft bundle, got %s", bundle.Status)
	}

	_, err = svc.SellBundle(ctx, bundle.ID, domain.BundleSellRequest{Instances: 1})
	if !errors.Is(err, store.ErrInsufficientBundleStock) {
		t.Fatalf("expected draft bundle to refuse sale, got %v", err)
	}
}

func TestBundleActivationValidatesReservation(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	// 5 instances of 3 dragons each need 15 units against 12 on hand.
	bundle, err := svc.CreateBundle(ctx, domain.BundleCreateRequest{
		Name:              "Oversized pack",
		PriceCents:        9000,
		QuantityAvailable: 5,
		Items:             []domain.BundleItem{{LotID: "lot-seed-dragon", QuantityPerBundle: 3}},
	})
	if err != nil {
		t.Fatalf("create draft bundle failed: %v", err)
	}

	_, err = svc.SetBundleStatus(ctx, bundle.ID, domain.BundleStatusActive)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected activation to fail on reservation, got %v", err)
	}
}

func TestMergeLotsCarriesProvenance(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	source, err := svc.IntakeLot(ctx, domain.LotIntakeRequest{
		PurchaseID:     "pur-seed-box",
		CardName:       "Ancient Dragon",
		SetCode:        "DRG",
		Condition:      "NM",
		Quantity:       5,
		ListPriceCents: 1400,
		ForSale:        true,
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}

	merged, err := svc.MergeLots(ctx, "lot-seed-dragon", source.ID)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged.TotalQuantity != 17 {
		t.Fatalf("expected merged quantity 17, got %d", merged.TotalQuantity)
	}

	entries, err := svc.Contributions(ctx, "lot-seed-dragon")
	if err != nil {
		t.Fatalf("contributions failed: %v", err)
	}
	total := 0
	byPurchase := map[string]int{}
	for _, entry := range entries {
		total += entry.QuantityContributed
		byPurchase[entry.PurchaseID] += entry.QuantityContributed
	}
	if total != 17 {
		t.Fatalf("expected ledger to conserve 17 units, got %d", total)
	}
	if byPurchase["pur-seed-binder"] != 12 || byPurchase["pur-seed-box"] != 5 {
		t.Fatalf("unexpected per-purchase contributions: %v", byPurchase)
	}

	if _, err := svc.GetLot(ctx, source.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected source lot to be gone, got %v", err)
	}
}

func TestMergeLotsRejectsDifferentCards(t *testing.T) {
	svc := newTestService()

	_, err := svc.MergeLots(managerCtx(), "lot-seed-dragon", "lot-seed-knight")
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for mismatched cards, got %v", err)
	}
}

func TestMergeLotsRequiresManagerRole(t *testing.T) {
	svc := newTestService()

	_, err := svc.MergeLots(clerkCtx(), "lot-seed-dragon", "lot-seed-knight")
	if err == nil || !containsRoleError(err) {
		t.Fatalf("expected role error for clerk, got %v", err)
	}
}

func TestProfitReportAfterSale(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		FeesCents:     250,
		ShippingCents: 100,
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 6, UnitPriceCents: 1500},
		},
		Consumables: []domain.SaleConsumableRequest{
			{ConsumableID: "con-seed-sleeve", Qty: 6},
			{ConsumableID: "con-seed-topload", Qty: 6},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	report, err := svc.ProfitForPurchase(ctx, "pur-seed-binder")
	if err != nil {
		t.Fatalf("profit failed: %v", err)
	}
	if report.RevenueCents != 9000 {
		t.Fatalf("expected revenue 9000, got %d", report.RevenueCents)
	}
	if report.ConsumablesCostCents != 120 {
		t.Fatalf("expected consumables cost 120, got %d", report.ConsumablesCostCents)
	}
	if report.FeesCents != 350 {
		t.Fatalf("expected fees 350, got %d", report.FeesCents)
	}
	// Fees are reported alongside profit, never subtracted from it.
	want := report.RevenueCents - report.CostCents - report.ConsumablesCostCents
	if report.NetProfitCents != want {
		t.Fatalf("expected net profit %d, got %d", want, report.NetProfitCents)
	}
	if report.CardsSold != 6 || report.CardsTotal != 20 {
		t.Fatalf("expected 6 of 20 cards sold, got %d of %d", report.CardsSold, report.CardsTotal)
	}
	if report.ROIPercent >= 0 {
		t.Fatalf("expected negative ROI on a partial sell-through, got %f", report.ROIPercent)
	}
}

func TestProfitReportForPurchaseWithNoSales(t *testing.T) {
	svc := newTestService()

	report, err := svc.ProfitForPurchase(managerCtx(), "pur-seed-trade")
	if err != nil {
		t.Fatalf("profit failed: %v", err)
	}
	if report.RevenueCents != 0 || report.CardsSold != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if report.NetProfitCents != -3000 {
		t.Fatalf("expected full cost as loss, got %d", report.NetProfitCents)
	}
	if report.ROIPercent != -100 {
		t.Fatalf("expected -100%% ROI, got %f", report.ROIPercent)
	}
}

type recordingCache struct {
	values  map[string]*domain.PurchaseProfit
	sets    int
	deletes []string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{values: map[string]*domain.PurchaseProfit{}}
}

func (c *recordingCache) Get(_ context.Context, key string) (*domain.PurchaseProfit, bool, error) {
	value, ok := c.values[key]
	return value, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value *domain.PurchaseProfit, _ time.Duration) error {
	c.sets++
	c.values[key] = value
	return nil
}

func (c *recordingCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.values, key)
		c.deletes = append(c.deletes, key)
	}
	return nil
}

func TestProfitCacheRoundTripAndInvalidation(t *testing.T) {
	rc := newRecordingCache()
	svc := New(memory.NewSeeded(), rc, time.Minute)
	ctx := managerCtx()

	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-box"); err != nil {
		t.Fatalf("profit failed: %v", err)
	}
	if rc.sets != 1 {
		t.Fatalf("expected one cache write, got %d", rc.sets)
	}

	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-box"); err != nil {
		t.Fatalf("cached profit failed: %v", err)
	}
	if rc.sets != 1 {
		t.Fatalf("expected second read to hit the cache, got %d writes", rc.sets)
	}

	// A stock movement against the purchase must drop the cached report.
	if _, err := svc.AddLotStock(ctx, "lot-seed-wisp", domain.LotStockRequest{PurchaseID: "pur-seed-box", Quantity: 3}); err != nil {
		t.Fatalf("add stock failed: %v", err)
	}
	if len(rc.deletes) == 0 || rc.deletes[len(rc.deletes)-1] != "cardstock:profit:pur-seed-box" {
		t.Fatalf("expected profit cache invalidation, got %v", rc.deletes)
	}

	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-box"); err != nil {
		t.Fatalf("profit after invalidation failed: %v", err)
	}
	if rc.sets != 2 {
		t.Fatalf("expected recompute after invalidation, got %d writes", rc.sets)
	}
}

func TestPurchaseCostLockedAfterAttribution(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-dragon", Qty: 1, UnitPriceCents: 1500},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	newCost := int64(50000)
	_, err = svc.UpdatePurchase(ctx, "pur-seed-binder", domain.PurchaseUpdateRequest{TotalCostCents: &newCost})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected cost change to be refused, got %v", err)
	}

	// Cosmetic fields stay editable.
	label := "Binder buyout (renegotiated)"
	updated, err := svc.UpdatePurchase(ctx, "pur-seed-binder", domain.PurchaseUpdateRequest{Label: &label})
	if err != nil {
		t.Fatalf("label update failed: %v", err)
	}
	if updated.Label != label {
		t.Fatalf("expected label %q, got %q", label, updated.Label)
	}
}

func TestIntakeRejectsClosedPurchase(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	_, err := svc.IntakeLot(ctx, domain.LotIntakeRequest{
		PurchaseID: "pur-seed-trade",
		CardName:   "Forgotten Relic",
		Condition:  "MP",
		Quantity:   4,
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected intake against closed purchase to fail, got %v", err)
	}

	_, err = svc.AddLotStock(ctx, "lot-seed-dragon", domain.LotStockRequest{PurchaseID: "pur-seed-trade", Quantity: 2})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected stock add against closed purchase to fail, got %v", err)
	}
}

func TestRestockConsumableWeightedAverage(t *testing.T) {
	svc := newTestService()

	// 240 on hand at 18c plus 60 at 30c works out to 20c, floored.
	updated, err := svc.RestockConsumable(managerCtx(), "con-seed-topload", domain.ConsumableRestockRequest{
		Qty:           60,
		UnitCostCents: 30,
	})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if updated.QuantityOnHand != 300 {
		t.Fatalf("expected 300 on hand, got %d", updated.QuantityOnHand)
	}
	if updated.UnitCostCents != 20 {
		t.Fatalf("expected weighted unit cost 20, got %d", updated.UnitCostCents)
	}

	_, err = svc.RestockConsumable(clerkCtx(), "con-seed-topload", domain.ConsumableRestockRequest{Qty: 1, UnitCostCents: 10})
	if err == nil || !containsRoleError(err) {
		t.Fatalf("expected role error for clerk restock, got %v", err)
	}
}

func TestRunIntegrityAuditOnConsistentData(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-knight", Qty: 3, UnitPriceCents: 400},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	report, err := svc.RunIntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues on consistent data, got %+v", report.Issues)
	}
	if report.LotsChecked != 3 || report.PurchasesChecked != 3 || report.SalesChecked != 1 {
		t.Fatalf("unexpected audit coverage: %+v", report)
	}

	if _, err := svc.RunIntegrityAudit(clerkCtx()); err == nil || !containsRoleError(err) {
		t.Fatalf("expected role error for clerk audit, got %v", err)
	}
}

func TestRunIntegrityAuditFlagsAllocationOverrun(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, nil, 0)
	ctx := managerCtx()

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-knight", Qty: 2, UnitPriceCents: 400},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	// The store accepts allocation rows without checking the line sum,
	// so a stray write can push attributions past the line quantity.
	lineID := sale.Lines[0].ID
	err = repo.CreateAllocations(context.Background(), lineID, []domain.Allocation{
		{PurchaseID: "pur-seed-binder", Qty: 5},
	})
	if err != nil {
		t.Fatalf("create allocations failed: %v", err)
	}

	report, err := svc.RunIntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", report.Issues)
	}
	issue := report.Issues[0]
	if issue.Code != "allocation_overrun" || issue.EntityType != "sale_line" || issue.EntityID != lineID {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestRunIntegrityAuditFlagsIncompleteAndOrphanAllocations(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, nil, 0)
	ctx := context.Background()

	// A sale written straight to the store carries no allocations; a
	// partial backfill naming a non-contributor produces both problems.
	_, err := repo.CreateSale(ctx, domain.Sale{
		ID:            "sal-backfill",
		Kind:          domain.SaleKindDirect,
		SubtotalCents: 1600,
		TotalCents:    1600,
		Lines: []domain.SaleLine{
			{ID: "lin-backfill", LotID: "lot-seed-knight", Qty: 4, UnitPriceCents: 400},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	err = repo.CreateAllocations(ctx, "lin-backfill", []domain.Allocation{
		{PurchaseID: "pur-seed-binder", Qty: 2},
		{PurchaseID: "pur-seed-trade", Qty: 1},
	})
	if err != nil {
		t.Fatalf("create allocations failed: %v", err)
	}

	report, err := svc.RunIntegrityAudit(managerCtx())
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	codes := map[string]domain.IntegrityIssue{}
	for _, issue := range report.Issues {
		codes[issue.Code] = issue
	}
	if len(codes) != 2 {
		t.Fatalf("expected incomplete and orphan issues, got %+v", report.Issues)
	}
	if issue, ok := codes["allocation_incomplete"]; !ok || issue.EntityID != "lin-backfill" {
		t.Fatalf("expected allocation_incomplete on the backfilled line, got %+v", report.Issues)
	}
	if issue, ok := codes["orphan_allocation"]; !ok || issue.EntityType != "allocation" {
		t.Fatalf("expected orphan_allocation for the trade purchase, got %+v", report.Issues)
	}
}

func TestRunIntegrityAuditFlagsOversoldPurchase(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, nil, 0)
	ctx := managerCtx()

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		Lines: []domain.SaleLineRequest{
			{LotID: "lot-seed-knight", Qty: 2, UnitPriceCents: 400},
		},
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	// Binder contributed 20 cards in total; 25 extra attributed units
	// push its cards_sold past everything it ever took in.
	err = repo.CreateAllocations(context.Background(), sale.Lines[0].ID, []domain.Allocation{
		{PurchaseID: "pur-seed-binder", Qty: 25},
	})
	if err != nil {
		t.Fatalf("create allocations failed: %v", err)
	}

	report, err := svc.RunIntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	codes := map[string]domain.IntegrityIssue{}
	for _, issue := range report.Issues {
		codes[issue.Code] = issue
	}
	if _, ok := codes["allocation_overrun"]; !ok {
		t.Fatalf("expected allocation_overrun, got %+v", report.Issues)
	}
	if issue, ok := codes["oversold_purchase"]; !ok || issue.EntityID != "pur-seed-binder" {
		t.Fatalf("expected oversold_purchase for binder, got %+v", report.Issues)
	}
}

// skewedUsageRepo reports fixed usage numbers for one lot, standing in
// for consumption rows that disagree with the lot's quantity.
type skewedUsageRepo struct {
	*memory.Store
	lotID string
	usage domain.LotUsage
}

func (r *skewedUsageRepo) GetLotUsage(ctx context.Context, lotID string) (*domain.LotUsage, error) {
	if lotID == r.lotID {
		usage := r.usage
		return &usage, nil
	}
	return r.Store.GetLotUsage(ctx, lotID)
}

func TestAvailabilityReportsShortfall(t *testing.T) {
	repo := &skewedUsageRepo{
		Store: memory.NewSeeded(),
		lotID: "lot-seed-dragon",
		usage: domain.LotUsage{SoldQty: 10, ReservedByBundles: 4},
	}
	svc := New(repo, nil, 0)

	availability, err := svc.Availability(managerCtx(), "lot-seed-dragon")
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	// 12 on record against 14 consumed: the deficit is reported, not
	// hidden behind the zero clamp.
	if availability.Available != 0 {
		t.Fatalf("expected clamped availability 0, got %d", availability.Available)
	}
	if availability.Shortfall != 2 {
		t.Fatalf("expected shortfall 2, got %d", availability.Shortfall)
	}
	if availability.SoldQty != 10 || availability.ReservedByBundles != 4 {
		t.Fatalf("unexpected usage echo: %+v", availability)
	}
}

func TestRunIntegrityAuditFlagsNegativeAvailability(t *testing.T) {
	repo := &skewedUsageRepo{
		Store: memory.NewSeeded(),
		lotID: "lot-seed-dragon",
		usage: domain.LotUsage{SoldQty: 10, ReservedByBundles: 4},
	}
	svc := New(repo, nil, 0)

	report, err := svc.RunIntegrityAudit(managerCtx())
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", report.Issues)
	}
	issue := report.Issues[0]
	if issue.Code != "negative_availability" || issue.EntityID != "lot-seed-dragon" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

// ledgerOverrideRepo swaps out one lot's contribution entries, standing
// in for ledger rows dropped or edited out of band.
type ledgerOverrideRepo struct {
	*memory.Store
	lotID   string
	entries []domain.LedgerEntry
}

func (r *ledgerOverrideRepo) ContributionsFor(ctx context.Context, lotID string) ([]domain.LedgerEntry, error) {
	if lotID == r.lotID {
		return r.entries, nil
	}
	return r.Store.ContributionsFor(ctx, lotID)
}

func TestRunIntegrityAuditFlagsLedgerConservation(t *testing.T) {
	repo := &ledgerOverrideRepo{
		Store: memory.NewSeeded(),
		lotID: "lot-seed-dragon",
		entries: []domain.LedgerEntry{
			{ID: "led-short", LotID: "lot-seed-dragon", PurchaseID: "pur-seed-binder", QuantityContributed: 5},
		},
	}
	svc := New(repo, nil, 0)

	report, err := svc.RunIntegrityAudit(managerCtx())
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", report.Issues)
	}
	issue := report.Issues[0]
	if issue.Code != "ledger_conservation" || issue.EntityID != "lot-seed-dragon" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestRunIntegrityAuditFlagsMissingPurchase(t *testing.T) {
	repo := &ledgerOverrideRepo{
		Store: memory.NewSeeded(),
		lotID: "lot-seed-dragon",
		entries: []domain.LedgerEntry{
			{ID: "led-a", LotID: "lot-seed-dragon", PurchaseID: "pur-seed-binder", QuantityContributed: 12},
			{ID: "led-b", LotID: "lot-seed-dragon", PurchaseID: "pur-ghost", QuantityContributed: 3},
		},
	}
	svc := New(repo, nil, 0)

	report, err := svc.RunIntegrityAudit(managerCtx())
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", report.Issues)
	}
	issue := report.Issues[0]
	if issue.Code != "missing_purchase" || issue.EntityID != "pur-ghost" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func cacheKeysContain(keys []string, wanted ...string) bool {
	seen := map[string]bool{}
	for _, key := range keys {
		seen[key] = true
	}
	for _, key := range wanted {
		if !seen[key] {
			return false
		}
	}
	return true
}

func TestMergeLotsInvalidatesContributorProfits(t *testing.T) {
	rc := newRecordingCache()
	svc := New(memory.NewSeeded(), rc, time.Minute)
	ctx := managerCtx()

	source, err := svc.IntakeLot(ctx, domain.LotIntakeRequest{
		PurchaseID: "pur-seed-box",
		CardName:   "Ancient Dragon",
		SetCode:    "DRG",
		Condition:  "NM",
		Quantity:   5,
	})
	if err != nil {
		t.Fatalf("intake failed: %v", err)
	}

	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-binder"); err != nil {
		t.Fatalf("profit failed: %v", err)
	}
	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-box"); err != nil {
		t.Fatalf("profit failed: %v", err)
	}

	// The merged quantity changes the denominator for every purchase
	// behind either lot, so both cached reports must go.
	before := len(rc.deletes)
	if _, err := svc.MergeLots(ctx, "lot-seed-dragon", source.ID); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	dropped := rc.deletes[before:]
	if !cacheKeysContain(dropped, "cardstock:profit:pur-seed-binder", "cardstock:profit:pur-seed-box") {
		t.Fatalf("expected both contributor caches dropped, got %v", dropped)
	}
}

func TestAddLotStockInvalidatesCoContributors(t *testing.T) {
	rc := newRecordingCache()
	svc := New(memory.NewSeeded(), rc, time.Minute)
	ctx := managerCtx()

	if _, err := svc.ProfitForPurchase(ctx, "pur-seed-binder"); err != nil {
		t.Fatalf("profit failed: %v", err)
	}

	// Topping up the dragon lot from the box purchase dilutes the
	// binder's share too.
	before := len(rc.deletes)
	if _, err := svc.AddLotStock(ctx, "lot-seed-dragon", domain.LotStockRequest{
		PurchaseID: "pur-seed-box",
		Quantity:   6,
	}); err != nil {
		t.Fatalf("add stock failed: %v", err)
	}
	dropped := rc.deletes[before:]
	if !cacheKeysContain(dropped, "cardstock:profit:pur-seed-binder", "cardstock:profit:pur-seed-box") {
		t.Fatalf("expected both contributor caches dropped, got %v", dropped)
	}
}

func TestAuditLogRecordsActor(t *testing.T) {
	svc := newTestService()
	ctx := managerCtx()

	if _, err := svc.ClosePurchase(ctx, "pur-seed-box"); err != nil {
		t.Fatalf("close purchase failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "purchase_close" && entry.EntityID == "pur-seed-box" {
			found = true
			if entry.ActorUsername != "manager" || entry.ActorRole != "manager" {
				t.Fatalf("expected manager actor, got %s/%s", entry.ActorUsername, entry.ActorRole)
			}
		}
	}
	if !found {
		t.Fatalf("expected purchase_close audit entry")
	}
}

func TestRoleEnforcement(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreatePurchase(clerkCtx(), domain.PurchaseCreateRequest{Label: "Clerk buyout", TotalCostCents: 100}); err == nil || !containsRoleError(err) {
		t.Fatalf("expected role error for clerk purchase create, got %v", err)
	}

	if _, err := svc.CreateBundle(clerkCtx(), domain.BundleCreateRequest{
		Name:              "Clerk pack",
		PriceCents:        1000,
		QuantityAvailable: 1,
		Items:             []domain.BundleItem{{LotID: "lot-seed-knight", QuantityPerBundle: 1}},
	}); err == nil || !containsRoleError(err) {
		t.Fatalf("expected role error for clerk bundle create, got %v", err)
	}

	if _, err := svc.CreatePurchase(context.Background(), domain.PurchaseCreateRequest{Label: "Anonymous buyout", TotalCostCents: 100}); err == nil {
		t.Fatalf("expected error without authenticated actor")
	}
}

func containsRoleError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "role required") || strings.Contains(err.Error(), "actor required")
}
