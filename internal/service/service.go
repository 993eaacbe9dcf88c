package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"cardstock/backend/internal/allocation"
	"cardstock/backend/internal/cache"
	"cardstock/backend/internal/domain"
	"cardstock/backend/internal/store"
	"cardstock/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	profits   cache.ProfitCache
	profitTTL time.Duration
}

func New(repo store.Repository, profits cache.ProfitCache, profitTTL time.Duration) *Service {
	if profits == nil {
		profits = cache.NoopProfitCache{}
	}
	if profitTTL <= 0 {
		profitTTL = 5 * time.Minute
	}

	return &Service{
		repo:      repo,
		profits:   profits,
		profitTTL: profitTTL,
	}
}

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Purchase{}, err
	}

	req.Label = strings.TrimSpace(req.Label)
	req.Vendor = strings.TrimSpace(req.Vendor)
	if req.Label == "" || req.TotalCostCents < 0 {
		return domain.Purchase{}, store.ErrInvalidRequest
	}

	purchasedAt := time.Now().UTC()
	if req.PurchasedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.PurchasedAt)
		if err != nil {
			return domain.Purchase{}, store.ErrInvalidRequest
		}
		purchasedAt = parsed.UTC()
	}

	created, err := s.repo.CreatePurchase(ctx, domain.Purchase{
		ID:             xid.New("pur"),
		Label:          req.Label,
		Vendor:         req.Vendor,
		TotalCostCents: req.TotalCostCents,
		Status:         domain.PurchaseStatusOpen,
		PurchasedAt:    purchasedAt,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logAudit(ctx, "purchase_create", "purchase", created.ID, fmt.Sprintf("label=%s,cost=%d", created.Label, created.TotalCostCents))
	return *created, nil
}

func (s *Service) GetPurchase(ctx context.Context, id string) (domain.Purchase, error) {
	purchase, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	return *purchase, nil
}

func (s *Service) ListPurchases(ctx context.Context, status string, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, status, limit)
}

func (s *Service) UpdatePurchase(ctx context.Context, id string, req domain.PurchaseUpdateRequest) (domain.Purchase, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Purchase{}, err
	}

	existing, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}

	updated := *existing
	if req.Label != nil {
		updated.Label = strings.TrimSpace(*req.Label)
		if updated.Label == "" {
			return domain.Purchase{}, store.ErrInvalidRequest
		}
	}
	if req.Vendor != nil {
		updated.Vendor = strings.TrimSpace(*req.Vendor)
	}
	if req.TotalCostCents != nil && *req.TotalCostCents != existing.TotalCostCents {
		// Cost is the denominator of every profit figure; once sales
		// have been attributed to the purchase it must not move.
		attributed, err := s.repo.PurchaseHasAttributedSales(ctx, id)
		if err != nil {
			return domain.Purchase{}, err
		}
		if attributed {
			return domain.Purchase{}, store.ErrInvalidRequest
		}
		if *req.TotalCostCents < 0 {
			return domain.Purchase{}, store.ErrInvalidRequest
		}
		updated.TotalCostCents = *req.TotalCostCents
	}

	result, err := s.repo.UpdatePurchase(ctx, updated)
	if err != nil {
		return domain.Purchase{}, err
	}

	s.invalidateProfit(ctx, id)
	s.logAudit(ctx, "purchase_update", "purchase", id, fmt.Sprintf("cost=%d", result.TotalCostCents))
	return *result, nil
}

func (s *Service) ClosePurchase(ctx context.Context, id string) (domain.Purchase, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Purchase{}, err
	}

	closed, err := s.repo.ClosePurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logAudit(ctx, "purchase_close", "purchase", id, "")
	return *closed, nil
}

func (s *Service) IntakeLot(ctx context.Context, req domain.LotIntakeRequest) (domain.Lot, error) {
	req.CardName = strings.TrimSpace(req.CardName)
	req.Condition = strings.TrimSpace(req.Condition)
	if req.PurchaseID == "" || req.CardName == "" || req.Condition == "" {
		return domain.Lot{}, store.ErrInvalidRequest
	}
	if req.Quantity < 1 || req.ListPriceCents < 0 {
		return domain.Lot{}, store.ErrInvalidRequest
	}

	purchase, err := s.repo.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		return domain.Lot{}, err
	}
	if purchase.Status != domain.PurchaseStatusOpen {
		return domain.Lot{}, store.ErrInvalidRequest
	}

	status := domain.LotStatusDraft
	if req.ForSale {
		status = domain.LotStatusListed
	}
	created, err := s.repo.CreateLot(ctx, domain.Lot{
		ID:             xid.New("lot"),
		CardName:       req.CardName,
		SetCode:        strings.TrimSpace(req.SetCode),
		Condition:      req.Condition,
		Variation:      strings.TrimSpace(req.Variation),
		TotalQuantity:  req.Quantity,
		Status:         status,
		ForSale:        req.ForSale,
		ListPriceCents: req.ListPriceCents,
		CreatedAt:      time.Now().UTC(),
	}, req.PurchaseID)
	if err != nil {
		return domain.Lot{}, err
	}

	s.invalidateProfit(ctx, req.PurchaseID)
	s.logAudit(ctx, "lot_intake", "lot", created.ID, fmt.Sprintf("purchase=%s,qty=%d", req.PurchaseID, req.Quantity))
	return *created, nil
}

func (s *Service) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	lot, err := s.repo.GetLot(ctx, id)
	if err != nil {
		return domain.Lot{}, err
	}
	return *lot, nil
}

func (s *Service) ListLots(ctx context.Context, status string, forSaleOnly bool, limit int) ([]domain.Lot, error) {
	return s.repo.ListLots(ctx, status, forSaleOnly, limit)
}

func (s *Service) UpdateLot(ctx context.Context, id string, req domain.LotUpdateRequest) (domain.Lot, error) {
	if req.Status != nil {
		switch *req.Status {
		case domain.LotStatusDraft, domain.LotStatusReady, domain.LotStatusListed, domain.LotStatusSold, domain.LotStatusArchived:
		default:
			return domain.Lot{}, store.ErrInvalidRequest
		}
	}

	updated, err := s.repo.UpdateLot(ctx, id, req)
	if err != nil {
		return domain.Lot{}, err
	}

	s.logAudit(ctx, "lot_update", "lot", id, "")
	return *updated, nil
}

func (s *Service) AddLotStock(ctx context.Context, lotID string, req domain.LotStockRequest) (domain.LedgerEntry, error) {
	if req.PurchaseID == "" || req.Quantity < 1 {
		return domain.LedgerEntry{}, store.ErrInvalidRequest
	}

	purchase, err := s.repo.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if purchase.Status != domain.PurchaseStatusOpen {
		return domain.LedgerEntry{}, store.ErrInvalidRequest
	}

	entry, err := s.repo.AddLotStock(ctx, lotID, req.PurchaseID, req.Quantity)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	// The added stock raises TotalQuantity, which is the denominator of
	// every contributor's reconstruction, not just the new purchase's.
	s.invalidateLotProfits(ctx, lotID)
	s.logAudit(ctx, "lot_stock_add", "lot", lotID, fmt.Sprintf("purchase=%s,qty=%d", req.PurchaseID, req.Quantity))
	return *entry, nil
}

// MergeLots folds sourceLotID into targetLotID. Only lots describing
// the same card, condition and variation may be merged; provenance is
// carried over through the contribution ledger.
func (s *Service) MergeLots(ctx context.Context, targetLotID string, sourceLotID string) (domain.Lot, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Lot{}, err
	}
	if targetLotID == "" || sourceLotID == "" || targetLotID == sourceLotID {
		return domain.Lot{}, store.ErrInvalidRequest
	}

	target, err := s.repo.GetLot(ctx, targetLotID)
	if err != nil {
		return domain.Lot{}, err
	}
	source, err := s.repo.GetLot(ctx, sourceLotID)
	if err != nil {
		return domain.Lot{}, err
	}
	if target.CardName != source.CardName || target.Condition != source.Condition || target.Variation != source.Variation {
		return domain.Lot{}, store.ErrInvalidRequest
	}

	merged, err := s.repo.MergeLots(ctx, targetLotID, sourceLotID)
	if err != nil {
		return domain.Lot{}, err
	}

	// The merged TotalQuantity changes the reconstruction for every
	// purchase that fed either lot. The source's entries now live on
	// the target, so one pass over the target covers both sides.
	s.invalidateLotProfits(ctx, targetLotID)
	s.invalidateProfit(ctx, source.PurchaseID)

	s.logAudit(ctx, "lot_merge", "lot", targetLotID, fmt.Sprintf("source=%s,qty=%d", sourceLotID, source.TotalQuantity))
	return *merged, nil
}

func (s *Service) DeleteLot(ctx context.Context, id string) error {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return err
	}

	if err := s.repo.DeleteLot(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "lot_delete", "lot", id, "")
	return nil
}

func (s *Service) Contributions(ctx context.Context, lotID string) ([]domain.LedgerEntry, error) {
	return s.repo.ContributionsFor(ctx, lotID)
}

// Availability derives the sellable position of a lot. A negative raw
// value means the recorded quantities disagree with consumption; the
// deficit is surfaced in Shortfall instead of being hidden by the
// clamp.
func (s *Service) Availability(ctx context.Context, lotID string) (domain.LotAvailability, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.LotAvailability{}, err
	}
	usage, err := s.repo.GetLotUsage(ctx, lotID)
	if err != nil {
		return domain.LotAvailability{}, err
	}

	raw := lot.TotalQuantity - usage.SoldQty - usage.ReservedByBundles
	result := domain.LotAvailability{
		LotID:             lotID,
		TotalQuantity:     lot.TotalQuantity,
		SoldQty:           usage.SoldQty,
		ReservedByBundles: usage.ReservedByBundles,
		Available:         raw,
	}
	if raw < 0 {
		result.Available = 0
		result.Shortfall = -raw
		log.Printf("[service] WARN: negative availability for lot %s: total=%d sold=%d reserved=%d", lotID, lot.TotalQuantity, usage.SoldQty, usage.ReservedByBundles)
	}
	return result, nil
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if len(req.Lines) == 0 || req.DiscountCents < 0 || req.FeesCents < 0 || req.ShippingCents < 0 {
		return domain.Sale{}, store.ErrInvalidRequest
	}

	soldAt, err := parseSoldAt(req.SoldAt)
	if err != nil {
		return domain.Sale{}, err
	}

	var subtotal int64
	lines := make([]domain.SaleLine, 0, len(req.Lines))
	planned := make([][]allocation.Split, 0, len(req.Lines))
	for _, lineReq := range req.Lines {
		if lineReq.LotID == "" || lineReq.Qty < 1 || lineReq.UnitPriceCents < 0 {
			return domain.Sale{}, store.ErrInvalidRequest
		}
		splits, err := s.planAllocations(ctx, lineReq)
		if err != nil {
			return domain.Sale{}, err
		}
		planned = append(planned, splits)
		subtotal += lineReq.UnitPriceCents * int64(lineReq.Qty)
		lines = append(lines, domain.SaleLine{
			ID:             xid.New("lin"),
			LotID:          lineReq.LotID,
			Qty:            lineReq.Qty,
			UnitPriceCents: lineReq.UnitPriceCents,
		})
	}
	total := subtotal - req.DiscountCents
	if total < 0 {
		return domain.Sale{}, store.ErrInvalidRequest
	}

	consumableItems, consumableCost, err := s.planConsumables(ctx, req.Consumables)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:                  xid.New("sal"),
		Kind:                domain.SaleKindDirect,
		SubtotalCents:       subtotal,
		DiscountCents:       req.DiscountCents,
		FeesCents:           req.FeesCents,
		ShippingCents:       req.ShippingCents,
		TotalCents:          total,
		ConsumableCostCents: consumableCost,
		SoldAt:              soldAt,
		CreatedAt:           time.Now().UTC(),
		Lines:               lines,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.finishSale(ctx, created, planned, consumableItems)
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("lines=%d,total=%d", len(created.Lines), created.TotalCents))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, from, to, limit)
}

// planAllocations decides, before anything is written, how a sale line
// will be split across the lot's contributing purchases. Explicit
// splits from the caller are validated against the ledger; otherwise
// the exact proportional split is computed from the contributions in
// creation order. A lot with no ledger entries falls back to its
// direct acquisition pointer when it has one.
func (s *Service) planAllocations(ctx context.Context, lineReq domain.SaleLineRequest) ([]allocation.Split, error) {
	entries, err := s.repo.ContributionsFor(ctx, lineReq.LotID)
	if err != nil {
		return nil, err
	}

	if len(lineReq.Allocations) > 0 {
		contributors := make(map[string]bool, len(entries))
		for _, entry := range entries {
			contributors[entry.PurchaseID] = true
		}
		sum := 0
		splits := make([]allocation.Split, 0, len(lineReq.Allocations))
		for _, alloc := range lineReq.Allocations {
			if alloc.Qty < 1 || !contributors[alloc.PurchaseID] {
				return nil, store.ErrInvalidRequest
			}
			sum += alloc.Qty
			splits = append(splits, allocation.Split{PurchaseID: alloc.PurchaseID, Qty: alloc.Qty})
		}
		if sum != lineReq.Qty {
			return nil, store.ErrInvalidRequest
		}
		return splits, nil
	}

	if len(entries) == 0 {
		lot, err := s.repo.GetLot(ctx, lineReq.LotID)
		if err != nil {
			return nil, err
		}
		if lot.PurchaseID != "" {
			return []allocation.Split{{PurchaseID: lot.PurchaseID, Qty: lineReq.Qty}}, nil
		}
		return nil, nil
	}
	return allocation.SplitExact(lineReq.Qty, entries), nil
}

func (s *Service) planConsumables(ctx context.Context, reqs []domain.SaleConsumableRequest) (map[string]int, int64, error) {
	if len(reqs) == 0 {
		return nil, 0, nil
	}
	items := make(map[string]int, len(reqs))
	var totalCents int64
	for _, req := range reqs {
		if req.ConsumableID == "" || req.Qty < 1 {
			return nil, 0, store.ErrInvalidRequest
		}
		consumable, err := s.repo.GetConsumable(ctx, req.ConsumableID)
		if err != nil {
			return nil, 0, err
		}
		items[req.ConsumableID] += req.Qty
		totalCents += consumable.UnitCostCents * int64(req.Qty)
	}
	return items, totalCents, nil
}

// finishSale performs the post-commit steps of a sale: allocation
// writes, consumable stock decrement and profit cache invalidation.
// The sale itself is already durable; failures here are logged and the
// sale stands, because approximate attribution is preferable to
// blocking revenue recognition.
func (s *Service) finishSale(ctx context.Context, sale *domain.Sale, planned [][]allocation.Split, consumableItems map[string]int) {
	touched := make(map[string]bool)
	for i, line := range sale.Lines {
		if i >= len(planned) || len(planned[i]) == 0 {
			continue
		}
		allocs := make([]domain.Allocation, 0, len(planned[i]))
		for _, split := range planned[i] {
			if split.Qty < 1 {
				continue
			}
			allocs = append(allocs, domain.Allocation{
				ID:         xid.New("alo"),
				SaleLineID: line.ID,
				PurchaseID: split.PurchaseID,
				Qty:        split.Qty,
			})
			touched[split.PurchaseID] = true
		}
		if len(allocs) == 0 {
			continue
		}
		if err := s.repo.CreateAllocations(ctx, line.ID, allocs); err != nil {
			log.Printf("[service] WARN: failed to write allocations for sale line %s: %v", line.ID, err)
			continue
		}
		sale.Lines[i].Allocations = allocs
	}

	if len(consumableItems) > 0 {
		if _, err := s.repo.ConsumeConsumables(ctx, consumableItems); err != nil {
			log.Printf("[service] WARN: failed to consume packaging for sale %s: %v", sale.ID, err)
		}
	}

	for purchaseID := range touched {
		s.invalidateProfit(ctx, purchaseID)
	}
}

func (s *Service) CreateBundle(ctx context.Context, req domain.BundleCreateRequest) (domain.Bundle, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Bundle{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.PriceCents < 0 || req.QuantityAvailable < 1 || len(req.Items) == 0 {
		return domain.Bundle{}, store.ErrInvalidRequest
	}

	status := domain.BundleStatusDraft
	if req.Activate {
		status = domain.BundleStatusActive
	}
	created, err := s.repo.CreateBundle(ctx, domain.Bundle{
		ID:                xid.New("bun"),
		Name:              req.Name,
		PriceCents:        req.PriceCents,
		QuantityAvailable: req.QuantityAvailable,
		Status:            status,
		Items:             req.Items,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return domain.Bundle{}, err
	}

	s.logAudit(ctx, "bundle_create", "bundle", created.ID, fmt.Sprintf("qty=%d,items=%d,status=%s", created.QuantityAvailable, len(created.Items), created.Status))
	return *created, nil
}

func (s *Service) GetBundle(ctx context.Context, id string) (domain.Bundle, error) {
	bundle, err := s.repo.GetBundle(ctx, id)
	if err != nil {
		return domain.Bundle{}, err
	}
	return *bundle, nil
}

func (s *Service) ListBundles(ctx context.Context, status string, limit int) ([]domain.Bundle, error) {
	return s.repo.ListBundles(ctx, status, limit)
}

func (s *Service) UpdateBundle(ctx context.Context, id string, req domain.BundleUpdateRequest) (domain.Bundle, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Bundle{}, err
	}

	updated, err := s.repo.UpdateBundle(ctx, id, req)
	if err != nil {
		return domain.Bundle{}, err
	}

	s.logAudit(ctx, "bundle_update", "bundle", id, fmt.Sprintf("qty=%d", updated.QuantityAvailable))
	return *updated, nil
}

func (s *Service) SetBundleStatus(ctx context.Context, id string, status string) (domain.Bundle, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Bundle{}, err
	}

	switch status {
	case domain.BundleStatusActive, domain.BundleStatusArchived:
	default:
		return domain.Bundle{}, store.ErrInvalidRequest
	}

	updated, err := s.repo.SetBundleStatus(ctx, id, status)
	if err != nil {
		return domain.Bundle{}, err
	}

	s.logAudit(ctx, "bundle_status", "bundle", id, fmt.Sprintf("status=%s", status))
	return *updated, nil
}

// SellBundle records the sale of N instances of an active bundle. The
// consumed units come out of the bundle's own reservation, so per-lot
// availability is not re-checked here; the bundle row itself is the
// contended resource.
func (s *Service) SellBundle(ctx context.Context, bundleID string, req domain.BundleSellRequest) (domain.Sale, error) {
	if req.Instances < 1 || req.DiscountCents < 0 || req.FeesCents < 0 || req.ShippingCents < 0 {
		return domain.Sale{}, store.ErrInvalidRequest
	}

	soldAt, err := parseSoldAt(req.SoldAt)
	if err != nil {
		return domain.Sale{}, err
	}

	bundle, err := s.repo.GetBundle(ctx, bundleID)
	if err != nil {
		return domain.Sale{}, err
	}

	totalQty := 0
	for _, item := range bundle.Items {
		totalQty += item.QuantityPerBundle * req.Instances
	}
	if totalQty == 0 {
		return domain.Sale{}, store.ErrInvalidRequest
	}

	subtotal := bundle.PriceCents * int64(req.Instances)
	total := subtotal - req.DiscountCents
	if total < 0 {
		return domain.Sale{}, store.ErrInvalidRequest
	}
	perUnit := subtotal / int64(totalQty)

	lines := make([]domain.SaleLine, 0, len(bundle.Items))
	planned := make([][]allocation.Split, 0, len(bundle.Items))
	for _, item := range bundle.Items {
		qty := item.QuantityPerBundle * req.Instances
		splits, err := s.planAllocations(ctx, domain.SaleLineRequest{LotID: item.LotID, Qty: qty})
		if err != nil {
			return domain.Sale{}, err
		}
		planned = append(planned, splits)
		lines = append(lines, domain.SaleLine{
			ID:             xid.New("lin"),
			LotID:          item.LotID,
			Qty:            qty,
			UnitPriceCents: perUnit,
		})
	}

	consumableItems, consumableCost, err := s.planConsumables(ctx, req.Consumables)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:                  xid.New("sal"),
		Kind:                domain.SaleKindBundle,
		BundleID:            bundleID,
		Instances:           req.Instances,
		SubtotalCents:       subtotal,
		DiscountCents:       req.DiscountCents,
		FeesCents:           req.FeesCents,
		ShippingCents:       req.ShippingCents,
		TotalCents:          total,
		ConsumableCostCents: consumableCost,
		SoldAt:              soldAt,
		CreatedAt:           time.Now().UTC(),
		Lines:               lines,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.finishSale(ctx, created, planned, consumableItems)
	s.logAudit(ctx, "bundle_sell", "bundle", bundleID, fmt.Sprintf("instances=%d,total=%d", req.Instances, created.TotalCents))
	return *created, nil
}

func (s *Service) CreateConsumable(ctx context.Context, req domain.ConsumableCreateRequest) (domain.Consumable, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Consumable{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.UnitCostCents < 0 || req.QuantityOnHand < 0 {
		return domain.Consumable{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateConsumable(ctx, domain.Consumable{
		ID:             xid.New("con"),
		Name:           req.Name,
		UnitCostCents:  req.UnitCostCents,
		QuantityOnHand: req.QuantityOnHand,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Consumable{}, err
	}

	s.logAudit(ctx, "consumable_create", "consumable", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListConsumables(ctx context.Context) ([]domain.Consumable, error) {
	return s.repo.ListConsumables(ctx)
}

func (s *Service) RestockConsumable(ctx context.Context, id string, req domain.ConsumableRestockRequest) (domain.Consumable, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Consumable{}, err
	}
	if req.Qty < 1 || req.UnitCostCents < 0 {
		return domain.Consumable{}, store.ErrInvalidRequest
	}

	updated, err := s.repo.RestockConsumable(ctx, id, req.Qty, req.UnitCostCents)
	if err != nil {
		return domain.Consumable{}, err
	}

	s.logAudit(ctx, "consumable_restock", "consumable", id, fmt.Sprintf("qty=%d,cost=%d", req.Qty, req.UnitCostCents))
	return *updated, nil
}

// ProfitForPurchase returns the derived profit view for one purchase,
// serving from the cache when a fresh report exists. The computation
// is a pure function of ledger, sale and allocation state, so repeated
// calls without intervening writes return identical figures.
func (s *Service) ProfitForPurchase(ctx context.Context, purchaseID string) (domain.PurchaseProfit, error) {
	key := profitKey(purchaseID)
	if cached, ok, err := s.profits.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: profit cache read failed for %s: %v", purchaseID, err)
	} else if ok {
		return *cached, nil
	}

	purchase, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return domain.PurchaseProfit{}, err
	}

	report, issues, err := s.computeProfit(ctx, *purchase)
	if err != nil {
		return domain.PurchaseProfit{}, err
	}
	for _, issue := range issues {
		log.Printf("[service] WARN: %s on %s %s: %s", issue.Code, issue.EntityType, issue.EntityID, issue.Detail)
	}

	if err := s.profits.Set(ctx, key, &report, s.profitTTL); err != nil {
		log.Printf("[service] WARN: profit cache write failed for %s: %v", purchaseID, err)
	}
	return report, nil
}

// ListPurchaseProfits recomputes the report for every purchase,
// bypassing the cache.
func (s *Service) ListPurchaseProfits(ctx context.Context) ([]domain.PurchaseProfit, error) {
	purchases, err := s.repo.ListPurchases(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	reports := make([]domain.PurchaseProfit, 0, len(purchases))
	for _, purchase := range purchases {
		report, issues, err := s.computeProfit(ctx, purchase)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			log.Printf("[service] WARN: %s on %s %s: %s", issue.Code, issue.EntityType, issue.EntityID, issue.Detail)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// computeProfit aggregates a purchase's attributed revenue, cost
// shares and sold counts. Stored allocations are authoritative; sale
// lines without them fall back to the legacy proportional
// reconstruction. Order-level amounts are apportioned by quantity
// share so a fixed bundle price spreads correctly across purchases.
func (s *Service) computeProfit(ctx context.Context, purchase domain.Purchase) (domain.PurchaseProfit, []domain.IntegrityIssue, error) {
	entries, err := s.repo.ListContributionsByPurchase(ctx, purchase.ID)
	if err != nil {
		return domain.PurchaseProfit{}, nil, err
	}

	cardsTotal := 0
	contributedQty := make(map[string]int)
	for _, entry := range entries {
		cardsTotal += entry.QuantityContributed
		contributedQty[entry.LotID] += entry.QuantityContributed
	}

	lotIDs := make([]string, 0, len(contributedQty))
	for lotID := range contributedQty {
		lotIDs = append(lotIDs, lotID)
	}
	directOnly, err := s.directPointerLots(ctx, purchase.ID, contributedQty)
	if err != nil {
		return domain.PurchaseProfit{}, nil, err
	}
	lotIDs = append(lotIDs, directOnly...)

	report := domain.PurchaseProfit{
		PurchaseID:  purchase.ID,
		CostCents:   purchase.TotalCostCents,
		CardsTotal:  cardsTotal,
		GeneratedAt: time.Now().UTC(),
	}
	var issues []domain.IntegrityIssue
	if len(lotIDs) == 0 {
		report.NetProfitCents = -report.CostCents
		if report.CostCents > 0 {
			report.ROIPercent = -100
		}
		return report, nil, nil
	}

	lots, err := s.repo.GetLotsByIDs(ctx, lotIDs)
	if err != nil {
		return domain.PurchaseProfit{}, nil, err
	}
	soldByLot, err := s.repo.SoldQtyByLots(ctx, lotIDs)
	if err != nil {
		return domain.PurchaseProfit{}, nil, err
	}
	sales, err := s.repo.ListSalesByLots(ctx, lotIDs)
	if err != nil {
		return domain.PurchaseProfit{}, nil, err
	}

	directSet := make(map[string]bool, len(directOnly))
	for _, lotID := range directOnly {
		directSet[lotID] = true
	}

	for _, sale := range sales {
		totalQtyInOrder := 0
		for _, line := range sale.Lines {
			totalQtyInOrder += line.Qty
		}
		for _, line := range sale.Lines {
			allocated := 0
			switch {
			case len(line.Allocations) > 0:
				if sum := allocation.AllocationSum(line); sum > line.Qty {
					issues = append(issues, domain.IntegrityIssue{
						Code:       "allocation_overrun",
						EntityType: "sale_line",
						EntityID:   line.ID,
						Detail:     fmt.Sprintf("allocations sum to %d but line qty is %d", sum, line.Qty),
					})
				}
				allocated = allocation.AllocatedToPurchase(line, purchase.ID)
			case contributedQty[line.LotID] > 0:
				lot, ok := lots[line.LotID]
				if !ok {
					continue
				}
				proportion := allocation.LegacyProportion(contributedQty[line.LotID], lot.TotalQuantity, soldByLot[line.LotID])
				allocated = allocation.ReconstructQty(line.Qty, proportion)
			case directSet[line.LotID]:
				allocated = line.Qty
			}
			if allocated == 0 {
				continue
			}
			report.RevenueCents += allocation.ApportionCents(sale.TotalCents, allocated, totalQtyInOrder)
			report.ConsumablesCostCents += allocation.ApportionCents(sale.ConsumableCostCents, allocated, totalQtyInOrder)
			report.FeesCents += allocation.ApportionCents(sale.FeesCents+sale.ShippingCents, allocated, totalQtyInOrder)
			report.CardsSold += allocated
		}
	}

	report.NetProfitCents = report.RevenueCents - report.CostCents - report.ConsumablesCostCents
	if report.RevenueCents > 0 {
		report.MarginPercent = float64(report.NetProfitCents) / float64(report.RevenueCents) * 100
	}
	if report.CostCents > 0 {
		report.ROIPercent = float64(report.NetProfitCents) / float64(report.CostCents) * 100
	}
	if report.CardsSold > report.CardsTotal {
		issues = append(issues, domain.IntegrityIssue{
			Code:       "oversold_purchase",
			EntityType: "purchase",
			EntityID:   purchase.ID,
			Detail:     fmt.Sprintf("cards_sold %d exceeds cards_total %d", report.CardsSold, report.CardsTotal),
		})
	}
	return report, issues, nil
}

// directPointerLots finds lots that carry the purchase as their direct
// acquisition pointer while having no ledger entries at all. Such lots
// predate the contribution ledger; their sales are attributed in full.
func (s *Service) directPointerLots(ctx context.Context, purchaseID string, alreadyCounted map[string]int) ([]string, error) {
	lots, err := s.repo.ListLots(ctx, "", false, 0)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, lot := range lots {
		if lot.PurchaseID != purchaseID {
			continue
		}
		if _, counted := alreadyCounted[lot.ID]; counted {
			continue
		}
		entries, err := s.repo.ContributionsFor(ctx, lot.ID)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			result = append(result, lot.ID)
		}
	}
	return result, nil
}

// RunIntegrityAudit is a read-only consistency pass. It reports
// violations and never repairs them; deciding which side of an
// inconsistency is correct needs a human.
func (s *Service) RunIntegrityAudit(ctx context.Context) (domain.IntegrityReport, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.IntegrityReport{}, err
	}

	report := domain.IntegrityReport{GeneratedAt: time.Now().UTC(), Issues: []domain.IntegrityIssue{}}

	lots, err := s.repo.ListLots(ctx, "", false, 0)
	if err != nil {
		return domain.IntegrityReport{}, err
	}
	contributorsByLot := make(map[string]map[string]bool, len(lots))
	directPointer := make(map[string]string, len(lots))
	referenced := map[string]bool{}
	for _, lot := range lots {
		report.LotsChecked++
		directPointer[lot.ID] = lot.PurchaseID
		if lot.PurchaseID != "" {
			referenced[lot.PurchaseID] = true
		}
		entries, err := s.repo.ContributionsFor(ctx, lot.ID)
		if err != nil {
			return domain.IntegrityReport{}, err
		}
		contributed := 0
		contributors := make(map[string]bool, len(entries))
		for _, entry := range entries {
			contributed += entry.QuantityContributed
			contributors[entry.PurchaseID] = true
			referenced[entry.PurchaseID] = true
		}
		contributorsByLot[lot.ID] = contributors

		usage, err := s.repo.GetLotUsage(ctx, lot.ID)
		if err != nil {
			return domain.IntegrityReport{}, err
		}
		// TotalQuantity counts everything ever taken in, so every unit
		// must be backed by a contribution entry.
		if len(entries) > 0 && contributed < lot.TotalQuantity {
			report.Issues = append(report.Issues, domain.IntegrityIssue{
				Code:       "ledger_conservation",
				EntityType: "lot",
				EntityID:   lot.ID,
				Detail:     fmt.Sprintf("ledger total %d is below lot quantity %d", contributed, lot.TotalQuantity),
			})
		}
		if raw := lot.TotalQuantity - usage.SoldQty - usage.ReservedByBundles; raw < 0 {
			report.Issues = append(report.Issues, domain.IntegrityIssue{
				Code:       "negative_availability",
				EntityType: "lot",
				EntityID:   lot.ID,
				Detail:     fmt.Sprintf("availability is %d (total=%d sold=%d reserved=%d)", raw, lot.TotalQuantity, usage.SoldQty, usage.ReservedByBundles),
			})
		}
	}

	sales, err := s.repo.ListSales(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		return domain.IntegrityReport{}, err
	}
	for _, sale := range sales {
		report.SalesChecked++
		for _, line := range sale.Lines {
			if len(line.Allocations) == 0 {
				continue
			}
			sum := allocation.AllocationSum(line)
			if sum > line.Qty {
				report.Issues = append(report.Issues, domain.IntegrityIssue{
					Code:       "allocation_overrun",
					EntityType: "sale_line",
					EntityID:   line.ID,
					Detail:     fmt.Sprintf("allocations sum to %d but line qty is %d", sum, line.Qty),
				})
			} else if sum < line.Qty {
				report.Issues = append(report.Issues, domain.IntegrityIssue{
					Code:       "allocation_incomplete",
					EntityType: "sale_line",
					EntityID:   line.ID,
					Detail:     fmt.Sprintf("allocations sum to %d of %d", sum, line.Qty),
				})
			}
			for _, alloc := range line.Allocations {
				referenced[alloc.PurchaseID] = true
				if contributorsByLot[line.LotID][alloc.PurchaseID] {
					continue
				}
				if directPointer[line.LotID] == alloc.PurchaseID {
					continue
				}
				report.Issues = append(report.Issues, domain.IntegrityIssue{
					Code:       "orphan_allocation",
					EntityType: "allocation",
					EntityID:   alloc.ID,
					Detail:     fmt.Sprintf("purchase %s never contributed to lot %s", alloc.PurchaseID, line.LotID),
				})
			}
		}
	}

	// Ledger entries and allocations keep purchase IDs as plain strings,
	// so a purchase removed out of band leaves dangling references.
	referencedIDs := make([]string, 0, len(referenced))
	for id := range referenced {
		referencedIDs = append(referencedIDs, id)
	}
	sort.Strings(referencedIDs)
	known, err := s.repo.GetPurchasesByIDs(ctx, referencedIDs)
	if err != nil {
		return domain.IntegrityReport{}, err
	}
	for _, id := range referencedIDs {
		if _, exists := known[id]; exists {
			continue
		}
		report.Issues = append(report.Issues, domain.IntegrityIssue{
			Code:       "missing_purchase",
			EntityType: "purchase",
			EntityID:   id,
			Detail:     "referenced by a lot, ledger entry or allocation but not found",
		})
	}

	purchases, err := s.repo.ListPurchases(ctx, "", 0)
	if err != nil {
		return domain.IntegrityReport{}, err
	}
	for _, purchase := range purchases {
		report.PurchasesChecked++
		_, issues, err := s.computeProfit(ctx, purchase)
		if err != nil {
			return domain.IntegrityReport{}, err
		}
		for _, issue := range issues {
			if issue.Code == "oversold_purchase" {
				report.Issues = append(report.Issues, issue)
			}
		}
	}

	s.logAudit(ctx, "integrity_audit", "system", "", fmt.Sprintf("issues=%d", len(report.Issues)))
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// invalidateLotProfits drops the cached profit of every purchase that
// contributed to the lot, plus its direct pointer.
func (s *Service) invalidateLotProfits(ctx context.Context, lotID string) {
	touched := map[string]bool{}
	if lot, err := s.repo.GetLot(ctx, lotID); err == nil && lot.PurchaseID != "" {
		touched[lot.PurchaseID] = true
	}
	entries, err := s.repo.ContributionsFor(ctx, lotID)
	if err != nil {
		log.Printf("[service] WARN: failed to list contributions for lot %s during cache invalidation: %v", lotID, err)
	}
	for _, entry := range entries {
		touched[entry.PurchaseID] = true
	}
	for purchaseID := range touched {
		s.invalidateProfit(ctx, purchaseID)
	}
}

func (s *Service) invalidateProfit(ctx context.Context, purchaseID string) {
	if err := s.profits.Delete(ctx, profitKey(purchaseID)); err != nil {
		log.Printf("[service] WARN: failed to invalidate profit cache for %s: %v", purchaseID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authenticated actor required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%s role required", strings.Join(roles, " or "))
}

func parseSoldAt(value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, store.ErrInvalidRequest
	}
	return parsed.UTC(), nil
}

func profitKey(purchaseID string) string {
	return "cardstock:profit:" + purchaseID
}
