package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cardstock/backend/internal/domain"
	"cardstock/backend/internal/store"
	"cardstock/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	purchasesByID   map[string]domain.Purchase
	lotsByID        map[string]domain.Lot
	ledgerByLot     map[string][]domain.LedgerEntry
	salesByID       map[string]domain.Sale
	allocsByLine    map[string][]domain.Allocation
	bundlesByID     map[string]domain.Bundle
	consumablesByID map[string]domain.Consumable
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		purchasesByID:   make(map[string]domain.Purchase),
		lotsByID:        make(map[string]domain.Lot),
		ledgerByLot:     make(map[string][]domain.LedgerEntry),
		salesByID:       make(map[string]domain.Sale),
		allocsByLine:    make(map[string][]domain.Allocation),
		bundlesByID:     make(map[string]domain.Bundle),
		consumablesByID: make(map[string]domain.Consumable),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CLERK_PASSWORD. If unset, hardcoded dev defaults are used with a
// warning. These credentials are never used in production (the backend
// uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store pre-loaded with a small but realistic
// acquisition history so the API is usable out of the box.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	purchases := []domain.Purchase{
		{ID: "pur-seed-binder", Label: "Collection binder buyout", Vendor: "local seller", TotalCostCents: 42000, Status: domain.PurchaseStatusOpen, PurchasedAt: now.AddDate(0, -2, 0), CreatedAt: now.AddDate(0, -2, 0)},
		{ID: "pur-seed-box", Label: "Booster box break", Vendor: "LGS", TotalCostCents: 11500, Status: domain.PurchaseStatusOpen, PurchasedAt: now.AddDate(0, -1, 0), CreatedAt: now.AddDate(0, -1, 0)},
		{ID: "pur-seed-trade", Label: "Trade-in stack", Vendor: "", TotalCostCents: 3000, Status: domain.PurchaseStatusClosed, PurchasedAt: now.AddDate(0, 0, -12), CreatedAt: now.AddDate(0, 0, -12)},
	}
	for _, p := range purchases {
		s.purchasesByID[p.ID] = p
	}

	lots := []struct {
		lot        domain.Lot
		purchaseID string
	}{
		{domain.Lot{ID: "lot-seed-dragon", CardName: "Ancient Dragon", SetCode: "DRG", Condition: "NM", TotalQuantity: 12, Status: domain.LotStatusListed, ForSale: true, ListPriceCents: 1500, CreatedAt: now.AddDate(0, -2, 1)}, "pur-seed-binder"},
		{domain.Lot{ID: "lot-seed-knight", CardName: "Valiant Knight", SetCode: "DRG", Condition: "LP", TotalQuantity: 8, Status: domain.LotStatusListed, ForSale: true, ListPriceCents: 400, CreatedAt: now.AddDate(0, -2, 1)}, "pur-seed-binder"},
		{domain.Lot{ID: "lot-seed-wisp", CardName: "Glimmering Wisp", SetCode: "ETH", Condition: "NM", TotalQuantity: 20, Status: domain.LotStatusReady, ForSale: false, ListPriceCents: 250, CreatedAt: now.AddDate(0, -1, 2)}, "pur-seed-box"},
	}
	for _, seed := range lots {
		lot := seed.lot
		lot.PurchaseID = seed.purchaseID
		s.lotsByID[lot.ID] = lot
		s.ledgerByLot[lot.ID] = []domain.LedgerEntry{{
			ID:                  xid.New("led"),
			LotID:               lot.ID,
			PurchaseID:          seed.purchaseID,
			QuantityContributed: lot.TotalQuantity,
			CreatedAt:           lot.CreatedAt,
		}}
	}

	consumables := []domain.Consumable{
		{ID: "con-seed-sleeve", Name: "Penny sleeve", UnitCostCents: 2, QuantityOnHand: 900, CreatedAt: now.AddDate(0, -3, 0)},
		{ID: "con-seed-topload", Name: "Toploader", UnitCostCents: 18, QuantityOnHand: 240, CreatedAt: now.AddDate(0, -3, 0)},
		{ID: "con-seed-mailer", Name: "Bubble mailer", UnitCostCents: 35, QuantityOnHand: 120, CreatedAt: now.AddDate(0, -3, 0)},
	}
	for _, c := range consumables {
		s.consumablesByID[c.ID] = c
	}

	return s
}

func (s *Store) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purchase.ID == "" || purchase.TotalCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.purchasesByID[purchase.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	if purchase.Status == "" {
		purchase.Status = domain.PurchaseStatusOpen
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	s.purchasesByID[purchase.ID] = purchase
	created := purchase
	return &created, nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchase, exists := s.purchasesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyPurchase := purchase
	return &copyPurchase, nil
}

func (s *Store) GetPurchasesByIDs(_ context.Context, ids []string) (map[string]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Purchase, len(ids))
	for _, id := range ids {
		if purchase, exists := s.purchasesByID[id]; exists {
			result[id] = purchase
		}
	}
	return result, nil
}

func (s *Store) ListPurchases(_ context.Context, status string, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchases := make([]domain.Purchase, 0, len(s.purchasesByID))
	for _, p := range s.purchasesByID {
		if status != "" && p.Status != status {
			continue
		}
		purchases = append(purchases, p)
	}
	slices.SortFunc(purchases, func(a, b domain.Purchase) int {
		if a.PurchasedAt.Equal(b.PurchasedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.PurchasedAt.After(b.PurchasedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) UpdatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.purchasesByID[purchase.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if purchase.TotalCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	existing.Label = purchase.Label
	existing.Vendor = purchase.Vendor
	existing.TotalCostCents = purchase.TotalCostCents
	s.purchasesByID[purchase.ID] = existing
	updated := existing
	return &updated, nil
}

func (s *Store) ClosePurchase(_ context.Context, id string) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purchase, exists := s.purchasesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	purchase.Status = domain.PurchaseStatusClosed
	s.purchasesByID[id] = purchase
	closed := purchase
	return &closed, nil
}

func (s *Store) PurchaseHasAttributedSales(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, allocs := range s.allocsByLine {
		for _, alloc := range allocs {
			if alloc.PurchaseID == id {
				return true, nil
			}
		}
	}
	lotIDs := map[string]bool{}
	for lotID, entries := range s.ledgerByLot {
		for _, entry := range entries {
			if entry.PurchaseID == id {
				lotIDs[lotID] = true
			}
		}
	}
	for lotID, lot := range s.lotsByID {
		if lot.PurchaseID == id {
			lotIDs[lotID] = true
		}
	}
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if lotIDs[line.LotID] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) CreateLot(_ context.Context, lot domain.Lot, purchaseID string) (*domain.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lot.ID == "" || lot.CardName == "" || lot.TotalQuantity < 1 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.lotsByID[lot.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.purchasesByID[purchaseID]; !exists {
		return nil, store.ErrNotFound
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	lot.PurchaseID = purchaseID
	s.lotsByID[lot.ID] = lot
	s.ledgerByLot[lot.ID] = []domain.LedgerEntry{{
		ID:                  xid.New("led"),
		LotID:               lot.ID,
		PurchaseID:          purchaseID,
		QuantityContributed: lot.TotalQuantity,
		CreatedAt:           lot.CreatedAt,
	}}
	created := lot
	return &created, nil
}

func (s *Store) GetLot(_ context.Context, id string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, exists := s.lotsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyLot := lot
	return &copyLot, nil
}

func (s *Store) GetLotsByIDs(_ context.Context, ids []string) (map[string]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Lot, len(ids))
	for _, id := range ids {
		if lot, exists := s.lotsByID[id]; exists {
			result[id] = lot
		}
	}
	return result, nil
}

func (s *Store) ListLots(_ context.Context, status string, forSaleOnly bool, limit int) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]domain.Lot, 0, len(s.lotsByID))
	for _, lot := range s.lotsByID {
		if status != "" && lot.Status != status {
			continue
		}
		if forSaleOnly && !lot.ForSale {
			continue
		}
		lots = append(lots, lot)
	}
	slices.SortFunc(lots, func(a, b domain.Lot) int {
		if a.CardName == b.CardName {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.CardName, b.CardName)
	})
	if limit > 0 && len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (s *Store) UpdateLot(_ context.Context, id string, req domain.LotUpdateRequest) (*domain.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, exists := s.lotsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if req.Status != nil {
		lot.Status = *req.Status
	}
	if req.ForSale != nil {
		lot.ForSale = *req.ForSale
	}
	if req.ListPriceCents != nil {
		if *req.ListPriceCents < 0 {
			return nil, store.ErrInvalidRequest
		}
		lot.ListPriceCents = *req.ListPriceCents
	}
	s.lotsByID[id] = lot
	updated := lot
	return &updated, nil
}

func (s *Store) AddLotStock(_ context.Context, lotID string, purchaseID string, qty int) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}
	lot, exists := s.lotsByID[lotID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.purchasesByID[purchaseID]; !exists {
		return nil, store.ErrNotFound
	}
	entry := domain.LedgerEntry{
		ID:                  xid.New("led"),
		LotID:               lotID,
		PurchaseID:          purchaseID,
		QuantityContributed: qty,
		CreatedAt:           time.Now().UTC(),
	}
	s.ledgerByLot[lotID] = append(s.ledgerByLot[lotID], entry)
	lot.TotalQuantity += qty
	s.lotsByID[lotID] = lot
	created := entry
	return &created, nil
}

// MergeLots folds the source lot into the target: quantities are
// summed, ledger entries sharing a purchase are merged while the rest
// are re-appended, and every sale line and bundle item that pointed at
// the source is repointed so history survives the merge.
func (s *Store) MergeLots(_ context.Context, targetLotID string, sourceLotID string) (*domain.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetLotID == sourceLotID {
		return nil, store.ErrInvalidRequest
	}
	target, exists := s.lotsByID[targetLotID]
	if !exists {
		return nil, store.ErrNotFound
	}
	source, exists := s.lotsByID[sourceLotID]
	if !exists {
		return nil, store.ErrNotFound
	}

	targetEntries := s.ledgerByLot[targetLotID]
	for _, sourceEntry := range s.ledgerByLot[sourceLotID] {
		merged := false
		for i, targetEntry := range targetEntries {
			if targetEntry.PurchaseID == sourceEntry.PurchaseID {
				targetEntry.QuantityContributed += sourceEntry.QuantityContributed
				targetEntries[i] = targetEntry
				merged = true
				break
			}
		}
		if !merged {
			moved := sourceEntry
			moved.LotID = targetLotID
			targetEntries = append(targetEntries, moved)
		}
	}
	s.ledgerByLot[targetLotID] = targetEntries
	delete(s.ledgerByLot, sourceLotID)

	for saleID, sale := range s.salesByID {
		changed := false
		for i, line := range sale.Lines {
			if line.LotID == sourceLotID {
				sale.Lines[i].LotID = targetLotID
				changed = true
			}
		}
		if changed {
			s.salesByID[saleID] = sale
		}
	}
	for bundleID, bundle := range s.bundlesByID {
		changed := false
		for i, item := range bundle.Items {
			if item.LotID == sourceLotID {
				bundle.Items[i].LotID = targetLotID
				changed = true
			}
		}
		if changed {
			s.bundlesByID[bundleID] = bundle
		}
	}

	target.TotalQuantity += source.TotalQuantity
	s.lotsByID[targetLotID] = target
	delete(s.lotsByID, sourceLotID)

	merged := target
	return &merged, nil
}

func (s *Store) DeleteLot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lotsByID[id]; !exists {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if line.LotID == id {
				return store.ErrInvalidRequest
			}
		}
	}
	for _, bundle := range s.bundlesByID {
		for _, item := range bundle.Items {
			if item.LotID == id {
				return store.ErrInvalidRequest
			}
		}
	}
	delete(s.lotsByID, id)
	delete(s.ledgerByLot, id)
	return nil
}

func (s *Store) ContributionsFor(_ context.Context, lotID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.lotsByID[lotID]; !exists {
		return nil, store.ErrNotFound
	}
	entries := s.ledgerByLot[lotID]
	result := make([]domain.LedgerEntry, len(entries))
	copy(result, entries)
	slices.SortFunc(result, func(a, b domain.LedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListContributionsByPurchase(_ context.Context, purchaseID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, 8)
	for _, entries := range s.ledgerByLot {
		for _, entry := range entries {
			if entry.PurchaseID == purchaseID {
				result = append(result, entry)
			}
		}
	}
	slices.SortFunc(result, func(a, b domain.LedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) GetLotUsage(_ context.Context, lotID string) (*domain.LotUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.lotsByID[lotID]; !exists {
		return nil, store.ErrNotFound
	}
	usage := s.lotUsageLocked(lotID)
	return &usage, nil
}

// lotUsageLocked assumes the caller holds at least a read lock.
func (s *Store) lotUsageLocked(lotID string) domain.LotUsage {
	usage := domain.LotUsage{}
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if line.LotID == lotID {
				usage.SoldQty += line.Qty
			}
		}
	}
	for _, bundle := range s.bundlesByID {
		if bundle.Status != domain.BundleStatusActive {
			continue
		}
		for _, item := range bundle.Items {
			if item.LotID == lotID {
				usage.ReservedByBundles += bundle.QuantityAvailable * item.QuantityPerBundle
			}
		}
	}
	return usage
}

func (s *Store) availableLocked(lotID string) (available int, reserved int) {
	lot := s.lotsByID[lotID]
	usage := s.lotUsageLocked(lotID)
	available = lot.TotalQuantity - usage.SoldQty - usage.ReservedByBundles
	if available < 0 {
		available = 0
	}
	return available, usage.ReservedByBundles
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	for _, line := range sale.Lines {
		if line.Qty < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrInvalidRequest
		}
		if _, exists := s.lotsByID[line.LotID]; !exists {
			return nil, store.ErrNotFound
		}
	}

	switch sale.Kind {
	case domain.SaleKindDirect:
		requested := map[string]int{}
		for _, line := range sale.Lines {
			requested[line.LotID] += line.Qty
		}
		for lotID, qty := range requested {
			available, reserved := s.availableLocked(lotID)
			if qty > available {
				return nil, &store.InsufficientStockError{
					LotID:             lotID,
					Requested:         qty,
					Available:         available,
					ReservedByBundles: reserved,
				}
			}
		}
	case domain.SaleKindBundle:
		bundle, exists := s.bundlesByID[sale.BundleID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if bundle.Status != domain.BundleStatusActive || sale.Instances < 1 || sale.Instances > bundle.QuantityAvailable {
			available := 0
			if bundle.Status == domain.BundleStatusActive {
				available = bundle.QuantityAvailable
			}
			return nil, &store.InsufficientBundleStockError{
				BundleID:  sale.BundleID,
				Requested: sale.Instances,
				Available: available,
			}
		}
		bundle.QuantityAvailable -= sale.Instances
		if bundle.QuantityAvailable == 0 {
			bundle.Status = domain.BundleStatusSold
		}
		s.bundlesByID[sale.BundleID] = bundle
	default:
		return nil, store.ErrInvalidRequest
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = sale.CreatedAt
	}
	stored := sale
	stored.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(stored.Lines, sale.Lines)
	for i := range stored.Lines {
		stored.Lines[i].SaleID = sale.ID
		stored.Lines[i].Allocations = nil
	}
	s.salesByID[sale.ID] = stored
	created := s.saleWithAllocationsLocked(stored)
	return &created, nil
}

func (s *Store) saleWithAllocationsLocked(sale domain.Sale) domain.Sale {
	result := sale
	result.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(result.Lines, sale.Lines)
	for i, line := range result.Lines {
		allocs := s.allocsByLine[line.ID]
		if len(allocs) == 0 {
			continue
		}
		lineAllocs := make([]domain.Allocation, len(allocs))
		copy(lineAllocs, allocs)
		result.Lines[i].Allocations = lineAllocs
	}
	return result
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := s.saleWithAllocationsLocked(sale)
	return &result, nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !from.IsZero() && sale.SoldAt.Before(from) {
			continue
		}
		if !to.IsZero() && sale.SoldAt.After(to) {
			continue
		}
		sales = append(sales, s.saleWithAllocationsLocked(sale))
	}
	sortSales(sales)
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) ListSalesByLots(_ context.Context, lotIDs []string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(lotIDs))
	for _, id := range lotIDs {
		wanted[id] = true
	}
	sales := make([]domain.Sale, 0, 8)
	for _, sale := range s.salesByID {
		touches := false
		for _, line := range sale.Lines {
			if wanted[line.LotID] {
				touches = true
				break
			}
		}
		if touches {
			sales = append(sales, s.saleWithAllocationsLocked(sale))
		}
	}
	sortSales(sales)
	return sales, nil
}

func (s *Store) SoldQtyByLots(_ context.Context, lotIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(lotIDs))
	for _, id := range lotIDs {
		result[id] = 0
	}
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if _, wanted := result[line.LotID]; wanted {
				result[line.LotID] += line.Qty
			}
		}
	}
	return result, nil
}

func (s *Store) CreateAllocations(_ context.Context, saleLineID string, allocations []domain.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if line.ID == saleLineID {
				found = true
				break
			}
		}
	}
	if !found {
		return store.ErrNotFound
	}
	for _, alloc := range allocations {
		if alloc.Qty < 1 {
			return store.ErrInvalidRequest
		}
		stored := alloc
		if stored.ID == "" {
			stored.ID = xid.New("alo")
		}
		stored.SaleLineID = saleLineID
		s.allocsByLine[saleLineID] = append(s.allocsByLine[saleLineID], stored)
	}
	return nil
}

func (s *Store) CreateBundle(_ context.Context, bundle domain.Bundle) (*domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bundle.ID == "" || bundle.Name == "" || bundle.QuantityAvailable < 1 || len(bundle.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.bundlesByID[bundle.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	for _, item := range bundle.Items {
		if item.QuantityPerBundle < 1 {
			return nil, store.ErrInvalidRequest
		}
		if _, exists := s.lotsByID[item.LotID]; !exists {
			return nil, store.ErrNotFound
		}
	}
	if bundle.Status == "" {
		bundle.Status = domain.BundleStatusDraft
	}
	if bundle.Status == domain.BundleStatusActive {
		if err := s.validateReservationLocked(bundle, ""); err != nil {
			return nil, err
		}
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}
	stored := bundle
	stored.Items = make([]domain.BundleItem, len(bundle.Items))
	copy(stored.Items, bundle.Items)
	for i := range stored.Items {
		stored.Items[i].BundleID = bundle.ID
	}
	s.bundlesByID[bundle.ID] = stored
	created := stored
	created.Items = append([]domain.BundleItem(nil), stored.Items...)
	return &created, nil
}

// validateReservationLocked checks that every item of the bundle fits
// the availability of its lot. excludeBundleID removes the bundle's own
// current reservation from the picture when re-validating an edit.
func (s *Store) validateReservationLocked(bundle domain.Bundle, excludeBundleID string) error {
	for _, item := range bundle.Items {
		lot, exists := s.lotsByID[item.LotID]
		if !exists {
			return store.ErrNotFound
		}
		usage := s.lotUsageLocked(item.LotID)
		if excludeBundleID != "" {
			if existing, ok := s.bundlesByID[excludeBundleID]; ok && existing.Status == domain.BundleStatusActive {
				for _, existingItem := range existing.Items {
					if existingItem.LotID == item.LotID {
						usage.ReservedByBundles -= existing.QuantityAvailable * existingItem.QuantityPerBundle
					}
				}
			}
		}
		available := lot.TotalQuantity - usage.SoldQty - usage.ReservedByBundles
		if available < 0 {
			available = 0
		}
		needed := bundle.QuantityAvailable * item.QuantityPerBundle
		if needed > available {
			return &store.InsufficientStockError{
				LotID:             item.LotID,
				Requested:         needed,
				Available:         available,
				ReservedByBundles: usage.ReservedByBundles,
			}
		}
	}
	return nil
}

func (s *Store) GetBundle(_ context.Context, id string) (*domain.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle, exists := s.bundlesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := bundle
	result.Items = append([]domain.BundleItem(nil), bundle.Items...)
	return &result, nil
}

func (s *Store) ListBundles(_ context.Context, status string, limit int) ([]domain.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundles := make([]domain.Bundle, 0, len(s.bundlesByID))
	for _, bundle := range s.bundlesByID {
		if status != "" && bundle.Status != status {
			continue
		}
		result := bundle
		result.Items = append([]domain.BundleItem(nil), bundle.Items...)
		bundles = append(bundles, result)
	}
	slices.SortFunc(bundles, func(a, b domain.Bundle) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(bundles) > limit {
		bundles = bundles[:limit]
	}
	return bundles, nil
}

func (s *Store) UpdateBundle(_ context.Context, id string, req domain.BundleUpdateRequest) (*domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, exists := s.bundlesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if bundle.Status == domain.BundleStatusSold || bundle.Status == domain.BundleStatusArchived {
		return nil, store.ErrInvalidRequest
	}
	updated := bundle
	updated.Items = append([]domain.BundleItem(nil), bundle.Items...)
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return nil, store.ErrInvalidRequest
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.QuantityAvailable != nil {
		if *req.QuantityAvailable < 1 {
			return nil, store.ErrInvalidRequest
		}
		updated.QuantityAvailable = *req.QuantityAvailable
	}
	if len(req.Items) > 0 {
		for _, item := range req.Items {
			if item.QuantityPerBundle < 1 {
				return nil, store.ErrInvalidRequest
			}
			if _, exists := s.lotsByID[item.LotID]; !exists {
				return nil, store.ErrNotFound
			}
		}
		updated.Items = make([]domain.BundleItem, len(req.Items))
		copy(updated.Items, req.Items)
		for i := range updated.Items {
			updated.Items[i].BundleID = id
		}
	}
	if updated.Status == domain.BundleStatusActive {
		if err := s.validateReservationLocked(updated, id); err != nil {
			return nil, err
		}
	}
	s.bundlesByID[id] = updated
	result := updated
	result.Items = append([]domain.BundleItem(nil), updated.Items...)
	return &result, nil
}

func (s *Store) SetBundleStatus(_ context.Context, id string, status string) (*domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, exists := s.bundlesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	allowed := map[string][]string{
		domain.BundleStatusDraft:  {domain.BundleStatusActive},
		domain.BundleStatusActive: {domain.BundleStatusArchived},
	}
	valid := false
	for _, next := range allowed[bundle.Status] {
		if next == status {
			valid = true
			break
		}
	}
	if !valid {
		return nil, store.ErrInvalidRequest
	}
	if status == domain.BundleStatusActive {
		if err := s.validateReservationLocked(bundle, ""); err != nil {
			return nil, err
		}
	}
	bundle.Status = status
	s.bundlesByID[id] = bundle
	result := bundle
	result.Items = append([]domain.BundleItem(nil), bundle.Items...)
	return &result, nil
}

func (s *Store) CreateConsumable(_ context.Context, consumable domain.Consumable) (*domain.Consumable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if consumable.ID == "" || consumable.Name == "" || consumable.UnitCostCents < 0 || consumable.QuantityOnHand < 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.consumablesByID[consumable.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	if consumable.CreatedAt.IsZero() {
		consumable.CreatedAt = time.Now().UTC()
	}
	s.consumablesByID[consumable.ID] = consumable
	created := consumable
	return &created, nil
}

func (s *Store) GetConsumable(_ context.Context, id string) (*domain.Consumable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consumable, exists := s.consumablesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyConsumable := consumable
	return &copyConsumable, nil
}

func (s *Store) ListConsumables(_ context.Context) ([]domain.Consumable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consumables := make([]domain.Consumable, 0, len(s.consumablesByID))
	for _, c := range s.consumablesByID {
		consumables = append(consumables, c)
	}
	slices.SortFunc(consumables, func(a, b domain.Consumable) int {
		return cmpString(a.Name, b.Name)
	})
	return consumables, nil
}

func (s *Store) RestockConsumable(_ context.Context, id string, qty int, unitCostCents int64) (*domain.Consumable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 || unitCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	consumable, exists := s.consumablesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	consumable.UnitCostCents = weightedUnitCostCents(consumable.QuantityOnHand, consumable.UnitCostCents, qty, unitCostCents)
	consumable.QuantityOnHand += qty
	s.consumablesByID[id] = consumable
	updated := consumable
	return &updated, nil
}

func (s *Store) ConsumeConsumables(_ context.Context, items map[string]int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalCents int64
	for id, qty := range items {
		if qty < 1 {
			return 0, store.ErrInvalidRequest
		}
		consumable, exists := s.consumablesByID[id]
		if !exists {
			return 0, store.ErrNotFound
		}
		if qty > consumable.QuantityOnHand {
			return 0, store.ErrInvalidRequest
		}
	}
	for id, qty := range items {
		consumable := s.consumablesByID[id]
		consumable.QuantityOnHand -= qty
		s.consumablesByID[id] = consumable
		totalCents += consumable.UnitCostCents * int64(qty)
	}
	return totalCents, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func sortSales(sales []domain.Sale) {
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.SoldAt.Equal(b.SoldAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.SoldAt.After(b.SoldAt) {
			return -1
		}
		return 1
	})
}

func weightedUnitCostCents(onHand int, currentCents int64, addedQty int, addedCents int64) int64 {
	if onHand < 0 {
		onHand = 0
	}
	totalQty := onHand + addedQty
	if totalQty <= 0 {
		return currentCents
	}
	totalValue := currentCents*int64(onHand) + addedCents*int64(addedQty)
	return totalValue / int64(totalQty)
}

func cmpString(a, b string) int {
	return strings.Compare(a, b)
}
