package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardstock/backend/internal/domain"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientBundleStock = errors.New("insufficient bundle stock")
)

// InsufficientStockError carries the availability breakdown for a lot
// that cannot cover a requested quantity. It unwraps to
// ErrInsufficientStock so callers can keep matching with errors.Is.
type InsufficientStockError struct {
	LotID             string `json:"lot_id"`
	Requested         int    `json:"requested"`
	Available         int    `json:"available"`
	ReservedByBundles int    `json:"reserved_by_bundles"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for lot %s: requested %d, available %d (%d reserved by bundles)",
		e.LotID, e.Requested, e.Available, e.ReservedByBundles)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type InsufficientBundleStockError struct {
	BundleID  string `json:"bundle_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientBundleStockError) Error() string {
	return fmt.Sprintf("insufficient bundle stock for %s: requested %d instances, available %d",
		e.BundleID, e.Requested, e.Available)
}

func (e *InsufficientBundleStockError) Unwrap() error { return ErrInsufficientBundleStock }

type Repository interface {
	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	GetPurchasesByIDs(ctx context.Context, ids []string) (map[string]domain.Purchase, error)
	ListPurchases(ctx context.Context, status string, limit int) ([]domain.Purchase, error)
	UpdatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	ClosePurchase(ctx context.Context, id string) (*domain.Purchase, error)
	PurchaseHasAttributedSales(ctx context.Context, id string) (bool, error)

	CreateLot(ctx context.Context, lot domain.Lot, purchaseID string) (*domain.Lot, error)
	GetLot(ctx context.Context, id string) (*domain.Lot, error)
	GetLotsByIDs(ctx context.Context, ids []string) (map[string]domain.Lot, error)
	ListLots(ctx context.Context, status string, forSaleOnly bool, limit int) ([]domain.Lot, error)
	UpdateLot(ctx context.Context, id string, req domain.LotUpdateRequest) (*domain.Lot, error)
	AddLotStock(ctx context.Context, lotID string, purchaseID string, qty int) (*domain.LedgerEntry, error)
	MergeLots(ctx context.Context, targetLotID string, sourceLotID string) (*domain.Lot, error)
	DeleteLot(ctx context.Context, id string) error
	ContributionsFor(ctx context.Context, lotID string) ([]domain.LedgerEntry, error)
	ListContributionsByPurchase(ctx context.Context, purchaseID string) ([]domain.LedgerEntry, error)
	GetLotUsage(ctx context.Context, lotID string) (*domain.LotUsage, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	ListSalesByLots(ctx context.Context, lotIDs []string) ([]domain.Sale, error)
	SoldQtyByLots(ctx context.Context, lotIDs []string) (map[string]int, error)
	CreateAllocations(ctx context.Context, saleLineID string, allocations []domain.Allocation) error

	CreateBundle(ctx context.Context, bundle domain.Bundle) (*domain.Bundle, error)
	GetBundle(ctx context.Context, id string) (*domain.Bundle, error)
	ListBundles(ctx context.Context, status string, limit int) ([]domain.Bundle, error)
	UpdateBundle(ctx context.Context, id string, req domain.BundleUpdateRequest) (*domain.Bundle, error)
	SetBundleStatus(ctx context.Context, id string, status string) (*domain.Bundle, error)

	CreateConsumable(ctx context.Context, consumable domain.Consumable) (*domain.Consumable, error)
	GetConsumable(ctx context.Context, id string) (*domain.Consumable, error)
	ListConsumables(ctx context.Context) ([]domain.Consumable, error)
	RestockConsumable(ctx context.Context, id string, qty int, unitCostCents int64) (*domain.Consumable, error)
	ConsumeConsumables(ctx context.Context, items map[string]int) (int64, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
