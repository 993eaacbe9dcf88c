package domain

import "time"

type Purchase struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	Vendor         string    `json:"vendor,omitempty"`
	TotalCostCents int64     `json:"total_cost_cents"`
	Status         string    `json:"status"`
	PurchasedAt    time.Time `json:"purchased_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type PurchaseCreateRequest struct {
	Label          string `json:"label"`
	Vendor         string `json:"vendor,omitempty"`
	TotalCostCents int64  `json:"total_cost_cents"`
	PurchasedAt    string `json:"purchased_at,omitempty"`
}

type PurchaseUpdateRequest struct {
	Label          *string `json:"label,omitempty"`
	Vendor         *string `json:"vendor,omitempty"`
	TotalCostCents *int64  `json:"total_cost_cents,omitempty"`
}

type Lot struct {
	ID             string    `json:"id"`
	CardName       string    `json:"card_name"`
	SetCode        string    `json:"set_code,omitempty"`
	Condition      string    `json:"condition"`
	Variation      string    `json:"variation,omitempty"`
	TotalQuantity  int       `json:"total_quantity"`
	Status         string    `json:"status"`
	ForSale        bool      `json:"for_sale"`
	ListPriceCents int64     `json:"list_price_cents"`
	// PurchaseID is the direct acquisition pointer kept for lots that
	// predate the contribution ledger. New intake always writes ledger
	// entries; this field only matters for legacy attribution.
	PurchaseID string    `json:"purchase_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LotIntakeRequest struct {
	PurchaseID     string `json:"purchase_id"`
	CardName       string `json:"card_name"`
	SetCode        string `json:"set_code,omitempty"`
	Condition      string `json:"condition"`
	Variation      string `json:"variation,omitempty"`
	Quantity       int    `json:"quantity"`
	ListPriceCents int64  `json:"list_price_cents"`
	ForSale        bool   `json:"for_sale"`
}

type LotUpdateRequest struct {
	Status         *string `json:"status,omitempty"`
	ForSale        *bool   `json:"for_sale,omitempty"`
	ListPriceCents *int64  `json:"list_price_cents,omitempty"`
}

type LotStockRequest struct {
	PurchaseID string `json:"purchase_id"`
	Quantity   int    `json:"quantity"`
}

type LotMergeRequest struct {
	SourceLotID string `json:"source_lot_id"`
	ManagerPIN  string `json:"manager_pin"`
}

type LotDeleteRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

// LedgerEntry records how many units of a lot came from a purchase.
// Entries are append-only; a lot merge rewrites them transactionally.
type LedgerEntry struct {
	ID                  string    `json:"id"`
	LotID               string    `json:"lot_id"`
	PurchaseID          string    `json:"purchase_id"`
	QuantityContributed int       `json:"quantity_contributed"`
	CreatedAt           time.Time `json:"created_at"`
}

// LotAvailability is the derived sellable position of a lot.
// Shortfall is non-zero only when the raw value went negative, which
// indicates inconsistent data and is reported rather than hidden.
type LotAvailability struct {
	LotID             string `json:"lot_id"`
	TotalQuantity     int    `json:"total_quantity"`
	SoldQty           int    `json:"sold_qty"`
	ReservedByBundles int    `json:"reserved_by_bundles"`
	Available         int    `json:"available"`
	Shortfall         int    `json:"shortfall,omitempty"`
}

// LotUsage aggregates the consumption side of availability.
type LotUsage struct {
	SoldQty           int
	ReservedByBundles int
}

type Allocation struct {
	ID         string `json:"id"`
	SaleLineID string `json:"sale_line_id"`
	PurchaseID string `json:"purchase_id"`
	Qty        int    `json:"qty"`
}

type SaleLine struct {
	ID             string       `json:"id"`
	SaleID         string       `json:"sale_id"`
	LotID          string       `json:"lot_id"`
	Qty            int          `json:"qty"`
	UnitPriceCents int64        `json:"unit_price_cents"`
	Allocations    []Allocation `json:"allocations,omitempty"`
}

type Sale struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	BundleID            string     `json:"bundle_id,omitempty"`
	Instances           int        `json:"instances,omitempty"`
	SubtotalCents       int64      `json:"subtotal_cents"`
	DiscountCents       int64      `json:"discount_cents"`
	FeesCents           int64      `json:"fees_cents"`
	ShippingCents       int64      `json:"shipping_cents"`
	TotalCents          int64      `json:"total_cents"`
	ConsumableCostCents int64      `json:"consumable_cost_cents"`
	SoldAt              time.Time  `json:"sold_at"`
	CreatedAt           time.Time  `json:"created_at"`
	Lines               []SaleLine `json:"lines"`
}

type SaleLineRequest struct {
	LotID          string              `json:"lot_id"`
	Qty            int                 `json:"qty"`
	UnitPriceCents int64               `json:"unit_price_cents"`
	Allocations    []AllocationRequest `json:"allocations,omitempty"`
}

type AllocationRequest struct {
	PurchaseID string `json:"purchase_id"`
	Qty        int    `json:"qty"`
}

type SaleConsumableRequest struct {
	ConsumableID string `json:"consumable_id"`
	Qty          int    `json:"qty"`
}

type SaleCreateRequest struct {
	SoldAt        string                  `json:"sold_at,omitempty"`
	DiscountCents int64                   `json:"discount_cents"`
	FeesCents     int64                   `json:"fees_cents"`
	ShippingCents int64                   `json:"shipping_cents"`
	Lines         []SaleLineRequest       `json:"lines"`
	Consumables   []SaleConsumableRequest `json:"consumables,omitempty"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type BundleItem struct {
	BundleID          string `json:"bundle_id,omitempty"`
	LotID             string `json:"lot_id"`
	QuantityPerBundle int    `json:"quantity_per_bundle"`
}

type Bundle struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	PriceCents        int64        `json:"price_cents"`
	QuantityAvailable int          `json:"quantity_available"`
	Status            string       `json:"status"`
	Items             []BundleItem `json:"items"`
	CreatedAt         time.Time    `json:"created_at"`
}

type BundleCreateRequest struct {
	Name              string       `json:"name"`
	PriceCents        int64        `json:"price_cents"`
	QuantityAvailable int          `json:"quantity_available"`
	Activate          bool         `json:"activate"`
	Items             []BundleItem `json:"items"`
}

type BundleUpdateRequest struct {
	Name              *string      `json:"name,omitempty"`
	PriceCents        *int64       `json:"price_cents,omitempty"`
	QuantityAvailable *int         `json:"quantity_available,omitempty"`
	Items             []BundleItem `json:"items,omitempty"`
}

type BundleStatusRequest struct {
	Status string `json:"status"`
}

type BundleSellRequest struct {
	Instances     int                     `json:"instances"`
	DiscountCents int64                   `json:"discount_cents"`
	FeesCents     int64                   `json:"fees_cents"`
	ShippingCents int64                   `json:"shipping_cents"`
	SoldAt        string                  `json:"sold_at,omitempty"`
	Consumables   []SaleConsumableRequest `json:"consumables,omitempty"`
}

type Consumable struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	UnitCostCents  int64     `json:"unit_cost_cents"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	CreatedAt      time.Time `json:"created_at"`
}

type ConsumableCreateRequest struct {
	Name           string `json:"name"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
	QuantityOnHand int    `json:"quantity_on_hand"`
}

type ConsumableRestockRequest struct {
	Qty           int   `json:"qty"`
	UnitCostCents int64 `json:"unit_cost_cents"`
}

// PurchaseProfit is a derived view, recomputed on demand and never
// persisted. FeesCents is the purchase's apportioned share of order
// fees and shipping; it is reported but excluded from NetProfitCents.
type PurchaseProfit struct {
	PurchaseID           string    `json:"purchase_id"`
	CostCents            int64     `json:"cost_cents"`
	RevenueCents         int64     `json:"revenue_cents"`
	ConsumablesCostCents int64     `json:"consumables_cost_cents"`
	FeesCents            int64     `json:"fees_cents"`
	NetProfitCents       int64     `json:"net_profit_cents"`
	MarginPercent        float64   `json:"margin_percent"`
	ROIPercent           float64   `json:"roi_percent"`
	CardsSold            int       `json:"cards_sold"`
	CardsTotal           int       `json:"cards_total"`
	GeneratedAt          time.Time `json:"generated_at"`
}

type ProfitReportResponse struct {
	Reports     []PurchaseProfit `json:"reports"`
	GeneratedAt string           `json:"generated_at"`
}

type IntegrityIssue struct {
	Code       string `json:"code"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail"`
}

type IntegrityReport struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	LotsChecked      int              `json:"lots_checked"`
	SalesChecked     int              `json:"sales_checked"`
	PurchasesChecked int              `json:"purchases_checked"`
	Issues           []IntegrityIssue `json:"issues"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserInfo struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PurchaseStatusOpen   = "open"
	PurchaseStatusClosed = "closed"
)

const (
	LotStatusDraft    = "draft"
	LotStatusReady    = "ready"
	LotStatusListed   = "listed"
	LotStatusSold     = "sold"
	LotStatusArchived = "archived"
)

const (
	BundleStatusDraft    = "draft"
	BundleStatusActive   = "active"
	BundleStatusSold     = "sold"
	BundleStatusArchived = "archived"
)

const (
	SaleKindDirect = "direct"
	SaleKindBundle = "bundle"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleClerk   = "clerk"
)
