package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cardstock/backend/internal/domain"
	"cardstock/backend/internal/store"
	"cardstock/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.ID == "" || purchase.TotalCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	if purchase.Status == "" {
		purchase.Status = domain.PurchaseStatusOpen
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, label, vendor, total_cost_cents, status, purchased_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, purchase.ID, purchase.Label, nullIfEmpty(purchase.Vendor), purchase.TotalCostCents, purchase.Status, purchase.PurchasedAt, purchase.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := purchase
	return &created, nil
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, COALESCE(vendor, ''), total_cost_cents, status, purchased_at, created_at
		FROM purchases
		WHERE id = $1
	`, id)
	return scanPurchase(row)
}

func (s *Store) GetPurchasesByIDs(ctx context.Context, ids []string) (map[string]domain.Purchase, error) {
	if len(ids) == 0 {
		return map[string]domain.Purchase{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, COALESCE(vendor, ''), total_cost_cents, status, purchased_at, created_at
		FROM purchases
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Purchase, len(ids))
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.Label, &p.Vendor, &p.TotalCostCents, &p.Status, &p.PurchasedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) ListPurchases(ctx context.Context, status string, limit int) ([]domain.Purchase, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, COALESCE(vendor, ''), total_cost_cents, status, purchased_at, created_at
		FROM purchases
		WHERE ($1 = '' OR status = $1)
		ORDER BY purchased_at DESC, id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, limit)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.Label, &p.Vendor, &p.TotalCostCents, &p.Status, &p.PurchasedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *Store) UpdatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.TotalCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE purchases
		SET label = $2, vendor = $3, total_cost_cents = $4
		WHERE id = $1
		RETURNING id, label, COALESCE(vendor, ''), total_cost_cents, status, purchased_at, created_at
	`, purchase.ID, purchase.Label, nullIfEmpty(purchase.Vendor), purchase.TotalCostCents)
	return scanPurchase(row)
}

func (s *Store) ClosePurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE purchases
		SET status = $2
		WHERE id = $1
		RETURNING id, label, COALESCE(vendor, ''), total_cost_cents, status, purchased_at, created_at
	`, id, domain.PurchaseStatusClosed)
	return scanPurchase(row)
}

func (s *Store) PurchaseHasAttributedSales(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM allocations WHERE purchase_id = $1
		) OR EXISTS (
			SELECT 1
			FROM sale_lines sl
			WHERE sl.lot_id IN (
				SELECT lot_id FROM ledger_entries WHERE purchase_id = $1
				UNION
				SELECT id FROM lots WHERE purchase_id = $1
			)
		)
	`, id).Scan(&exists)
	return exists, err
}

// CreateLot writes the lot and its opening ledger entry atomically so a
// lot can never exist without the row that says where its stock came from.
func (s *Store) CreateLot(ctx context.Context, lot domain.Lot, purchaseID string) (*domain.Lot, error) {
	if lot.ID == "" || lot.CardName == "" || lot.TotalQuantity < 1 {
		return nil, store.ErrInvalidRequest
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var purchaseExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM purchases WHERE id = $1)`, purchaseID).Scan(&purchaseExists); err != nil {
		return nil, err
	}
	if !purchaseExists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lots (id, card_name, set_code, condition, variation, total_quantity, status, for_sale, list_price_cents, purchase_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, lot.ID, lot.CardName, nullIfEmpty(lot.SetCode), lot.Condition, nullIfEmpty(lot.Variation), lot.TotalQuantity, lot.Status, lot.ForSale, lot.ListPriceCents, purchaseID, lot.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, lot_id, purchase_id, quantity_contributed, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, xid.New("led"), lot.ID, purchaseID, lot.TotalQuantity, lot.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	lot.PurchaseID = purchaseID
	created := lot
	return &created, nil
}

func (s *Store) GetLot(ctx context.Context, id string) (*domain.Lot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_name, COALESCE(set_code, ''), condition, COALESCE(variation, ''), total_quantity, status, for_sale, list_price_cents, COALESCE(purchase_id, ''), created_at
		FROM lots
		WHERE id = $1
	`, id)
	return scanLot(row)
}

func (s *Store) GetLotsByIDs(ctx context.Context, ids []string) (map[string]domain.Lot, error) {
	if len(ids) == 0 {
		return map[string]domain.Lot{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_name, COALESCE(set_code, ''), condition, COALESCE(variation, ''), total_quantity, status, for_sale, list_price_cents, COALESCE(purchase_id, ''), created_at
		FROM lots
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Lot, len(ids))
	for rows.Next() {
		lot, err := scanLotRows(rows)
		if err != nil {
			return nil, err
		}
		result[lot.ID] = lot
	}
	return result, rows.Err()
}

func (s *Store) ListLots(ctx context.Context, status string, forSaleOnly bool, limit int) ([]domain.Lot, error) {
	if limit < 1 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_name, COALESCE(set_code, ''), condition, COALESCE(variation, ''), total_quantity, status, for_sale, list_price_cents, COALESCE(purchase_id, ''), created_at
		FROM lots
		WHERE ($1 = '' OR status = $1) AND ($2 = false OR for_sale = true)
		ORDER BY card_name, id
		LIMIT $3
	`, status, forSaleOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0, limit)
	for rows.Next() {
		lot, err := scanLotRows(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *Store) UpdateLot(ctx context.Context, id string, req domain.LotUpdateRequest) (*domain.Lot, error) {
	if req.ListPriceCents != nil && *req.ListPriceCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE lots
		SET status = COALESCE($2, status),
		    for_sale = COALESCE($3, for_sale),
		    list_price_cents = COALESCE($4, list_price_cents)
		WHERE id = $1
		RETURNING id, card_name, COALESCE(set_code, ''), condition, COALESCE(variation, ''), total_quantity, status, for_sale, list_price_cents, COALESCE(purchase_id, ''), created_at
	`, id, req.Status, req.ForSale, req.ListPriceCents)
	return scanLot(row)
}

func (s *Store) AddLotStock(ctx context.Context, lotID string, purchaseID string, qty int) (*domain.LedgerEntry, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentQty int
	err = tx.QueryRowContext(ctx, `SELECT total_quantity FROM lots WHERE id = $1 FOR UPDATE`, lotID).Scan(&currentQty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var purchaseExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM purchases WHERE id = $1)`, purchaseID).Scan(&purchaseExists); err != nil {
		return nil, err
	}
	if !purchaseExists {
		return nil, store.ErrNotFound
	}

	entry := domain.LedgerEntry{
		ID:                  xid.New("led"),
		LotID:               lotID,
		PurchaseID:          purchaseID,
		QuantityContributed: qty,
		CreatedAt:           time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, lot_id, purchase_id, quantity_contributed, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.LotID, entry.PurchaseID, entry.QuantityContributed, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE lots SET total_quantity = total_quantity + $2 WHERE id = $1`, lotID, qty)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := entry
	return &created, nil
}

// MergeLots runs the whole merge in one serializable transaction with
// both lot rows locked. Ledger entries sharing a purchase are summed
// into the target's entry, the rest move over, and sale lines and
// bundle items are repointed before the source lot disappears.
func (s *Store) MergeLots(ctx context.Context, targetLotID string, sourceLotID string) (*domain.Lot, error) {
	if targetLotID == sourceLotID {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, total_quantity
		FROM lots
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, []string{targetLotID, sourceLotID})
	if err != nil {
		return nil, err
	}
	quantities := make(map[string]int, 2)
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		quantities[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(quantities) != 2 {
		return nil, store.ErrNotFound
	}

	entryRows, err := tx.QueryContext(ctx, `
		SELECT id, purchase_id, quantity_contributed, created_at
		FROM ledger_entries
		WHERE lot_id = $1
		ORDER BY created_at, id
	`, sourceLotID)
	if err != nil {
		return nil, err
	}
	type sourceEntry struct {
		id         string
		purchaseID string
		qty        int
		createdAt  time.Time
	}
	sourceEntries := make([]sourceEntry, 0, 4)
	for entryRows.Next() {
		var e sourceEntry
		if err := entryRows.Scan(&e.id, &e.purchaseID, &e.qty, &e.createdAt); err != nil {
			_ = entryRows.Close()
			return nil, err
		}
		sourceEntries = append(sourceEntries, e)
	}
	if err := entryRows.Err(); err != nil {
		_ = entryRows.Close()
		return nil, err
	}
	_ = entryRows.Close()

	for _, entry := range sourceEntries {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_entries
			SET quantity_contributed = quantity_contributed + $3
			WHERE lot_id = $1 AND purchase_id = $2
		`, targetLotID, entry.purchaseID, entry.qty)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, lot_id, purchase_id, quantity_contributed, created_at)
				VALUES ($1, $2, $3, $4, $5)
			`, xid.New("led"), targetLotID, entry.purchaseID, entry.qty, entry.createdAt)
			if err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE lot_id = $1`, sourceLotID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sale_lines SET lot_id = $2 WHERE lot_id = $1`, sourceLotID, targetLotID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bundle_items SET lot_id = $2 WHERE lot_id = $1`, sourceLotID, targetLotID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lots SET total_quantity = total_quantity + $2 WHERE id = $1`, targetLotID, quantities[sourceLotID]); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE id = $1`, sourceLotID); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, card_name, COALESCE(set_code, ''), condition, COALESCE(variation, ''), total_quantity, status, for_sale, list_price_cents, COALESCE(purchase_id, ''), created_at
		FROM lots
		WHERE id = $1
	`, targetLotID)
	merged, err := scanLot(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) DeleteLot(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}

	var referenced bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM sale_lines WHERE lot_id = $1)
			OR EXISTS (SELECT 1 FROM bundle_items WHERE lot_id = $1)
	`, id).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return store.ErrInvalidRequest
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE lot_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ContributionsFor(ctx context.Context, lotID string) ([]domain.LedgerEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, lotID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lot_id, purchase_id, quantity_contributed, created_at
		FROM ledger_entries
		WHERE lot_id = $1
		ORDER BY created_at, id
	`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *Store) ListContributionsByPurchase(ctx context.Context, purchaseID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lot_id, purchase_id, quantity_contributed, created_at
		FROM ledger_entries
		WHERE purchase_id = $1
		ORDER BY created_at, id
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *Store) GetLotUsage(ctx context.Context, lotID string) (*domain.LotUsage, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, lotID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	usage := domain.LotUsage{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM sale_lines WHERE lot_id = $1
	`, lotID).Scan(&usage.SoldQty)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(b.quantity_available * bi.quantity_per_bundle), 0)
		FROM bundle_items bi
		JOIN bundles b ON b.id = bi.bundle_id
		WHERE bi.lot_id = $1 AND b.status = $2
	`, lotID, domain.BundleStatusActive).Scan(&usage.ReservedByBundles)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// CreateSale validates availability and writes the sale and its lines
// in one serializable transaction. Direct sales lock the lot rows so
// two concurrent sales cannot both pass the availability check; bundle
// sales lock the bundle row and consume its reservation instead.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}
	for _, line := range sale.Lines {
		if line.Qty < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrInvalidRequest
		}
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = sale.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	switch sale.Kind {
	case domain.SaleKindDirect:
		requested := map[string]int{}
		lotIDs := make([]string, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			if _, seen := requested[line.LotID]; !seen {
				lotIDs = append(lotIDs, line.LotID)
			}
			requested[line.LotID] += line.Qty
		}

		lotRows, err := tx.QueryContext(ctx, `
			SELECT id, total_quantity
			FROM lots
			WHERE id = ANY($1)
			ORDER BY id
			FOR UPDATE
		`, lotIDs)
		if err != nil {
			return nil, err
		}
		quantities := make(map[string]int, len(lotIDs))
		for lotRows.Next() {
			var id string
			var qty int
			if err := lotRows.Scan(&id, &qty); err != nil {
				_ = lotRows.Close()
				return nil, err
			}
			quantities[id] = qty
		}
		if err := lotRows.Err(); err != nil {
			_ = lotRows.Close()
			return nil, err
		}
		_ = lotRows.Close()

		for _, lotID := range lotIDs {
			total, exists := quantities[lotID]
			if !exists {
				return nil, store.ErrNotFound
			}
			var soldQty, reserved int
			if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(qty), 0) FROM sale_lines WHERE lot_id = $1`, lotID).Scan(&soldQty); err != nil {
				return nil, err
			}
			err = tx.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(b.quantity_available * bi.quantity_per_bundle), 0)
				FROM bundle_items bi
				JOIN bundles b ON b.id = bi.bundle_id
				WHERE bi.lot_id = $1 AND b.status = $2
			`, lotID, domain.BundleStatusActive).Scan(&reserved)
			if err != nil {
				return nil, err
			}
			available := total - soldQty - reserved
			if available < 0 {
				available = 0
			}
			if requested[lotID] > available {
				return nil, &store.InsufficientStockError{
					LotID:             lotID,
					Requested:         requested[lotID],
					Available:         available,
					ReservedByBundles: reserved,
				}
			}
		}
	case domain.SaleKindBundle:
		var qtyAvailable int
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT quantity_available, status
			FROM bundles
			WHERE id = $1
			FOR UPDATE
		`, sale.BundleID).Scan(&qtyAvailable, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if status != domain.BundleStatusActive || sale.Instances < 1 || sale.Instances > qtyAvailable {
			available := 0
			if status == domain.BundleStatusActive {
				available = qtyAvailable
			}
			return nil, &store.InsufficientBundleStockError{
				BundleID:  sale.BundleID,
				Requested: sale.Instances,
				Available: available,
			}
		}

		remaining := qtyAvailable - sale.Instances
		newStatus := domain.BundleStatusActive
		if remaining == 0 {
			newStatus = domain.BundleStatusSold
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE bundles SET quantity_available = $2, status = $3 WHERE id = $1
		`, sale.BundleID, remaining, newStatus)
		if err != nil {
			return nil, err
		}
	default:
		return nil, store.ErrInvalidRequest
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, kind, bundle_id, instances, subtotal_cents, discount_cents, fees_cents, shipping_cents, total_cents, consumable_cost_cents, sold_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sale.ID, sale.Kind, nullIfEmpty(sale.BundleID), sale.Instances, sale.SubtotalCents, sale.DiscountCents, sale.FeesCents, sale.ShippingCents, sale.TotalCents, sale.ConsumableCostCents, sale.SoldAt, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	for i := range sale.Lines {
		sale.Lines[i].SaleID = sale.ID
		line := sale.Lines[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, lot_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)
		`, line.ID, line.SaleID, line.LotID, line.Qty, line.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(bundle_id, ''), instances, subtotal_cents, discount_cents, fees_cents, shipping_cents, total_cents, consumable_cost_cents, sold_at, created_at
		FROM sales
		WHERE id = $1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachLines(ctx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(bundle_id, ''), instances, subtotal_cents, discount_cents, fees_cents, shipping_cents, total_cents, consumable_cost_cents, sold_at, created_at
		FROM sales
		WHERE sold_at >= $1 AND sold_at <= $2
		ORDER BY sold_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectSales(ctx, rows)
}

func (s *Store) ListSalesByLots(ctx context.Context, lotIDs []string) ([]domain.Sale, error) {
	if len(lotIDs) == 0 {
		return []domain.Sale{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.kind, COALESCE(s.bundle_id, ''), s.instances, s.subtotal_cents, s.discount_cents, s.fees_cents, s.shipping_cents, s.total_cents, s.consumable_cost_cents, s.sold_at, s.created_at
		FROM sales s
		JOIN sale_lines sl ON sl.sale_id = s.id
		WHERE sl.lot_id = ANY($1)
		ORDER BY s.sold_at DESC, s.id DESC
	`, lotIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectSales(ctx, rows)
}

func (s *Store) collectSales(ctx context.Context, rows *sql.Rows) ([]domain.Sale, error) {
	sales := make([]*domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSaleRows(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachLines(ctx, sales); err != nil {
		return nil, err
	}

	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, *sale)
	}
	return result, nil
}

func (s *Store) attachLines(ctx context.Context, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	saleIDs := make([]string, 0, len(sales))
	byID := make(map[string]*domain.Sale, len(sales))
	for _, sale := range sales {
		saleIDs = append(saleIDs, sale.ID)
		byID[sale.ID] = sale
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, lot_id, qty, unit_price_cents
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id
	`, saleIDs)
	if err != nil {
		return err
	}
	lineIDs := make([]string, 0, 64)
	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.ID, &line.SaleID, &line.LotID, &line.Qty, &line.UnitPriceCents); err != nil {
			_ = lineRows.Close()
			return err
		}
		sale := byID[line.SaleID]
		sale.Lines = append(sale.Lines, line)
		lineIDs = append(lineIDs, line.ID)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return err
	}
	_ = lineRows.Close()

	if len(lineIDs) == 0 {
		return nil
	}

	// Line slices are settled now, so pointers into them stay valid.
	lineIndex := make(map[string]*domain.SaleLine, len(lineIDs))
	for _, sale := range sales {
		for i := range sale.Lines {
			lineIndex[sale.Lines[i].ID] = &sale.Lines[i]
		}
	}

	allocRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_line_id, purchase_id, qty
		FROM allocations
		WHERE sale_line_id = ANY($1)
		ORDER BY id
	`, lineIDs)
	if err != nil {
		return err
	}
	defer allocRows.Close()
	for allocRows.Next() {
		var alloc domain.Allocation
		if err := allocRows.Scan(&alloc.ID, &alloc.SaleLineID, &alloc.PurchaseID, &alloc.Qty); err != nil {
			return err
		}
		if line, exists := lineIndex[alloc.SaleLineID]; exists {
			line.Allocations = append(line.Allocations, alloc)
		}
	}
	return allocRows.Err()
}

func (s *Store) SoldQtyByLots(ctx context.Context, lotIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(lotIDs))
	for _, id := range lotIDs {
		result[id] = 0
	}
	if len(lotIDs) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lot_id, COALESCE(SUM(qty), 0)
		FROM sale_lines
		WHERE lot_id = ANY($1)
		GROUP BY lot_id
	`, lotIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var lotID string
		var qty int
		if err := rows.Scan(&lotID, &qty); err != nil {
			return nil, err
		}
		result[lotID] = qty
	}
	return result, rows.Err()
}

func (s *Store) CreateAllocations(ctx context.Context, saleLineID string, allocations []domain.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sale_lines WHERE id = $1)`, saleLineID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}

	for _, alloc := range allocations {
		if alloc.Qty < 1 {
			return store.ErrInvalidRequest
		}
		id := alloc.ID
		if id == "" {
			id = xid.New("alo")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocations (id, sale_line_id, purchase_id, qty)
			VALUES ($1, $2, $3, $4)
		`, id, saleLineID, alloc.PurchaseID, alloc.Qty)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateBundle inserts the bundle and its items. When the bundle is
// created already active, the implied reservation is validated against
// availability with the referenced lot rows locked.
func (s *Store) CreateBundle(ctx context.Context, bundle domain.Bundle) (*domain.Bundle, error) {
	if bundle.ID == "" || bundle.Name == "" || bundle.QuantityAvailable < 1 || len(bundle.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	for _, item := range bundle.Items {
		if item.QuantityPerBundle < 1 {
			return nil, store.ErrInvalidRequest
		}
	}
	if bundle.Status == "" {
		bundle.Status = domain.BundleStatusDraft
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if bundle.Status == domain.BundleStatusActive {
		if err := validateReservationTx(ctx, tx, bundle, ""); err != nil {
			return nil, err
		}
	} else {
		for _, item := range bundle.Items {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, item.LotID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, store.ErrNotFound
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bundles (id, name, price_cents, quantity_available, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, bundle.ID, bundle.Name, bundle.PriceCents, bundle.QuantityAvailable, bundle.Status, bundle.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}
	for i := range bundle.Items {
		bundle.Items[i].BundleID = bundle.ID
		item := bundle.Items[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bundle_items (bundle_id, lot_id, quantity_per_bundle)
			VALUES ($1, $2, $3)
		`, item.BundleID, item.LotID, item.QuantityPerBundle)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := bundle
	return &created, nil
}

// validateReservationTx checks every item of the bundle against lot
// availability inside the caller's transaction, locking the lot rows.
// excludeBundleID removes the bundle's own current reservation when an
// active bundle is being edited.
func validateReservationTx(ctx context.Context, tx *sql.Tx, bundle domain.Bundle, excludeBundleID string) error {
	for _, item := range bundle.Items {
		var total int
		err := tx.QueryRowContext(ctx, `SELECT total_quantity FROM lots WHERE id = $1 FOR UPDATE`, item.LotID).Scan(&total)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		var soldQty, reserved int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(qty), 0) FROM sale_lines WHERE lot_id = $1`, item.LotID).Scan(&soldQty); err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(b.quantity_available * bi.quantity_per_bundle), 0)
			FROM bundle_items bi
			JOIN bundles b ON b.id = bi.bundle_id
			WHERE bi.lot_id = $1 AND b.status = $2 AND ($3 = '' OR b.id <> $3)
		`, item.LotID, domain.BundleStatusActive, excludeBundleID).Scan(&reserved)
		if err != nil {
			return err
		}

		available := total - soldQty - reserved
		if available < 0 {
			available = 0
		}
		needed := bundle.QuantityAvailable * item.QuantityPerBundle
		if needed > available {
			return &store.InsufficientStockError{
				LotID:             item.LotID,
				Requested:         needed,
				Available:         available,
				ReservedByBundles: reserved,
			}
		}
	}
	return nil
}

func (s *Store) GetBundle(ctx context.Context, id string) (*domain.Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, quantity_available, status, created_at
		FROM bundles
		WHERE id = $1
	`, id)
	bundle, err := scanBundle(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachBundleItems(ctx, []*domain.Bundle{bundle}); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *Store) ListBundles(ctx context.Context, status string, limit int) ([]domain.Bundle, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price_cents, quantity_available, status, created_at
		FROM bundles
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bundles := make([]*domain.Bundle, 0, limit)
	for rows.Next() {
		bundle, err := scanBundleRows(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachBundleItems(ctx, bundles); err != nil {
		return nil, err
	}

	result := make([]domain.Bundle, 0, len(bundles))
	for _, bundle := range bundles {
		result = append(result, *bundle)
	}
	return result, nil
}

func (s *Store) attachBundleItems(ctx context.Context, bundles []*domain.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	ids := make([]string, 0, len(bundles))
	byID := make(map[string]*domain.Bundle, len(bundles))
	for _, bundle := range bundles {
		ids = append(ids, bundle.ID)
		byID[bundle.ID] = bundle
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, lot_id, quantity_per_bundle
		FROM bundle_items
		WHERE bundle_id = ANY($1)
		ORDER BY lot_id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.BundleItem
		if err := rows.Scan(&item.BundleID, &item.LotID, &item.QuantityPerBundle); err != nil {
			return err
		}
		if bundle, exists := byID[item.BundleID]; exists {
			bundle.Items = append(bundle.Items, item)
		}
	}
	return rows.Err()
}

func (s *Store) UpdateBundle(ctx context.Context, id string, req domain.BundleUpdateRequest) (*domain.Bundle, error) {
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return nil, store.ErrInvalidRequest
	}
	if req.QuantityAvailable != nil && *req.QuantityAvailable < 1 {
		return nil, store.ErrInvalidRequest
	}
	for _, item := range req.Items {
		if item.QuantityPerBundle < 1 {
			return nil, store.ErrInvalidRequest
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, price_cents, quantity_available, status, created_at
		FROM bundles
		WHERE id = $1
		FOR UPDATE
	`, id)
	bundle, err := scanBundle(row)
	if err != nil {
		return nil, err
	}
	if bundle.Status == domain.BundleStatusSold || bundle.Status == domain.BundleStatusArchived {
		return nil, store.ErrInvalidRequest
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT bundle_id, lot_id, quantity_per_bundle
		FROM bundle_items
		WHERE bundle_id = $1
		ORDER BY lot_id
	`, id)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var item domain.BundleItem
		if err := itemRows.Scan(&item.BundleID, &item.LotID, &item.QuantityPerBundle); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		bundle.Items = append(bundle.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	if req.Name != nil {
		bundle.Name = *req.Name
	}
	if req.PriceCents != nil {
		bundle.PriceCents = *req.PriceCents
	}
	if req.QuantityAvailable != nil {
		bundle.QuantityAvailable = *req.QuantityAvailable
	}
	itemsChanged := len(req.Items) > 0
	if itemsChanged {
		bundle.Items = make([]domain.BundleItem, len(req.Items))
		copy(bundle.Items, req.Items)
		for i := range bundle.Items {
			bundle.Items[i].BundleID = id
		}
	}

	if bundle.Status == domain.BundleStatusActive {
		if err := validateReservationTx(ctx, tx, *bundle, id); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bundles SET name = $2, price_cents = $3, quantity_available = $4 WHERE id = $1
	`, id, bundle.Name, bundle.PriceCents, bundle.QuantityAvailable)
	if err != nil {
		return nil, err
	}
	if itemsChanged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_items WHERE bundle_id = $1`, id); err != nil {
			return nil, err
		}
		for _, item := range bundle.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bundle_items (bundle_id, lot_id, quantity_per_bundle)
				VALUES ($1, $2, $3)
			`, id, item.LotID, item.QuantityPerBundle)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *Store) SetBundleStatus(ctx context.Context, id string, status string) (*domain.Bundle, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, price_cents, quantity_available, status, created_at
		FROM bundles
		WHERE id = $1
		FOR UPDATE
	`, id)
	bundle, err := scanBundle(row)
	if err != nil {
		return nil, err
	}

	valid := (bundle.Status == domain.BundleStatusDraft && status == domain.BundleStatusActive) ||
		(bundle.Status == domain.BundleStatusActive && status == domain.BundleStatusArchived)
	if !valid {
		return nil, store.ErrInvalidRequest
	}

	if status == domain.BundleStatusActive {
		itemRows, err := tx.QueryContext(ctx, `
			SELECT bundle_id, lot_id, quantity_per_bundle
			FROM bundle_items
			WHERE bundle_id = $1
		`, id)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			var item domain.BundleItem
			if err := itemRows.Scan(&item.BundleID, &item.LotID, &item.QuantityPerBundle); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			bundle.Items = append(bundle.Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()

		if err := validateReservationTx(ctx, tx, *bundle, id); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE bundles SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	bundle.Status = status
	if len(bundle.Items) == 0 {
		if err := s.attachBundleItems(ctx, []*domain.Bundle{bundle}); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

func (s *Store) CreateConsumable(ctx context.Context, consumable domain.Consumable) (*domain.Consumable, error) {
	if consumable.ID == "" || consumable.Name == "" || consumable.UnitCostCents < 0 || consumable.QuantityOnHand < 0 {
		return nil, store.ErrInvalidRequest
	}
	if consumable.CreatedAt.IsZero() {
		consumable.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumables (id, name, unit_cost_cents, quantity_on_hand, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, consumable.ID, consumable.Name, consumable.UnitCostCents, consumable.QuantityOnHand, consumable.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}
	created := consumable
	return &created, nil
}

func (s *Store) GetConsumable(ctx context.Context, id string) (*domain.Consumable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_cost_cents, quantity_on_hand, created_at
		FROM consumables
		WHERE id = $1
	`, id)
	var c domain.Consumable
	err := row.Scan(&c.ID, &c.Name, &c.UnitCostCents, &c.QuantityOnHand, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConsumables(ctx context.Context) ([]domain.Consumable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_cost_cents, quantity_on_hand, created_at
		FROM consumables
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consumables := make([]domain.Consumable, 0, 32)
	for rows.Next() {
		var c domain.Consumable
		if err := rows.Scan(&c.ID, &c.Name, &c.UnitCostCents, &c.QuantityOnHand, &c.CreatedAt); err != nil {
			return nil, err
		}
		consumables = append(consumables, c)
	}
	return consumables, rows.Err()
}

// RestockConsumable moves the unit cost to the weighted average of the
// existing stock and the new batch.
func (s *Store) RestockConsumable(ctx context.Context, id string, qty int, unitCostCents int64) (*domain.Consumable, error) {
	if qty < 1 || unitCostCents < 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var c domain.Consumable
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, unit_cost_cents, quantity_on_hand, created_at
		FROM consumables
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&c.ID, &c.Name, &c.UnitCostCents, &c.QuantityOnHand, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.UnitCostCents = weightedUnitCostCents(c.QuantityOnHand, c.UnitCostCents, qty, unitCostCents)
	c.QuantityOnHand += qty
	_, err = tx.ExecContext(ctx, `
		UPDATE consumables SET unit_cost_cents = $2, quantity_on_hand = $3 WHERE id = $1
	`, id, c.UnitCostCents, c.QuantityOnHand)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ConsumeConsumables(ctx context.Context, items map[string]int) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var totalCents int64
	for id, qty := range items {
		if qty < 1 {
			return 0, store.ErrInvalidRequest
		}
		var onHand int
		var unitCost int64
		err := tx.QueryRowContext(ctx, `
			SELECT quantity_on_hand, unit_cost_cents
			FROM consumables
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&onHand, &unitCost)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		if qty > onHand {
			return 0, store.ErrInvalidRequest
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE consumables SET quantity_on_hand = quantity_on_hand - $2 WHERE id = $1
		`, id, qty)
		if err != nil {
			return 0, err
		}
		totalCents += unitCost * int64(qty)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return totalCents, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, COALESCE(entity_id, ''), COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidRequest
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*domain.Purchase, error) {
	var p domain.Purchase
	err := row.Scan(&p.ID, &p.Label, &p.Vendor, &p.TotalCostCents, &p.Status, &p.PurchasedAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLot(row rowScanner) (*domain.Lot, error) {
	var lot domain.Lot
	err := row.Scan(&lot.ID, &lot.CardName, &lot.SetCode, &lot.Condition, &lot.Variation, &lot.TotalQuantity, &lot.Status, &lot.ForSale, &lot.ListPriceCents, &lot.PurchaseID, &lot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func scanLotRows(rows *sql.Rows) (domain.Lot, error) {
	var lot domain.Lot
	err := rows.Scan(&lot.ID, &lot.CardName, &lot.SetCode, &lot.Condition, &lot.Variation, &lot.TotalQuantity, &lot.Status, &lot.ForSale, &lot.ListPriceCents, &lot.PurchaseID, &lot.CreatedAt)
	return lot, err
}

func scanLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, 8)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.LotID, &entry.PurchaseID, &entry.QuantityContributed, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.Kind, &sale.BundleID, &sale.Instances, &sale.SubtotalCents, &sale.DiscountCents, &sale.FeesCents, &sale.ShippingCents, &sale.TotalCents, &sale.ConsumableCostCents, &sale.SoldAt, &sale.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func scanSaleRows(rows *sql.Rows) (*domain.Sale, error) {
	var sale domain.Sale
	err := rows.Scan(&sale.ID, &sale.Kind, &sale.BundleID, &sale.Instances, &sale.SubtotalCents, &sale.DiscountCents, &sale.FeesCents, &sale.ShippingCents, &sale.TotalCents, &sale.ConsumableCostCents, &sale.SoldAt, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func scanBundle(row rowScanner) (*domain.Bundle, error) {
	var bundle domain.Bundle
	err := row.Scan(&bundle.ID, &bundle.Name, &bundle.PriceCents, &bundle.QuantityAvailable, &bundle.Status, &bundle.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func scanBundleRows(rows *sql.Rows) (*domain.Bundle, error) {
	var bundle domain.Bundle
	err := rows.Scan(&bundle.ID, &bundle.Name, &bundle.PriceCents, &bundle.QuantityAvailable, &bundle.Status, &bundle.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &bundle, nil
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
