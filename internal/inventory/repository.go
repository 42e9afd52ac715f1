package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockroom/stockroom/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger primitives to an open transaction so other
// modules can post movements inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const productColumns = `id, tenant_id, sku, name, price, cost, stock, min_stock, max_stock, is_active, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p        Product
		maxStock pgtype.Int8
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.Price, &p.Cost, &p.Stock, &p.MinStock, &maxStock, &p.IsActive, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	if maxStock.Valid {
		v := maxStock.Int64
		p.MaxStock = &v
	}
	return p, nil
}

const movementColumns = `id, tenant_id, product_id, COALESCE(user_id, 0), kind, quantity, stock_before, stock_after, unit_cost, COALESCE(reference, ''), COALESCE(notes, ''), created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		m    Movement
		kind string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.ProductID, &m.UserID, &kind, &m.Quantity, &m.StockBefore, &m.StockAfter, &m.UnitCost, &m.Reference, &m.Notes, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrNotFound
		}
		return Movement{}, err
	}
	m.Kind = MovementKind(kind)
	return m, nil
}

const alertColumns = `id, tenant_id, product_id, kind, status, current_stock, threshold, COALESCE(message, ''), is_notified, created_at, resolved_at`

func scanAlert(row pgx.Row) (StockAlert, error) {
	var (
		a            StockAlert
		kind, status string
		resolvedAt   pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.ProductID, &kind, &status, &a.CurrentStock, &a.Threshold, &a.Message, &a.Notified, &a.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockAlert{}, ErrNotFound
		}
		return StockAlert{}, err
	}
	a.Kind = AlertKind(kind)
	a.Status = AlertStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func collectAlerts(rows pgx.Rows) ([]StockAlert, error) {
	defer rows.Close()
	var alerts []StockAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullInt8(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: v != 0}
}

func (r *txRepo) GetProductForUpdate(ctx context.Context, tenantID, productID int64) (Product, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products
WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL
FOR UPDATE`, tenantID, productID)
	return scanProduct(row)
}

func (r *txRepo) UpdateProductStock(ctx context.Context, tenantID, productID, stock int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET stock=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, productID, stock)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements
(tenant_id, product_id, user_id, kind, quantity, stock_before, stock_after, unit_cost, reference, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id, created_at`,
		m.TenantID, m.ProductID, nullInt8(m.UserID), string(m.Kind), m.Quantity, m.StockBefore, m.StockAfter,
		m.UnitCost, nullText(m.Reference), nullText(m.Notes), m.CreatedAt)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return Movement{}, err
	}
	return m, nil
}

func (r *txRepo) CountMovements(ctx context.Context, tenantID, productID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_movements WHERE tenant_id=$1 AND product_id=$2`, tenantID, productID).Scan(&n)
	return n, err
}

func (r *txRepo) ListActiveAlerts(ctx context.Context, tenantID, productID int64) ([]StockAlert, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+alertColumns+` FROM stock_alerts
WHERE tenant_id=$1 AND product_id=$2 AND status='ACTIVE'
ORDER BY id`, tenantID, productID)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

func (r *txRepo) InsertAlert(ctx context.Context, a StockAlert) (StockAlert, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_alerts
(tenant_id, product_id, kind, status, current_stock, threshold, message, is_notified, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8,$8)
RETURNING id`,
		a.TenantID, a.ProductID, string(a.Kind), string(a.Status), a.CurrentStock, a.Threshold, a.Message, a.CreatedAt)
	if err := row.Scan(&a.ID); err != nil {
		return StockAlert{}, err
	}
	return a, nil
}

func (r *txRepo) GetAlertForUpdate(ctx context.Context, tenantID, alertID int64) (StockAlert, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM stock_alerts WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, alertID)
	return scanAlert(row)
}

func (r *txRepo) UpdateAlertStatus(ctx context.Context, tenantID, alertID int64, status AlertStatus, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_alerts SET status=$3, resolved_at=$4, updated_at=$4
WHERE tenant_id=$1 AND id=$2`, tenantID, alertID, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.Savepoint(ctx, r.tx, func(sp pgx.Tx) error {
		return fn(ctx, &txRepo{tx: sp})
	})
}

// GetMovement loads one movement.
func (r *Repository) GetMovement(ctx context.Context, tenantID, movementID int64) (Movement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements WHERE tenant_id=$1 AND id=$2`, tenantID, movementID)
	return scanMovement(row)
}

// ListMovements returns a page of movements newest first and the total count.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	where, args := movementWhere(filter)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_movements WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM inventory_movements WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		movementColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	movements, err := collectMovements(rows)
	if err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

func movementWhere(filter MovementFilter) (string, []any) {
	clauses := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.ProductID != 0 {
		add("product_id = ?", filter.ProductID)
	}
	if filter.Kind != "" {
		add("kind = ?", string(filter.Kind))
	}
	if filter.Reference != "" {
		add("reference = ?", filter.Reference)
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= ?", filter.To)
	}
	return strings.Join(clauses, " AND "), args
}

// ProductLedger loads a live product and its movements in id order from one
// snapshot, so writers committing in between cannot skew the comparison.
func (r *Repository) ProductLedger(ctx context.Context, tenantID, productID int64) (Product, []Movement, error) {
	var (
		product   Product
		movements []Movement
	)
	err := db.ReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL`, tenantID, productID)
		var err error
		if product, err = scanProduct(row); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+movementColumns+` FROM inventory_movements
WHERE tenant_id=$1 AND product_id=$2 ORDER BY id`, tenantID, productID)
		if err != nil {
			return err
		}
		movements, err = collectMovements(rows)
		return err
	})
	if err != nil {
		return Product{}, nil, err
	}
	return product, movements, nil
}

// ListAlerts filters alerts by status, kind and product.
func (r *Repository) ListAlerts(ctx context.Context, filter AlertFilter) ([]StockAlert, error) {
	clauses := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		clauses = append(clauses, "kind = $"+strconv.Itoa(len(args)))
	}
	if filter.ProductID != 0 {
		args = append(args, filter.ProductID)
		clauses = append(clauses, "product_id = $"+strconv.Itoa(len(args)))
	}
	args = append(args, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM stock_alerts WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		alertColumns, strings.Join(clauses, " AND "), len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

// ListUnnotifiedAlerts returns ACTIVE alerts awaiting notification, oldest first.
func (r *Repository) ListUnnotifiedAlerts(ctx context.Context, limit int) ([]StockAlert, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+alertColumns+` FROM stock_alerts
WHERE status='ACTIVE' AND is_notified=FALSE
ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

// MarkAlertsNotified flags the given alerts.
func (r *Repository) MarkAlertsNotified(ctx context.Context, alertIDs []int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE stock_alerts SET is_notified=TRUE, updated_at=NOW() WHERE id = ANY($1)`, alertIDs)
	return err
}

// ProductTotals aggregates live products of a tenant.
func (r *Repository) ProductTotals(ctx context.Context, tenantID int64) (ProductTotals, error) {
	var t ProductTotals
	err := r.pool.QueryRow(ctx, `SELECT
	COUNT(*),
	COALESCE(SUM(stock), 0),
	COALESCE(SUM(GREATEST(stock, 0) * cost), 0),
	COUNT(*) FILTER (WHERE stock > 0 AND stock <= min_stock),
	COUNT(*) FILTER (WHERE stock <= 0)
FROM products WHERE tenant_id=$1 AND deleted_at IS NULL`, tenantID).
		Scan(&t.Products, &t.UnitsOnHand, &t.InventoryValue, &t.LowStock, &t.OutOfStock)
	return t, err
}

// CountActiveAlerts counts ACTIVE alerts of a tenant.
func (r *Repository) CountActiveAlerts(ctx context.Context, tenantID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_alerts WHERE tenant_id=$1 AND status='ACTIVE'`, tenantID).Scan(&n)
	return n, err
}

// CountMovementsSince counts movements created at or after since.
func (r *Repository) CountMovementsSince(ctx context.Context, tenantID int64, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_movements WHERE tenant_id=$1 AND created_at >= $2`, tenantID, since).Scan(&n)
	return n, err
}

// ListProductRefs pages through live products of every tenant by id.
func (r *Repository) ListProductRefs(ctx context.Context, afterID int64, limit int) ([]ProductRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, id FROM products WHERE deleted_at IS NULL AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []ProductRef
	for rows.Next() {
		var ref ProductRef
		if err := rows.Scan(&ref.TenantID, &ref.ID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
